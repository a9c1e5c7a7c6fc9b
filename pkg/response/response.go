package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/charlesng35/otpguard/pkg/errors"
)

// ErrorBody is the uniform error payload returned to clients.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TokenBody carries a freshly minted bearer token and optional step-up hints.
type TokenBody struct {
	Token       string `json:"token"`
	Message     string `json:"message,omitempty"`
	MFARequired bool   `json:"mfaRequired,omitempty"`
	MFAType     string `json:"mfaType,omitempty"`
}

// Success writes the payload as-is with the supplied status.
func Success(c *gin.Context, statusCode int, data any) {
	if data == nil {
		c.Status(statusCode)
		return
	}
	c.JSON(statusCode, data)
}

// Token writes a TokenBody with 200 OK.
func Token(c *gin.Context, body TokenBody) {
	c.JSON(http.StatusOK, body)
}

// Error writes a JSON error response derived from an AppError. Internal causes are never rendered.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, ErrorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
	})
}

// Abort writes the error and stops the handler chain.
func Abort(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}
