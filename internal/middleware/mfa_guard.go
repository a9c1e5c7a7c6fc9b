package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/response"
)

// MFAStatus reports whether an account has finished authenticator enrolment.
type MFAStatus interface {
	MFAEnabled(ctx context.Context, email string) (bool, error)
}

// RequireMFANotEnabled rejects enrolment for accounts whose authenticator is
// already active. It must run after RequireToken.
func RequireMFANotEnabled(status MFAStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		email := c.GetString(CtxEmailKey)
		if email == "" {
			response.Abort(c, errors.ErrInvalidToken)
			return
		}

		enabled, err := status.MFAEnabled(c.Request.Context(), email)
		if err != nil {
			response.Abort(c, err)
			return
		}
		if enabled {
			response.Abort(c, errors.ErrMFAAlreadyEnabled)
			return
		}
		c.Next()
	}
}
