package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/otpguard/internal/middleware"
	"github.com/charlesng35/otpguard/internal/services"
	"github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/response"
)

// AuthHandler exposes the passwordless login flow.
type AuthHandler struct {
	auth *services.AuthService
}

func NewAuthHandler(auth *services.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type createAuthRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type verifyOTPRequest struct {
	OTP string `json:"otp" validate:"required,passcode"`
}

type verifyMFARequest struct {
	Token string `json:"token" validate:"required,numeric,len=6"`
}

// POST /auth/create-auth
func (h *AuthHandler) CreateAuth(c *gin.Context) {
	var req createAuthRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.CreateAuth(requestContext(c), req.Email, middleware.ClientFrom(c))
	if err != nil {
		fail(c, err)
		return
	}

	response.Token(c, response.TokenBody{Token: result.Token, Message: result.Message})
}

// POST /auth/verify-otp
func (h *AuthHandler) VerifyOTP(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	var req verifyOTPRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.VerifyOTP(requestContext(c), claims.Email, req.OTP, middleware.ClientFrom(c))
	if err != nil {
		fail(c, err)
		return
	}

	response.Token(c, response.TokenBody{
		Token:       result.Token,
		MFARequired: result.MFARequired,
		MFAType:     result.MFAType,
	})
}

// POST /auth/mfa/enroll
func (h *AuthHandler) EnrollMFA(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	result, err := h.auth.EnrollMFA(requestContext(c), claims.Email, middleware.ClientFrom(c))
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// POST /auth/mfa/verify
func (h *AuthHandler) VerifyMFA(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		response.Error(c, errors.ErrInvalidToken)
		return
	}

	var req verifyMFARequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.VerifyMFA(requestContext(c), claims.Email, claims.ChallengeID, req.Token, middleware.ClientFrom(c))
	if err != nil {
		fail(c, err)
		return
	}

	response.Token(c, response.TokenBody{Token: result.Token})
}
