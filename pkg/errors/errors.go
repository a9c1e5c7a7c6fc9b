package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code so wrapped copies still compare equal to their sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Access denied",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidToken = &AppError{
		Code:       "auth.invalid_token",
		Message:    "Invalid or expired token",
		StatusCode: http.StatusUnauthorized,
	}
	ErrWrongTokenScope = &AppError{
		Code:       "auth.wrong_token_scope",
		Message:    "Token is not valid for this operation",
		StatusCode: http.StatusForbidden,
	}

	ErrOTPAlreadyOutstanding = &AppError{
		Code:       "otp.already_sent",
		Message:    "OTP already sent. Check your email.",
		StatusCode: http.StatusConflict,
	}
	ErrInvalidOTP = &AppError{
		Code:       "otp.invalid",
		Message:    "Invalid OTP",
		StatusCode: http.StatusUnauthorized,
	}
	ErrOTPDelivery = &AppError{
		Code:       "otp.delivery_failed",
		Message:    "Unable to deliver OTP, please try again",
		StatusCode: http.StatusBadGateway,
	}

	ErrAccountLocked = &AppError{
		Code:       "auth.locked",
		Message:    "Account temporarily locked",
		StatusCode: http.StatusLocked,
	}
	ErrFraudBlocked = &AppError{
		Code:       "auth.blocked",
		Message:    "Login blocked due to suspicious activity",
		StatusCode: http.StatusForbidden,
	}

	ErrInvalidChallenge = &AppError{
		Code:       "auth.mfa_challenge_invalid",
		Message:    "Invalid or expired MFA challenge",
		StatusCode: http.StatusUnauthorized,
	}
	ErrMFAInvalid = &AppError{
		Code:       "auth.mfa_invalid",
		Message:    "Invalid MFA code",
		StatusCode: http.StatusUnauthorized,
	}
	ErrMFANotConfigured = &AppError{
		Code:       "auth.mfa_not_configured",
		Message:    "MFA not configured",
		StatusCode: http.StatusBadRequest,
	}
	ErrMFAAlreadyEnabled = &AppError{
		Code:       "auth.mfa_already_enabled",
		Message:    "MFA already enabled",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrIntegrity = &AppError{
		Code:       "INTEGRITY_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
