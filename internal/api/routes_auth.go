package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/otpguard/internal/app"
	iauth "github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/handlers"
	"github.com/charlesng35/otpguard/internal/middleware"
)

type authRouteDeps struct {
	Handler   *handlers.AuthHandler
	Tokens    *iauth.TokenService
	MFAStatus middleware.MFAStatus
	Limits    app.RateLimitConfig
	RateStore middleware.RateStore
}

func registerAuthRoutes(r *gin.Engine, deps authRouteDeps) {
	auth := r.Group("/auth")
	if deps.Limits.Enabled {
		auth.Use(middleware.RateLimit(deps.RateStore, deps.Limits.Limit, deps.Limits.Window))
	}

	auth.POST("/create-auth",
		middleware.Throttle(deps.Limits.PerEmailRPS, deps.Limits.PerEmailBurst, middleware.BodyEmailKey),
		deps.Handler.CreateAuth,
	)
	auth.POST("/verify-otp",
		middleware.RequireToken(deps.Tokens, iauth.TypeOTPVerify),
		deps.Handler.VerifyOTP,
	)

	mfa := auth.Group("/mfa")
	mfa.Use(middleware.RequireToken(deps.Tokens, iauth.TypeMFA))
	{
		mfa.POST("/enroll", middleware.RequireMFANotEnabled(deps.MFAStatus), deps.Handler.EnrollMFA)
		mfa.POST("/verify", deps.Handler.VerifyMFA)
	}
}
