package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/app"
	iauth "github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/handlers"
	"github.com/charlesng35/otpguard/internal/middleware"
	"github.com/charlesng35/otpguard/internal/monitoring"
	"github.com/charlesng35/otpguard/internal/monitoring/checks"
	"github.com/charlesng35/otpguard/internal/services"
)

const readinessTimeout = 2 * time.Second

// RouterDeps carries everything the HTTP surface needs.
type RouterDeps struct {
	DB     *gorm.DB
	Config *app.Config
	Tokens *iauth.TokenService
	Auth   *services.AuthService
	// RateStore backs the per-IP limiter; nil falls back to process memory.
	RateStore middleware.RateStore
	// Jobs exposes maintenance outcomes to the readiness probe.
	Jobs *monitoring.JobTracker
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps RouterDeps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth service must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	cfg := deps.Config

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.ClientInfo())

	probes := monitoring.NewProbes(
		checks.Database(deps.DB, readinessTimeout),
		checks.Maintenance(deps.Jobs, 0, nil),
	)
	registerHealthRoutes(r, probes, cfg.Monitoring.Health)
	registerMetricsRoutes(r, cfg.Monitoring.Prometheus)
	registerAuthRoutes(r, authRouteDeps{
		Handler:   handlers.NewAuthHandler(deps.Auth),
		Tokens:    deps.Tokens,
		MFAStatus: deps.Auth,
		Limits:    cfg.RateLimit,
		RateStore: deps.RateStore,
	})

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
