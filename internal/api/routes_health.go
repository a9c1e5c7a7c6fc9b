package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/otpguard/internal/app"
	"github.com/charlesng35/otpguard/internal/handlers"
	"github.com/charlesng35/otpguard/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, probes *monitoring.Probes, cfg app.HealthConfig) {
	if !cfg.Enabled {
		return
	}
	r.GET("/health", handlers.Health())
	r.GET("/health/live", handlers.Health())
	r.GET("/health/ready", handlers.Ready(probes))
}
