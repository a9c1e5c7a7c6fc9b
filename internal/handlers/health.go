package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/otpguard/internal/monitoring"
	"github.com/charlesng35/otpguard/pkg/response"
)

// Health returns a simple status payload useful for liveness checks.
func Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	}
}

// Ready evaluates the readiness probes. Degraded components still serve traffic.
func Ready(probes *monitoring.Probes) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := probes.Evaluate(requestContext(c))
		status := http.StatusOK
		if report.Status == monitoring.StatusDown {
			status = http.StatusServiceUnavailable
		}
		response.Success(c, status, report)
	}
}
