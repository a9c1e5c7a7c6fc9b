package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/otpguard/internal/app"
)

const defaultMetricsPath = "/metrics"

func registerMetricsRoutes(r *gin.Engine, cfg app.PrometheusConfig) {
	if !cfg.Enabled {
		return
	}
	path := strings.TrimSpace(cfg.Endpoint)
	if path == "" {
		path = defaultMetricsPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	r.GET(path, gin.WrapH(promhttp.Handler()))
}
