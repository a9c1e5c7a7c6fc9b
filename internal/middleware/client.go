package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/otpguard/internal/services"
	"github.com/charlesng35/otpguard/pkg/validator"
)

const (
	CtxClientKey   = "clientInfo"
	HeaderDeviceID = "X-Device-Id"
)

// ClientInfo captures the caller's address, device id and user agent. The
// first X-Forwarded-For entry wins over the socket address; a malformed device
// id is treated as absent.
func ClientInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(CtxClientKey, readClient(c))
		c.Next()
	}
}

// ClientFrom returns the details stored by ClientInfo, computing them when the
// middleware did not run.
func ClientFrom(c *gin.Context) services.ClientInfo {
	if value, ok := c.Get(CtxClientKey); ok {
		if info, ok := value.(services.ClientInfo); ok {
			return info
		}
	}
	return readClient(c)
}

func readClient(c *gin.Context) services.ClientInfo {
	device := strings.TrimSpace(c.GetHeader(HeaderDeviceID))
	if !validator.IsDeviceID(device) {
		device = ""
	}
	return services.ClientInfo{
		IP:        clientIP(c),
		DeviceID:  device,
		UserAgent: c.Request.UserAgent(),
	}
}

func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.ClientIP()
}
