package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/otpguard/pkg/response"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// fail renders err and attaches it to the context so the access log carries
// the internal cause the client never sees.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	response.Error(c, err)
}
