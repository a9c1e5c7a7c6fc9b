package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/response"
)

const (
	CtxClaimsKey = "authClaims"
	CtxEmailKey  = "authEmail"
)

// RequireToken accepts only bearer tokens of the given type. Missing or
// malformed tokens yield 401 and a token of another type yields 403.
func RequireToken(tokens *iauth.TokenService, expected iauth.TokenType) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			c.Header("WWW-Authenticate", "Bearer")
			response.Abort(c, errors.ErrInvalidToken)
			return
		}

		claims, err := tokens.Verify(authz[7:], expected)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Abort(c, err)
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxEmailKey, claims.Email)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by RequireToken.
func ClaimsFrom(c *gin.Context) (*iauth.Claims, bool) {
	value, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*iauth.Claims)
	return claims, ok && claims != nil
}
