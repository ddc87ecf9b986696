package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/pkg/errors"
	"github.com/metroengine/authgate/pkg/response"
)

const (
	CtxIdentityKey = "authIdentity"
	CtxTokenKey    = "authToken"
)

// RequireScope enforces bearer authentication and restricts the route
// to tokens carrying one of the allowed scopes. An absent, unknown,
// revoked, expired, or wrong-scope token is rejected uniformly as 401
// so the response does not reveal which check failed.
func RequireScope(tokens *iauth.TokenService, scopes ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		allowed[scope] = struct{}{}
	}

	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			unauthorized(c)
			return
		}

		token, identity, err := tokens.Resolve(strings.TrimSpace(authz[7:]))
		if err != nil {
			unauthorized(c)
			return
		}

		if len(allowed) > 0 {
			if _, ok := allowed[token.Scope]; !ok {
				unauthorized(c)
				return
			}
		}

		c.Set(CtxIdentityKey, identity)
		c.Set(CtxTokenKey, token)

		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	response.Error(c, errors.ErrInvalidOrExpiredToken)
	c.Abort()
}

// IdentityFromContext extracts the authenticated identity set by RequireScope.
func IdentityFromContext(c *gin.Context) (*models.Identity, bool) {
	value, ok := c.Get(CtxIdentityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*models.Identity)
	return identity, ok
}

// TokenFromContext extracts the resolved bearer token set by RequireScope.
func TokenFromContext(c *gin.Context) (*models.AccessToken, bool) {
	value, ok := c.Get(CtxTokenKey)
	if !ok {
		return nil, false
	}
	token, ok := value.(*models.AccessToken)
	return token, ok
}
