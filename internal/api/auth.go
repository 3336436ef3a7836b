package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/identity"
)

const identityKey = "api.identity"

// authenticate resolves the bearer token to an identity and stores it on the
// request context.
func (a *API) authenticate(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		abortError(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing bearer token")))
		return
	}

	id, err := a.resolver.Resolve(token)
	if err != nil {
		abortError(c, err)
		return
	}

	c.Set(identityKey, id)
	c.Next()
}

func requireRole(role identity.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if mustIdentity(c).Role != role {
			abortError(c, errors.New(errors.CodePermissionDenied,
				errors.WithMessagef("requires %s role", role)))
			return
		}
		c.Next()
	}
}

// mustIdentity is only called below authenticate, so the key is always set.
func mustIdentity(c *gin.Context) identity.Identity {
	return c.MustGet(identityKey).(identity.Identity)
}
