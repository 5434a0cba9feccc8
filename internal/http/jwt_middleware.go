package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/domain"
	"chat-sync/internal/service"
)

const identityKey = "identity"

// IdentityMiddleware valida el token del proveedor de autenticación y guarda la identidad en el contexto.
func IdentityMiddleware(identities *service.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identities == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity provider not configured"})
			c.Abort()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		token := strings.TrimSpace(header[len("Bearer "):])
		identity, err := identities.Verify(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, service.ErrIdentityExpired) {
				msg = "token expired"
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// GetIdentity obtiene la identidad validada desde el contexto.
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	val, ok := c.Get(identityKey)
	if !ok {
		return domain.Anonymous, false
	}
	identity, ok := val.(domain.Identity)
	return identity, ok && identity.IsAuthenticated()
}
