package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/service"
)

// SessionHandler aplica los cambios de identidad sobre la sesión del dispositivo.
type SessionHandler struct {
	logger     *zap.Logger
	session    Session
	identities *service.IdentityService
}

// NewSessionHandler crea una instancia de SessionHandler con dependencias necesarias.
func NewSessionHandler(logger *zap.Logger, session Session, identities *service.IdentityService) *SessionHandler {
	return &SessionHandler{
		logger:     logger,
		session:    session,
		identities: identities,
	}
}

// SignIn maneja POST /session. Requiere IdentityMiddleware; migra las conversaciones locales
// antes de responder.
func (h *SessionHandler) SignIn(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	if err := h.session.SetIdentity(c.Request.Context(), identity); err != nil {
		if h.session.Identity() != identity {
			writeError(c, h.logger, "sign in failed", err)
			return
		}
		// sesión iniciada pero la migración quedó pendiente para el próximo inicio de sesión
		h.logger.Warn("sign in completed with migration error", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"state": h.session.View(), "migration_error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": h.session.View()})
}

// SignOut maneja DELETE /session.
func (h *SessionHandler) SignOut(c *gin.Context) {
	if err := h.session.SetIdentity(c.Request.Context(), domain.Anonymous); err != nil {
		writeError(c, h.logger, "sign out failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.session.View()})
}
