package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter configura el router de Gin con middlewares y rutas base.
// stubH es opcional: si no es nil se monta el backend de eco en /api/chat.
func NewRouter(
	logger *zap.Logger,
	chatH *ChatHandler,
	sessionH *SessionHandler,
	stubH *StubHandler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.GET("/state", chatH.GetState)

	conversations := r.Group("/conversations")
	conversations.POST("", chatH.NewConversation)
	conversations.POST("/:id/select", chatH.SelectConversation)
	conversations.PATCH("/:id", chatH.RenameConversation)
	conversations.DELETE("/:id", chatH.DeleteConversation)

	r.POST("/messages", chatH.Send)
	r.POST("/abort", chatH.Abort)

	session := r.Group("/session")
	session.POST("", IdentityMiddleware(sessionH.identities), sessionH.SignIn)
	session.DELETE("", sessionH.SignOut)

	if stubH != nil {
		r.POST("/api/chat", stubH.Chat)
	}

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
// Los handlers de streaming lo reemplazan antes de escribir.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
