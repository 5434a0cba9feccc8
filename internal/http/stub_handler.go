package http

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/llm"
)

// StubHandler es un backend de modelo local: responde con un eco del último mensaje del
// usuario, carácter por carácter, en el formato de texto plano chunked.
type StubHandler struct {
	logger *zap.Logger
	delay  time.Duration
}

func NewStubHandler(logger *zap.Logger, delay time.Duration) *StubHandler {
	return &StubHandler{logger: logger, delay: delay}
}

// Chat maneja POST /api/chat.
func (h *StubHandler) Chat(c *gin.Context) {
	var req llm.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "BAD_REQUEST", "message": "messages required"}})
		return
	}

	reply := echoReply(req.Messages)
	runes := []rune(reply)
	h.logger.Debug("stub reply", zap.String("model", req.Model), zap.Int("chars", len(runes)))

	c.Writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	i := 0
	c.Stream(func(w io.Writer) bool {
		if i >= len(runes) {
			return false
		}
		if _, err := io.WriteString(w, string(runes[i])); err != nil {
			return false
		}
		i++
		if h.delay > 0 {
			select {
			case <-c.Request.Context().Done():
				return false
			case <-time.After(h.delay):
			}
		}
		return true
	})
}

func echoReply(messages []llm.ChatMessage) string {
	var last llm.ChatMessage
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			last = messages[i]
			break
		}
	}
	var b strings.Builder
	b.WriteString("Echo: ")
	if text := strings.TrimSpace(last.Content); text != "" {
		b.WriteString(text)
	} else {
		b.WriteString("(no text)")
	}
	if n := len(last.Images); n > 0 {
		fmt.Fprintf(&b, " [%d image(s)]", n)
	}
	return b.String()
}
