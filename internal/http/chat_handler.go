package http

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/attachment"
	"chat-sync/internal/domain"
	"chat-sync/internal/repository"
	"chat-sync/internal/service"
)

// Session son los intents que la capa HTTP expone sobre el controlador de conversaciones.
type Session interface {
	View() service.View
	Identity() domain.Identity
	SetIdentity(ctx context.Context, identity domain.Identity) error
	NewConversation(ctx context.Context) (string, error)
	SelectConversation(ctx context.Context, id string) error
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	Send(ctx context.Context, in service.SendInput) (service.SendResult, error)
	Abort() bool
}

// ChatHandler mantiene dependencias para endpoints de conversaciones y mensajes.
type ChatHandler struct {
	logger   *zap.Logger
	session  Session
	maxBytes int64
}

// NewChatHandler crea una instancia de ChatHandler con dependencias necesarias.
func NewChatHandler(logger *zap.Logger, session Session, maxAttachmentBytes int64) *ChatHandler {
	if maxAttachmentBytes <= 0 {
		maxAttachmentBytes = attachment.DefaultMaxBytes
	}
	return &ChatHandler{
		logger:   logger,
		session:  session,
		maxBytes: maxAttachmentBytes,
	}
}

// GetState maneja GET /state.
func (h *ChatHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.session.View()})
}

// NewConversation maneja POST /conversations.
func (h *ChatHandler) NewConversation(c *gin.Context) {
	id, err := h.session.NewConversation(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "create conversation failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": id, "state": h.session.View()})
}

// SelectConversation maneja POST /conversations/:id/select.
func (h *ChatHandler) SelectConversation(c *gin.Context) {
	if err := h.session.SelectConversation(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.logger, "select conversation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.session.View()})
}

// RenameConversation maneja PATCH /conversations/:id.
func (h *ChatHandler) RenameConversation(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid rename request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.session.RenameConversation(c.Request.Context(), c.Param("id"), req.Title); err != nil {
		writeError(c, h.logger, "rename conversation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.session.View()})
}

// DeleteConversation maneja DELETE /conversations/:id.
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	if err := h.session.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.logger, "delete conversation failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Abort maneja POST /abort.
func (h *ChatHandler) Abort(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"aborted": h.session.Abort()})
}

// Send maneja POST /messages. Acepta JSON {"content"} o multipart con el campo content y
// archivos en "images". La respuesta es un stream SSE: un evento delta por fragmento y
// un evento final done o error.
func (h *ChatHandler) Send(c *gin.Context) {
	var in service.SendInput
	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		form, err := c.MultipartForm()
		if err != nil {
			h.logger.Warn("invalid multipart message", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if values := form.Value["content"]; len(values) > 0 {
			in.Content = values[0]
		}
		for _, fh := range form.File["images"] {
			file, err := h.readFile(fh)
			if err != nil {
				h.logger.Warn("read attachment failed", zap.String("name", fh.Filename), zap.Error(err))
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment"})
				return
			}
			in.Files = append(in.Files, file)
		}
	} else {
		var req struct {
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("invalid send request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		in.Content = req.Content
	}

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
	}
	in.OnDelta = func(delta string) {
		begin()
		c.SSEvent("delta", delta)
		c.Writer.Flush()
	}

	res, err := h.session.Send(c.Request.Context(), in)
	rejected := make([]gin.H, 0, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected = append(rejected, gin.H{"name": r.Name, "error": r.Err.Error()})
	}
	if err != nil && !started {
		// los adjuntos rechazados viajan también en la respuesta de error
		status := logError(h.logger, "send failed", err)
		c.JSON(status, gin.H{"error": err.Error(), "rejected": rejected})
		return
	}
	begin()
	if err != nil {
		h.logger.Warn("send failed", zap.String("conversation_id", res.ConversationID), zap.Error(err))
		payload := gin.H{"error": err.Error(), "state": res.State.String(), "rejected": rejected}
		var streamErr *service.StreamError
		if errors.As(err, &streamErr) {
			payload["partial"] = streamErr.Partial
		}
		c.SSEvent("error", payload)
		return
	}
	c.SSEvent("done", gin.H{
		"conversation_id":      res.ConversationID,
		"user_message_id":      res.UserMessageID,
		"assistant_message_id": res.AssistantMessageID,
		"text":                 res.Text,
		"state":                res.State.String(),
		"persisted":            res.Persisted,
		"rejected":             rejected,
	})
}

// readFile lee un archivo del formulario hasta maxBytes+1; el codec decide si excede el límite.
func (h *ChatHandler) readFile(fh *multipart.FileHeader) (attachment.File, error) {
	f, err := fh.Open()
	if err != nil {
		return attachment.File{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxBytes+1))
	if err != nil {
		return attachment.File{}, err
	}
	return attachment.File{Data: data, MediaType: fh.Header.Get("Content-Type"), Name: fh.Filename}, nil
}

// writeError traduce los errores de dominio a códigos HTTP.
func writeError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	c.JSON(logError(logger, msg, err), gin.H{"error": err.Error()})
}

// logError registra err con el nivel que corresponde y devuelve el status HTTP.
func logError(logger *zap.Logger, msg string, err error) int {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConcurrentStream), errors.Is(err, service.ErrIdentityTransition):
		status = http.StatusConflict
	case errors.Is(err, service.ErrControllerNotConfigured), errors.Is(err, service.ErrControllerClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
	} else {
		logger.Info(msg, zap.Error(err))
	}
	return status
}
