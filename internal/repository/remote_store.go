package repository

import (
	"context"
	"errors"

	"chat-sync/internal/domain"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidUser          = errors.New("remote store requires a user id")
)

// RemoteStore es el store multi-cliente de un usuario autenticado.
// Las escrituras devuelven su error al llamador sin reintentos.
type RemoteStore interface {
	CreateConversation(ctx context.Context, userID, title string) (string, error)
	RenameConversation(ctx context.Context, userID, conversationID, title string) error
	DeleteConversation(ctx context.Context, userID, conversationID string) error
	// AppendMessage escribe el mensaje y luego actualiza updated_at y la vista previa de la conversación.
	AppendMessage(ctx context.Context, userID, conversationID string, role domain.Role, content string, attachments []domain.Attachment) (string, error)

	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]domain.Message, error)

	// SubscribeConversations entrega la lista completa ordenada por updated_at descendente en cada cambio.
	SubscribeConversations(ctx context.Context, userID string) (*Subscription[[]domain.Conversation], error)
	// SubscribeMessages entrega la lista completa ordenada por created_at ascendente en cada cambio.
	SubscribeMessages(ctx context.Context, userID, conversationID string) (*Subscription[[]domain.Message], error)
}
