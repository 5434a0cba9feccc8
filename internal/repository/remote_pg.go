package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

type PgRemoteStore struct {
	pool     *pgxpool.Pool
	notifier Notifier
	logger   *zap.Logger
}

// NewPgRemoteStore persiste en Postgres y usa el notifier para avisar a las suscripciones.
func NewPgRemoteStore(pool *pgxpool.Pool, notifier Notifier, logger *zap.Logger) *PgRemoteStore {
	if notifier == nil {
		notifier = NewMemoryNotifier()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgRemoteStore{pool: pool, notifier: notifier, logger: logger}
}

func (r *PgRemoteStore) CreateConversation(ctx context.Context, userID, title string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidUser
	}
	const query = `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at, last_message_preview)
		VALUES ($1, $2, $3, $4, $4, '')
	`
	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := r.pool.Exec(ctx, query, id, userID, normalizeTitle(title), now); err != nil {
		return "", err
	}
	r.publish(ctx, conversationsTopic(userID))
	return id, nil
}

func (r *PgRemoteStore) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	const query = `
		UPDATE conversations
		SET title = $3, updated_at = GREATEST(updated_at, $4)
		WHERE id = $1 AND user_id = $2
	`
	tag, err := r.pool.Exec(ctx, query, conversationID, userID, normalizeTitle(title), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	r.publish(ctx, conversationsTopic(userID))
	return nil
}

func (r *PgRemoteStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	const query = `DELETE FROM conversations WHERE id = $1 AND user_id = $2`
	if _, err := r.pool.Exec(ctx, query, conversationID, userID); err != nil {
		return err
	}
	r.publish(ctx, messagesTopic(userID, conversationID))
	r.publish(ctx, conversationsTopic(userID))
	return nil
}

func (r *PgRemoteStore) AppendMessage(ctx context.Context, userID, conversationID string, role domain.Role, content string, attachments []domain.Attachment) (string, error) {
	if !role.Valid() {
		return "", domain.ErrInvalidRole
	}
	var attachmentsJSON any
	if len(attachments) > 0 {
		raw, err := json.Marshal(attachments)
		if err != nil {
			return "", fmt.Errorf("marshal attachments: %w", err)
		}
		attachmentsJSON = string(raw)
	}

	const insertMessage = `
		INSERT INTO conversation_messages (id, user_id, conversation_id, role, content, attachments, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $3 AND user_id = $2)
	`
	id := uuid.NewString()
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, insertMessage, id, userID, conversationID, string(role), content, attachmentsJSON, now)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrConversationNotFound
	}
	r.publish(ctx, messagesTopic(userID, conversationID))

	// Segunda escritura: solo después de confirmar el mensaje.
	const updatePreview = `
		UPDATE conversations
		SET updated_at = GREATEST(updated_at, $3), last_message_preview = $4, last_message_at = $3
		WHERE id = $1 AND user_id = $2
	`
	if _, err := r.pool.Exec(ctx, updatePreview, conversationID, userID, now, content); err != nil {
		return id, fmt.Errorf("update conversation preview: %w", err)
	}
	r.publish(ctx, conversationsTopic(userID))
	return id, nil
}

func (r *PgRemoteStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	const query = `
		SELECT id, title, created_at, updated_at, last_message_preview, last_message_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC, created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []domain.Conversation{}
	for rows.Next() {
		conv := domain.Conversation{Origin: domain.OriginRemote}
		var lastAt *time.Time
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt, &conv.LastMessagePreview, &lastAt); err != nil {
			return nil, err
		}
		conv.LastMessageAt = lastAt
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *PgRemoteStore) ListMessages(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	const query = `
		SELECT id, role, content, attachments, created_at
		FROM conversation_messages
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := r.pool.Query(ctx, query, userID, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var (
			msg     domain.Message
			roleRaw string
			rawAtt  []byte
		)
		if err := rows.Scan(&msg.ID, &roleRaw, &msg.Content, &rawAtt, &msg.CreatedAt); err != nil {
			return nil, err
		}
		role, err := domain.ParseRole(roleRaw)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		msg.Role = role
		if len(rawAtt) > 0 {
			if err := json.Unmarshal(rawAtt, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("message %s attachments: %w", msg.ID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PgRemoteStore) SubscribeConversations(ctx context.Context, userID string) (*Subscription[[]domain.Conversation], error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	return watch(ctx, r.notifier, conversationsTopic(userID), func(ctx context.Context) ([]domain.Conversation, error) {
		return r.ListConversations(ctx, userID)
	}, r.logger)
}

func (r *PgRemoteStore) SubscribeMessages(ctx context.Context, userID, conversationID string) (*Subscription[[]domain.Message], error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	return watch(ctx, r.notifier, messagesTopic(userID, conversationID), func(ctx context.Context) ([]domain.Message, error) {
		return r.ListMessages(ctx, userID, conversationID)
	}, r.logger)
}

func (r *PgRemoteStore) publish(ctx context.Context, topic string) {
	if err := r.notifier.Publish(ctx, topic); err != nil {
		r.logger.Warn("publish change failed", zap.String("topic", topic), zap.Error(err))
	}
}
