package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

type memoryConversation struct {
	conv     domain.Conversation
	messages []domain.Message
}

type memoryRemoteStore struct {
	mu       sync.RWMutex
	users    map[string]map[string]*memoryConversation
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewMemoryRemoteStore implementa RemoteStore en memoria con las mismas garantías de orden
// que el store Postgres. Se usa cuando no hay DATABASE_URL y en tests.
func NewMemoryRemoteStore(notifier Notifier, logger *zap.Logger) RemoteStore {
	return newMemoryRemoteStore(notifier, logger)
}

func newMemoryRemoteStore(notifier Notifier, logger *zap.Logger) *memoryRemoteStore {
	if notifier == nil {
		notifier = NewMemoryNotifier()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &memoryRemoteStore{
		users:    make(map[string]map[string]*memoryConversation),
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryRemoteStore) CreateConversation(ctx context.Context, userID, title string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidUser
	}
	now := s.now()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		Origin:    domain.OriginRemote,
		Title:     normalizeTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if s.users[userID] == nil {
		s.users[userID] = make(map[string]*memoryConversation)
	}
	s.users[userID][conv.ID] = &memoryConversation{conv: conv}
	s.mu.Unlock()

	s.publish(ctx, conversationsTopic(userID))
	return conv.ID, nil
}

func (s *memoryRemoteStore) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	s.mu.Lock()
	mc, ok := s.lookup(userID, conversationID)
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	mc.conv.Title = normalizeTitle(title)
	mc.conv.Touch(s.now())
	s.mu.Unlock()

	s.publish(ctx, conversationsTopic(userID))
	return nil
}

func (s *memoryRemoteStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	s.mu.Lock()
	if convs := s.users[userID]; convs != nil {
		delete(convs, conversationID)
	}
	s.mu.Unlock()

	s.publish(ctx, messagesTopic(userID, conversationID))
	s.publish(ctx, conversationsTopic(userID))
	return nil
}

func (s *memoryRemoteStore) AppendMessage(ctx context.Context, userID, conversationID string, role domain.Role, content string, attachments []domain.Attachment) (string, error) {
	if !role.Valid() {
		return "", domain.ErrInvalidRole
	}
	now := s.now()
	msg := domain.Message{
		ID:          uuid.NewString(),
		Role:        role,
		Content:     content,
		Attachments: append([]domain.Attachment(nil), attachments...),
		CreatedAt:   now,
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}

	s.mu.Lock()
	mc, ok := s.lookup(userID, conversationID)
	if !ok {
		s.mu.Unlock()
		return "", ErrConversationNotFound
	}
	mc.messages = append(mc.messages, msg)
	s.mu.Unlock()
	s.publish(ctx, messagesTopic(userID, conversationID))

	// La vista previa se escribe después del mensaje, nunca antes.
	s.mu.Lock()
	if mc, ok := s.lookup(userID, conversationID); ok {
		mc.conv.LastMessagePreview = content
		at := now
		mc.conv.LastMessageAt = &at
		mc.conv.Touch(now)
	}
	s.mu.Unlock()
	s.publish(ctx, conversationsTopic(userID))

	return msg.ID, nil
}

func (s *memoryRemoteStore) ListConversations(_ context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(s.users[userID]))
	for _, mc := range s.users[userID] {
		out = append(out, mc.conv.Clone())
	}
	sortConversations(out)
	return out, nil
}

func (s *memoryRemoteStore) ListMessages(_ context.Context, userID, conversationID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mc, ok := s.lookup(userID, conversationID)
	if !ok {
		return []domain.Message{}, nil
	}
	out := make([]domain.Message, len(mc.messages))
	for i, m := range mc.messages {
		out[i] = m.Clone()
	}
	// estable: empates en created_at conservan el orden de inserción
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryRemoteStore) SubscribeConversations(ctx context.Context, userID string) (*Subscription[[]domain.Conversation], error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	return watch(ctx, s.notifier, conversationsTopic(userID), func(ctx context.Context) ([]domain.Conversation, error) {
		return s.ListConversations(ctx, userID)
	}, s.logger)
}

func (s *memoryRemoteStore) SubscribeMessages(ctx context.Context, userID, conversationID string) (*Subscription[[]domain.Message], error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	return watch(ctx, s.notifier, messagesTopic(userID, conversationID), func(ctx context.Context) ([]domain.Message, error) {
		return s.ListMessages(ctx, userID, conversationID)
	}, s.logger)
}

func (s *memoryRemoteStore) lookup(userID, conversationID string) (*memoryConversation, bool) {
	convs := s.users[userID]
	if convs == nil {
		return nil, false
	}
	mc, ok := convs[conversationID]
	return mc, ok
}

func (s *memoryRemoteStore) publish(ctx context.Context, topic string) {
	if err := s.notifier.Publish(ctx, topic); err != nil {
		s.logger.Warn("publish change failed", zap.String("topic", topic), zap.Error(err))
	}
}

func sortConversations(convs []domain.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.DefaultConversationTitle
	}
	return title
}
