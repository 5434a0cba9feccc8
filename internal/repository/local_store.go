package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

// LocalStore guarda el conjunto completo de conversaciones de la sesión anónima como un único snapshot.
type LocalStore interface {
	// LoadAll nunca falla: un snapshot ausente o corrupto equivale a cero conversaciones.
	LoadAll() []domain.Conversation
	SaveAll(conversations []domain.Conversation) error
	Clear() error
}

const localSnapshotVersion = 1

// Formato persistido: timestamps como milisegundos epoch.
type localSnapshot struct {
	Version       int                 `json:"version"`
	Conversations []localConversation `json:"conversations"`
}

type localConversation struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	CreatedAt          int64          `json:"createdAt"`
	UpdatedAt          int64          `json:"updatedAt"`
	LastMessagePreview string         `json:"lastMessage,omitempty"`
	LastMessageAt      *int64         `json:"lastMessageAt,omitempty"`
	Messages           []localMessage `json:"messages"`
}

type localMessage struct {
	ID          string              `json:"id"`
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"images,omitempty"`
	CreatedAt   int64               `json:"createdAt"`
}

type fileLocalStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewFileLocalStore crea un LocalStore respaldado por un archivo JSON.
func NewFileLocalStore(path string, logger *zap.Logger) LocalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fileLocalStore{path: path, logger: logger}
}

func (s *fileLocalStore) LoadAll() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("local snapshot unreadable", zap.String("path", s.path), zap.Error(err))
		}
		return []domain.Conversation{}
	}
	convs, err := decodeLocalSnapshot(data)
	if err != nil {
		s.logger.Warn("local snapshot corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return []domain.Conversation{}
	}
	return convs
}

func (s *fileLocalStore) SaveAll(conversations []domain.Conversation) error {
	data, err := encodeLocalSnapshot(conversations)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, data, 0o600)
}

func (s *fileLocalStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type memoryLocalStore struct {
	mu       sync.Mutex
	snapshot []byte
}

// NewMemoryLocalStore guarda el snapshot serializado en memoria; útil para tests y sesiones efímeras.
func NewMemoryLocalStore() LocalStore {
	return &memoryLocalStore{}
}

func (s *memoryLocalStore) LoadAll() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshot) == 0 {
		return []domain.Conversation{}
	}
	convs, err := decodeLocalSnapshot(s.snapshot)
	if err != nil {
		return []domain.Conversation{}
	}
	return convs
}

func (s *memoryLocalStore) SaveAll(conversations []domain.Conversation) error {
	data, err := encodeLocalSnapshot(conversations)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = data
	s.mu.Unlock()
	return nil
}

func (s *memoryLocalStore) Clear() error {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
	return nil
}

func encodeLocalSnapshot(conversations []domain.Conversation) ([]byte, error) {
	snap := localSnapshot{
		Version:       localSnapshotVersion,
		Conversations: make([]localConversation, 0, len(conversations)),
	}
	for _, c := range conversations {
		lc := localConversation{
			ID:                 c.ID,
			Title:              c.Title,
			CreatedAt:          c.CreatedAt.UnixMilli(),
			UpdatedAt:          c.UpdatedAt.UnixMilli(),
			LastMessagePreview: c.LastMessagePreview,
			Messages:           make([]localMessage, 0, len(c.Messages)),
		}
		if c.LastMessageAt != nil {
			ms := c.LastMessageAt.UnixMilli()
			lc.LastMessageAt = &ms
		}
		for _, m := range c.Messages {
			if !m.Role.Valid() {
				return nil, fmt.Errorf("conversation %s message %s: %w", c.ID, m.ID, domain.ErrInvalidRole)
			}
			lc.Messages = append(lc.Messages, localMessage{
				ID:          m.ID,
				Role:        string(m.Role),
				Content:     m.Content,
				Attachments: m.Attachments,
				CreatedAt:   m.CreatedAt.UnixMilli(),
			})
		}
		snap.Conversations = append(snap.Conversations, lc)
	}
	return json.Marshal(snap)
}

func decodeLocalSnapshot(data []byte) ([]domain.Conversation, error) {
	var snap localSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, 0, len(snap.Conversations))
	for _, lc := range snap.Conversations {
		if lc.ID == "" {
			return nil, errors.New("conversation without id")
		}
		c := domain.Conversation{
			ID:                 lc.ID,
			Origin:             domain.OriginLocal,
			Title:              lc.Title,
			CreatedAt:          time.UnixMilli(lc.CreatedAt).UTC(),
			UpdatedAt:          time.UnixMilli(lc.UpdatedAt).UTC(),
			LastMessagePreview: lc.LastMessagePreview,
			Messages:           make([]domain.Message, 0, len(lc.Messages)),
		}
		if lc.LastMessageAt != nil {
			at := time.UnixMilli(*lc.LastMessageAt).UTC()
			c.LastMessageAt = &at
		}
		for _, lm := range lc.Messages {
			role, err := domain.ParseRole(lm.Role)
			if err != nil {
				return nil, fmt.Errorf("conversation %s message %s: %w", lc.ID, lm.ID, err)
			}
			c.Messages = append(c.Messages, domain.Message{
				ID:          lm.ID,
				Role:        role,
				Content:     lm.Content,
				Attachments: lm.Attachments,
				CreatedAt:   time.UnixMilli(lm.CreatedAt).UTC(),
			})
		}
		out = append(out, c)
	}
	return out, nil
}
