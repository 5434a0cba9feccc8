package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/repository"
)

var ErrMigrationNotConfigured = errors.New("migration service not configured")

// MigrationReport resume una ejecución de Migrate.
type MigrationReport struct {
	Skipped       bool
	Conversations int
	Messages      int
}

// MigrationService copia las conversaciones locales al store remoto la primera vez que un usuario inicia sesión.
type MigrationService struct {
	local   repository.LocalStore
	remote  repository.RemoteStore
	markers repository.MarkerStore
	logger  *zap.Logger
}

func NewMigrationService(local repository.LocalStore, remote repository.RemoteStore, markers repository.MarkerStore, logger *zap.Logger) *MigrationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationService{local: local, remote: remote, markers: markers, logger: logger}
}

// Migrate crea una conversación remota por cada local, en orden, y le agrega sus mensajes en orden.
// La marca migrated:<userID> se guarda solo si todo terminó bien; una falla a mitad de camino
// deja la marca sin escribir y el próximo inicio de sesión repite la migración completa.
func (s *MigrationService) Migrate(ctx context.Context, userID string, conversations []domain.Conversation) (MigrationReport, error) {
	if s == nil || s.remote == nil || s.markers == nil {
		return MigrationReport{}, ErrMigrationNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return MigrationReport{}, repository.ErrInvalidUser
	}
	key := repository.MigrationMarkerKey(userID)

	done, err := s.markers.IsSet(key)
	if err != nil {
		return MigrationReport{}, fmt.Errorf("read migration marker: %w", err)
	}
	if done {
		return MigrationReport{Skipped: true}, nil
	}
	if len(conversations) == 0 {
		return MigrationReport{}, nil
	}

	s.logger.Info("migration started", zap.String("user_id", userID), zap.Int("conversations", len(conversations)))
	var report MigrationReport
	for _, conv := range conversations {
		title := conv.Title
		if strings.TrimSpace(title) == "" {
			title = domain.DefaultConversationTitle
		}
		remoteID, err := s.remote.CreateConversation(ctx, userID, title)
		if err != nil {
			s.logger.Warn("migration failed", zap.String("user_id", userID), zap.String("conversation_id", conv.ID), zap.Error(err))
			return report, fmt.Errorf("create remote conversation for %s: %w", conv.ID, err)
		}
		report.Conversations++
		for _, msg := range conv.Messages {
			if _, err := s.remote.AppendMessage(ctx, userID, remoteID, msg.Role, msg.Content, msg.Attachments); err != nil {
				s.logger.Warn("migration failed", zap.String("user_id", userID), zap.String("message_id", msg.ID), zap.Error(err))
				return report, fmt.Errorf("append message %s: %w", msg.ID, err)
			}
			report.Messages++
		}
	}

	if err := s.markers.Set(key); err != nil {
		return report, fmt.Errorf("set migration marker: %w", err)
	}
	if s.local != nil {
		if err := s.local.Clear(); err != nil {
			// la marca ya está puesta: no se vuelve a migrar aunque el snapshot siga ahí
			s.logger.Warn("clear local store after migration failed", zap.Error(err))
		}
	}
	s.logger.Info("migration finished",
		zap.String("user_id", userID),
		zap.Int("conversations", report.Conversations),
		zap.Int("messages", report.Messages),
	)
	return report, nil
}

// MigrateLocal migra lo que haya en el store local.
func (s *MigrationService) MigrateLocal(ctx context.Context, userID string) (MigrationReport, error) {
	if s == nil || s.local == nil {
		return MigrationReport{}, ErrMigrationNotConfigured
	}
	return s.Migrate(ctx, userID, s.local.LoadAll())
}
