package repository

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
)

// MarkerStore persiste banderas booleanas del lado del cliente.
type MarkerStore interface {
	IsSet(key string) (bool, error)
	Set(key string) error
}

// MigrationMarkerKey construye la clave por usuario; el prefijo evita colisiones en un dispositivo compartido.
func MigrationMarkerKey(userID string) string {
	return "migrated:" + strings.TrimSpace(userID)
}

type fileMarkerStore struct {
	mu   sync.Mutex
	path string
}

func NewFileMarkerStore(path string) MarkerStore {
	return &fileMarkerStore{path: path}
}

func (s *fileMarkerStore) IsSet(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers, err := s.read()
	if err != nil {
		return false, err
	}
	return markers[key], nil
}

func (s *fileMarkerStore) Set(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("empty marker key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	markers, err := s.read()
	if err != nil {
		// Un archivo ilegible no debe impedir registrar la migración.
		markers = map[string]bool{}
	}
	markers[key] = true
	data, err := json.Marshal(markers)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func (s *fileMarkerStore) read() (map[string]bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	markers := map[string]bool{}
	if err := json.Unmarshal(data, &markers); err != nil {
		return nil, err
	}
	return markers, nil
}

type memoryMarkerStore struct {
	mu    sync.Mutex
	items map[string]bool
}

func NewMemoryMarkerStore() MarkerStore {
	return &memoryMarkerStore{items: make(map[string]bool)}
}

func (s *memoryMarkerStore) IsSet(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key], nil
}

func (s *memoryMarkerStore) Set(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("empty marker key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = true
	return nil
}
