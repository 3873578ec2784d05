// Package identity persists the generated user identifier attached to
// captured events when the application supplies none.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store loads and saves a single identifier.
type Store interface {
	// Load returns the stored identifier and whether one exists.
	Load() (string, bool, error)
	Save(id string) error
}

// record is the JSON structure persisted to disk.
type record struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FileStore keeps the identifier in a JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the identifier. A missing file is not an error.
func (s *FileStore) Load() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read identity file: %w", err)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return "", false, fmt.Errorf("parse identity file %s: %w", s.path, err)
	}
	if r.UserID == "" {
		return "", false, nil
	}
	return r.UserID, true, nil
}

// Save writes the identifier through a temp file and rename.
func (s *FileStore) Save(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record{UserID: id, CreatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// MemoryStore keeps the identifier for the life of the process.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

func (s *MemoryStore) Load() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != "", nil
}

func (s *MemoryStore) Save(id string) error {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return nil
}

// Resolve returns the stored identifier, generating and saving a new one
// if none exists.
func Resolve(store Store) (string, error) {
	id, ok, err := store.Load()
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	id = uuid.NewString()
	if err := store.Save(id); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}
