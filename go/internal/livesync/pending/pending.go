package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Key is the well-known name the pending session is stored under
const Key = "megillah.pendingSession"

// Session is a just-created session the leader has not started broadcasting yet
type Session struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

// Store persists at most one pending session
type Store interface {
	Save(s Session) error
	Load() (Session, bool, error)
	Clear() error
}

// FileStore keeps the pending session as a JSON file named Key inside Dir.
// Writes go through a temp file and rename so a crash never leaves half a record.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// DefaultDir returns the per-user config directory used by the reader
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "megillah-live"), nil
}

func (f *FileStore) path() string {
	return filepath.Join(f.Dir, Key+".json")
}

// Save overwrites any previously stored session
func (f *FileStore) Save(s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal pending session: %w", err)
	}
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("create pending dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, Key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write pending session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close pending session: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path()); err != nil {
		return fmt.Errorf("store pending session: %w", err)
	}
	return nil
}

// Load returns the stored session. A missing or unreadable record reports
// nothing stored; an unreadable one is removed.
func (f *FileStore) Load() (Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path())
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("read pending session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil || s.Code == "" {
		_ = os.Remove(f.path())
		return Session{}, false, nil
	}
	return s, true, nil
}

// Clear removes the stored session. Clearing nothing is not an error.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear pending session: %w", err)
	}
	return nil
}

// MemoryStore is a Store that lives only as long as the process
type MemoryStore struct {
	mu  sync.Mutex
	s   Session
	has bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(s Session) error {
	m.mu.Lock()
	m.s, m.has = s, true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load() (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, m.has, nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.s, m.has = Session{}, false
	m.mu.Unlock()
	return nil
}

// Discard is a Store that never keeps anything. Servers use it when the
// pending session lives in the browser instead.
type Discard struct{}

func (Discard) Save(Session) error { return nil }

func (Discard) Load() (Session, bool, error) { return Session{}, false, nil }

func (Discard) Clear() error { return nil }
