package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when no record exists for a session code
var ErrNotFound = errors.New("session not found")

// Record is a persisted session: a code and the password that grants the leader role
type Record struct {
	Code     string
	Password string
}

// RecordStore is the persistence the session controller consumes
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
	FetchPassword(ctx context.Context, code string) (string, error)
}

// Pinger is implemented by stores that can report whether their backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process RecordStore for tests and single-node runs
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]string

	// InsertErr, when set, is returned by every Insert
	InsertErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]string)}
}

// Insert stores rec, overwriting any existing record with the same code
func (s *MemoryStore) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.InsertErr != nil {
		return s.InsertErr
	}
	if rec.Code == "" {
		return fmt.Errorf("insert session: empty code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Code] = rec.Password
	return nil
}

// FetchPassword returns the password stored for code
func (s *MemoryStore) FetchPassword(ctx context.Context, code string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pw, ok := s.records[code]
	if !ok {
		return "", ErrNotFound
	}
	return pw, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
