package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Schema creates the session table. Codes are indexed but not unique: two
// readings that roll the same code share a channel, and the newest record
// decides the leader password.
const Schema = `
CREATE TABLE IF NOT EXISTS live_sessions (
    id         BIGSERIAL PRIMARY KEY,
    code       TEXT        NOT NULL,
    password   TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS live_sessions_code_idx ON live_sessions (code, created_at DESC);
`

const (
	insertSessionSQL = `INSERT INTO live_sessions (code, password) VALUES ($1, $2)`
	getPasswordSQL   = `SELECT password FROM live_sessions WHERE code = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
)

// DBTX is the subset of *sql.DB and *sql.Tx the store needs
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements RecordStore on database/sql with the lib/pq driver
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a store on an open connection
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a lib/pq connection
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the session table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Insert adds a session record
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	if _, err := s.db.ExecContext(ctx, insertSessionSQL, rec.Code, rec.Password); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	log.Debug().Str("code", rec.Code).Msg("session record inserted")
	return nil
}

// FetchPassword returns the password of the newest record for code
func (s *PostgresStore) FetchPassword(ctx context.Context, code string) (string, error) {
	var password string
	err := s.db.QueryRowContext(ctx, getPasswordSQL, code).Scan(&password)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return password, nil
}

// Ping checks the connection when it supports it
func (s *PostgresStore) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ PingContext(context.Context) error }); ok {
		return p.PingContext(ctx)
	}
	return nil
}
