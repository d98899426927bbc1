package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the subset of *pgxpool.Pool the store needs
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ PgxPool = (*pgxpool.Pool)(nil)

// PgxStore implements RecordStore on a pgx connection pool
type PgxStore struct {
	pool PgxPool
}

func NewPgxStore(pool PgxPool) *PgxStore {
	return &PgxStore{pool: pool}
}

// ConnectPgx creates a pool and verifies it with a ping
func ConnectPgx(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the session table if it does not exist
func (s *PgxStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PgxStore) Insert(ctx context.Context, rec Record) error {
	tag, err := s.pool.Exec(ctx, insertSessionSQL, rec.Code, rec.Password)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to insert session: %d rows affected", tag.RowsAffected())
	}
	return nil
}

func (s *PgxStore) FetchPassword(ctx context.Context, code string) (string, error) {
	var password string
	err := s.pool.QueryRow(ctx, getPasswordSQL, code).Scan(&password)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return password, nil
}

// Ping checks the pool when it supports it
func (s *PgxStore) Ping(ctx context.Context) error {
	if p, ok := s.pool.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
