package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Insert(ctx, Record{Code: "123456", Password: "esther"}))
	pw, err := s.FetchPassword(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "esther", pw)

	_, err = s.FetchPassword(ctx, "000000")
	assert.ErrorIs(t, err, ErrNotFound)

	// a colliding code silently replaces the earlier record
	require.NoError(t, s.Insert(ctx, Record{Code: "123456", Password: "mordechai"}))
	pw, err = s.FetchPassword(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "mordechai", pw)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Errors(t *testing.T) {
	s := NewMemoryStore()
	s.InsertErr = errors.New("quota exceeded")
	assert.EqualError(t, s.Insert(context.Background(), Record{Code: "1"}), "quota exceeded")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().FetchPassword(ctx, "1")
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeRow struct {
	val string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.val
	return nil
}

type fakePool struct {
	execSQL  string
	execArgs []any
	execErr  error
	row      fakeRow
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = sql
	p.execArgs = args
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (p *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return p.row
}

func TestPgxStore(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{row: fakeRow{val: "shushan"}}
	s := NewPgxStore(pool)

	require.NoError(t, s.Insert(ctx, Record{Code: "654321", Password: "shushan"}))
	assert.Equal(t, insertSessionSQL, pool.execSQL)
	assert.Equal(t, []any{"654321", "shushan"}, pool.execArgs)

	pw, err := s.FetchPassword(ctx, "654321")
	require.NoError(t, err)
	assert.Equal(t, "shushan", pw)

	pool.row = fakeRow{err: pgx.ErrNoRows}
	_, err = s.FetchPassword(ctx, "654321")
	assert.ErrorIs(t, err, ErrNotFound)

	pool.execErr = errors.New("connection refused")
	err = s.Insert(ctx, Record{Code: "1", Password: "2"})
	assert.ErrorContains(t, err, "connection refused")
}

func TestPgxStore_EnsureSchema(t *testing.T) {
	pool := &fakePool{}
	s := NewPgxStore(pool)

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.Equal(t, Schema, pool.execSQL)

	pool.execErr = errors.New("permission denied")
	assert.ErrorContains(t, s.EnsureSchema(context.Background()), "failed to create schema")
}

type fakeRedis struct {
	redis.Cmdable
	data map[string]string
	ttl  time.Duration
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = value.(string)
	f.ttl = expiration
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	client := &fakeRedis{data: map[string]string{}}
	s := NewRedisStore(client, 0)

	require.NoError(t, s.Insert(ctx, Record{Code: "111222", Password: "vashti"}))
	assert.Equal(t, "vashti", client.data[RedisKeyPrefix+"111222"])
	assert.Equal(t, DefaultRedisTTL, client.ttl)

	pw, err := s.FetchPassword(ctx, "111222")
	require.NoError(t, err)
	assert.Equal(t, "vashti", pw)

	_, err = s.FetchPassword(ctx, "999999")
	assert.ErrorIs(t, err, ErrNotFound)
}
