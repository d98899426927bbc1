package main

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/megillah-live/reader/go/internal/dbconfig"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog/log"
)

// Record store drivers accepted in LIVESYNC_STORE
const (
	storePostgres = "postgres"
	storePgx      = "pgx"
	storeRedis    = "redis"
	storeMemory   = "memory"
)

// setupRecordStore opens the session record store named by LIVESYNC_STORE.
// The returned func releases its connection.
func setupRecordStore(ctx context.Context, config *Config) (store.RecordStore, func(), error) {
	driver := strings.ToLower(getEnv("LIVESYNC_STORE", storePostgres))

	switch driver {
	case storePostgres:
		dbCfg := dbconfig.NewConfigFromEnv(dbconfig.AppServer)
		db, err := store.OpenPostgres(ctx, dbCfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		records := store.NewPostgresStore(db)
		if err := records.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info().Str("target", dbCfg.Target()).Msg("connected to database")
		return records, func() { db.Close() }, nil

	case storePgx:
		dbCfg := dbconfig.NewConfigFromEnv(dbconfig.AppServer)
		pool, err := store.ConnectPgx(ctx, dbCfg.PoolDSN())
		if err != nil {
			return nil, nil, err
		}
		records := store.NewPgxStore(pool)
		if err := records.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().
			Str("target", dbCfg.Target()).
			Int("max_conns", dbCfg.MaxConns).
			Msg("connected to database pool")
		return records, pool.Close, nil

	case storeRedis:
		redisCfg := config.redisConfig()
		client, err := transport.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("address", redisCfg.Address).Msg("using redis session records")
		return store.NewRedisStore(client, store.DefaultRedisTTL), func() { client.Close() }, nil

	case storeMemory:
		log.Warn().Msg("using in-memory session records, sessions are lost on restart")
		return store.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown record store %q", driver)
	}
}
