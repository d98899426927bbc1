package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/megillah-live/reader/go/internal/dbconfig"
	"github.com/megillah-live/reader/go/internal/livesync/store"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv(dbconfig.AppMigrate)
	pool, err := pgxpool.New(ctx, cfg.PoolDSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Create the session table and index
	if err := store.NewPgxStore(pool).EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 3) Report what is there
	var count int64
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM live_sessions`).Scan(&count); err != nil {
		fmt.Fprintf(os.Stderr, "count sessions: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Schema ready on %s (%d session records)\n", cfg.Target(), count)
}
