package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/megillah-live/reader/go/internal/dbconfig"
	"github.com/megillah-live/reader/go/internal/livesync/pending"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Store      string
	Transport  string
	NATSURL    string
	RedisAddr  string
	PendingDir string
}

// runtime is what a command needs to reach a session
type runtime struct {
	records   store.RecordStore
	transport transport.Transport
	pending   pending.Store
	close     func()
}

type openFunc func(ctx context.Context, opts *RootOptions) (*runtime, error)

// NewRootCommand creates the root command for the reader CLI.
func NewRootCommand(open openFunc) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reader",
		Short: "Follow a Megillah reading live",
		Long: `Create, join or resume a live Megillah reading.

A leader types verse keys ("3:7"), "word <id>", "time <minutes>",
"set <key> <value>" or "start" on stdin. A follower prints what the
leader does and types "pause" or "follow" to toggle tracking.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.WarnLevel
			if opts.Verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level)
			return nil
		},
	}

	defaultPendingDir, err := pending.DefaultDir()
	if err != nil {
		defaultPendingDir = "."
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", getEnv("LIVESYNC_STORE", "postgres"), "session record store (postgres|pgx|redis|memory)")
	cmd.PersistentFlags().StringVar(&opts.Transport, "transport", getEnv("LIVESYNC_TRANSPORT", transport.DriverNATS), "live sync transport (nats|redis|memory)")
	cmd.PersistentFlags().StringVar(&opts.NATSURL, "nats-url", getEnv("NATS_URL", transport.DefaultNATSConfig().URL), "NATS server URL")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", transport.DefaultRedisConfig().Address), "Redis address")
	cmd.PersistentFlags().StringVar(&opts.PendingDir, "pending-dir", defaultPendingDir, "where a created session is remembered until broadcasting starts")

	// Add subcommands
	cmd.AddCommand(NewCreateCommand(opts, open))
	cmd.AddCommand(NewJoinCommand(opts, open))
	cmd.AddCommand(NewResumeCommand(opts, open))
	cmd.AddCommand(NewAbandonCommand(opts, open))

	return cmd
}

// openRuntime connects to the configured record store and transport
func openRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	records, closeRecords, err := openRecords(ctx, opts)
	if err != nil {
		return nil, err
	}

	trCfg := transport.DefaultConfig()
	trCfg.Driver = strings.ToLower(opts.Transport)
	trCfg.NATS.URL = opts.NATSURL
	trCfg.NATS.ClientName = "megillah-reader"
	trCfg.Redis.Address = opts.RedisAddr

	tr, trCloser, err := transport.New(ctx, trCfg)
	if err != nil {
		closeRecords()
		return nil, fmt.Errorf("connect %s transport: %w", trCfg.Driver, err)
	}

	return &runtime{
		records:   records,
		transport: tr,
		pending:   pending.NewFileStore(opts.PendingDir),
		close: func() {
			trCloser.Close()
			closeRecords()
		},
	}, nil
}

func openRecords(ctx context.Context, opts *RootOptions) (store.RecordStore, func(), error) {
	switch strings.ToLower(opts.Store) {
	case "postgres":
		db, err := store.OpenPostgres(ctx, dbconfig.NewConfigFromEnv(dbconfig.AppReader).DSN())
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(db), func() { db.Close() }, nil
	case "pgx":
		pool, err := store.ConnectPgx(ctx, dbconfig.NewConfigFromEnv(dbconfig.AppReader).PoolDSN())
		if err != nil {
			return nil, nil, err
		}
		return store.NewPgxStore(pool), pool.Close, nil
	case "redis":
		redisCfg := transport.DefaultRedisConfig()
		redisCfg.Address = opts.RedisAddr
		client, err := transport.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(client, store.DefaultRedisTTL), func() { client.Close() }, nil
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown record store %q", opts.Store)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// syncWriter serialises output written from transport callbacks and the input loop
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format+"\n", args...)
}
