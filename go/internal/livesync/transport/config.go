package transport

import (
	"context"
	"fmt"
	"io"
)

// Drivers accepted by Config.Driver
const (
	DriverNATS   = "nats"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures a transport
type Config struct {
	Driver string
	NATS   NATSConfig
	Redis  RedisConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Driver: DriverNATS,
		NATS:   DefaultNATSConfig(),
		Redis:  DefaultRedisConfig(),
	}
}

// New creates a transport for cfg.Driver. The returned closer releases its
// connection.
func New(ctx context.Context, cfg Config) (Transport, io.Closer, error) {
	switch cfg.Driver {
	case DriverNATS, "":
		t, err := NewNATSTransport(cfg.NATS)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	case DriverRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisTransport(client), client, nil
	case DriverMemory:
		return NewMemory(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
