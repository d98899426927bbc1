package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultRedisConfig returns default Redis settings
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient creates a client and verifies the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// redisFrame wraps an encoded message with its sender, since Redis pub/sub has no headers
type redisFrame struct {
	Sender  string          `json:"sender"`
	Message json.RawMessage `json:"message"`
}

// RedisTransport maps each session channel onto a Redis pub/sub channel
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

type redisChannel struct {
	id     string
	name   string
	opts   Options
	client *redis.Client
	pubsub *redis.PubSub
	table  *handlerTable
	drop   dropOnce
	done   chan struct{}

	// dispatching is set while a handler runs on the receive goroutine
	dispatching atomic.Bool

	mu     sync.Mutex
	closed bool
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Open subscribes to name and waits for Redis to confirm the subscription
func (t *RedisTransport) Open(ctx context.Context, name string, opts Options) (Channel, error) {
	pubsub := t.client.Subscribe(ctx, name)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	ch := &redisChannel{
		id:     uuid.New().String(),
		name:   name,
		opts:   opts,
		client: t.client,
		pubsub: pubsub,
		table:  newHandlerTable(),
		drop:   dropOnce{onDrop: opts.OnDrop},
		done:   make(chan struct{}),
	}
	go ch.processMessages()

	log.Debug().Str("channel", name).Str("channel_id", ch.id).Msg("redis channel opened")
	return ch, nil
}

// processMessages reads from the subscription until it fails or is closed.
// A failure that was not caused by Close counts as a drop; go-redis would
// otherwise reconnect behind the channel and hide the gap.
func (c *redisChannel) processMessages() {
	defer close(c.done)

	ctx := context.Background()
	for {
		msg, err := c.pubsub.ReceiveMessage(ctx)
		if err != nil {
			c.mu.Lock()
			requested := c.closed
			c.closed = true
			c.mu.Unlock()
			if !requested {
				_ = c.pubsub.Close()
				c.drop.fire(fmt.Errorf("redis subscription lost: %w", err))
			}
			return
		}
		c.deliver(msg.Payload)
	}
}

func (c *redisChannel) deliver(payload string) {
	var frame redisFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		log.Warn().Err(err).Str("channel", c.name).Msg("dropping malformed frame")
		return
	}
	if c.opts.ExcludeSelf && frame.Sender == c.id {
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.dispatching.Store(true)
	defer c.dispatching.Store(false)
	c.table.dispatchRaw(c.name, frame.Message)
}

func (c *redisChannel) Name() string { return c.name }

func (c *redisChannel) On(msgType events.MessageType, h Handler) {
	c.table.on(msgType, h)
}

func (c *redisChannel) Send(ctx context.Context, msg events.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	data, err := events.Encode(msg)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(redisFrame{Sender: c.id, Message: data})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := c.client.Publish(ctx, c.name, frame).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", c.name, err)
	}
	return nil
}

func (c *redisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.drop.disarm()
	err := c.pubsub.Close()
	// A handler closing its own channel is running on the receive goroutine
	if !c.dispatching.Load() {
		<-c.done
	}
	return err
}
