package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Headers set on every published message
const (
	HeaderSenderID    = "Sender-ID"
	HeaderMessageType = "Message-Type"
)

const flushTimeout = 5 * time.Second

// NATSConfig holds connection settings for the NATS transport
type NATSConfig struct {
	URL           string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS settings
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		ClientName:    "megillah-live",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSTransport maps each session channel onto a core NATS subject. Self
// delivery is filtered per channel by a sender id header rather than with
// NoEcho, so leaders and followers may share one connection.
type NATSTransport struct {
	nc    *nats.Conn
	owned bool

	mu       sync.Mutex
	channels map[*natsChannel]bool
}

// NewNATSTransport connects to NATS
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	t := &NATSTransport{owned: true, channels: make(map[*natsChannel]bool)}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.dropAll(errors.New("nats connection closed"))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t.nc = nc
	return t, nil
}

// NewNATSTransportFromConn wraps an existing connection; Close leaves it open
func NewNATSTransportFromConn(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc, channels: make(map[*natsChannel]bool)}
}

type natsChannel struct {
	id        string
	name      string
	opts      Options
	transport *NATSTransport
	sub       *nats.Subscription
	table     *handlerTable
	drop      dropOnce

	mu     sync.Mutex
	closed bool
}

// Open subscribes to the subject name
func (t *NATSTransport) Open(ctx context.Context, name string, opts Options) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.nc == nil || t.nc.IsClosed() {
		return nil, errors.New("nats connection closed")
	}

	ch := &natsChannel{
		id:        uuid.New().String(),
		name:      name,
		opts:      opts,
		transport: t,
		table:     newHandlerTable(),
		drop:      dropOnce{onDrop: opts.OnDrop},
	}

	sub, err := t.nc.Subscribe(name, ch.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	// Make sure the server has the interest before reporting the channel open
	if err := t.flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", name, err)
	}
	ch.sub = sub

	t.mu.Lock()
	t.channels[ch] = true
	t.mu.Unlock()

	log.Debug().Str("subject", name).Str("channel_id", ch.id).Msg("NATS channel opened")
	return ch, nil
}

func (t *NATSTransport) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return t.nc.FlushWithContext(ctx)
	}
	return t.nc.FlushTimeout(flushTimeout)
}

// Ping reports an error while the connection is down
func (t *NATSTransport) Ping(ctx context.Context) error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("nats %s", t.nc.Status())
	}
	return nil
}

// Close closes the connection if this transport created it
func (t *NATSTransport) Close() error {
	if t.owned && t.nc != nil {
		t.nc.Close()
	}
	return nil
}

func (t *NATSTransport) dropAll(err error) {
	t.mu.Lock()
	chans := make([]*natsChannel, 0, len(t.channels))
	for ch := range t.channels {
		chans = append(chans, ch)
	}
	t.channels = make(map[*natsChannel]bool)
	t.mu.Unlock()

	for _, ch := range chans {
		ch.mu.Lock()
		ch.closed = true
		ch.mu.Unlock()
		ch.drop.fire(err)
	}
}

func (c *natsChannel) receive(m *nats.Msg) {
	if c.opts.ExcludeSelf && m.Header.Get(HeaderSenderID) == c.id {
		return
	}
	c.table.dispatchRaw(c.name, m.Data)
}

func (c *natsChannel) Name() string { return c.name }

func (c *natsChannel) On(msgType events.MessageType, h Handler) {
	c.table.on(msgType, h)
}

func (c *natsChannel) Send(ctx context.Context, msg events.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
	err = c.transport.nc.PublishMsg(&nats.Msg{
		Subject: c.name,
		Data:    data,
		Header: nats.Header{
			HeaderSenderID:    []string{c.id},
			HeaderMessageType: []string{string(msg.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", c.name, err)
	}
	return nil
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.drop.disarm()

	c.transport.mu.Lock()
	delete(c.transport.channels, c)
	c.transport.mu.Unlock()

	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe %s: %w", c.name, err)
	}
	return nil
}
