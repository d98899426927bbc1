package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/rs/zerolog/log"
)

// ErrChannelClosed is returned when sending on a closed channel
var ErrChannelClosed = errors.New("channel closed")

// Handler receives one inbound message
type Handler func(msg events.Message)

// Options configure an opened channel
type Options struct {
	// ExcludeSelf drops messages this channel sent itself
	ExcludeSelf bool

	// OnDrop is called at most once if the channel is lost without Close
	OnDrop func(err error)
}

// Transport opens named publish/subscribe channels. Delivery is at most once,
// unordered across senders and unacknowledged.
type Transport interface {
	Open(ctx context.Context, name string, opts Options) (Channel, error)
}

// Pinger is implemented by transports that can report whether their connection is up
type Pinger interface {
	Ping(ctx context.Context) error
}

// Channel is one open subscription to a named channel
type Channel interface {
	Name() string
	On(msgType events.MessageType, h Handler)
	Send(ctx context.Context, msg events.Message) error
	Close() error
}

// handlerTable holds registered handlers and serializes dispatch so that no
// two inbound messages on one channel are handled concurrently.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[events.MessageType][]Handler

	dispatchMu sync.Mutex
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[events.MessageType][]Handler)}
}

func (t *handlerTable) on(msgType events.MessageType, h Handler) {
	t.mu.Lock()
	t.handlers[msgType] = append(t.handlers[msgType], h)
	t.mu.Unlock()
}

func (t *handlerTable) dispatch(msg events.Message) {
	t.mu.RLock()
	hs := append([]Handler(nil), t.handlers[msg.Type]...)
	t.mu.RUnlock()

	if len(hs) == 0 {
		log.Debug().Str("type", string(msg.Type)).Msg("no handler for message")
		return
	}

	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (t *handlerTable) dispatchRaw(channel string, data []byte) {
	msg, err := events.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
		return
	}
	t.dispatch(msg)
}

// dropOnce guards an OnDrop callback so it fires at most once, and never after Close
type dropOnce struct {
	once   sync.Once
	onDrop func(error)
}

func (d *dropOnce) fire(err error) {
	d.once.Do(func() {
		if d.onDrop != nil {
			d.onDrop(err)
		}
	})
}

// disarm prevents a later fire from calling OnDrop
func (d *dropOnce) disarm() {
	d.once.Do(func() {})
}
