package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/megillah-live/reader/go/internal/livesync/events"
)

// Memory is an in-process Transport. Sends are delivered synchronously to
// every other open channel with the same name.
type Memory struct {
	mu       sync.Mutex
	channels map[string]map[*memoryChannel]bool

	// OpenErr, when set, is returned by every Open
	OpenErr error
}

func NewMemory() *Memory {
	return &Memory{channels: make(map[string]map[*memoryChannel]bool)}
}

type memoryChannel struct {
	id    string
	name  string
	opts  Options
	hub   *Memory
	table *handlerTable
	drop  dropOnce

	mu     sync.Mutex
	closed bool
}

// Open subscribes to name
func (m *Memory) Open(ctx context.Context, name string, opts Options) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	ch := &memoryChannel{
		id:    uuid.New().String(),
		name:  name,
		opts:  opts,
		hub:   m,
		table: newHandlerTable(),
		drop:  dropOnce{onDrop: opts.OnDrop},
	}

	m.mu.Lock()
	if m.channels[name] == nil {
		m.channels[name] = make(map[*memoryChannel]bool)
	}
	m.channels[name][ch] = true
	m.mu.Unlock()

	return ch, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Subscribers returns how many channels are open on name
func (m *Memory) Subscribers(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels[name])
}

// Open channels across all names
func (m *Memory) OpenChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.channels {
		n += len(set)
	}
	return n
}

// Drop simulates losing every channel on name: each is removed and its OnDrop fires
func (m *Memory) Drop(name string, err error) {
	m.mu.Lock()
	set := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()

	for ch := range set {
		ch.mu.Lock()
		ch.closed = true
		ch.mu.Unlock()
		ch.drop.fire(err)
	}
}

func (m *Memory) remove(ch *memoryChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.channels[ch.name]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(m.channels, ch.name)
		}
	}
}

func (m *Memory) recipients(sender *memoryChannel) []*memoryChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*memoryChannel
	for ch := range m.channels[sender.name] {
		if ch == sender && sender.opts.ExcludeSelf {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) On(msgType events.MessageType, h Handler) {
	c.table.on(msgType, h)
}

func (c *memoryChannel) Send(ctx context.Context, msg events.Message) error {
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
	for _, r := range c.hub.recipients(c) {
		r.table.dispatchRaw(r.name, data)
	}
	return nil
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.drop.disarm()
	c.hub.remove(c)
	return nil
}
