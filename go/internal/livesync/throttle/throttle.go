package throttle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the minimum spacing between outgoing scroll broadcasts
const DefaultInterval = 200 * time.Millisecond

// Throttle drops calls that arrive within the interval of the last
// successful one. Dropped calls are not queued or coalesced, so a trailing
// position that arrives inside the window is lost until the next qualifying
// call. A failed send does not start a window.
type Throttle struct {
	clock    clockwork.Clock
	interval time.Duration

	mu         sync.Mutex
	lastSentAt time.Time
	sent       bool
	inFlight   bool
}

// New creates a throttle. A nil clock uses the real clock and a non-positive
// interval uses DefaultInterval.
func New(clock clockwork.Clock, interval time.Duration) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{clock: clock, interval: interval}
}

// Do runs send unless the last successful send was less than the interval
// ago or another send is still running. It reports whether send ran; the
// send error is returned as is.
func (t *Throttle) Do(send func() error) (bool, error) {
	now := t.clock.Now()

	t.mu.Lock()
	if t.inFlight || (t.sent && now.Sub(t.lastSentAt) < t.interval) {
		t.mu.Unlock()
		return false, nil
	}
	t.inFlight = true
	t.mu.Unlock()

	err := send()

	t.mu.Lock()
	t.inFlight = false
	if err == nil {
		t.lastSentAt = now
		t.sent = true
	}
	t.mu.Unlock()
	return true, err
}
