package arbiter

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/megillah-live/reader/go/internal/livesync/events"
)

const (
	// DefaultSuppressWindow is how long a highlight keeps scroll updates from moving the view
	DefaultSuppressWindow = 3 * time.Second

	// DefaultMargin is the gap in pixels kept between the sticky header and the verse anchor
	DefaultMargin = 16
)

// ScrollRequest asks the viewport to bring a verse anchor into view. The
// viewport adds the height of its sticky header on top of Margin.
type ScrollRequest struct {
	Verse  events.VerseKey
	Margin int
	Smooth bool
}

// Viewport is the UI-owned capability that locates a verse anchor and scrolls to it
type Viewport interface {
	ScrollTo(req ScrollRequest)
}

// ViewportFunc adapts a function to Viewport
type ViewportFunc func(req ScrollRequest)

func (f ViewportFunc) ScrollTo(req ScrollRequest) { f(req) }

// Decision is what the arbiter did with an incoming message
type Decision int

const (
	Applied Decision = iota
	SuppressedByHighlight
	Duplicate
	Paused
	Bypassed
	Ignored
)

func (d Decision) String() string {
	switch d {
	case Applied:
		return "applied"
	case SuppressedByHighlight:
		return "suppressed_by_highlight"
	case Duplicate:
		return "duplicate"
	case Paused:
		return "paused"
	case Bypassed:
		return "bypassed"
	default:
		return "ignored"
	}
}

// Outcome describes the result of handling one message
type Outcome struct {
	Decision  Decision
	Verse     events.VerseKey
	Moved     bool
	Highlight *Highlight
}

// Highlight is the active word or verse highlight
type Highlight struct {
	WordID string
	Verse  events.VerseKey
	Mode   events.HighlightMode
}

// Config tunes the arbiter
type Config struct {
	SuppressWindow time.Duration
	Margin         int
	Smooth         bool
}

// DefaultConfig returns the standard follower tuning
func DefaultConfig() Config {
	return Config{
		SuppressWindow: DefaultSuppressWindow,
		Margin:         DefaultMargin,
		Smooth:         true,
	}
}

// Arbiter decides which follower-side messages actually move the viewport.
// Decisions depend only on the incoming message and recorded timestamps.
type Arbiter struct {
	clock    clockwork.Clock
	viewport Viewport
	cfg      Config

	mu              sync.Mutex
	lastApplied     events.VerseKey
	lastHighlightAt time.Time
	highlighted     bool
	highlight       *Highlight
	latest          events.VerseKey
	following       bool
}

// New creates an arbiter that starts out following. A nil clock uses the real clock.
func New(clock clockwork.Clock, viewport Viewport, cfg Config) *Arbiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = DefaultSuppressWindow
	}
	if viewport == nil {
		viewport = ViewportFunc(func(ScrollRequest) {})
	}
	return &Arbiter{
		clock:     clock,
		viewport:  viewport,
		cfg:       cfg,
		following: true,
	}
}

// Handle routes a message to the matching rule. time and setting messages bypass arbitration.
func (a *Arbiter) Handle(msg events.Message) Outcome {
	switch msg.Type {
	case events.TypeWord:
		if msg.Word == nil {
			return Outcome{Decision: Ignored}
		}
		return a.HandleWord(msg.Word.WordID)
	case events.TypeScroll:
		if msg.Scroll == nil {
			return Outcome{Decision: Ignored}
		}
		return a.HandleScroll(msg.Scroll.Verse)
	case events.TypeTime, events.TypeSetting:
		return Outcome{Decision: Bypassed}
	default:
		return Outcome{Decision: Ignored}
	}
}

// HandleWord always applies a highlight and records its time
func (a *Arbiter) HandleWord(wordID string) Outcome {
	target := events.ParseWordID(wordID)
	hl := &Highlight{WordID: target.WordID, Verse: target.Verse, Mode: target.Mode}

	a.mu.Lock()
	a.lastHighlightAt = a.clock.Now()
	a.highlighted = true
	a.highlight = hl
	a.latest = target.Verse
	following := a.following
	a.mu.Unlock()

	out := Outcome{Decision: Applied, Verse: target.Verse, Highlight: hl}
	if following {
		a.move(target.Verse)
		out.Moved = true
	}
	return out
}

// HandleScroll applies a scroll unless a recent highlight owns the view or the
// verse is already the applied one.
func (a *Arbiter) HandleScroll(verse events.VerseKey) Outcome {
	a.mu.Lock()
	now := a.clock.Now()
	a.latest = verse

	if a.highlighted && now.Sub(a.lastHighlightAt) < a.cfg.SuppressWindow {
		a.mu.Unlock()
		return Outcome{Decision: SuppressedByHighlight, Verse: verse}
	}
	if verse == a.lastApplied {
		a.mu.Unlock()
		return Outcome{Decision: Duplicate, Verse: verse}
	}
	if !a.following {
		a.mu.Unlock()
		return Outcome{Decision: Paused, Verse: verse}
	}
	a.lastApplied = verse
	a.mu.Unlock()

	a.move(verse)
	return Outcome{Decision: Applied, Verse: verse, Moved: true}
}

// SetFollowing toggles whether messages move the viewport. Turning following
// back on jumps straight to the latest verse seen.
func (a *Arbiter) SetFollowing(on bool) Outcome {
	a.mu.Lock()
	was := a.following
	a.following = on
	latest := a.latest
	if on && !was && latest != "" {
		a.lastApplied = latest
	}
	a.mu.Unlock()

	if on && !was && latest != "" {
		a.move(latest)
		return Outcome{Decision: Applied, Verse: latest, Moved: true}
	}
	return Outcome{Decision: Ignored, Verse: latest}
}

// Following reports whether the viewport currently tracks the leader
func (a *Arbiter) Following() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.following
}

// Latest returns the verse of the most recent position-bearing message
func (a *Arbiter) Latest() (events.VerseKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest, a.latest != ""
}

// ActiveHighlight returns the current highlight, if any
func (a *Arbiter) ActiveHighlight() (Highlight, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.highlight == nil {
		return Highlight{}, false
	}
	return *a.highlight, true
}

func (a *Arbiter) move(verse events.VerseKey) {
	a.viewport.ScrollTo(ScrollRequest{
		Verse:  verse,
		Margin: a.cfg.Margin,
		Smooth: a.cfg.Smooth,
	})
}
