package livesync

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/megillah-live/reader/go/internal/livesync/arbiter"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/megillah-live/reader/go/internal/livesync/pending"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/throttle"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog/log"
)

// Role is fixed when a session is created or joined
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Handlers are the UI-facing callbacks a follower session drives. Any of them may be nil.
type Handlers struct {
	OnScrollTarget   func(verse events.VerseKey)
	OnTimeUpdate     func(minutes float64)
	OnWordHighlight  func(wordID string)
	OnVerseHighlight func(verse events.VerseKey)
	OnSettingChange  func(key string, value any)

	// OnError reports a session lost after it was established
	OnError func(err error)
}

// Config holds live-sync tunables
type Config struct {
	ThrottleInterval time.Duration
	Arbiter          arbiter.Config
	ChannelPrefix    string
}

// DefaultConfig returns the standard tunables
func DefaultConfig() Config {
	return Config{
		ThrottleInterval: throttle.DefaultInterval,
		Arbiter:          arbiter.DefaultConfig(),
		ChannelPrefix:    events.ChannelPrefix,
	}
}

// Option configures a Controller
type Option func(*Controller)

// WithClock sets the clock used by throttling and arbitration
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithPendingStore sets where a just-created session is remembered
func WithPendingStore(s pending.Store) Option {
	return func(c *Controller) { c.pending = s }
}

// WithViewport sets the capability that scrolls a follower to a verse
func WithViewport(v arbiter.Viewport) Option {
	return func(c *Controller) { c.viewport = v }
}

func WithHandlers(h Handlers) Option {
	return func(c *Controller) { c.handlers = h }
}

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithCodeGenerator replaces the random session code source
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(c *Controller) { c.newCode = gen }
}

// Controller establishes sessions, resolves roles and owns the single channel
// subscription a participant may hold.
type Controller struct {
	records   store.RecordStore
	transport transport.Transport
	pending   pending.Store
	viewport  arbiter.Viewport
	handlers  Handlers
	clock     clockwork.Clock
	cfg       Config
	newCode   func() (string, error)

	mu      sync.Mutex
	gen     uint64 // bumped by Leave and Close to invalidate in-flight requests
	loading bool
	closed  bool
	session *Session
}

// NewController creates a controller on an explicit record store and transport
func NewController(records store.RecordStore, tr transport.Transport, opts ...Option) *Controller {
	c := &Controller{
		records:   records,
		transport: tr,
		pending:   pending.Discard{},
		clock:     clockwork.NewRealClock(),
		cfg:       DefaultConfig(),
		newCode:   FreshCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.ChannelPrefix == "" {
		c.cfg.ChannelPrefix = events.ChannelPrefix
	}
	return c
}

// FreshCode returns a uniformly random 6-digit code. Codes are not checked
// against existing sessions; a collision puts two readings on one channel.
func FreshCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Create inserts a new session record and opens its channel as leader. The
// code and password are remembered as the pending session until the leader
// starts broadcasting.
func (c *Controller) Create(ctx context.Context, password string) (*Session, error) {
	gen, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer c.finish()

	code, err := c.newCode()
	if err != nil {
		return nil, &CreateError{Err: err}
	}

	if err := c.records.Insert(ctx, store.Record{Code: code, Password: password}); err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to create session")
		return nil, &CreateError{Err: err}
	}

	sess, err := c.subscribe(ctx, gen, code, RoleLeader)
	if err != nil {
		return nil, err
	}

	if err := c.pending.Save(pending.Session{Code: code, Password: password}); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("failed to save pending session")
	}

	log.Info().Str("code", code).Msg("session created")
	return sess, nil
}

// Join looks up code and opens its channel. The role is leader only when
// password matches the stored one; a wrong or empty password silently joins
// as follower.
func (c *Controller) Join(ctx context.Context, code, password string) (*Session, error) {
	gen, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer c.finish()

	return c.join(ctx, gen, code, password)
}

// Resume re-joins the pending session saved by Create, restoring the leader
// after a restart. A pending session whose record is gone is cleared.
func (c *Controller) Resume(ctx context.Context) (*Session, error) {
	p, ok, err := c.pending.Load()
	if err != nil {
		return nil, fmt.Errorf("load pending session: %w", err)
	}
	if !ok {
		return nil, ErrNoPendingSession
	}

	gen, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer c.finish()

	sess, err := c.join(ctx, gen, p.Code, p.Password)
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		if clearErr := c.pending.Clear(); clearErr != nil {
			log.Warn().Err(clearErr).Msg("failed to clear stale pending session")
		}
	}
	return sess, err
}

// Pending returns the session created but not yet broadcast, if any
func (c *Controller) Pending() (pending.Session, bool, error) {
	return c.pending.Load()
}

// Abandon forgets the pending session and leaves any active one
func (c *Controller) Abandon() error {
	c.Leave()
	if err := c.pending.Clear(); err != nil {
		return fmt.Errorf("clear pending session: %w", err)
	}
	return nil
}

// Leave closes the channel subscription and discards session state. Calling
// it with no active session is a no-op.
func (c *Controller) Leave() {
	c.mu.Lock()
	c.gen++
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		sess.close()
		log.Info().Str("code", sess.code).Str("role", string(sess.role)).Msg("left session")
	}
}

// Close leaves the session and rejects every later request. In-flight
// requests resolve with ErrSessionAbandoned.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Leave()
}

// Session returns the active session, or nil
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Loading reports whether a Create, Join or Resume is in flight
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Controller) channelName(code string) string {
	return c.cfg.ChannelPrefix + code
}

// begin marks a request in flight. Any active session is left first, so a
// controller never holds more than one channel.
func (c *Controller) begin() (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrControllerClosed
	}
	if c.loading {
		c.mu.Unlock()
		return 0, ErrOperationInFlight
	}
	c.loading = true
	c.mu.Unlock()

	c.Leave()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()
}

func (c *Controller) join(ctx context.Context, gen uint64, code, password string) (*Session, error) {
	stored, err := c.records.FetchPassword(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Str("code", code).Msg("join for unknown session")
		return nil, &NotFoundError{Code: code}
	}
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to fetch session")
		return nil, fmt.Errorf("fetch session %s: %w", code, err)
	}

	role := RoleFollower
	if password != "" && subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1 {
		role = RoleLeader
	}

	sess, err := c.subscribe(ctx, gen, code, role)
	if err != nil {
		return nil, err
	}
	log.Info().Str("code", code).Str("role", string(role)).Msg("joined session")
	return sess, nil
}

// subscribe opens the session channel and installs the session, unless the
// request was invalidated while the channel was opening.
func (c *Controller) subscribe(ctx context.Context, gen uint64, code string, role Role) (*Session, error) {
	sess := newSession(c, code, role)

	ch, err := c.transport.Open(ctx, c.channelName(code), transport.Options{
		ExcludeSelf: true,
		OnDrop:      func(err error) { c.handleDrop(sess, err) },
	})
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to open channel")
		return nil, &TransportError{Code: code, Err: err}
	}

	if role == RoleFollower {
		for _, t := range []events.MessageType{events.TypeScroll, events.TypeTime, events.TypeWord, events.TypeSetting} {
			ch.On(t, sess.handleInbound)
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		log.Debug().Str("code", code).Msg("discarding session opened after leave")
		return nil, ErrSessionAbandoned
	}
	sess.attach(ch)
	c.session = sess
	c.mu.Unlock()

	return sess, nil
}

func (c *Controller) handleDrop(sess *Session, err error) {
	c.mu.Lock()
	current := c.session == sess
	if current {
		c.session = nil
		c.gen++
	}
	c.mu.Unlock()

	sess.close()
	if !current {
		return
	}

	log.Error().Err(err).Str("code", sess.code).Msg("live sync channel lost")
	if c.handlers.OnError != nil {
		c.handlers.OnError(&TransportError{Code: sess.code, Err: err})
	}
}

func (c *Controller) clearPending(code string) {
	p, ok, err := c.pending.Load()
	if err != nil || !ok || p.Code != code {
		return
	}
	if err := c.pending.Clear(); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("failed to clear pending session")
	}
}
