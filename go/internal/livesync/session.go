package livesync

import (
	"context"
	"sync"

	"github.com/megillah-live/reader/go/internal/livesync/arbiter"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/megillah-live/reader/go/internal/livesync/throttle"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog/log"
)

// Session is one participant's live connection to a reading. The password is
// not kept: the role decided at join time is final.
type Session struct {
	ctrl     *Controller
	code     string
	role     Role
	handlers Handlers
	throttle *throttle.Throttle
	arbiter  *arbiter.Arbiter

	mu           sync.Mutex
	channel      transport.Channel
	active       bool
	broadcasting bool
}

func newSession(c *Controller, code string, role Role) *Session {
	s := &Session{
		ctrl:     c,
		code:     code,
		role:     role,
		handlers: c.handlers,
	}
	if role == RoleLeader {
		s.throttle = throttle.New(c.clock, c.cfg.ThrottleInterval)
	} else {
		s.arbiter = arbiter.New(c.clock, s.viewport(c.viewport), c.cfg.Arbiter)
	}
	return s
}

// viewport reports every move through OnScrollTarget as well as to the UI viewport
func (s *Session) viewport(v arbiter.Viewport) arbiter.Viewport {
	return arbiter.ViewportFunc(func(req arbiter.ScrollRequest) {
		if v != nil {
			v.ScrollTo(req)
		}
		if s.handlers.OnScrollTarget != nil {
			s.handlers.OnScrollTarget(req.Verse)
		}
	})
}

func (s *Session) Code() string { return s.code }

func (s *Session) Role() Role { return s.role }

func (s *Session) IsLeader() bool { return s.role == RoleLeader }

// Active reports whether the session still holds its channel
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Broadcasting reports whether the leader has started sending
func (s *Session) Broadcasting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasting
}

// Broadcast publishes the leader's current verse. Calls within the throttle
// interval of the last sent position are dropped, and for a follower the call
// does nothing.
func (s *Session) Broadcast(ctx context.Context, verse events.VerseKey) error {
	if s.role != RoleLeader {
		return nil
	}
	ch, ok := s.openChannel()
	if !ok {
		return nil
	}
	sent, err := s.throttle.Do(func() error {
		return ch.Send(ctx, s.stamp(events.NewScroll(verse)))
	})
	if err != nil {
		return s.sendFailed(err)
	}
	if !sent {
		log.Debug().Str("code", s.code).Str("verse", string(verse)).Msg("scroll throttled")
		return nil
	}
	s.markBroadcasting()
	return nil
}

// SendTime publishes the leader's remaining-time estimate
func (s *Session) SendTime(ctx context.Context, minutes float64) error {
	return s.send(ctx, events.NewTime(minutes))
}

// SendWord publishes a highlight target, either "v:<verse>" or "<verse>-<index>"
func (s *Session) SendWord(ctx context.Context, wordID string) error {
	return s.send(ctx, events.NewWord(wordID))
}

// SendSetting mirrors a display option to followers
func (s *Session) SendSetting(ctx context.Context, key string, value any) error {
	return s.send(ctx, events.NewSetting(key, value))
}

// StartBroadcasting marks the point where the leader leaves the share screen.
// The pending session is no longer needed from here on.
func (s *Session) StartBroadcasting() error {
	if s.role != RoleLeader {
		return ErrNotLeader
	}
	s.markBroadcasting()
	return nil
}

// SetFollowing turns viewport tracking on or off for a follower. Turning it
// back on jumps to the leader's latest position right away.
func (s *Session) SetFollowing(on bool) {
	if s.arbiter == nil {
		return
	}
	s.arbiter.SetFollowing(on)
}

// ActiveHighlight returns the word or verse a follower currently has highlighted
func (s *Session) ActiveHighlight() (arbiter.Highlight, bool) {
	if s.arbiter == nil {
		return arbiter.Highlight{}, false
	}
	return s.arbiter.ActiveHighlight()
}

// Following reports whether a follower's viewport tracks the leader
func (s *Session) Following() bool {
	return s.arbiter != nil && s.arbiter.Following()
}

// LatestVerse returns the leader's most recent known position
func (s *Session) LatestVerse() (events.VerseKey, bool) {
	if s.arbiter == nil {
		return "", false
	}
	return s.arbiter.Latest()
}

// Leave ends this session. It is safe to call more than once.
func (s *Session) Leave() {
	s.ctrl.mu.Lock()
	current := s.ctrl.session == s
	s.ctrl.mu.Unlock()

	if current {
		s.ctrl.Leave()
		return
	}
	s.close()
}

func (s *Session) send(ctx context.Context, msg events.Message) error {
	if s.role != RoleLeader {
		return ErrNotLeader
	}
	ch, ok := s.openChannel()
	if !ok {
		return nil
	}
	if err := ch.Send(ctx, s.stamp(msg)); err != nil {
		return s.sendFailed(err)
	}
	s.markBroadcasting()
	return nil
}

func (s *Session) stamp(msg events.Message) events.Message {
	msg.SentAt = s.ctrl.clock.Now().UTC()
	return msg
}

func (s *Session) sendFailed(err error) error {
	log.Warn().Err(err).Str("code", s.code).Msg("failed to send on channel")
	return &TransportError{Code: s.code, Err: err}
}

func (s *Session) openChannel() (transport.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, s.active && s.channel != nil
}

func (s *Session) markBroadcasting() {
	s.mu.Lock()
	first := !s.broadcasting
	s.broadcasting = true
	s.mu.Unlock()

	if first {
		s.ctrl.clearPending(s.code)
		log.Info().Str("code", s.code).Msg("broadcasting started")
	}
}

func (s *Session) attach(ch transport.Channel) {
	s.mu.Lock()
	s.channel = ch
	s.active = true
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.active = false
	s.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		log.Warn().Err(err).Str("code", s.code).Msg("failed to close channel")
	}
}

// handleInbound routes a follower's inbound message: scroll and word go
// through the arbiter, time and setting straight to the handlers.
func (s *Session) handleInbound(msg events.Message) {
	if !s.Active() {
		return
	}

	switch msg.Type {
	case events.TypeScroll, events.TypeWord:
		out := s.arbiter.Handle(msg)
		log.Debug().
			Str("code", s.code).
			Str("type", string(msg.Type)).
			Str("verse", string(out.Verse)).
			Str("decision", out.Decision.String()).
			Msg("arbitrated message")
		if out.Highlight != nil {
			s.notifyHighlight(*out.Highlight)
		}
	case events.TypeTime:
		if msg.Time != nil && s.handlers.OnTimeUpdate != nil {
			s.handlers.OnTimeUpdate(msg.Time.Minutes)
		}
	case events.TypeSetting:
		if msg.Setting != nil && s.handlers.OnSettingChange != nil {
			s.handlers.OnSettingChange(msg.Setting.Key, msg.Setting.Value)
		}
	}
}

func (s *Session) notifyHighlight(h arbiter.Highlight) {
	if h.Mode == events.HighlightVerse {
		if s.handlers.OnVerseHighlight != nil {
			s.handlers.OnVerseHighlight(h.Verse)
		}
		return
	}
	if s.handlers.OnWordHighlight != nil {
		s.handlers.OnWordHighlight(h.WordID)
	}
}
