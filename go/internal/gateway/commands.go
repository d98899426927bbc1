package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/megillah-live/reader/go/internal/livesync"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/megillah-live/reader/go/internal/livesync/pending"
	"github.com/rs/zerolog/log"
)

// errInvalidCommand marks frames the gateway could not understand
var errInvalidCommand = errors.New("invalid command")

// handleClientMessage decodes and runs one browser command. Session requests
// run in the background so a leave can still arrive while they are pending.
func (c *Connection) handleClientMessage(message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("unreadable client frame")
		c.emitError(fmt.Errorf("%w: %v", errInvalidCommand, err))
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("command", string(cmd.Type)).
		Msg("received client command")

	if err := c.dispatch(cmd); err != nil {
		c.emitError(err)
	}
}

func (c *Connection) dispatch(cmd Command) error {
	switch cmd.Type {
	case CommandCreate:
		var p CreateCommand
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		go c.establish(func(ctx context.Context) (*livesync.Session, error) {
			return c.ctrl.Create(ctx, p.Password)
		}, p.Password)
		return nil

	case CommandJoin:
		var p JoinCommand
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		go c.establish(func(ctx context.Context) (*livesync.Session, error) {
			return c.ctrl.Join(ctx, p.Code, p.Password)
		}, "")
		return nil

	case CommandResume:
		var p ResumeCommand
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		if err := c.pending.Save(pending.Session{Code: p.Code, Password: p.Password}); err != nil {
			return err
		}
		go c.establish(c.ctrl.Resume, "")
		return nil

	case CommandAbandon:
		if err := c.ctrl.Abandon(); err != nil {
			return err
		}
		c.emit(EventLeft, nil)
		return nil

	case CommandLeave:
		c.ctrl.Leave()
		c.emit(EventLeft, nil)
		return nil

	case CommandFollow:
		var p FollowCommand
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		sess := c.ctrl.Session()
		if sess == nil {
			return ErrNoSession
		}
		sess.SetFollowing(p.On)
		if p.On {
			c.emitHighlight(sess)
		}
		return nil
	}

	return c.dispatchLeader(cmd)
}

// emitHighlight resends the current highlight so a follower that resumes
// tracking sees the leader's word again
func (c *Connection) emitHighlight(sess *livesync.Session) {
	hl, ok := sess.ActiveHighlight()
	if !ok {
		return
	}
	if hl.Mode == events.HighlightVerse {
		c.emit(EventHighlightVerse, HighlightVersePayload{Verse: hl.Verse})
		return
	}
	c.emit(EventHighlightWord, HighlightWordPayload{WordID: hl.WordID})
}

// dispatchLeader handles the commands a leader uses to drive followers
func (c *Connection) dispatchLeader(cmd Command) error {
	sess := c.ctrl.Session()
	if sess == nil {
		return ErrNoSession
	}

	var err error
	switch cmd.Type {
	case CommandStart:
		err = sess.StartBroadcasting()
	case CommandScroll:
		var p events.ScrollPayload
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		err = sess.Broadcast(c.ctx, p.Verse)
	case CommandTime:
		var p events.TimePayload
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		err = sess.SendTime(c.ctx, p.Minutes)
	case CommandWord:
		var p events.WordPayload
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		err = sess.SendWord(c.ctx, p.WordID)
	case CommandSetting:
		var p events.SettingPayload
		if err := decodePayload(cmd, &p); err != nil {
			return fmt.Errorf("%w: %v", errInvalidCommand, err)
		}
		err = sess.SendSetting(c.ctx, p.Key, p.Value)
	default:
		return fmt.Errorf("%w: unknown type %q", errInvalidCommand, cmd.Type)
	}
	if err != nil {
		return err
	}

	if sess.Broadcasting() && c.announced != sess {
		c.announced = sess
		c.emit(EventSession, SessionPayload{Code: sess.Code(), Role: string(sess.Role()), Pending: false})
	}
	return nil
}

// establish runs a create, join or resume and reports the resulting session.
// A request overtaken by leave resolves silently.
func (c *Connection) establish(op func(ctx context.Context) (*livesync.Session, error), password string) {
	sess, err := op(c.ctx)
	if errors.Is(err, livesync.ErrSessionAbandoned) || errors.Is(err, livesync.ErrControllerClosed) {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("session request dropped")
		return
	}
	if err != nil {
		c.emitError(err)
		return
	}

	p, ok, _ := c.pending.Load()
	isPending := ok && p.Code == sess.Code() && sess.IsLeader() && !sess.Broadcasting()
	c.emit(EventSession, SessionPayload{
		Code:     sess.Code(),
		Role:     string(sess.Role()),
		Password: password,
		Pending:  isPending,
	})
}

// errorKind classifies err for the browser
func errorKind(err error) string {
	var (
		createErr    *livesync.CreateError
		notFoundErr  *livesync.NotFoundError
		transportErr *livesync.TransportError
	)
	switch {
	case errors.As(err, &notFoundErr):
		return "not_found"
	case errors.As(err, &createErr):
		return "create"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.Is(err, livesync.ErrOperationInFlight):
		return "in_flight"
	case errors.Is(err, livesync.ErrNotLeader):
		return "not_leader"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, errInvalidCommand):
		return "invalid"
	default:
		return "internal"
	}
}
