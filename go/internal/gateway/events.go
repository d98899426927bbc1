package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/megillah-live/reader/go/internal/livesync/events"
)

// Command is a frame sent by the browser
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandType names a browser command
type CommandType string

const (
	CommandCreate  CommandType = "create"
	CommandJoin    CommandType = "join"
	CommandResume  CommandType = "resume"
	CommandAbandon CommandType = "abandon"
	CommandStart   CommandType = "start"
	CommandScroll  CommandType = "scroll"
	CommandTime    CommandType = "time"
	CommandWord    CommandType = "word"
	CommandSetting CommandType = "setting"
	CommandFollow  CommandType = "follow"
	CommandLeave   CommandType = "leave"
)

type CreateCommand struct {
	Password string `json:"password"`
}

type JoinCommand struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

// ResumeCommand carries the pending session the browser kept in local storage
type ResumeCommand struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

type FollowCommand struct {
	On bool `json:"on"`
}

// Event is a frame sent to the browser
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// EventType names a server event
type EventType string

const (
	EventSession        EventType = "session"
	EventScrollTo       EventType = "scroll_to"
	EventTime           EventType = "time"
	EventHighlightWord  EventType = "highlight_word"
	EventHighlightVerse EventType = "highlight_verse"
	EventSetting        EventType = "setting"
	EventError          EventType = "error"
	EventLeft           EventType = "left"
)

// SessionPayload announces an established session. Password is only set for
// the creator, so the browser can keep it as its pending session.
type SessionPayload struct {
	Code     string `json:"code"`
	Role     string `json:"role"`
	Password string `json:"password,omitempty"`
	Pending  bool   `json:"pending"`
}

type ScrollToPayload struct {
	Verse  events.VerseKey `json:"verse"`
	Margin int             `json:"margin"`
	Smooth bool            `json:"smooth"`
}

type HighlightWordPayload struct {
	WordID string `json:"wordId"`
}

type HighlightVersePayload struct {
	Verse events.VerseKey `json:"verse"`
}

// ErrorPayload carries a message ready to show to the user
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// decodePayload unmarshals a command payload into v
func decodePayload(cmd Command, v any) error {
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", cmd.Type)
	}
	if err := json.Unmarshal(cmd.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", cmd.Type, err)
	}
	return nil
}
