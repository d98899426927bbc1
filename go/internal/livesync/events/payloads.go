package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message types that flow over a session channel
const (
	TypeScroll  MessageType = "scroll"
	TypeTime    MessageType = "time"
	TypeWord    MessageType = "word"
	TypeSetting MessageType = "setting"
)

// ChannelPrefix is prepended to the session code to name its channel
const ChannelPrefix = "megillah.live."

// VersePrefix marks a wordId that highlights a whole verse ("v:3:7")
const VersePrefix = "v:"

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid message payload")
)

// MessageType identifies the variant of a Message
type MessageType string

// Valid reports whether t is one of the four broadcast variants
func (t MessageType) Valid() bool {
	switch t {
	case TypeScroll, TypeTime, TypeWord, TypeSetting:
		return true
	}
	return false
}

// VerseKey is "<chapter>:<verse>"; it doubles as the highlight target and scroll anchor.
type VerseKey string

// ScrollPayload carries the leader's current reading position
type ScrollPayload struct {
	Verse VerseKey `json:"verse"`
}

// TimePayload carries the leader's remaining-time estimate
type TimePayload struct {
	Minutes float64 `json:"minutes"`
}

// WordPayload carries a highlight target
type WordPayload struct {
	WordID string `json:"wordId"`
}

// SettingPayload mirrors a display option change
type SettingPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Message is one broadcast on a session channel. Exactly one payload field is
// set, matching Type.
type Message struct {
	Type    MessageType
	Scroll  *ScrollPayload
	Time    *TimePayload
	Word    *WordPayload
	Setting *SettingPayload
	SentAt  time.Time
}

// envelope is the wire form of a Message
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

func NewScroll(verse VerseKey) Message {
	return Message{Type: TypeScroll, Scroll: &ScrollPayload{Verse: verse}}
}

func NewTime(minutes float64) Message {
	return Message{Type: TypeTime, Time: &TimePayload{Minutes: minutes}}
}

func NewWord(wordID string) Message {
	return Message{Type: TypeWord, Word: &WordPayload{WordID: wordID}}
}

func NewSetting(key string, value any) Message {
	return Message{Type: TypeSetting, Setting: &SettingPayload{Key: key, Value: value}}
}

// Verse returns the verse a message points at, if it carries one.
// time and setting messages carry no position.
func (m Message) Verse() (VerseKey, bool) {
	switch m.Type {
	case TypeScroll:
		if m.Scroll != nil && m.Scroll.Verse != "" {
			return m.Scroll.Verse, true
		}
	case TypeWord:
		if m.Word != nil && m.Word.WordID != "" {
			return ParseWordID(m.Word.WordID).Verse, true
		}
	}
	return "", false
}

func (m Message) payload() (any, error) {
	var p any
	switch m.Type {
	case TypeScroll:
		if m.Scroll != nil {
			p = m.Scroll
		}
	case TypeTime:
		if m.Time != nil {
			p = m.Time
		}
	case TypeWord:
		if m.Word != nil {
			p = m.Word
		}
	case TypeSetting:
		if m.Setting != nil {
			p = m.Setting
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: missing %s payload", ErrInvalidPayload, m.Type)
	}
	return p, nil
}

// Encode marshals a message into its wire envelope
func Encode(m Message) ([]byte, error) {
	p, err := m.payload()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Type, err)
	}
	return json.Marshal(envelope{Type: m.Type, Payload: raw, SentAt: m.SentAt})
}

// Decode parses a wire envelope back into a Message
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	m := Message{Type: env.Type, SentAt: env.SentAt}
	var target any
	switch env.Type {
	case TypeScroll:
		m.Scroll = &ScrollPayload{}
		target = m.Scroll
	case TypeTime:
		m.Time = &TimePayload{}
		target = m.Time
	case TypeWord:
		m.Word = &WordPayload{}
		target = m.Word
	case TypeSetting:
		m.Setting = &SettingPayload{}
		target = m.Setting
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) == 0 {
		return Message{}, fmt.Errorf("%w: missing %s payload", ErrInvalidPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m, nil
}

// ChannelName returns the channel a session's messages flow over
func ChannelName(code string) string {
	return ChannelPrefix + code
}

// HighlightMode distinguishes whole-verse from single-word highlights
type HighlightMode int

const (
	HighlightWord HighlightMode = iota
	HighlightVerse
)

func (m HighlightMode) String() string {
	if m == HighlightVerse {
		return "verse"
	}
	return "word"
}

// WordTarget is a parsed wordId
type WordTarget struct {
	WordID string
	Verse  VerseKey
	Mode   HighlightMode
}

// ParseWordID derives the verse key and highlight mode from a wordId.
// "v:3:7" is a whole-verse highlight of 3:7; "3:7-5" highlights word 5 of 3:7.
// Anything without a "-" is treated as its own verse key.
func ParseWordID(wordID string) WordTarget {
	if rest, ok := strings.CutPrefix(wordID, VersePrefix); ok {
		return WordTarget{WordID: wordID, Verse: VerseKey(rest), Mode: HighlightVerse}
	}
	verse := wordID
	if i := strings.LastIndex(wordID, "-"); i >= 0 {
		verse = wordID[:i]
	}
	return WordTarget{WordID: wordID, Verse: VerseKey(verse), Mode: HighlightWord}
}
