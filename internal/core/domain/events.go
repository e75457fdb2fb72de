package domain

import "time"

// EventKind discriminates broker event feeds.
type EventKind string

const (
	EventProfileInsert EventKind = "profile.insert"
	EventProfileUpdate EventKind = "profile.update"
	EventPresence      EventKind = "presence"
	EventTyping        EventKind = "typing"
	EventError         EventKind = "error"
)

// Event is one typed broker event. Payload holds the concrete struct for the
// kind: ProfileChange, PresenceDelta, TypingHint, or BrokerError. Raw
// transport payloads are decoded into these at the adapter boundary; the core
// never handles untyped data.
type Event struct {
	Kind    EventKind
	Payload any
}

// ProfileChange carries an inserted or updated profile.
type ProfileChange struct {
	Profile Profile `json:"profile"`
}

// PresenceDelta is an online/offline flip for one profile.
type PresenceDelta struct {
	ProfileID string    `json:"profile_id"`
	Online    bool      `json:"online"`
	At        time.Time `json:"at"`
}

// TypingHint is an ephemeral typing indicator. No delivery guarantee.
type TypingHint struct {
	FromID string    `json:"from_id"`
	ToID   string    `json:"to_id"`
	At     time.Time `json:"at"`
}

// BrokerError reports a transport-level failure after retry exhaustion.
type BrokerError struct {
	Message string `json:"message"`
}

// BrokerState is the broker connection state.
type BrokerState int32

const (
	BrokerDisconnected BrokerState = iota
	BrokerConnecting
	BrokerConnected
)

func (s BrokerState) String() string {
	switch s {
	case BrokerConnecting:
		return "connecting"
	case BrokerConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
