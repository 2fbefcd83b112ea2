package ws

import (
	"encoding/json"
	"time"

	"github.com/soundchat/internal/model"
)

type EventType string

// Inbound (server → client) frame types.
const (
	EventAuthOK           EventType = "auth-ok"
	EventPresenceSnapshot EventType = "presence-snapshot"
	EventPresenceChanged  EventType = "presence-changed"
	EventActivityChanged  EventType = "activity-changed"
	EventTypingChanged    EventType = "typing-changed"
	EventMessageReceived  EventType = "message-received"
	EventMessageUpdated   EventType = "message-updated"
	EventMessageDeleted   EventType = "message-deleted"
	EventReactionChanged  EventType = "reaction-changed"
	EventError            EventType = "error"
)

// Outbound (client → server) frame types.
const (
	EventAuth              EventType = "auth"
	EventSubscribePresence EventType = "subscribe-presence"
	EventTypingStart       EventType = "typing-start"
	EventTypingStop        EventType = "typing-stop"
	EventActivityUpdate    EventType = "activity-update"
)

// Envelope is written to the wire. Payload uses typed structs below.
type Envelope struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// RawEnvelope is read from the wire; Payload is decoded once Type is known.
type RawEnvelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthOKPayload struct {
	UserID string `json:"user_id"`
}

type SubscribePresencePayload struct {
	PeerIDs []string `json:"peer_ids"`
}

type PresenceEntryPayload struct {
	Online   bool      `json:"online"`
	Activity string    `json:"activity,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

type PresenceSnapshotPayload struct {
	Entries map[string]PresenceEntryPayload `json:"entries"`
}

type PresenceChangedPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type ActivityPayload struct {
	UserID   string `json:"user_id,omitempty"`
	Activity string `json:"activity"`
}

// TypingPayload carries peer_id outbound and user_id inbound.
type TypingPayload struct {
	PeerID string `json:"peer_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Typing bool   `json:"typing"`
}

type MessagePayload struct {
	Message model.Message `json:"message"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type ReactionPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
	Added          bool   `json:"added"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Snapshot converts a wire snapshot to model entries.
func (p PresenceSnapshotPayload) Snapshot() map[string]model.PresenceEntry {
	out := make(map[string]model.PresenceEntry, len(p.Entries))
	for id, e := range p.Entries {
		out[id] = model.PresenceEntry{Online: e.Online, Activity: e.Activity, LastSeen: e.LastSeen}
	}
	return out
}
