package events

import "github.com/soundchat/internal/model"

type Kind string

const (
	KindPresenceChanged        Kind = "presence-changed"
	KindActivityChanged        Kind = "activity-changed"
	KindTypingChanged          Kind = "typing-changed"
	KindMessageReceived        Kind = "message-received"
	KindMessageUpdated         Kind = "message-updated"
	KindMessageDeleted         Kind = "message-deleted"
	KindConnectionStateChanged Kind = "connection-state-changed"
	KindPresenceSnapshot       Kind = "presence-snapshot"
	KindReactionChanged        Kind = "reaction-changed"
	KindMessagesChanged        Kind = "messages-changed"
	KindConversationsChanged   Kind = "conversations-changed"
)

// Event is implemented by every typed event struct below.
type Event interface {
	Kind() Kind
}

// ConnState mirrors the Connection Manager state machine.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDegraded     ConnState = "degraded"
)

type PresenceChanged struct {
	UserID string
	Online bool
}

type ActivityChanged struct {
	UserID   string
	Activity string
}

type TypingChanged struct {
	UserID string
	Typing bool
}

type MessageReceived struct {
	Message model.Message
}

type MessageUpdated struct {
	Message model.Message
}

type MessageDeleted struct {
	ConversationID string
	MessageID      string
}

type ConnectionStateChanged struct {
	State ConnState
	// Attempt is the number of consecutive failed dials behind this state.
	Attempt int
}

// PresenceSnapshot is the full presence map returned for a fresh subscription.
type PresenceSnapshot struct {
	Entries map[string]model.PresenceEntry
}

type ReactionChanged struct {
	ConversationID string
	MessageID      string
	UserID         string
	Emoji          string
	Added          bool
}

// MessagesChanged tells a UI that one conversation log changed locally.
type MessagesChanged struct {
	ConversationID string
}

// ConversationsChanged tells a UI that the sorted conversation list changed.
type ConversationsChanged struct{}

func (PresenceChanged) Kind() Kind        { return KindPresenceChanged }
func (ActivityChanged) Kind() Kind        { return KindActivityChanged }
func (TypingChanged) Kind() Kind          { return KindTypingChanged }
func (MessageReceived) Kind() Kind        { return KindMessageReceived }
func (MessageUpdated) Kind() Kind         { return KindMessageUpdated }
func (MessageDeleted) Kind() Kind         { return KindMessageDeleted }
func (ConnectionStateChanged) Kind() Kind { return KindConnectionStateChanged }
func (PresenceSnapshot) Kind() Kind       { return KindPresenceSnapshot }
func (ReactionChanged) Kind() Kind        { return KindReactionChanged }
func (MessagesChanged) Kind() Kind        { return KindMessagesChanged }
func (ConversationsChanged) Kind() Kind   { return KindConversationsChanged }
