package model

import (
	"sort"
	"strings"
	"time"
)

// MessageStatus is the client-side delivery state of a message.
type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

// TempIDPrefix marks ids generated locally before the server confirms a message.
const TempIDPrefix = "tmp-"

// PlaylistRef is a denormalized playlist/album snapshot embedded in a message.
// It is stored and displayed as given, never validated.
type PlaylistRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url,omitempty"`
	SongCount int    `json:"song_count"`
}

// Reaction is the aggregate for one emoji on one message.
type Reaction struct {
	Count       int      `json:"count"`
	UserIDs     []string `json:"user_ids"`
	SelfReacted bool     `json:"self_reacted"`
}

type Message struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"client_id,omitempty"`
	ConversationID string              `json:"conversation_id"`
	SenderID       string              `json:"sender_id"`
	Content        *string             `json:"content,omitempty"`
	ImageRef       *string             `json:"image_ref,omitempty"`
	PlaylistRef    *PlaylistRef        `json:"playlist_ref,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	IsPinned       bool                `json:"is_pinned"`
	Reactions      map[string]Reaction `json:"reactions,omitempty"`
	Status         MessageStatus       `json:"status,omitempty"`
}

// IsTemp reports whether the message still carries a locally generated id.
func (m *Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Text returns the content or "" when the message has none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a deep copy so callers never share reaction maps or pointers with a store.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		c := *m.Content
		out.Content = &c
	}
	if m.ImageRef != nil {
		r := *m.ImageRef
		out.ImageRef = &r
	}
	if m.PlaylistRef != nil {
		p := *m.PlaylistRef
		out.PlaylistRef = &p
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	out.Reactions = CloneReactions(m.Reactions)
	return out
}

// CloneReactions deep-copies a reaction map; nil stays nil.
func CloneReactions(in map[string]Reaction) map[string]Reaction {
	if in == nil {
		return nil
	}
	out := make(map[string]Reaction, len(in))
	for emoji, r := range in {
		users := make([]string, len(r.UserIDs))
		copy(users, r.UserIDs)
		r.UserIDs = users
		out[emoji] = r
	}
	return out
}

// Less is the total order of a conversation log: CreatedAt, then ID.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

const conversationSep = ":"

// ConversationID derives the id of the conversation between two users.
// The pair is unordered: ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + conversationSep + pair[1]
}

// PeerOf returns the other participant of conversationID, or "" when self is not part of it.
func PeerOf(conversationID, self string) string {
	idx := strings.Index(conversationID, conversationSep)
	if idx < 0 {
		return ""
	}
	a, b := conversationID[:idx], conversationID[idx+1:]
	switch self {
	case a:
		return b
	case b:
		return a
	}
	return ""
}

// Participants splits conversationID into its two user ids; nil when malformed.
func Participants(conversationID string) []string {
	idx := strings.Index(conversationID, conversationSep)
	if idx < 0 {
		return nil
	}
	return []string{conversationID[:idx], conversationID[idx+len(conversationSep):]}
}
