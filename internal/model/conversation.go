package model

import (
	"sort"
	"time"
)

// Conversation is the thread between the local user and exactly one peer, keyed by peer id.
type Conversation struct {
	PeerID          string    `json:"peer_id"`
	LastMessage     *Message  `json:"last_message,omitempty"`
	LastMessageTime time.Time `json:"last_message_time"`
	IsPinned        bool      `json:"is_pinned"`
	IsMuted         bool      `json:"is_muted"`
	IsBlocked       bool      `json:"is_blocked"`
	UnreadCount     int       `json:"unread_count"`
}

// Clone deep-copies the conversation including its last message.
func (c Conversation) Clone() Conversation {
	out := c
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}

// SortConversations orders pinned first, then by descending LastMessageTime.
// PeerID breaks ties so the order is stable across calls.
func SortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		return a.PeerID < b.PeerID
	})
}
