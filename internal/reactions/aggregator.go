// Package reactions keeps the per-message emoji multiset. Every change is keyed
// by (message, emoji, user), so reactions from different users merge additively.
package reactions

import (
	"context"
	"fmt"

	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/messages"
	"github.com/soundchat/internal/model"
)

// Backend persists reactions. *restapi.Client implements it.
type Backend interface {
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
}

// MessageStore is the slice of *messages.Store the aggregator mutates through.
type MessageStore interface {
	Get(id string) (model.Message, bool)
	UpdateReactions(id string, fn func(map[string]model.Reaction) map[string]model.Reaction) (model.Message, bool)
}

// Add records userID's emoji. Adding twice is a no-op.
func Add(r map[string]model.Reaction, emoji, userID string, self bool) map[string]model.Reaction {
	if r == nil {
		r = make(map[string]model.Reaction)
	}
	if Reacted(r, emoji, userID, self) {
		return r
	}
	cur := r[emoji]
	cur.Count++
	cur.UserIDs = append(append([]string(nil), cur.UserIDs...), userID)
	if self {
		cur.SelfReacted = true
	}
	r[emoji] = cur
	return r
}

// Remove drops userID's emoji; the entry disappears when its count reaches zero.
// Removing a reaction that is not there is a no-op.
func Remove(r map[string]model.Reaction, emoji, userID string, self bool) map[string]model.Reaction {
	cur, ok := r[emoji]
	if !ok {
		return r
	}
	idx := indexOf(cur.UserIDs, userID)
	switch {
	case idx >= 0:
		users := make([]string, 0, len(cur.UserIDs)-1)
		users = append(users, cur.UserIDs[:idx]...)
		cur.UserIDs = append(users, cur.UserIDs[idx+1:]...)
	case self && cur.SelfReacted:
		// Server aggregates may omit the user list but still flag our own reaction.
	default:
		return r
	}
	cur.Count--
	if self {
		cur.SelfReacted = false
	}
	if cur.Count <= 0 {
		delete(r, emoji)
		return r
	}
	r[emoji] = cur
	return r
}

// Reacted reports whether userID currently has emoji on the message.
func Reacted(r map[string]model.Reaction, emoji, userID string, self bool) bool {
	cur, ok := r[emoji]
	if !ok {
		return false
	}
	return contains(cur.UserIDs, userID) || (self && cur.SelfReacted)
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func contains(ids []string, id string) bool { return indexOf(ids, id) >= 0 }

type Aggregator struct {
	self    string
	store   MessageStore
	backend Backend
}

func NewAggregator(self string, store MessageStore, backend Backend) *Aggregator {
	return &Aggregator{self: self, store: store, backend: backend}
}

// Toggle adds the local user's emoji, or removes it when already present. The
// change is visible at once and reverted if the server rejects it. It reports
// whether the reaction is now present. An unknown message is a no-op.
func (a *Aggregator) Toggle(ctx context.Context, messageID, emoji string) (bool, error) {
	m, ok := a.store.Get(messageID)
	if !ok {
		return false, nil
	}
	if m.IsTemp() {
		return false, fmt.Errorf("reactions.Toggle %s: %w", messageID, messages.ErrPending)
	}

	var added bool
	_, ok = a.store.UpdateReactions(messageID, func(r map[string]model.Reaction) map[string]model.Reaction {
		if Reacted(r, emoji, a.self, true) {
			added = false
			return Remove(r, emoji, a.self, true)
		}
		added = true
		return Add(r, emoji, a.self, true)
	})
	if !ok {
		return false, nil
	}

	var err error
	if added {
		err = a.backend.AddReaction(ctx, messageID, emoji)
	} else {
		err = a.backend.RemoveReaction(ctx, messageID, emoji)
	}
	if err != nil {
		logger.Errorf("reactions toggle %s %s: %v", messageID, emoji, err)
		a.store.UpdateReactions(messageID, func(r map[string]model.Reaction) map[string]model.Reaction {
			if added {
				return Remove(r, emoji, a.self, true)
			}
			return Add(r, emoji, a.self, true)
		})
		return !added, fmt.Errorf("reactions.Toggle %s: %w", messageID, err)
	}
	return added, nil
}

// ApplyRemote merges a pushed reaction change. Replays are idempotent.
func (a *Aggregator) ApplyRemote(ev events.ReactionChanged) bool {
	if ev.MessageID == "" || ev.UserID == "" || ev.Emoji == "" {
		return false
	}
	self := ev.UserID == a.self
	_, ok := a.store.UpdateReactions(ev.MessageID, func(r map[string]model.Reaction) map[string]model.Reaction {
		if ev.Added {
			return Add(r, ev.Emoji, ev.UserID, self)
		}
		return Remove(r, ev.Emoji, ev.UserID, self)
	})
	return ok
}

func (a *Aggregator) HandleEvent(ev events.Event) {
	if rc, ok := ev.(events.ReactionChanged); ok {
		a.ApplyRemote(rc)
	}
}
