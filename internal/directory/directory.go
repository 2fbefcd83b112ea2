// Package directory holds the per-peer conversation list: last message,
// pin/mute/block preferences, unread counts and the focused conversation.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/model"
	"github.com/soundchat/internal/restapi"
)

// Backend is the REST side of the directory. *restapi.Client implements it.
type Backend interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
	SetPreference(ctx context.Context, peerID string, pref restapi.Preference, value bool) error
	DeleteConversation(ctx context.Context, peerID string) error
}

type Directory struct {
	mu      sync.Mutex
	backend Backend
	bus     *events.Bus
	convs   map[string]*model.Conversation
	unread  unreadCounter
	focused string
}

func New(backend Backend, bus *events.Bus) *Directory {
	return &Directory{
		backend: backend,
		bus:     bus,
		convs:   make(map[string]*model.Conversation),
		unread:  newUnreadCounter(),
	}
}

func (d *Directory) notify() {
	if d.bus != nil {
		d.bus.Publish(events.ConversationsChanged{})
	}
}

// Load fetches conversations and unread counts. Server flags and counts win;
// a last message recorded locally survives when it is newer than the server's.
func (d *Directory) Load(ctx context.Context) error {
	convs, err := d.backend.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("directory.Load: %w", err)
	}
	counts, err := d.backend.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("directory.Load: %w", err)
	}

	d.mu.Lock()
	for i := range convs {
		c := convs[i].Clone()
		if c.PeerID == "" {
			continue
		}
		if local, ok := d.convs[c.PeerID]; ok && local.LastMessageTime.After(c.LastMessageTime) {
			c.LastMessage, c.LastMessageTime = local.LastMessage, local.LastMessageTime
		}
		n := c.UnreadCount
		if v, ok := counts[c.PeerID]; ok {
			n = v
		}
		if c.PeerID == d.focused {
			n = 0
		}
		d.unread.set(c.PeerID, n)
		c.UnreadCount = 0
		d.convs[c.PeerID] = &c
	}
	d.mu.Unlock()
	logger.Infof("directory: loaded %d conversations", len(convs))
	d.notify()
	return nil
}

func (d *Directory) snapshotLocked(c *model.Conversation) model.Conversation {
	out := c.Clone()
	out.UnreadCount = d.unread.get(c.PeerID)
	return out
}

// List returns the conversations: pinned first, then newest activity first.
func (d *Directory) List() []model.Conversation {
	d.mu.Lock()
	out := make([]model.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, d.snapshotLocked(c))
	}
	d.mu.Unlock()
	model.SortConversations(out)
	return out
}

func (d *Directory) Get(peerID string) (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[peerID]
	if !ok {
		return model.Conversation{}, false
	}
	return d.snapshotLocked(c), true
}

// Peers returns every peer with a conversation, sorted.
func (d *Directory) Peers() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.convs))
	for id := range d.convs {
		out = append(out, id)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

// Focus makes peerID the selected conversation and marks it read.
func (d *Directory) Focus(peerID string) {
	d.mu.Lock()
	d.focused = peerID
	d.unread.reset(peerID)
	d.mu.Unlock()
	d.notify()
}

// Blur clears the focused conversation; incoming messages count as unread again.
func (d *Directory) Blur() {
	d.mu.Lock()
	d.focused = ""
	d.mu.Unlock()
}

func (d *Directory) Focused() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.focused
}

func (d *Directory) MarkRead(peerID string) {
	d.mu.Lock()
	changed := d.unread.reset(peerID)
	d.mu.Unlock()
	if changed {
		d.notify()
	}
}

// UnreadCount returns the unread count of one conversation.
func (d *Directory) UnreadCount(peerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread.get(peerID)
}

// TotalUnread sums unread counts over all conversations.
func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread.total()
}

func (d *Directory) ensureLocked(peerID string) *model.Conversation {
	c, ok := d.convs[peerID]
	if !ok {
		c = &model.Conversation{PeerID: peerID}
		d.convs[peerID] = c
	}
	return c
}

// setLastLocked moves the last message forward. A confirmed message replacing
// the temp shown as last is accepted even if its server time is earlier.
func setLastLocked(c *model.Conversation, m model.Message) bool {
	if last := c.LastMessage; last != nil && last.ID != m.ID && last.ID != m.ClientID {
		if model.Less(&m, last) {
			return false
		}
	}
	cp := m.Clone()
	c.LastMessage = &cp
	c.LastMessageTime = m.CreatedAt
	return true
}

// RecordIncoming stores a message from peerID and counts it unread unless the
// conversation is focused. Callers pass each logical message once.
func (d *Directory) RecordIncoming(peerID string, m model.Message) {
	if peerID == "" {
		return
	}
	d.mu.Lock()
	c := d.ensureLocked(peerID)
	setLastLocked(c, m)
	if peerID != d.focused {
		d.unread.increment(peerID)
	}
	d.mu.Unlock()
	d.notify()
}

// RecordOutgoing stores a message the local user sent; unread is untouched.
func (d *Directory) RecordOutgoing(peerID string, m model.Message) {
	d.Touch(peerID, m)
}

// Touch moves the last message forward without counting anything unread,
// e.g. for history pages.
func (d *Directory) Touch(peerID string, m model.Message) {
	if peerID == "" {
		return
	}
	d.mu.Lock()
	c := d.ensureLocked(peerID)
	changed := setLastLocked(c, m)
	d.mu.Unlock()
	if changed {
		d.notify()
	}
}

// RefreshLast replaces the last message after a delete; nil clears it but
// keeps the conversation and its position time.
func (d *Directory) RefreshLast(peerID string, last *model.Message) {
	d.mu.Lock()
	c, ok := d.convs[peerID]
	if !ok {
		d.mu.Unlock()
		return
	}
	if last == nil {
		c.LastMessage = nil
	} else {
		cp := last.Clone()
		c.LastMessage = &cp
		c.LastMessageTime = last.CreatedAt
	}
	d.mu.Unlock()
	d.notify()
}

func (d *Directory) SetPinned(ctx context.Context, peerID string, v bool) error {
	return d.setPreference(ctx, peerID, restapi.PrefPin, v)
}

func (d *Directory) SetMuted(ctx context.Context, peerID string, v bool) error {
	return d.setPreference(ctx, peerID, restapi.PrefMute, v)
}

func (d *Directory) SetBlocked(ctx context.Context, peerID string, v bool) error {
	return d.setPreference(ctx, peerID, restapi.PrefBlock, v)
}

func flag(c *model.Conversation, pref restapi.Preference) *bool {
	switch pref {
	case restapi.PrefPin:
		return &c.IsPinned
	case restapi.PrefMute:
		return &c.IsMuted
	default:
		return &c.IsBlocked
	}
}

// setPreference applies the toggle at once (it shows in List order immediately)
// and reverts it if the server rejects it.
func (d *Directory) setPreference(ctx context.Context, peerID string, pref restapi.Preference, v bool) error {
	d.mu.Lock()
	c := d.ensureLocked(peerID)
	f := flag(c, pref)
	prev := *f
	*f = v
	d.mu.Unlock()
	if prev != v {
		d.notify()
	}

	err := d.backend.SetPreference(ctx, peerID, pref, v)
	if err == nil {
		return nil
	}
	logger.Errorf("directory %s %s=%v: %v", pref, peerID, v, err)
	d.mu.Lock()
	if c, ok := d.convs[peerID]; ok {
		if f := flag(c, pref); *f == v {
			*f = prev
		}
	}
	d.mu.Unlock()
	d.notify()
	return fmt.Errorf("directory.%s %s: %w", pref, peerID, err)
}

// Delete tears the conversation down locally and on the server. It is
// restored if the server refuses; a conversation already gone there is fine.
func (d *Directory) Delete(ctx context.Context, peerID string) error {
	d.mu.Lock()
	c, ok := d.convs[peerID]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	unread := d.unread.get(peerID)
	delete(d.convs, peerID)
	d.unread.reset(peerID)
	wasFocused := d.focused == peerID
	if wasFocused {
		d.focused = ""
	}
	d.mu.Unlock()
	d.notify()

	err := d.backend.DeleteConversation(ctx, peerID)
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return nil
	}
	d.mu.Lock()
	if _, back := d.convs[peerID]; !back {
		d.convs[peerID] = c
		d.unread.set(peerID, unread)
	}
	if wasFocused && d.focused == "" {
		d.focused = peerID
	}
	d.mu.Unlock()
	d.notify()
	return fmt.Errorf("directory.Delete %s: %w", peerID, err)
}
