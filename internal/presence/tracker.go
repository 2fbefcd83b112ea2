// Package presence keeps the in-memory online/activity view of peers.
// It is rebuilt from scratch on every connection and never persisted.
package presence

import (
	"sort"
	"sync"

	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/model"
)

type Tracker struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[string]model.PresenceEntry
}

func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{clock: clk, entries: make(map[string]model.PresenceEntry)}
}

func (t *Tracker) IsOnline(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[peerID].Online
}

// ActivityOf returns the peer's rich activity, "" when none.
func (t *Tracker) ActivityOf(peerID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[peerID].RichActivity()
}

// Entry returns the peer's entry; a peer never seen reads as offline.
func (t *Tracker) Entry(peerID string) (model.PresenceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[peerID]
	return e, ok
}

// OnlinePeers lists online peers in id order.
func (t *Tracker) OnlinePeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for id, e := range t.entries {
		if e.Online {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) SetOnline(peerID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[peerID]
	if e.Online && !online {
		e.LastSeen = t.clock.Now()
	}
	e.Online = online
	if !online {
		e.Activity = ""
	}
	t.entries[peerID] = e
}

func (t *Tracker) SetActivity(peerID, activity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[peerID]
	e.Activity = activity
	t.entries[peerID] = e
}

// Replace swaps the whole map for a fresh subscription snapshot.
// Peers missing from the snapshot are gone, so they read offline.
func (t *Tracker) Replace(snapshot map[string]model.PresenceEntry) {
	fresh := make(map[string]model.PresenceEntry, len(snapshot))
	for id, e := range snapshot {
		fresh[id] = e
	}
	t.mu.Lock()
	t.entries = fresh
	t.mu.Unlock()
}

func (t *Tracker) Clear() {
	t.Replace(nil)
}

// HandleEvent is the bus subscription for the tracker.
func (t *Tracker) HandleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.PresenceChanged:
		t.SetOnline(e.UserID, e.Online)
	case events.ActivityChanged:
		t.SetActivity(e.UserID, e.Activity)
	case events.PresenceSnapshot:
		t.Replace(e.Entries)
	case events.ConnectionStateChanged:
		if e.State != events.StateConnected {
			t.Clear()
		}
	}
}
