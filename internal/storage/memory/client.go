package memory

import (
	"context"
	"sync"
	"time"

	"github.com/soundchat/internal/model"
)

type Client struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[string]model.PresenceEntry
}

func New() *Client {
	return &Client{now: time.Now, entries: make(map[string]model.PresenceEntry)}
}

func (c *Client) Close() error { return nil }

// SetOnline при уходе в offline сбрасывает активность и запоминает last_seen.
func (c *Client) SetOnline(ctx context.Context, userID string, online bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[userID]
	e.Online = online
	e.LastSeen = c.now()
	if !online {
		e.Activity = ""
	}
	c.entries[userID] = e
	return nil
}

func (c *Client) SetActivity(ctx context.Context, userID, activity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[userID]
	e.Activity = activity
	c.entries[userID] = e
	return nil
}

func (c *Client) Presence(ctx context.Context, userIDs []string) (map[string]model.PresenceEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.PresenceEntry, len(userIDs))
	for _, id := range userIDs {
		out[id] = c.entries[id]
	}
	return out, nil
}
