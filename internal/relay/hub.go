package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/model"
	"github.com/soundchat/internal/storage"
	"github.com/soundchat/internal/ws"
)

const storeTimeout = 5 * time.Second

// Hub tracks live clients per user, relays ephemeral frames between them and
// fans REST-side changes out as push events.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	presence   storage.PresenceStore
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(presence storage.PresenceStore, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("relay connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	first := len(h.clients[c.userID]) == 1
	h.mu.Unlock()

	if first {
		h.setOnline(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	last := len(clients) == 0
	if last {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	c.Close()
	if last {
		h.setOnline(c.userID, false)
	}
}

func (h *Hub) setOnline(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.presence.SetOnline(ctx, userID, online); err != nil {
		logger.Errorf("relay set online=%v user=%s: %v", online, userID, err)
	}
	h.sendToWatchers(userID, ws.Envelope{
		Type:    ws.EventPresenceChanged,
		Payload: ws.PresenceChangedPayload{UserID: userID, Online: online},
	})
}

// HandleMessage dispatches frames read from a client after the auth handshake.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, env ws.RawEnvelope) {
	switch env.Type {
	case ws.EventSubscribePresence:
		h.handleSubscribe(ctx, c, env.Payload)
	case ws.EventTypingStart, ws.EventTypingStop:
		h.handleTyping(c, env.Type == ws.EventTypingStart, env.Payload)
	case ws.EventActivityUpdate:
		h.handleActivity(ctx, c, env.Payload)
	case ws.EventAuth:
		// Already authenticated; a repeated auth frame is ignored.
	default:
		h.sendError(c, "unknown event type")
	}
}

// handleSubscribe adds peers to the client's watch set and answers with a
// snapshot of every watched peer, so the client can replace its view wholesale.
func (h *Hub) handleSubscribe(ctx context.Context, c *Client, raw json.RawMessage) {
	var p ws.SubscribePresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid subscribe-presence payload")
		return
	}
	watched := c.watch(p.PeerIDs)

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	entries, err := h.presence.Presence(ctx, watched)
	if err != nil {
		logger.Errorf("relay presence snapshot user=%s: %v", c.userID, err)
		h.sendError(c, "presence unavailable")
		return
	}
	snap := ws.PresenceSnapshotPayload{Entries: make(map[string]ws.PresenceEntryPayload, len(entries))}
	for id, e := range entries {
		snap.Entries[id] = ws.PresenceEntryPayload{Online: e.Online, Activity: e.Activity, LastSeen: e.LastSeen}
	}
	h.sendToClient(c, ws.Envelope{Type: ws.EventPresenceSnapshot, Payload: snap})
}

func (h *Hub) handleTyping(c *Client, typing bool, raw json.RawMessage) {
	var p ws.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PeerID == "" || p.PeerID == c.userID {
		h.sendError(c, "peer_id required")
		return
	}
	h.SendToUser(p.PeerID, ws.Envelope{
		Type:    ws.EventTypingChanged,
		Payload: ws.TypingPayload{UserID: c.userID, Typing: typing},
	})
}

func (h *Hub) handleActivity(ctx context.Context, c *Client, raw json.RawMessage) {
	var p ws.ActivityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid activity-update payload")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.presence.SetActivity(ctx, c.userID, p.Activity); err != nil {
		logger.Errorf("relay set activity user=%s: %v", c.userID, err)
		return
	}
	h.sendToWatchers(c.userID, ws.Envelope{
		Type:    ws.EventActivityChanged,
		Payload: ws.ActivityPayload{UserID: c.userID, Activity: p.Activity},
	})
}

func (h *Hub) sendError(c *Client, msg string) {
	h.sendToClient(c, ws.Envelope{Type: ws.EventError, Payload: ws.ErrorPayload{Error: msg}})
}

// sendToWatchers delivers env to every client that subscribed to userID.
func (h *Hub) sendToWatchers(userID string, env ws.Envelope) {
	h.mu.RLock()
	var targets []*Client
	for _, clients := range h.clients {
		for c := range clients {
			if c.watches(userID) {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

// SendToUser delivers env to every live connection of userID.
func (h *Hub) SendToUser(userID string, env ws.Envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

// sendMessage pushes a message frame to both participants, each with their own view.
func (h *Hub) sendMessage(t ws.EventType, m model.Message) {
	for _, user := range model.Participants(m.ConversationID) {
		h.SendToUser(user, ws.Envelope{Type: t, Payload: ws.MessagePayload{Message: view(m, user)}})
	}
}

func (h *Hub) sendToParticipants(conversationID string, env ws.Envelope) {
	for _, user := range model.Participants(conversationID) {
		h.SendToUser(user, env)
	}
}

func (h *Hub) sendToClient(c *Client, env ws.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("relay send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Online reports whether userID has at least one registered connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}
