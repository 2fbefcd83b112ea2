package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/ws"
)

// Client is one authenticated relay connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	cfg    config.WSConfig
	send   chan ws.Envelope
	userID string

	subMu sync.Mutex
	subs  map[string]struct{}

	// done is used as a non-blocking guard in sendToClient.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, cfg config.WSConfig) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		cfg:    cfg,
		send:   make(chan ws.Envelope, cfg.SendBufferSize),
		userID: userID,
		subs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// watch adds peerIDs to the presence subscription and returns the whole set, sorted.
func (c *Client) watch(peerIDs []string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, id := range peerIDs {
		if id != "" && id != c.userID {
			c.subs[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Client) watches(userID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subs[userID]
	return ok
}

func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
		logger.Errorf("relay set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("relay read error user=%s: %v", c.userID, err)
			}
			return
		}
		var env ws.RawEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("relay unmarshal error user=%s: %v", c.userID, err)
			continue
		}
		c.hub.HandleMessage(ctx, c, env)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				logger.Errorf("relay write %s user=%s: %v", env.Type, c.userID, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
