package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/model"
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// conn is one physical connection. The Manager owns at most one at a time.
// Lifecycle: newConn -> run(ctx) -> [readPump, writePump] -> close.
type conn struct {
	ws     *websocket.Conn
	cfg    config.WSConfig
	bus    *events.Bus
	userID string
	send   chan Envelope

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newConn(wsConn *websocket.Conn, cfg config.WSConfig, bus *events.Bus, userID string) *conn {
	return &conn{
		ws:     wsConn,
		cfg:    cfg,
		bus:    bus,
		userID: userID,
		send:   make(chan Envelope, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// enqueue never blocks: a full buffer or closed connection drops the frame.
func (c *conn) enqueue(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close is safe to call multiple times from any goroutine.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// run blocks until the connection fails or ctx is cancelled.
// Inbound events are published from this goroutine, in transport order.
func (c *conn) run(ctx context.Context) error {
	c.wg.Add(1)
	go c.writePump(ctx)
	err := c.readPump(ctx)
	c.close()
	c.wg.Wait()
	return err
}

func (c *conn) readPump(ctx context.Context) error {
	if c.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	}
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
		return &model.ConnectionError{Op: "read deadline", Err: err}
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &model.ConnectionError{Op: "read", Err: err}
		}
		// Any frame proves liveness, not only pongs.
		if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
			return &model.ConnectionError{Op: "read deadline", Err: err}
		}

		var env RawEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			continue
		}
		ev, err := decodeEvent(env)
		if err != nil {
			logger.Errorf("ws decode %s user=%s: %v", env.Type, c.userID, err)
			continue
		}
		if ev != nil {
			c.bus.Publish(ev)
		}
	}
}

func (c *conn) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
				logger.Debugf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.write(env); err != nil {
				logger.Errorf("ws write user=%s: %v", c.userID, err)
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) write(env Envelope) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(env); err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// decodeEvent maps a wire frame to a bus event. A nil event with nil error means "nothing to publish".
func decodeEvent(env RawEnvelope) (events.Event, error) {
	switch env.Type {
	case EventPresenceSnapshot:
		var p PresenceSnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return events.PresenceSnapshot{Entries: p.Snapshot()}, nil
	case EventPresenceChanged:
		var p PresenceChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return events.PresenceChanged{UserID: p.UserID, Online: p.Online}, nil
	case EventActivityChanged:
		var p ActivityPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return events.ActivityChanged{UserID: p.UserID, Activity: p.Activity}, nil
	case EventTypingChanged:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return events.TypingChanged{UserID: p.UserID, Typing: p.Typing}, nil
	case EventMessageReceived, EventMessageUpdated:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Message.ID == "" {
			return nil, fmt.Errorf("message without id")
		}
		p.Message.Status = model.MessageStatusSent
		if env.Type == EventMessageReceived {
			return events.MessageReceived{Message: p.Message}, nil
		}
		return events.MessageUpdated{Message: p.Message}, nil
	case EventMessageDeleted:
		var p MessageDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return events.MessageDeleted{ConversationID: p.ConversationID, MessageID: p.MessageID}, nil
	case EventReactionChanged:
		var p ReactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return events.ReactionChanged{
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			UserID:         p.UserID,
			Emoji:          p.Emoji,
			Added:          p.Added,
		}, nil
	case EventError:
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		logger.Errorf("ws server error: %s", p.Error)
		return nil, nil
	case EventAuthOK:
		return nil, nil
	default:
		logger.Debugf("ws unknown frame type %q", env.Type)
		return nil, nil
	}
}
