// Package ws holds the wire protocol of the live transport and the client-side
// Connection Manager: the single live connection per signed-in user.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soundchat/internal/auth"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/model"
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// PeerSource lists the peers whose presence is subscribed after each (re)connect.
type PeerSource func() []string

type Options struct {
	URL       string
	Dialer    Dialer
	Auth      auth.Provider
	Bus       *events.Bus
	Peers     PeerSource
	Reconnect config.ReconnectConfig
	WS        config.WSConfig
}

type session struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
	once   sync.Once

	// stopped is closed by Disconnect once the state reads Disconnected.
	stopped chan struct{}
}

func (s *session) markReady() {
	s.once.Do(func() { close(s.ready) })
}

// Manager keeps exactly one physical connection open while a session is live,
// reconnecting with capped exponential backoff until Disconnect.
type Manager struct {
	opts Options

	mu      sync.Mutex
	state   events.ConnState
	session *session
	conn    *conn

	// stopping is the session Disconnect is still tearing down.
	stopping *session
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Reconnect.Base <= 0 {
		opts.Reconnect.Base = 500 * time.Millisecond
	}
	if opts.Reconnect.Max < opts.Reconnect.Base {
		opts.Reconnect.Max = opts.Reconnect.Base
	}
	if opts.Reconnect.DegradeAfter <= 0 {
		opts.Reconnect.DegradeAfter = 5
	}
	if opts.WS.PongTimeout <= 0 {
		opts.WS.PongTimeout = 60 * time.Second
	}
	if opts.WS.PingPeriod <= 0 || opts.WS.PingPeriod >= opts.WS.PongTimeout {
		opts.WS.PingPeriod = (opts.WS.PongTimeout * 9) / 10
	}
	if opts.WS.WriteTimeout <= 0 {
		opts.WS.WriteTimeout = 10 * time.Second
	}
	if opts.WS.SendBufferSize <= 0 {
		opts.WS.SendBufferSize = 64
	}
	return &Manager{opts: opts, state: events.StateDisconnected}
}

func (m *Manager) Bus() *events.Bus { return m.opts.Bus }

func (m *Manager) State() events.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the user of the live session, "" when disconnected.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.userID
}

// Connect starts the session for userID and waits until the first handshake
// succeeds or ctx ends. When ctx ends first the session keeps retrying in the
// background; only Disconnect stops it. Calling Connect again for the same user
// is a no-op; for another user it fails with model.ErrAlreadyConnected.
// A Connect racing a Disconnect waits for the teardown to finish.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	for {
		m.mu.Lock()
		if s := m.session; s != nil {
			m.mu.Unlock()
			if s.userID != userID {
				return fmt.Errorf("ws.Connect %s: %w", userID, model.ErrAlreadyConnected)
			}
			return nil
		}
		prev := m.stopping
		if prev == nil {
			break
		}
		m.mu.Unlock()
		select {
		case <-prev.stopped:
		case <-ctx.Done():
			return fmt.Errorf("ws.Connect: %w", ctx.Err())
		}
	}
	if !canTransition(m.state, events.StateConnecting) {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("ws.Connect: invalid state %s", st)
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		userID:  userID,
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	m.session = s
	m.state = events.StateConnecting
	go m.run(s)
	m.mu.Unlock()

	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws.Connect: %w", ctx.Err())
	}
}

// Disconnect tears the session down. It is idempotent and must not be called
// from a bus handler, because it waits for the reader goroutine to exit.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	if s != nil {
		m.stopping = s
	}
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
	m.transition(events.StateDisconnected, 0)

	m.mu.Lock()
	if m.stopping == s {
		m.stopping = nil
	}
	m.mu.Unlock()
	close(s.stopped)
}

// transition validates and applies a state change, then publishes it.
// The event is published outside the lock so handlers may call back into the Manager.
func (m *Manager) transition(to events.ConnState, attempt int) bool {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return false
	}
	if !canTransition(from, to) {
		m.mu.Unlock()
		logger.Errorf("ws invalid transition %s -> %s", from, to)
		return false
	}
	m.state = to
	m.mu.Unlock()
	logger.Infof("ws state %s -> %s", from, to)
	m.opts.Bus.Publish(events.ConnectionStateChanged{State: to, Attempt: attempt})
	return true
}

func (m *Manager) run(s *session) {
	defer close(s.done)
	m.opts.Bus.Publish(events.ConnectionStateChanged{State: events.StateConnecting})

	attempt := 0
	for {
		c, err := m.dial(s)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			attempt++
			logger.Errorf("ws dial attempt=%d user=%s: %v", attempt, s.userID, err)
			if attempt == m.opts.Reconnect.DegradeAfter {
				m.transition(events.StateDegraded, attempt)
			}
			wait := Backoff(attempt, m.opts.Reconnect.Base, m.opts.Reconnect.Max)
			logger.Debugf("ws retry in %v", wait)
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		attempt = 0

		m.mu.Lock()
		m.conn = c
		m.mu.Unlock()
		m.subscribePresence(c)
		m.transition(events.StateConnected, 0)
		s.markReady()

		err = c.run(s.ctx)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		logger.Errorf("ws connection lost user=%s: %v", s.userID, err)
		m.transition(events.StateReconnecting, 0)
	}
}

// dial opens the physical connection and runs the auth handshake. Credentials
// are read again on every attempt so a refreshed token is picked up.
func (m *Manager) dial(s *session) (*conn, error) {
	defer logger.DeferLogDuration("ws.dial", time.Now())()
	userID, token, err := m.opts.Auth.Credentials(s.ctx)
	if err != nil {
		return nil, &model.ConnectionError{Op: "credentials", Err: err}
	}
	if userID != s.userID {
		return nil, &model.ConnectionError{Op: "credentials", Err: fmt.Errorf("provider user %s, session user %s", userID, s.userID)}
	}

	ctx, cancel := context.WithTimeout(s.ctx, m.opts.WS.WriteTimeout)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	wsConn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		return nil, &model.ConnectionError{Op: "dial", Err: err}
	}

	if err := m.handshake(wsConn, token, userID); err != nil {
		wsConn.Close()
		return nil, err
	}
	return newConn(wsConn, m.opts.WS, m.opts.Bus, userID), nil
}

func (m *Manager) handshake(wsConn *websocket.Conn, token, userID string) error {
	deadline := time.Now().Add(m.opts.WS.WriteTimeout)
	if err := wsConn.SetWriteDeadline(deadline); err != nil {
		return &model.ConnectionError{Op: "auth", Err: err}
	}
	if err := wsConn.WriteJSON(Envelope{Type: EventAuth, Payload: AuthPayload{Token: token}}); err != nil {
		return &model.ConnectionError{Op: "auth", Err: err}
	}
	if err := wsConn.SetReadDeadline(deadline); err != nil {
		return &model.ConnectionError{Op: "auth", Err: err}
	}
	var env RawEnvelope
	if err := wsConn.ReadJSON(&env); err != nil {
		return &model.ConnectionError{Op: "auth", Err: err}
	}
	if env.Type != EventAuthOK {
		return &model.ConnectionError{Op: "auth", Err: fmt.Errorf("unexpected frame %q", env.Type)}
	}
	return nil
}

func (m *Manager) subscribePresence(c *conn) {
	if m.opts.Peers == nil {
		return
	}
	peers := m.opts.Peers()
	if peers == nil {
		peers = []string{}
	}
	c.enqueue(Envelope{Type: EventSubscribePresence, Payload: SubscribePresencePayload{PeerIDs: peers}})
}

// SendEphemeral writes a frame only while connected. Frames issued while
// disconnected, or while the send buffer is full, are dropped and never replayed.
func (m *Manager) SendEphemeral(env Envelope) bool {
	m.mu.Lock()
	c := m.conn
	st := m.state
	m.mu.Unlock()
	if c == nil || st != events.StateConnected {
		logger.Debugf("ws drop %s while %s", env.Type, st)
		return false
	}
	return c.enqueue(env)
}

// SendTyping implements typing.Sender.
func (m *Manager) SendTyping(peerID string, typing bool) bool {
	t := EventTypingStop
	if typing {
		t = EventTypingStart
	}
	return m.SendEphemeral(Envelope{Type: t, Payload: TypingPayload{PeerID: peerID, Typing: typing}})
}

// SetActivity publishes the local user's free-text activity ("idle" clears it).
func (m *Manager) SetActivity(activity string) bool {
	return m.SendEphemeral(Envelope{Type: EventActivityUpdate, Payload: ActivityPayload{Activity: activity}})
}

// SubscribePresence adds peers to the live subscription (e.g. a new conversation).
// After a reconnect the full peer list is re-sent anyway.
func (m *Manager) SubscribePresence(peerIDs []string) bool {
	return m.SendEphemeral(Envelope{Type: EventSubscribePresence, Payload: SubscribePresencePayload{PeerIDs: peerIDs}})
}

// Backoff returns base*2^(attempt-1) capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
