package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soundchat/internal/auth"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/model"
)

// stubRelay is a minimal live-transport server: it checks the bearer header,
// answers the auth frame and replies to subscribe-presence with a snapshot.
type stubRelay struct {
	token  string
	online map[string]bool
	frames chan RawEnvelope
	conns  atomic.Int32
	// dropFirst closes the first connection right after its subscribe frame.
	dropFirst bool
	// silentFirst leaves pings on the first connection unanswered.
	silentFirst bool
	pings       atomic.Int32
}

func newStubRelay(token string) *stubRelay {
	return &stubRelay{token: token, online: map[string]bool{}, frames: make(chan RawEnvelope, 64)}
}

func (s *stubRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()
	n := s.conns.Add(1)
	if s.silentFirst && n == 1 {
		c.SetPingHandler(func(string) error {
			s.pings.Add(1)
			return nil
		})
	}

	var env RawEnvelope
	if err := c.ReadJSON(&env); err != nil || env.Type != EventAuth {
		return
	}
	if err := c.WriteJSON(Envelope{Type: EventAuthOK, Payload: AuthOKPayload{UserID: "alice"}}); err != nil {
		return
	}
	for {
		var in RawEnvelope
		if err := c.ReadJSON(&in); err != nil {
			return
		}
		s.frames <- in
		if in.Type != EventSubscribePresence {
			continue
		}
		if s.dropFirst && n == 1 {
			return
		}
		var sub SubscribePresencePayload
		_ = json.Unmarshal(in.Payload, &sub)
		snap := PresenceSnapshotPayload{Entries: map[string]PresenceEntryPayload{}}
		for _, id := range sub.PeerIDs {
			if s.online[id] {
				snap.Entries[id] = PresenceEntryPayload{Online: true}
			}
		}
		if err := c.WriteJSON(Envelope{Type: EventPresenceSnapshot, Payload: snap}); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestManager(url string, bus *events.Bus, token string, peers []string) *Manager {
	return newTestManagerWS(url, bus, token, peers, config.WSConfig{
		PingPeriod:     time.Second,
		PongTimeout:    2 * time.Second,
		WriteTimeout:   time.Second,
		SendBufferSize: 16,
	})
}

func newTestManagerWS(url string, bus *events.Bus, token string, peers []string, wsCfg config.WSConfig) *Manager {
	return NewManager(Options{
		URL:   url,
		Auth:  auth.NewStatic("alice", token),
		Bus:   bus,
		Peers: func() []string { return peers },
		Reconnect: config.ReconnectConfig{
			Base:         time.Millisecond,
			Max:          4 * time.Millisecond,
			DegradeAfter: 3,
		},
		WS: wsCfg,
	})
}

func collect(bus *events.Bus) chan events.Event {
	ch := make(chan events.Event, 256)
	bus.Subscribe("test", func(ev events.Event) { ch <- ev })
	return ch
}

func waitFor(t *testing.T, ch chan events.Event, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event")
			return nil
		}
	}
}

func waitState(t *testing.T, ch chan events.Event, st events.ConnState) events.ConnectionStateChanged {
	t.Helper()
	ev := waitFor(t, ch, func(ev events.Event) bool {
		cs, ok := ev.(events.ConnectionStateChanged)
		return ok && cs.State == st
	})
	return ev.(events.ConnectionStateChanged)
}

func nextFrame(t *testing.T, s *stubRelay) RawEnvelope {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return RawEnvelope{}
	}
}

func TestManagerHandshakeSubscribesPeersAndDeliversSnapshot(t *testing.T) {
	relay := newStubRelay("tok-alice")
	relay.online["bob"] = true
	srv := httptest.NewServer(relay)
	defer srv.Close()

	bus := events.NewBus()
	evs := collect(bus)
	m := newTestManager(wsURL(srv), bus, "tok-alice", []string{"bob", "carol"})
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := m.State(); got != events.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}

	f := nextFrame(t, relay)
	if f.Type != EventSubscribePresence {
		t.Fatalf("first frame = %s, want subscribe-presence", f.Type)
	}
	var sub SubscribePresencePayload
	if err := json.Unmarshal(f.Payload, &sub); err != nil {
		t.Fatalf("unmarshal subscribe: %v", err)
	}
	if len(sub.PeerIDs) != 2 || sub.PeerIDs[0] != "bob" || sub.PeerIDs[1] != "carol" {
		t.Fatalf("subscribed peers = %v", sub.PeerIDs)
	}

	ev := waitFor(t, evs, func(ev events.Event) bool { return ev.Kind() == events.KindPresenceSnapshot })
	snap := ev.(events.PresenceSnapshot)
	if !snap.Entries["bob"].Online {
		t.Fatalf("bob should be online in snapshot: %+v", snap.Entries)
	}
	if _, ok := snap.Entries["carol"]; ok {
		t.Fatalf("carol should be absent from snapshot")
	}

	if !m.SendTyping("bob", true) {
		t.Fatalf("SendTyping while connected returned false")
	}
	f = nextFrame(t, relay)
	if f.Type != EventTypingStart {
		t.Fatalf("frame = %s, want typing-start", f.Type)
	}
	var tp TypingPayload
	_ = json.Unmarshal(f.Payload, &tp)
	if tp.PeerID != "bob" || !tp.Typing {
		t.Fatalf("typing payload = %+v", tp)
	}
}

func TestManagerSecondConnect(t *testing.T) {
	relay := newStubRelay("tok-alice")
	srv := httptest.NewServer(relay)
	defer srv.Close()

	m := newTestManager(wsURL(srv), events.NewBus(), "tok-alice", nil)
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(ctx, "alice"); err != nil {
		t.Fatalf("second Connect for same user: %v", err)
	}
	if err := m.Connect(ctx, "mallory"); !errors.Is(err, model.ErrAlreadyConnected) {
		t.Fatalf("Connect for another user err = %v, want ErrAlreadyConnected", err)
	}
	if n := relay.conns.Load(); n != 1 {
		t.Fatalf("physical connections = %d, want 1", n)
	}
}

func TestManagerDropsEphemeralWhileDisconnected(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/ws", events.NewBus(), "tok", nil)
	if m.SendTyping("bob", true) {
		t.Fatalf("typing frame accepted while disconnected")
	}
	if m.SetActivity("listening to Blue Train") {
		t.Fatalf("activity frame accepted while disconnected")
	}
	m.Disconnect()
	m.Disconnect()
	if got := m.State(); got != events.StateDisconnected {
		t.Fatalf("state = %s", got)
	}
}

func TestManagerReconnectResubscribes(t *testing.T) {
	relay := newStubRelay("tok-alice")
	relay.dropFirst = true
	srv := httptest.NewServer(relay)
	defer srv.Close()

	bus := events.NewBus()
	evs := collect(bus)
	m := newTestManager(wsURL(srv), bus, "tok-alice", []string{"bob"})
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, evs, events.StateConnected)
	waitState(t, evs, events.StateReconnecting)
	waitState(t, evs, events.StateConnected)

	for i := 0; i < 2; i++ {
		if f := nextFrame(t, relay); f.Type != EventSubscribePresence {
			t.Fatalf("frame %d = %s, want subscribe-presence", i, f.Type)
		}
	}
	if n := relay.conns.Load(); n != 2 {
		t.Fatalf("physical connections = %d, want 2", n)
	}
}

func TestManagerReconnectsWhenPongsStop(t *testing.T) {
	relay := newStubRelay("tok-alice")
	relay.silentFirst = true
	srv := httptest.NewServer(relay)
	defer srv.Close()

	bus := events.NewBus()
	evs := collect(bus)
	m := newTestManagerWS(wsURL(srv), bus, "tok-alice", []string{"bob"}, config.WSConfig{
		PingPeriod:     50 * time.Millisecond,
		PongTimeout:    300 * time.Millisecond,
		WriteTimeout:   time.Second,
		SendBufferSize: 16,
	})
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, evs, events.StateConnected)
	waitState(t, evs, events.StateReconnecting)
	waitState(t, evs, events.StateConnected)

	if n := relay.pings.Load(); n == 0 {
		t.Fatalf("no pings reached the relay before the pong deadline")
	}
	if n := relay.conns.Load(); n != 2 {
		t.Fatalf("physical connections = %d, want 2", n)
	}
}

func TestSendEphemeralDropsWhenBufferFull(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/ws", events.NewBus(), "tok", nil)
	c := newConn(nil, config.WSConfig{SendBufferSize: 1}, m.Bus(), "alice")
	m.mu.Lock()
	m.conn = c
	m.state = events.StateConnected
	m.mu.Unlock()

	if !m.SendTyping("bob", true) {
		t.Fatalf("first frame rejected")
	}
	result := make(chan bool, 1)
	go func() { result <- m.SendTyping("bob", false) }()
	select {
	case ok := <-result:
		if ok {
			t.Fatalf("frame accepted into a full buffer")
		}
	case <-time.After(time.Second):
		t.Fatalf("SendEphemeral blocked on a full buffer")
	}
	if n := len(c.send); n != 1 {
		t.Fatalf("buffered frames = %d, want 1", n)
	}
	if env := <-c.send; env.Type != EventTypingStart {
		t.Fatalf("buffered frame = %s, want typing-start", env.Type)
	}
}

func TestManagerConnectWaitsForDisconnect(t *testing.T) {
	relay := newStubRelay("tok-alice")
	srv := httptest.NewServer(relay)
	defer srv.Close()

	m := newTestManager(wsURL(srv), events.NewBus(), "tok-alice", nil)
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		if err := m.Connect(ctx, "alice"); err != nil {
			t.Fatalf("round %d Connect: %v", i, err)
		}
		stopped := make(chan struct{})
		go func() {
			m.Disconnect()
			close(stopped)
		}()
		for m.UserID() != "" {
			runtime.Gosched()
		}
		if err := m.Connect(ctx, "alice"); err != nil {
			t.Fatalf("round %d Connect during teardown: %v", i, err)
		}
		if st := m.State(); st != events.StateConnected {
			t.Fatalf("round %d state = %s", i, st)
		}
		<-stopped
		m.Disconnect()
	}
}

func TestManagerDegradesAfterRepeatedFailures(t *testing.T) {
	relay := newStubRelay("the-real-token")
	srv := httptest.NewServer(relay)
	defer srv.Close()

	bus := events.NewBus()
	evs := collect(bus)
	m := newTestManager(wsURL(srv), bus, "stale-token", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Connect(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect err = %v, want deadline exceeded", err)
	}

	cs := waitState(t, evs, events.StateDegraded)
	if cs.Attempt != 3 {
		t.Fatalf("degraded after %d attempts, want 3", cs.Attempt)
	}

	m.Disconnect()
	if got := m.State(); got != events.StateDisconnected {
		t.Fatalf("state after Disconnect = %s", got)
	}
	for {
		select {
		case ev := <-evs:
			if cs, ok := ev.(events.ConnectionStateChanged); ok && cs.State == events.StateDegraded {
				t.Fatalf("degraded published more than once")
			}
			continue
		default:
		}
		break
	}
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.attempt, base, max); got != c.want {
			t.Fatalf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	raw := `{"type":"message-received","payload":{"message":{"id":"m1","conversation_id":"alice:bob","sender_id":"bob","content":"hi","created_at":"2026-01-02T03:04:05Z"}}}`
	var env RawEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev, err := decodeEvent(env)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	mr, ok := ev.(events.MessageReceived)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	if mr.Message.ID != "m1" || mr.Message.Text() != "hi" || mr.Message.Status != model.MessageStatusSent {
		t.Fatalf("message = %+v", mr.Message)
	}

	ev, err = decodeEvent(RawEnvelope{Type: "karaoke-mode"})
	if err != nil || ev != nil {
		t.Fatalf("unknown frame: ev=%v err=%v", ev, err)
	}

	_, err = decodeEvent(RawEnvelope{Type: EventMessageReceived, Payload: json.RawMessage(`{"message":{}}`)})
	if err == nil {
		t.Fatalf("message without id should fail to decode")
	}
}

func TestTransitions(t *testing.T) {
	if canTransition(events.StateDisconnected, events.StateConnected) {
		t.Fatalf("disconnected -> connected must go through connecting")
	}
	if !canTransition(events.StateDegraded, events.StateConnected) {
		t.Fatalf("degraded -> connected should be allowed")
	}
	if canTransition(events.StateConnected, events.StateDegraded) {
		t.Fatalf("connected -> degraded must go through reconnecting")
	}
}
