package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soundchat/internal/auth"
	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/model"
	"github.com/soundchat/internal/restapi"
	"github.com/soundchat/internal/storage/memory"
	"github.com/soundchat/internal/ws"
)

type testRelay struct {
	srv *httptest.Server
	hub *Hub
	clk *clock.Fake
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.Tokens = nil
	cfg.Relay.RateLimitPerMinute = 0
	cfg.Relay.CORSAllowedOrigins = "*"

	hub := NewHub(memory.New(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	clk := clock.NewFake(t0)
	srv := httptest.NewServer(NewRouter(cfg, hub, NewAPI(hub, clk)))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testRelay{srv: srv, hub: hub, clk: clk}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

func (r *testRelay) rest(user string) *restapi.Client {
	return restapi.NewClient(r.srv.URL+"/api", auth.NewStatic(user, user), 5*time.Second)
}

// dial opens a raw live connection and completes the auth handshake.
func (r *testRelay) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + user}}
	c, _, err := websocket.DefaultDialer.Dial(r.wsURL(), header)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.WriteJSON(ws.Envelope{Type: ws.EventAuth, Payload: ws.AuthPayload{Token: user}}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	if env := readFrame(t, c, ws.EventAuthOK); env.Type != ws.EventAuthOK {
		t.Fatalf("handshake = %s", env.Type)
	}
	waitFor(t, func() bool { return r.hub.Online(user) })
	return c
}

// readFrame skips frames until one of type want arrives.
func readFrame(t *testing.T, c *websocket.Conn, want ws.EventType) ws.RawEnvelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env ws.RawEnvelope
		if err := c.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Type == want {
			return env
		}
	}
}

func send(t *testing.T, c *websocket.Conn, typ ws.EventType, payload any) {
	t.Helper()
	if err := c.WriteJSON(ws.Envelope{Type: typ, Payload: payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndAuthRequired(t *testing.T) {
	r := newTestRelay(t)
	resp, err := http.Get(r.srv.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %v, %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(r.srv.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	_, resp, err = websocket.DefaultDialer.Dial(r.wsURL(), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ws without bearer: resp=%v err=%v", resp, err)
	}
}

func TestAuthFrameMustMatchUpgradeUser(t *testing.T) {
	r := newTestRelay(t)
	header := http.Header{"Authorization": {"Bearer alice"}}
	c, _, err := websocket.DefaultDialer.Dial(r.wsURL(), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	send(t, c, ws.EventAuth, ws.AuthPayload{Token: "bob"})
	env := readFrame(t, c, ws.EventError)
	var p ws.ErrorPayload
	json.Unmarshal(env.Payload, &p)
	if p.Error != "unauthorized" {
		t.Fatalf("error = %q", p.Error)
	}
	var next ws.RawEnvelope
	if err := c.ReadJSON(&next); err == nil {
		t.Fatalf("connection stayed open after a rejected auth frame")
	}
	if r.hub.Online("alice") {
		t.Fatalf("rejected client registered")
	}
}

func TestPresenceSnapshotAndChanges(t *testing.T) {
	r := newTestRelay(t)
	alice := r.dial(t, "alice")

	send(t, alice, ws.EventSubscribePresence, ws.SubscribePresencePayload{PeerIDs: []string{"bob"}})
	var snap ws.PresenceSnapshotPayload
	json.Unmarshal(readFrame(t, alice, ws.EventPresenceSnapshot).Payload, &snap)
	if snap.Entries["bob"].Online {
		t.Fatalf("bob online before connecting")
	}

	bob := r.dial(t, "bob")
	var changed ws.PresenceChangedPayload
	json.Unmarshal(readFrame(t, alice, ws.EventPresenceChanged).Payload, &changed)
	if changed.UserID != "bob" || !changed.Online {
		t.Fatalf("presence-changed = %+v", changed)
	}

	// Subscriptions accumulate: carol joins the set, bob stays in it.
	send(t, alice, ws.EventSubscribePresence, ws.SubscribePresencePayload{PeerIDs: []string{"carol"}})
	snap = ws.PresenceSnapshotPayload{}
	json.Unmarshal(readFrame(t, alice, ws.EventPresenceSnapshot).Payload, &snap)
	if len(snap.Entries) != 2 || !snap.Entries["bob"].Online || snap.Entries["carol"].Online {
		t.Fatalf("snapshot = %+v", snap.Entries)
	}

	bob.Close()
	changed = ws.PresenceChangedPayload{}
	json.Unmarshal(readFrame(t, alice, ws.EventPresenceChanged).Payload, &changed)
	if changed.UserID != "bob" || changed.Online {
		t.Fatalf("presence-changed after close = %+v", changed)
	}
}

func TestTypingAndActivityRelay(t *testing.T) {
	r := newTestRelay(t)
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")

	send(t, alice, ws.EventTypingStart, ws.TypingPayload{PeerID: "bob", Typing: true})
	var typing ws.TypingPayload
	json.Unmarshal(readFrame(t, bob, ws.EventTypingChanged).Payload, &typing)
	if typing.UserID != "alice" || !typing.Typing {
		t.Fatalf("typing = %+v", typing)
	}
	send(t, alice, ws.EventTypingStop, ws.TypingPayload{PeerID: "bob"})
	typing = ws.TypingPayload{}
	json.Unmarshal(readFrame(t, bob, ws.EventTypingChanged).Payload, &typing)
	if typing.UserID != "alice" || typing.Typing {
		t.Fatalf("typing stop = %+v", typing)
	}

	send(t, bob, ws.EventSubscribePresence, ws.SubscribePresencePayload{PeerIDs: []string{"alice"}})
	readFrame(t, bob, ws.EventPresenceSnapshot)
	send(t, alice, ws.EventActivityUpdate, ws.ActivityPayload{Activity: "listening to So What"})
	var act ws.ActivityPayload
	json.Unmarshal(readFrame(t, bob, ws.EventActivityChanged).Payload, &act)
	if act.UserID != "alice" || act.Activity != "listening to So What" {
		t.Fatalf("activity = %+v", act)
	}

	send(t, alice, ws.EventType("dance"), nil)
	var e ws.ErrorPayload
	json.Unmarshal(readFrame(t, alice, ws.EventError).Payload, &e)
	if e.Error != "unknown event type" {
		t.Fatalf("error = %q", e.Error)
	}
}

func TestRESTWritesArePushedToBothPeers(t *testing.T) {
	r := newTestRelay(t)
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")
	ctx := context.Background()

	sent, err := r.rest("alice").SendMessage(ctx, restapi.SendRequest{PeerID: "bob", ClientID: "tmp-1", Content: text("heard this?")})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.ClientID != "tmp-1" || sent.SenderID != "alice" || sent.ConversationID != model.ConversationID("alice", "bob") {
		t.Fatalf("sent = %+v", sent)
	}
	for name, c := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		var p ws.MessagePayload
		json.Unmarshal(readFrame(t, c, ws.EventMessageReceived).Payload, &p)
		if p.Message.ID != sent.ID || p.Message.ClientID != "tmp-1" {
			t.Fatalf("%s echo = %+v", name, p.Message)
		}
	}

	if err := r.rest("bob").AddReaction(ctx, sent.ID, "🎷"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	var rp ws.ReactionPayload
	json.Unmarshal(readFrame(t, alice, ws.EventReactionChanged).Payload, &rp)
	if rp.UserID != "bob" || rp.Emoji != "🎷" || !rp.Added || rp.MessageID != sent.ID {
		t.Fatalf("reaction = %+v", rp)
	}
	if err := r.rest("bob").RemoveReaction(ctx, sent.ID, "🎷"); err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	rp = ws.ReactionPayload{}
	json.Unmarshal(readFrame(t, alice, ws.EventReactionChanged).Payload, &rp)
	if rp.Added || rp.Emoji != "🎷" {
		t.Fatalf("reaction removal = %+v", rp)
	}

	if _, err := r.rest("bob").EditMessage(ctx, sent.ID, "mine now"); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("bob edit err = %v", err)
	}
	edited, err := r.rest("alice").EditMessage(ctx, sent.ID, "heard this one?")
	if err != nil || edited.Text() != "heard this one?" {
		t.Fatalf("EditMessage = %+v, %v", edited, err)
	}
	var up ws.MessagePayload
	json.Unmarshal(readFrame(t, bob, ws.EventMessageUpdated).Payload, &up)
	if up.Message.Text() != "heard this one?" || up.Message.EditedAt == nil {
		t.Fatalf("update = %+v", up.Message)
	}

	if err := r.rest("alice").DeleteMessage(ctx, sent.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	var del ws.MessageDeletedPayload
	json.Unmarshal(readFrame(t, bob, ws.EventMessageDeleted).Payload, &del)
	if del.MessageID != sent.ID || del.ConversationID != sent.ConversationID {
		t.Fatalf("delete = %+v", del)
	}
	if err := r.rest("alice").DeleteMessage(ctx, sent.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestRESTConversationsAndPreferences(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	alice, bob := r.rest("alice"), r.rest("bob")

	for i := 0; i < 3; i++ {
		r.clk.Advance(time.Second)
		if _, err := alice.SendMessage(ctx, restapi.SendRequest{PeerID: "bob", Content: text("track")}); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}
	counts, err := bob.UnreadCounts(ctx)
	if err != nil || counts["alice"] != 3 {
		t.Fatalf("UnreadCounts = %v, %v", counts, err)
	}

	page, err := bob.History(ctx, "alice", "", 2)
	if err != nil || len(page.Messages) != 2 || page.NextCursor == "" {
		t.Fatalf("History = %+v, %v", page, err)
	}
	older, err := bob.History(ctx, "alice", page.NextCursor, 2)
	if err != nil || len(older.Messages) != 1 || older.NextCursor != "" {
		t.Fatalf("older page = %+v, %v", older, err)
	}
	if counts, _ := bob.UnreadCounts(ctx); counts["alice"] != 0 {
		t.Fatalf("opening history should mark read: %v", counts)
	}

	if err := bob.SetPreference(ctx, "alice", restapi.PrefPin, true); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	var apiErr *restapi.APIError
	if err := bob.SetPreference(ctx, "alice", restapi.Preference("star"), true); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("unknown preference err = %v", err)
	}
	convs, err := bob.Conversations(ctx)
	if err != nil || len(convs) != 1 || !convs[0].IsPinned || convs[0].LastMessage == nil {
		t.Fatalf("Conversations = %+v, %v", convs, err)
	}

	if err := bob.SetPreference(ctx, "alice", restapi.PrefBlock, true); err != nil {
		t.Fatalf("block: %v", err)
	}
	_, err = alice.SendMessage(ctx, restapi.SendRequest{PeerID: "bob", Content: text("hello?")})
	if !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("send to blocking peer err = %v", err)
	}

	if err := bob.DeleteConversation(ctx, "alice"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if page, _ := bob.History(ctx, "alice", "", 10); len(page.Messages) != 0 {
		t.Fatalf("history after delete = %+v", page.Messages)
	}
	if page, _ := alice.History(ctx, "bob", "", 10); len(page.Messages) != 3 {
		t.Fatalf("peer history must survive: %d", len(page.Messages))
	}
}
