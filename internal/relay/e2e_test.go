package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soundchat/internal/auth"
	"github.com/soundchat/internal/chat"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/messages"
	"github.com/soundchat/internal/model"
)

func (r *testRelay) session(t *testing.T, user string) *chat.Session {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL = r.srv.URL + "/api"
	cfg.WSURL = r.wsURL()
	cfg.Reconnect.Base = 10 * time.Millisecond
	cfg.Reconnect.Max = 50 * time.Millisecond
	s := chat.New(cfg, auth.NewStatic(user, user), user)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("%s connect: %v", user, err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSessionsTalkThroughRelay(t *testing.T) {
	r := newTestRelay(t)
	alice := r.session(t, "alice")
	bob := r.session(t, "bob")
	if alice.State() != events.StateConnected || bob.State() != events.StateConnected {
		t.Fatalf("states = %s / %s", alice.State(), bob.State())
	}

	var echoes atomic.Int32
	alice.Subscribe("test", func(ev events.Event) {
		if _, ok := ev.(events.MessageReceived); ok {
			echoes.Add(1)
		}
	})

	ctx := context.Background()
	content := "have you heard the new record?"
	sent, err := alice.Send(ctx, "bob", messages.Draft{Content: &content})
	if err != nil || sent.Status != model.MessageStatusSent || sent.IsTemp() {
		t.Fatalf("Send = %+v, %v", sent, err)
	}

	waitFor(t, func() bool {
		c, ok := bob.Conversation("alice")
		return ok && c.UnreadCount == 1 && c.LastMessage != nil && c.LastMessage.ID == sent.ID
	})
	waitFor(t, func() bool { return echoes.Load() >= 1 })
	if msgs := alice.Messages("bob"); len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("alice log after echo = %+v", msgs)
	}
	if c, _ := alice.Conversation("bob"); c.UnreadCount != 0 {
		t.Fatalf("own message counted unread: %+v", c)
	}

	// Both sides subscribed presence for the new conversation.
	waitFor(t, func() bool { return alice.IsOnline("bob") && bob.IsOnline("alice") })

	bob.NotifyTyping("alice")
	waitFor(t, func() bool { return alice.IsPeerTyping("bob") })
	bob.NotifyStoppedTyping("alice")

	if !bob.SetActivity("listening to Footprints") {
		t.Fatalf("activity dropped while connected")
	}
	waitFor(t, func() bool { return alice.ActivityOf("bob") == "listening to Footprints" })

	added, err := bob.ToggleReaction(ctx, sent.ID, "🔥")
	if err != nil || !added {
		t.Fatalf("ToggleReaction = %v, %v", added, err)
	}
	waitFor(t, func() bool {
		m, ok := alice.Message(sent.ID)
		r := m.Reactions["🔥"]
		return ok && r.Count == 1 && !r.SelfReacted
	})

	if err := alice.Edit(ctx, sent.ID, "have you heard it yet?"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	waitFor(t, func() bool {
		m, ok := bob.Message(sent.ID)
		return ok && m.Text() == "have you heard it yet?"
	})

	if err := alice.Delete(ctx, sent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := bob.Message(sent.ID)
		return !ok
	})
	if c, ok := bob.Conversation("alice"); !ok || c.LastMessage != nil {
		t.Fatalf("bob conversation after delete = %+v", c)
	}

	bob.Focus("alice")
	if n := bob.TotalUnread(); n != 0 {
		t.Fatalf("unread after focus = %d", n)
	}
}
