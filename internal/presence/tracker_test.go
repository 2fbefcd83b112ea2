package presence

import (
	"testing"
	"time"

	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/model"
)

func TestPresenceAndActivity(t *testing.T) {
	tr := NewTracker(clock.NewFake(time.Unix(0, 0)))
	tr.HandleEvent(events.PresenceChanged{UserID: "bob", Online: true})
	tr.HandleEvent(events.ActivityChanged{UserID: "bob", Activity: "listening to Blue Train"})
	if !tr.IsOnline("bob") {
		t.Fatal("bob should be online")
	}
	if got := tr.ActivityOf("bob"); got != "listening to Blue Train" {
		t.Fatalf("activity = %q", got)
	}
	if tr.IsOnline("carol") || tr.ActivityOf("carol") != "" {
		t.Fatal("unknown peer should read offline with no activity")
	}
}

func TestStatusWordsAreNotActivities(t *testing.T) {
	tr := NewTracker(nil)
	for _, word := range []string{"idle", "online", ""} {
		tr.SetActivity("bob", word)
		if got := tr.ActivityOf("bob"); got != "" {
			t.Fatalf("ActivityOf with %q = %q", word, got)
		}
	}
}

func TestGoingOfflineRecordsLastSeen(t *testing.T) {
	clk := clock.NewFake(time.Unix(100, 0))
	tr := NewTracker(clk)
	tr.SetOnline("bob", true)
	tr.SetActivity("bob", "listening to X")
	clk.Advance(time.Minute)
	tr.SetOnline("bob", false)
	e, ok := tr.Entry("bob")
	if !ok || e.Online || e.Activity != "" {
		t.Fatalf("entry = %+v", e)
	}
	if !e.LastSeen.Equal(time.Unix(160, 0)) {
		t.Fatalf("last seen = %v", e.LastSeen)
	}
}

func TestReconnectRebuildsFromSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	tr.HandleEvent(events.PresenceChanged{UserID: "bob", Online: true})
	tr.HandleEvent(events.PresenceChanged{UserID: "carol", Online: true})
	tr.HandleEvent(events.ActivityChanged{UserID: "carol", Activity: "listening to Y"})

	tr.HandleEvent(events.ConnectionStateChanged{State: events.StateReconnecting})
	if len(tr.OnlinePeers()) != 0 {
		t.Fatal("map not cleared on drop")
	}
	tr.HandleEvent(events.ConnectionStateChanged{State: events.StateConnected})
	tr.HandleEvent(events.PresenceSnapshot{Entries: map[string]model.PresenceEntry{
		"bob": {Online: true},
	}})

	if !tr.IsOnline("bob") {
		t.Fatal("bob missing after snapshot")
	}
	if tr.IsOnline("carol") || tr.ActivityOf("carol") != "" {
		t.Fatal("carol kept stale state although absent from snapshot")
	}
	if got := tr.OnlinePeers(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("online = %v", got)
	}
}

func TestSnapshotReplacesWithoutReconnectEvent(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetOnline("carol", true)
	tr.Replace(map[string]model.PresenceEntry{"bob": {Online: true}})
	if tr.IsOnline("carol") {
		t.Fatal("snapshot patched instead of replaced")
	}
}
