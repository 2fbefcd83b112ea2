package events

import (
	"fmt"
	"sync"
	"testing"
)

func TestSubscribeReplacesByName(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe("a", func(Event) { got = append(got, "a1") })
	b.Subscribe("b", func(Event) { got = append(got, "b") })
	b.Subscribe("a", func(Event) { got = append(got, "a2") })

	b.Publish(ConversationsChanged{})
	if fmt.Sprint(got) != "[a2 b]" {
		t.Fatalf("delivery = %v", got)
	}
	if names := b.Subscribers(); fmt.Sprint(names) != "[a b]" {
		t.Fatalf("subscribers = %v", names)
	}

	b.Unsubscribe("a")
	got = nil
	b.Publish(ConversationsChanged{})
	if fmt.Sprint(got) != "[b]" {
		t.Fatalf("after unsubscribe = %v", got)
	}
}

func TestReentrantPublishIsQueued(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe("first", func(ev Event) {
		got = append(got, "first:"+string(ev.Kind()))
		if _, ok := ev.(MessageDeleted); ok {
			b.Publish(ConversationsChanged{})
		}
	})
	b.Subscribe("second", func(ev Event) {
		got = append(got, "second:"+string(ev.Kind()))
	})

	b.Publish(MessageDeleted{MessageID: "m1"})
	want := []string{
		"first:" + string(KindMessageDeleted),
		"second:" + string(KindMessageDeleted),
		"first:" + string(KindConversationsChanged),
		"second:" + string(KindConversationsChanged),
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	b := NewBus()
	delivered := false
	b.Subscribe("bad", func(Event) { panic("boom") })
	b.Subscribe("good", func(Event) { delivered = true })
	b.Publish(TypingChanged{UserID: "bob", Typing: true})
	if !delivered {
		t.Fatalf("event lost after a panic")
	}
}

func TestConcurrentPublishDeliversEverything(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	seen := 0
	b.Subscribe("count", func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(ConversationsChanged{})
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if seen != 50 {
		t.Fatalf("seen = %d", seen)
	}
}
