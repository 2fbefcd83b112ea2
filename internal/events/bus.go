// Package events is the publish-subscribe spine of the chat core.
// Subscribers register under a name; a second registration with the same name
// replaces the first instead of adding a duplicate listener.
package events

import (
	"sync"

	"github.com/soundchat/internal/logger"
)

type Handler func(Event)

type subscriber struct {
	name    string
	handler Handler
}

// Bus delivers events synchronously, in publish order, to subscribers in
// registration order. An event published while another is being delivered
// (from a handler or another goroutine) is queued and delivered after it, so
// every subscriber sees the same order.
type Bus struct {
	mu   sync.RWMutex
	subs []subscriber

	// queue holds events published while another delivery is in progress,
	// either re-entrantly or from another goroutine; one deliverer drains it.
	queueMu    sync.Mutex
	queue      []Event
	delivering bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler under name, replacing any previous handler with that name.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].name == name {
			b.subs[i].handler = handler
			return
		}
	}
	b.subs = append(b.subs, subscriber{name: name, handler: handler})
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].name == name {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns registered names in delivery order.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.subs))
	for i, s := range b.subs {
		names[i] = s.name
	}
	return names
}

func (b *Bus) Publish(ev Event) {
	b.queueMu.Lock()
	b.queue = append(b.queue, ev)
	if b.delivering {
		b.queueMu.Unlock()
		return
	}
	b.delivering = true
	b.queueMu.Unlock()

	for {
		b.queueMu.Lock()
		if len(b.queue) == 0 {
			b.delivering = false
			b.queueMu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.queueMu.Unlock()
		b.deliver(next)
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.call(s, ev)
	}
}

func (b *Bus) call(s subscriber, ev Event) {
	defer func() {
		if err := recover(); err != nil {
			logger.Errorf("events: subscriber %s panicked on %s: %v", s.name, ev.Kind(), err)
		}
	}()
	s.handler(ev)
}
