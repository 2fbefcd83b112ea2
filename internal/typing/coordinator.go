// Package typing coordinates outbound typing signals for the local user and
// decays inbound typing signals from peers.
package typing

import (
	"sync"
	"time"

	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/logger"
)

const (
	DefaultTimeout  = 2 * time.Second
	DefaultDebounce = 300 * time.Millisecond
)

// Sender delivers ephemeral typing frames. It returns false when the frame was dropped.
type Sender interface {
	SendTyping(peerID string, typing bool) bool
}

type localState struct {
	started     bool
	startedAt   time.Time
	stopPending bool
	timer       clock.Timer
	gen         uint64
}

// Coordinator owns one timer per peer. Outbound frames are issued while holding
// the coordinator lock so their order matches the order of local input.
type Coordinator struct {
	mu       sync.Mutex
	clock    clock.Clock
	sender   Sender
	timeout  time.Duration
	debounce time.Duration
	local    map[string]*localState
	remote   map[string]time.Time
	gen      uint64
}

func NewCoordinator(sender Sender, clk clock.Clock, timeout, debounce time.Duration) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if debounce < 0 || debounce > timeout {
		debounce = 0
	}
	return &Coordinator{
		clock:    clk,
		sender:   sender,
		timeout:  timeout,
		debounce: debounce,
		local:    make(map[string]*localState),
		remote:   make(map[string]time.Time),
	}
}

// NotifyTyping is called on every local input change in the conversation with peerID.
func (c *Coordinator) NotifyTyping(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.local[peerID]
	if !ok {
		st = &localState{}
		c.local[peerID] = st
	}
	st.stopPending = false
	if !st.started {
		st.started = true
		st.startedAt = c.clock.Now()
		c.send(peerID, true)
	}
	c.arm(peerID, st, c.timeout)
}

// NotifyStoppedTyping is called on send or when the input is cleared.
func (c *Coordinator) NotifyStoppedTyping(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.local[peerID]
	if !ok || !st.started || st.stopPending {
		return
	}
	if c.debounce > 0 {
		if elapsed := c.clock.Now().Sub(st.startedAt); elapsed < c.debounce {
			// Too close to the start: hold the stop until the window closes so a
			// quick start/stop/start sequence leaves one event per direction.
			st.stopPending = true
			c.arm(peerID, st, c.debounce-elapsed)
			return
		}
	}
	c.finish(peerID, st)
}

// arm replaces the peer's timer; a stale callback is ignored through gen.
func (c *Coordinator) arm(peerID string, st *localState, d time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
	}
	c.gen++
	gen := c.gen
	st.gen = gen
	st.timer = c.clock.AfterFunc(d, func() { c.expire(peerID, gen) })
}

func (c *Coordinator) expire(peerID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.local[peerID]
	if !ok || st.gen != gen {
		return
	}
	st.timer = nil
	c.finish(peerID, st)
}

func (c *Coordinator) finish(peerID string, st *localState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.started {
		c.send(peerID, false)
	}
	delete(c.local, peerID)
}

func (c *Coordinator) send(peerID string, typing bool) {
	if c.sender == nil {
		return
	}
	if !c.sender.SendTyping(peerID, typing) {
		logger.Debugf("typing: dropped typing=%v for %s", typing, peerID)
	}
}

// IsLocalTyping reports whether a typing_start for peerID is outstanding.
func (c *Coordinator) IsLocalTyping(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.local[peerID]
	return ok && st.started
}

// HandleRemote records a typing-changed signal from peerID.
func (c *Coordinator) HandleRemote(peerID string, typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if typing {
		c.remote[peerID] = c.clock.Now()
		return
	}
	delete(c.remote, peerID)
}

// IsPeerTyping is true only while the last typing=true from peerID is younger
// than the staleness window, so a lost stop event cannot stick.
func (c *Coordinator) IsPeerTyping(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.remote[peerID]
	if !ok {
		return false
	}
	if c.clock.Now().Sub(at) >= c.timeout {
		delete(c.remote, peerID)
		return false
	}
	return true
}

// Reset drops all local and remote state without sending anything.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for peerID, st := range c.local {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.local, peerID)
	}
	c.remote = make(map[string]time.Time)
}

// Close cancels every pending timer.
func (c *Coordinator) Close() {
	c.Reset()
}

// HandleEvent is the bus subscription for the coordinator.
func (c *Coordinator) HandleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.TypingChanged:
		c.HandleRemote(e.UserID, e.Typing)
	case events.MessageReceived:
		// A delivered message ends the sender's typing burst.
		c.HandleRemote(e.Message.SenderID, false)
	case events.ConnectionStateChanged:
		if e.State != events.StateConnected {
			c.Reset()
		}
	}
}
