// Package chat wires the real-time conversation components of one signed-in
// user around a single event bus and exposes the operations a UI needs.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/soundchat/internal/auth"
	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/directory"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/messages"
	"github.com/soundchat/internal/model"
	"github.com/soundchat/internal/presence"
	"github.com/soundchat/internal/reactions"
	"github.com/soundchat/internal/restapi"
	"github.com/soundchat/internal/typing"
	"github.com/soundchat/internal/ws"
)

// Subscriber names on the session bus, in delivery order.
const (
	SubscriberPresence  = "presence"
	SubscriberTyping    = "typing"
	SubscriberMessages  = "messages"
	SubscriberReactions = "reactions"
	SubscriberResync    = "resync"
)

// Backend is everything the session needs from the REST API.
type Backend interface {
	messages.Backend
	reactions.Backend
	directory.Backend
}

type Option func(*options)

type options struct {
	backend Backend
	dialer  ws.Dialer
	clock   clock.Clock
}

// WithBackend replaces the REST client built from config.
func WithBackend(b Backend) Option { return func(o *options) { o.backend = b } }

func WithDialer(d ws.Dialer) Option { return func(o *options) { o.dialer = d } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

type Session struct {
	self      string
	bus       *events.Bus
	conn      *ws.Manager
	presence  *presence.Tracker
	typing    *typing.Coordinator
	messages  *messages.Store
	reactions *reactions.Aggregator
	directory *directory.Directory
	timeout   time.Duration

	// ctx bounds background resyncs; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu   sync.Mutex
	lastState events.ConnState
}

func New(cfg *config.Config, provider auth.Provider, self string, opts ...Option) *Session {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		o.backend = restapi.NewClient(cfg.APIURL, provider, cfg.HTTPTimeout)
	}

	bus := events.NewBus()
	dir := directory.New(o.backend, bus)
	mgr := ws.NewManager(ws.Options{
		URL:       cfg.WSURL,
		Dialer:    o.dialer,
		Auth:      provider,
		Bus:       bus,
		Peers:     dir.Peers,
		Reconnect: cfg.Reconnect,
		WS:        cfg.WS,
	})
	store := messages.NewStore(messages.Options{
		Self:     self,
		Backend:  o.backend,
		Bus:      bus,
		Clock:    o.clock,
		PageSize: cfg.HistoryPageSize,
	})
	s := &Session{
		self:      self,
		bus:       bus,
		conn:      mgr,
		presence:  presence.NewTracker(o.clock),
		typing:    typing.NewCoordinator(mgr, o.clock, cfg.Typing.Timeout, cfg.Typing.Debounce),
		messages:  store,
		reactions: reactions.NewAggregator(self, store, o.backend),
		directory: dir,
		timeout:   cfg.HTTPTimeout,
		lastState: events.StateDisconnected,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	bus.Subscribe(SubscriberPresence, s.presence.HandleEvent)
	bus.Subscribe(SubscriberTyping, s.typing.HandleEvent)
	bus.Subscribe(SubscriberMessages, s.handleMessageEvent)
	bus.Subscribe(SubscriberReactions, s.reactions.HandleEvent)
	bus.Subscribe(SubscriberResync, s.handleConnectionEvent)
	return s
}

func (s *Session) Self() string { return s.self }
func (s *Session) Bus() *events.Bus { return s.bus }
func (s *Session) State() events.ConnState { return s.conn.State() }

// Subscribe registers a UI listener on the session bus.
func (s *Session) Subscribe(name string, h events.Handler) { s.bus.Subscribe(name, h) }

// Connect loads the conversation list, so presence is subscribed for every
// known peer, then opens the live connection.
func (s *Session) Connect(ctx context.Context) error {
	defer logger.DeferLogDuration("chat.Connect", time.Now())()
	if err := s.directory.Load(ctx); err != nil {
		logger.Errorf("chat: conversations not loaded: %v", err)
	}
	return s.conn.Connect(ctx, s.self)
}

func (s *Session) Disconnect() {
	s.conn.Disconnect()
	s.typing.Reset()
}

// Close disconnects, stops every timer and waits for a running resync.
func (s *Session) Close() {
	s.Disconnect()
	s.cancel()
	s.wg.Wait()
	s.typing.Close()
}

// handleConnectionEvent starts a resync when the connection comes back after
// a drop. Pushes sent during the gap were never delivered to this session.
func (s *Session) handleConnectionEvent(ev events.Event) {
	e, ok := ev.(events.ConnectionStateChanged)
	if !ok {
		return
	}
	s.stateMu.Lock()
	prev := s.lastState
	s.lastState = e.State
	s.stateMu.Unlock()
	if e.State != events.StateConnected {
		return
	}
	if prev != events.StateReconnecting && prev != events.StateDegraded {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resync(s.ctx)
	}()
}

// resync reloads conversations and unread counts, then the newest page of
// the focused conversation, which the user is looking at.
func (s *Session) resync(ctx context.Context) {
	defer logger.DeferLogDuration("chat.resync", time.Now())()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	before := len(s.directory.Peers())
	if err := s.directory.Load(ctx); err != nil {
		logger.Errorf("chat: resync conversations: %v", err)
		return
	}
	if peers := s.directory.Peers(); len(peers) != before {
		s.conn.SubscribePresence(peers)
	}
	if peer := s.directory.Focused(); peer != "" {
		if _, err := s.FetchHistory(ctx, peer, ""); err != nil {
			logger.Errorf("chat: resync history %s: %v", peer, err)
		}
	}
}

func (s *Session) handleMessageEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.MessageReceived:
		s.onReceived(e.Message)
	case events.MessageUpdated:
		if s.messages.ApplyUpdate(e.Message) {
			s.refreshLast(e.Message.ConversationID)
		}
	case events.MessageDeleted:
		conv := e.ConversationID
		if conv == "" {
			if m, ok := s.messages.Get(e.MessageID); ok {
				conv = m.ConversationID
			}
		}
		if s.messages.ApplyDelete(conv, e.MessageID) {
			s.refreshLast(conv)
		}
	}
}

// onReceived counts a message unread only when the store actually took it,
// so replays after a reconnect never double count.
func (s *Session) onReceived(m model.Message) {
	if !s.messages.Receive(m) {
		return
	}
	peer := model.PeerOf(m.ConversationID, s.self)
	if peer == "" {
		return
	}
	stored, ok := s.messages.Get(m.ID)
	if !ok {
		return
	}
	_, known := s.directory.Get(peer)
	if m.SenderID == s.self {
		s.directory.RecordOutgoing(peer, stored)
	} else {
		s.directory.RecordIncoming(peer, stored)
	}
	if !known {
		s.conn.SubscribePresence(s.directory.Peers())
	}
}

func (s *Session) refreshLast(conversationID string) {
	peer := model.PeerOf(conversationID, s.self)
	if peer == "" {
		return
	}
	if last, ok := s.messages.Last(conversationID); ok {
		s.directory.RefreshLast(peer, &last)
		return
	}
	s.directory.RefreshLast(peer, nil)
}

func (s *Session) conversationID(peerID string) string {
	return model.ConversationID(s.self, peerID)
}

// Send stops the local typing indicator and sends d to peerID. The returned
// message is the confirmed one, or the Failed temp alongside the error.
func (s *Session) Send(ctx context.Context, peerID string, d messages.Draft) (model.Message, error) {
	s.typing.NotifyStoppedTyping(peerID)
	_, known := s.directory.Get(peerID)
	m, err := s.messages.Send(ctx, s.conversationID(peerID), d)
	if m.ID != "" {
		s.directory.RecordOutgoing(peerID, m)
	}
	if !known && err == nil {
		s.conn.SubscribePresence(s.directory.Peers())
	}
	return m, err
}

func (s *Session) Retry(ctx context.Context, tempID string) (model.Message, error) {
	m, err := s.messages.Retry(ctx, tempID)
	if m.ID != "" {
		s.directory.RecordOutgoing(model.PeerOf(m.ConversationID, s.self), m)
	}
	return m, err
}

func (s *Session) Discard(tempID string) bool {
	m, ok := s.messages.Get(tempID)
	if !ok || !s.messages.Discard(tempID) {
		return false
	}
	s.refreshLast(m.ConversationID)
	return true
}

func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	err := s.messages.Edit(ctx, messageID, content)
	if m, ok := s.messages.Get(messageID); ok {
		if last, ok := s.messages.Last(m.ConversationID); ok && last.ID == messageID {
			s.refreshLast(m.ConversationID)
		}
	}
	return err
}

func (s *Session) Delete(ctx context.Context, messageID string) error {
	m, ok := s.messages.Get(messageID)
	if !ok {
		return nil
	}
	err := s.messages.Delete(ctx, messageID)
	s.refreshLast(m.ConversationID)
	return err
}

// FetchHistory loads the page older than cursor for the conversation with peerID.
func (s *Session) FetchHistory(ctx context.Context, peerID, cursor string) (string, error) {
	conv := s.conversationID(peerID)
	next, err := s.messages.FetchHistory(ctx, conv, cursor)
	if err != nil {
		return "", err
	}
	if last, ok := s.messages.Last(conv); ok {
		s.directory.Touch(peerID, last)
	}
	return next, nil
}

func (s *Session) Messages(peerID string) []model.Message {
	return s.messages.Messages(s.conversationID(peerID))
}

func (s *Session) Message(id string) (model.Message, bool) { return s.messages.Get(id) }

func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	return s.reactions.Toggle(ctx, messageID, emoji)
}

func (s *Session) NotifyTyping(peerID string) { s.typing.NotifyTyping(peerID) }
func (s *Session) NotifyStoppedTyping(peerID string) { s.typing.NotifyStoppedTyping(peerID) }
func (s *Session) IsPeerTyping(peerID string) bool { return s.typing.IsPeerTyping(peerID) }

func (s *Session) IsOnline(peerID string) bool { return s.presence.IsOnline(peerID) }
func (s *Session) ActivityOf(peerID string) string { return s.presence.ActivityOf(peerID) }
func (s *Session) OnlinePeers() []string { return s.presence.OnlinePeers() }

// SetActivity publishes the local user's activity; dropped while offline.
func (s *Session) SetActivity(activity string) bool { return s.conn.SetActivity(activity) }

func (s *Session) Conversations() []model.Conversation { return s.directory.List() }

func (s *Session) Conversation(peerID string) (model.Conversation, bool) {
	return s.directory.Get(peerID)
}

func (s *Session) TotalUnread() int { return s.directory.TotalUnread() }

// Focus selects the conversation with peerID and marks it read.
func (s *Session) Focus(peerID string) { s.directory.Focus(peerID) }

func (s *Session) Blur() { s.directory.Blur() }

func (s *Session) MarkRead(peerID string) { s.directory.MarkRead(peerID) }

func (s *Session) SetPinned(ctx context.Context, peerID string, v bool) error {
	return s.directory.SetPinned(ctx, peerID, v)
}

func (s *Session) SetMuted(ctx context.Context, peerID string, v bool) error {
	return s.directory.SetMuted(ctx, peerID, v)
}

func (s *Session) SetBlocked(ctx context.Context, peerID string, v bool) error {
	return s.directory.SetBlocked(ctx, peerID, v)
}

// DeleteConversation removes the conversation and drops its local log.
func (s *Session) DeleteConversation(ctx context.Context, peerID string) error {
	if err := s.directory.Delete(ctx, peerID); err != nil {
		return err
	}
	s.messages.Forget(s.conversationID(peerID))
	return nil
}
