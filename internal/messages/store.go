// Package messages is the ordered, deduplicated per-conversation message log.
// It merges optimistic local sends, pushed messages and REST history pages.
package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/events"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/model"
	"github.com/soundchat/internal/restapi"
)

// ErrPending is returned for edit/delete of a message whose send is still in flight.
var ErrPending = errors.New("messages: send still in flight")

// Backend is the REST side of the store. *restapi.Client implements it.
type Backend interface {
	SendMessage(ctx context.Context, req restapi.SendRequest) (model.Message, error)
	EditMessage(ctx context.Context, id, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	History(ctx context.Context, peerID, cursor string, limit int) (restapi.HistoryPage, error)
}

// Draft is the user input of a send; at least one field must be set.
type Draft struct {
	Content     *string
	ImageRef    *string
	PlaylistRef *model.PlaylistRef
}

func (d Draft) empty() bool {
	return d.Content == nil && d.ImageRef == nil && d.PlaylistRef == nil
}

// Store keeps every conversation log sorted by (CreatedAt, ID) with unique ids.
// Each call completes its in-memory part in one critical section; REST calls
// run outside the lock.
type Store struct {
	mu       sync.Mutex
	self     string
	backend  Backend
	bus      *events.Bus
	clock    clock.Clock
	pageSize int
	newID    func() string

	logs map[string][]model.Message
	// index maps message id to conversation id.
	index map[string]string
	// pending maps temp ids of unconfirmed sends (Sending or Failed) to conversation id.
	pending map[string]string
}

type Options struct {
	Self     string
	Backend  Backend
	Bus      *events.Bus
	Clock    clock.Clock
	PageSize int
}

func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Store{
		self:     opts.Self,
		backend:  opts.Backend,
		bus:      opts.Bus,
		clock:    opts.Clock,
		pageSize: opts.PageSize,
		newID:    func() string { return model.TempIDPrefix + uuid.NewString() },
		logs:     make(map[string][]model.Message),
		index:    make(map[string]string),
		pending:  make(map[string]string),
	}
}

func (s *Store) notify(conversationID string) {
	if s.bus != nil && conversationID != "" {
		s.bus.Publish(events.MessagesChanged{ConversationID: conversationID})
	}
}

// Send inserts a temp message with status Sending and posts it. On success the
// temp is replaced in place by the confirmed message, which is returned. On
// failure the temp stays in the log as Failed and a *model.SendFailedError is
// returned; it is retried only through Retry.
func (s *Store) Send(ctx context.Context, conversationID string, d Draft) (model.Message, error) {
	if d.empty() {
		return model.Message{}, fmt.Errorf("messages.Send: empty draft")
	}
	if model.PeerOf(conversationID, s.self) == "" {
		return model.Message{}, fmt.Errorf("messages.Send: %s is not a conversation of %s", conversationID, s.self)
	}
	id := s.newID()
	temp := model.Message{
		ID:             id,
		ClientID:       id,
		ConversationID: conversationID,
		SenderID:       s.self,
		Content:        d.Content,
		ImageRef:       d.ImageRef,
		PlaylistRef:    d.PlaylistRef,
		CreatedAt:      s.clock.Now().UTC(),
		Status:         model.MessageStatusSending,
	}
	temp = temp.Clone()

	s.mu.Lock()
	s.logs[conversationID] = insertSorted(s.logs[conversationID], temp)
	s.index[id] = conversationID
	s.pending[id] = conversationID
	s.mu.Unlock()
	s.notify(conversationID)

	return s.deliver(ctx, temp)
}

// Retry re-sends a Failed message. It is the only path that re-sends.
// An unknown id is a no-op and returns the zero Message.
func (s *Store) Retry(ctx context.Context, tempID string) (model.Message, error) {
	s.mu.Lock()
	conv, ok := s.pending[tempID]
	i := -1
	if ok {
		i = indexOf(s.logs[conv], tempID)
	}
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, nil
	}
	log := s.logs[conv]
	if log[i].Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("messages.Retry %s: %w", tempID, ErrPending)
	}
	log[i].Status = model.MessageStatusSending
	temp := log[i].Clone()
	s.mu.Unlock()
	s.notify(conv)

	return s.deliver(ctx, temp)
}

// Discard drops a Failed message the user gave up on.
func (s *Store) Discard(tempID string) bool {
	s.mu.Lock()
	conv, ok := s.pending[tempID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	log := s.logs[conv]
	i := indexOf(log, tempID)
	if i < 0 || log[i].Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return false
	}
	s.logs[conv] = removeAt(log, i)
	delete(s.index, tempID)
	delete(s.pending, tempID)
	s.mu.Unlock()
	s.notify(conv)
	return true
}

func (s *Store) deliver(ctx context.Context, temp model.Message) (model.Message, error) {
	req := restapi.SendRequest{
		PeerID:      model.PeerOf(temp.ConversationID, s.self),
		ClientID:    temp.ID,
		Content:     temp.Content,
		ImageRef:    temp.ImageRef,
		PlaylistRef: temp.PlaylistRef,
	}
	server, err := s.backend.SendMessage(ctx, req)
	if err == nil && server.ID == "" {
		err = fmt.Errorf("server returned a message without id")
	}
	if err != nil {
		logger.Errorf("messages send %s: %v", temp.ID, err)
		failed := s.fail(temp)
		return failed, &model.SendFailedError{TempID: temp.ID, Err: err}
	}
	return s.confirm(temp, server), nil
}

func (s *Store) fail(temp model.Message) model.Message {
	s.mu.Lock()
	conv := temp.ConversationID
	log := s.logs[conv]
	i := indexOf(log, temp.ID)
	if i < 0 {
		s.mu.Unlock()
		temp.Status = model.MessageStatusFailed
		return temp
	}
	log[i].Status = model.MessageStatusFailed
	out := log[i].Clone()
	s.mu.Unlock()
	s.notify(conv)
	return out
}

// confirm swaps the temp for the server message. If a pushed echo already
// inserted the server id, the temp is dropped instead.
func (s *Store) confirm(temp model.Message, server model.Message) model.Message {
	s.mu.Lock()
	delete(s.pending, temp.ID)
	conv := temp.ConversationID
	log := s.logs[conv]
	ti := indexOf(log, temp.ID)

	if existingConv, ok := s.index[server.ID]; ok && server.ID != temp.ID {
		if ti >= 0 {
			log = removeAt(log, ti)
			s.logs[conv] = log
			delete(s.index, temp.ID)
		}
		ei := indexOf(s.logs[existingConv], server.ID)
		out := s.logs[existingConv][ei].Clone()
		s.mu.Unlock()
		s.notify(conv)
		return out
	}

	confirmed := Reconcile(temp, server)
	if ti >= 0 {
		delete(s.index, temp.ID)
		s.logs[conv] = replaceAt(log, ti, confirmed)
	} else {
		s.logs[conv] = insertSorted(log, confirmed)
	}
	s.index[confirmed.ID] = conv
	out := confirmed.Clone()
	s.mu.Unlock()
	s.notify(conv)
	return out
}

// Receive merges a pushed message. A known id is a no-op; an echo of one of
// our in-flight sends replaces its temp. It reports whether the log changed.
func (s *Store) Receive(m model.Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		logger.Errorf("messages receive: incomplete message id=%q conversation=%q", m.ID, m.ConversationID)
		return false
	}
	m = m.Clone()
	m.Status = model.MessageStatusSent

	s.mu.Lock()
	changed := s.mergeLocked(m)
	s.mu.Unlock()
	if changed {
		s.notify(m.ConversationID)
	}
	return changed
}

func (s *Store) mergeLocked(m model.Message) bool {
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	if m.ClientID != "" {
		if conv, ok := s.pending[m.ClientID]; ok && conv == m.ConversationID {
			log := s.logs[conv]
			if ti := indexOf(log, m.ClientID); ti >= 0 {
				confirmed := Reconcile(log[ti], m)
				delete(s.index, m.ClientID)
				delete(s.pending, m.ClientID)
				s.logs[conv] = replaceAt(log, ti, confirmed)
				s.index[confirmed.ID] = conv
				return true
			}
		}
	}
	s.logs[m.ConversationID] = insertSorted(s.logs[m.ConversationID], m)
	s.index[m.ID] = m.ConversationID
	return true
}

// ApplyUpdate replaces a known message with the server's version.
// Unknown ids are ignored: the message was never loaded or is already gone.
func (s *Store) ApplyUpdate(m model.Message) bool {
	s.mu.Lock()
	conv, ok := s.index[m.ID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	log := s.logs[conv]
	i := indexOf(log, m.ID)
	updated := m.Clone()
	updated.ConversationID = conv
	updated.Status = model.MessageStatusSent
	if updated.ClientID == "" {
		updated.ClientID = log[i].ClientID
	}
	if updated.Reactions == nil {
		updated.Reactions = model.CloneReactions(log[i].Reactions)
	}
	s.logs[conv] = replaceAt(log, i, updated)
	s.mu.Unlock()
	s.notify(conv)
	return true
}

// ApplyDelete removes a message deleted elsewhere. No tombstone is kept.
func (s *Store) ApplyDelete(conversationID, id string) bool {
	s.mu.Lock()
	conv, ok := s.index[id]
	if !ok || (conversationID != "" && conv != conversationID) {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(conv, id)
	s.mu.Unlock()
	s.notify(conv)
	return true
}

func (s *Store) removeLocked(conv, id string) (model.Message, bool) {
	log := s.logs[conv]
	i := indexOf(log, id)
	if i < 0 {
		return model.Message{}, false
	}
	m := log[i]
	s.logs[conv] = removeAt(log, i)
	delete(s.index, id)
	delete(s.pending, id)
	return m, true
}

// Edit changes the content of one of the local user's messages. Authorization
// is checked before anything changes. An unknown id is a no-op. The edit is
// applied at once and reverted when the server rejects it.
func (s *Store) Edit(ctx context.Context, id, content string) error {
	s.mu.Lock()
	conv, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	log := s.logs[conv]
	i := indexOf(log, id)
	if log[i].SenderID != s.self {
		s.mu.Unlock()
		return fmt.Errorf("messages.Edit %s: %w", id, model.ErrNotAuthorized)
	}
	if log[i].IsTemp() {
		if log[i].Status != model.MessageStatusFailed {
			s.mu.Unlock()
			return fmt.Errorf("messages.Edit %s: %w", id, ErrPending)
		}
		// Never reached the server: the next Retry carries the new text.
		c := content
		log[i].Content = &c
		s.mu.Unlock()
		s.notify(conv)
		return nil
	}
	prevContent, prevEdited := log[i].Content, log[i].EditedAt
	now := s.clock.Now().UTC()
	c := content
	log[i].Content = &c
	log[i].EditedAt = &now
	s.mu.Unlock()
	s.notify(conv)

	server, err := s.backend.EditMessage(ctx, id, content)

	s.mu.Lock()
	log = s.logs[conv]
	i = indexOf(log, id)
	if i < 0 {
		s.mu.Unlock()
		return err
	}
	if err != nil {
		// Revert only if nothing newer landed in the meantime.
		if log[i].EditedAt != nil && log[i].EditedAt.Equal(now) {
			log[i].Content, log[i].EditedAt = prevContent, prevEdited
		}
		s.mu.Unlock()
		s.notify(conv)
		return fmt.Errorf("messages.Edit %s: %w", id, err)
	}
	if server.EditedAt != nil {
		t := *server.EditedAt
		log[i].EditedAt = &t
	}
	if server.Content != nil {
		sc := *server.Content
		log[i].Content = &sc
	}
	s.mu.Unlock()
	s.notify(conv)
	return nil
}

// Delete removes one of the local user's messages. A failed temp is simply
// discarded; a confirmed message is removed at once and restored when the
// server rejects the delete. An unknown id, locally or on the server, is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	conv, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	log := s.logs[conv]
	i := indexOf(log, id)
	if log[i].SenderID != s.self {
		s.mu.Unlock()
		return fmt.Errorf("messages.Delete %s: %w", id, model.ErrNotAuthorized)
	}
	if log[i].IsTemp() && log[i].Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return fmt.Errorf("messages.Delete %s: %w", id, ErrPending)
	}
	removed, _ := s.removeLocked(conv, id)
	s.mu.Unlock()
	s.notify(conv)

	if removed.IsTemp() {
		return nil
	}
	err := s.backend.DeleteMessage(ctx, id)
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return nil
	}

	s.mu.Lock()
	if _, back := s.index[id]; !back {
		s.logs[conv] = insertSorted(s.logs[conv], removed)
		s.index[id] = conv
	}
	s.mu.Unlock()
	s.notify(conv)
	return fmt.Errorf("messages.Delete %s: %w", id, err)
}

// FetchHistory loads one page older than cursor and merges it with the same
// dedup rule as Receive. It returns the cursor of the next older page, "" at the start.
func (s *Store) FetchHistory(ctx context.Context, conversationID, cursor string) (string, error) {
	defer logger.DeferLogDuration("messages.FetchHistory", time.Now())()
	peer := model.PeerOf(conversationID, s.self)
	if peer == "" {
		return "", fmt.Errorf("messages.FetchHistory: %s is not a conversation of %s", conversationID, s.self)
	}
	page, err := s.backend.History(ctx, peer, cursor, s.pageSize)
	if err != nil {
		return "", fmt.Errorf("messages.FetchHistory %s: %w", conversationID, err)
	}

	changed := false
	s.mu.Lock()
	for _, m := range page.Messages {
		if m.ID == "" {
			continue
		}
		m = m.Clone()
		m.Status = model.MessageStatusSent
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if s.mergeLocked(m) {
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(conversationID)
	}
	return page.NextCursor, nil
}

// Messages returns a copy of the conversation log, oldest first.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[conversationID]
	out := make([]model.Message, len(log))
	for i := range log {
		out[i] = log[i].Clone()
	}
	return out
}

func (s *Store) Get(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.index[id]
	if !ok {
		return model.Message{}, false
	}
	i := indexOf(s.logs[conv], id)
	return s.logs[conv][i].Clone(), true
}

// Last returns the newest message of the conversation.
func (s *Store) Last(conversationID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[conversationID]
	if len(log) == 0 {
		return model.Message{}, false
	}
	return log[len(log)-1].Clone(), true
}

// UpdateReactions applies fn to the reaction map of message id atomically and
// returns the updated message. fn receives a private copy it may mutate.
func (s *Store) UpdateReactions(id string, fn func(map[string]model.Reaction) map[string]model.Reaction) (model.Message, bool) {
	s.mu.Lock()
	conv, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, false
	}
	log := s.logs[conv]
	i := indexOf(log, id)
	next := fn(model.CloneReactions(log[i].Reactions))
	if len(next) == 0 {
		next = nil
	}
	log[i].Reactions = next
	out := log[i].Clone()
	s.mu.Unlock()
	s.notify(conv)
	return out, true
}

// Self returns the local user id the store was built for.
func (s *Store) Self() string { return s.self }

// Forget drops a conversation log, e.g. after the conversation was deleted.
func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	for _, m := range s.logs[conversationID] {
		delete(s.index, m.ID)
		delete(s.pending, m.ID)
	}
	delete(s.logs, conversationID)
	s.mu.Unlock()
	s.notify(conversationID)
}
