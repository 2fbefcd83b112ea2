package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/model"
	"github.com/soundchat/internal/restapi"
)

var (
	errBadRequest = errors.New("bad request")
	errBlocked    = errors.New("conversation is blocked")
)

type record struct {
	msg model.Message
	seq int64
}

type prefs struct {
	pinned  bool
	muted   bool
	blocked bool
}

// state is the relay's whole world: messages, reactions, unread counts and
// per-user conversation preferences, in process memory only.
type state struct {
	mu    sync.Mutex
	clock clock.Clock
	seq   int64

	messages map[string]*record
	convs    map[string][]string // conversation id -> message ids in log order
	byClient map[string]string   // sender + client id -> message id
	prefs    map[string]map[string]prefs
	unread   map[string]map[string]int
	// cleared hides messages up to a sequence number from one user after a conversation delete.
	cleared map[string]map[string]int64
}

func newState(clk clock.Clock) *state {
	return &state{
		clock:    clk,
		messages: make(map[string]*record),
		convs:    make(map[string][]string),
		byClient: make(map[string]string),
		prefs:    make(map[string]map[string]prefs),
		unread:   make(map[string]map[string]int),
		cleared:  make(map[string]map[string]int64),
	}
}

func nested[V any](m map[string]map[string]V, user string) map[string]V {
	inner, ok := m[user]
	if !ok {
		inner = make(map[string]V)
		m[user] = inner
	}
	return inner
}

// view renders m as seen by viewer: SelfReacted is per viewer.
func view(m model.Message, viewer string) model.Message {
	out := m.Clone()
	for emoji, r := range out.Reactions {
		r.SelfReacted = false
		for _, id := range r.UserIDs {
			if id == viewer {
				r.SelfReacted = true
				break
			}
		}
		out.Reactions[emoji] = r
	}
	return out
}

func (s *state) visibleLocked(user, peer string, rec *record) bool {
	return rec.seq > s.cleared[user][peer]
}

func (s *state) insertLocked(conv string, rec *record) {
	ids := s.convs[conv]
	i := sort.Search(len(ids), func(i int) bool {
		return model.Less(&rec.msg, &s.messages[ids[i]].msg)
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = rec.msg.ID
	s.convs[conv] = ids
}

func (s *state) removeLocked(conv, id string) {
	ids := s.convs[conv]
	for i, v := range ids {
		if v == id {
			s.convs[conv] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.convs[conv]) == 0 {
		delete(s.convs, conv)
	}
}

// send stores a new message. A repeated client id from the same sender
// returns the stored message with created == false.
func (s *state) send(sender string, req restapi.SendRequest) (model.Message, bool, error) {
	if req.PeerID == "" || req.PeerID == sender {
		return model.Message{}, false, errBadRequest
	}
	if req.Content == nil && req.ImageRef == nil && req.PlaylistRef == nil {
		return model.Message{}, false, errBadRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ClientID != "" {
		if id, ok := s.byClient[sender+"/"+req.ClientID]; ok {
			if rec, ok := s.messages[id]; ok {
				return view(rec.msg, sender), false, nil
			}
		}
	}
	if s.prefs[sender][req.PeerID].blocked || s.prefs[req.PeerID][sender].blocked {
		return model.Message{}, false, errBlocked
	}

	s.seq++
	m := model.Message{
		ID:             uuid.NewString(),
		ClientID:       req.ClientID,
		ConversationID: model.ConversationID(sender, req.PeerID),
		SenderID:       sender,
		Content:        req.Content,
		ImageRef:       req.ImageRef,
		PlaylistRef:    req.PlaylistRef,
		CreatedAt:      s.clock.Now().UTC(),
		Status:         model.MessageStatusSent,
	}
	rec := &record{msg: m.Clone(), seq: s.seq}
	s.messages[m.ID] = rec
	s.insertLocked(m.ConversationID, rec)
	if req.ClientID != "" {
		s.byClient[sender+"/"+req.ClientID] = m.ID
	}
	nested(s.unread, req.PeerID)[sender]++
	return m, true, nil
}

// participantLocked returns the message if user is one of its two participants.
func (s *state) participantLocked(user, id string) (*record, error) {
	rec, ok := s.messages[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if model.PeerOf(rec.msg.ConversationID, user) == "" {
		return nil, model.ErrNotAuthorized
	}
	return rec, nil
}

func (s *state) edit(user, id, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.participantLocked(user, id)
	if err != nil {
		return model.Message{}, err
	}
	if rec.msg.SenderID != user {
		return model.Message{}, model.ErrNotAuthorized
	}
	now := s.clock.Now().UTC()
	rec.msg.Content = &content
	rec.msg.EditedAt = &now
	return rec.msg.Clone(), nil
}

func (s *state) remove(user, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.participantLocked(user, id)
	if err != nil {
		return model.Message{}, err
	}
	if rec.msg.SenderID != user {
		return model.Message{}, model.ErrNotAuthorized
	}
	delete(s.messages, id)
	s.removeLocked(rec.msg.ConversationID, id)
	if rec.msg.ClientID != "" {
		delete(s.byClient, user+"/"+rec.msg.ClientID)
	}
	return rec.msg.Clone(), nil
}

// react adds or removes user's emoji. changed is false when the reaction was
// already in the requested state.
func (s *state) react(user, id, emoji string, add bool) (model.Message, bool, error) {
	if emoji == "" {
		return model.Message{}, false, errBadRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.participantLocked(user, id)
	if err != nil {
		return model.Message{}, false, err
	}
	r := rec.msg.Reactions[emoji]
	idx := -1
	for i, u := range r.UserIDs {
		if u == user {
			idx = i
			break
		}
	}
	switch {
	case add && idx < 0:
		r.UserIDs = append(r.UserIDs, user)
	case !add && idx >= 0:
		r.UserIDs = append(r.UserIDs[:idx], r.UserIDs[idx+1:]...)
	default:
		return rec.msg.Clone(), false, nil
	}
	r.Count = len(r.UserIDs)
	if rec.msg.Reactions == nil {
		rec.msg.Reactions = make(map[string]model.Reaction)
	}
	if r.Count == 0 {
		delete(rec.msg.Reactions, emoji)
	} else {
		rec.msg.Reactions[emoji] = r
	}
	return rec.msg.Clone(), true, nil
}

// history returns up to limit messages older than cursor, oldest first.
// The first page (no cursor) marks the conversation read for user.
func (s *state) history(user, peer, cursor string, limit int) restapi.HistoryPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := model.ConversationID(user, peer)
	var visible []*record
	for _, id := range s.convs[conv] {
		if rec := s.messages[id]; s.visibleLocked(user, peer, rec) {
			visible = append(visible, rec)
		}
	}
	end := len(visible)
	if cursor != "" {
		end = 0
		for i, rec := range visible {
			if rec.msg.ID == cursor {
				end = i
				break
			}
		}
	} else {
		delete(s.unread[user], peer)
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := restapi.HistoryPage{Messages: make([]model.Message, 0, end-start)}
	for _, rec := range visible[start:end] {
		page.Messages = append(page.Messages, view(rec.msg, user))
	}
	if start > 0 {
		page.NextCursor = visible[start].msg.ID
	}
	return page
}

func (s *state) conversations(user string) []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPeer := make(map[string]*model.Conversation)
	for conv, ids := range s.convs {
		peer := model.PeerOf(conv, user)
		if peer == "" {
			continue
		}
		for i := len(ids) - 1; i >= 0; i-- {
			rec := s.messages[ids[i]]
			if !s.visibleLocked(user, peer, rec) {
				break
			}
			last := view(rec.msg, user)
			byPeer[peer] = &model.Conversation{PeerID: peer, LastMessage: &last, LastMessageTime: last.CreatedAt}
			break
		}
	}
	for peer, p := range s.prefs[user] {
		c, ok := byPeer[peer]
		if !ok {
			if p == (prefs{}) {
				continue
			}
			c = &model.Conversation{PeerID: peer}
			byPeer[peer] = c
		}
		c.IsPinned, c.IsMuted, c.IsBlocked = p.pinned, p.muted, p.blocked
	}
	out := make([]model.Conversation, 0, len(byPeer))
	for peer, c := range byPeer {
		c.UnreadCount = s.unread[user][peer]
		out = append(out, *c)
	}
	model.SortConversations(out)
	return out
}

func (s *state) unreadCounts(user string) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.unread[user]))
	for peer, n := range s.unread[user] {
		out[peer] = n
	}
	return out
}

func (s *state) setPreference(user, peer string, pref restapi.Preference, value bool) error {
	if peer == "" || peer == user {
		return errBadRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := nested(s.prefs, user)
	p := all[peer]
	switch pref {
	case restapi.PrefPin:
		p.pinned = value
	case restapi.PrefMute:
		p.muted = value
	case restapi.PrefBlock:
		p.blocked = value
	default:
		return errBadRequest
	}
	all[peer] = p
	return nil
}

// deleteConversation hides the current history from user only. Pin and mute
// are reset; a block stays in force.
func (s *state) deleteConversation(user, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nested(s.cleared, user)[peer] = s.seq
	delete(s.unread[user], peer)
	if p, ok := s.prefs[user][peer]; ok {
		s.prefs[user][peer] = prefs{blocked: p.blocked}
	}
}
