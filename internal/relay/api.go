package relay

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/soundchat/internal/clock"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/middleware"
	"github.com/soundchat/internal/restapi"
	"github.com/soundchat/internal/ws"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// API serves the REST side of the relay. Every write is pushed to the live
// connections of both participants.
type API struct {
	state *state
	hub   *Hub
}

func NewAPI(hub *Hub, clk clock.Clock) *API {
	if clk == nil {
		clk = clock.Real()
	}
	return &API{state: newState(clk), hub: hub}
}

// Routes mounts the REST endpoints. The caller installs BearerAuth.
func (a *API) Routes(r chi.Router) {
	r.Get("/conversations", a.getConversations)
	r.Get("/unread-counts", a.getUnreadCounts)
	r.Post("/conversations/{peerId}/{pref}", a.setPreference)
	r.Delete("/conversations/{peerId}", a.deleteConversation)
	// {id} is a peer id for GET and a message id for the writes.
	r.Get("/messages/{id}", a.getHistory)
	r.Post("/messages", a.sendMessage)
	r.Patch("/messages/{id}", a.editMessage)
	r.Delete("/messages/{id}", a.deleteMessage)
	r.Post("/messages/{id}/reactions", a.addReaction)
	r.Delete("/messages/{id}/reactions/{emoji}", a.removeReaction)
}

func (a *API) getConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.conversations(middleware.GetUserID(r.Context())))
}

func (a *API) getUnreadCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.unreadCounts(middleware.GetUserID(r.Context())))
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	peer := pathParam(r, "id")
	if peer == "" || peer == userID {
		writeError(w, http.StatusBadRequest, "peer id required")
		return
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	writeJSON(w, http.StatusOK, a.state.history(userID, peer, r.URL.Query().Get("cursor"), limit))
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("relay.sendMessage", time.Now())()
	userID := middleware.GetUserID(r.Context())
	var req restapi.SendRequest
	if !decodeJSON(w, r, &req) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	m, created, err := a.state.send(userID, req)
	if err != nil {
		writeStateError(w, err)
		return
	}
	if created {
		a.hub.sendMessage(ws.EventMessageReceived, m)
		writeJSON(w, http.StatusCreated, m)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) editMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &body) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	m, err := a.state.edit(userID, pathParam(r, "id"), body.Content)
	if err != nil {
		writeStateError(w, err)
		return
	}
	a.hub.sendMessage(ws.EventMessageUpdated, m)
	writeJSON(w, http.StatusOK, view(m, userID))
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	m, err := a.state.remove(middleware.GetUserID(r.Context()), pathParam(r, "id"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	a.hub.sendToParticipants(m.ConversationID, ws.Envelope{
		Type:    ws.EventMessageDeleted,
		Payload: ws.MessageDeletedPayload{MessageID: m.ID, ConversationID: m.ConversationID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emoji string `json:"emoji"`
	}
	if !decodeJSON(w, r, &body) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	a.react(w, r, body.Emoji, true)
}

func (a *API) removeReaction(w http.ResponseWriter, r *http.Request) {
	a.react(w, r, pathParam(r, "emoji"), false)
}

func (a *API) react(w http.ResponseWriter, r *http.Request, emoji string, add bool) {
	userID := middleware.GetUserID(r.Context())
	m, changed, err := a.state.react(userID, pathParam(r, "id"), emoji, add)
	if err != nil {
		writeStateError(w, err)
		return
	}
	if changed {
		a.hub.sendToParticipants(m.ConversationID, ws.Envelope{
			Type: ws.EventReactionChanged,
			Payload: ws.ReactionPayload{
				MessageID:      m.ID,
				ConversationID: m.ConversationID,
				UserID:         userID,
				Emoji:          emoji,
				Added:          add,
			},
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setPreference(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value bool `json:"value"`
	}
	if !decodeJSON(w, r, &body) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	pref := restapi.Preference(pathParam(r, "pref"))
	if err := a.state.setPreference(userID, pathParam(r, "peerId"), pref, body.Value); err != nil {
		writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	peer := pathParam(r, "peerId")
	if peer == "" || peer == userID {
		writeError(w, http.StatusBadRequest, "peer id required")
		return
	}
	a.state.deleteConversation(userID, peer)
	w.WriteHeader(http.StatusNoContent)
}
