package messages

import (
	"sort"

	"github.com/soundchat/internal/model"
)

// Reconcile merges a server-confirmed message into its optimistic temp.
// Server fields win; fields the server left empty keep the local value.
func Reconcile(temp, server model.Message) model.Message {
	out := server.Clone()
	out.Status = model.MessageStatusSent
	out.ClientID = temp.ID
	if out.ConversationID == "" {
		out.ConversationID = temp.ConversationID
	}
	if out.SenderID == "" {
		out.SenderID = temp.SenderID
	}
	if out.Content == nil && temp.Content != nil {
		c := *temp.Content
		out.Content = &c
	}
	if out.ImageRef == nil && temp.ImageRef != nil {
		r := *temp.ImageRef
		out.ImageRef = &r
	}
	if out.PlaylistRef == nil && temp.PlaylistRef != nil {
		p := *temp.PlaylistRef
		out.PlaylistRef = &p
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = temp.CreatedAt
	}
	if out.Reactions == nil {
		out.Reactions = model.CloneReactions(temp.Reactions)
	}
	return out
}

// insertSorted places m at the position dictated by (CreatedAt, ID).
func insertSorted(log []model.Message, m model.Message) []model.Message {
	i := sort.Search(len(log), func(i int) bool { return model.Less(&m, &log[i]) })
	log = append(log, model.Message{})
	copy(log[i+1:], log[i:])
	log[i] = m
	return log
}

// replaceAt puts m at position i when that keeps the log sorted, and
// relocates it otherwise.
func replaceAt(log []model.Message, i int, m model.Message) []model.Message {
	if (i == 0 || model.Less(&log[i-1], &m)) && (i == len(log)-1 || model.Less(&m, &log[i+1])) {
		log[i] = m
		return log
	}
	return insertSorted(removeAt(log, i), m)
}

func removeAt(log []model.Message, i int) []model.Message {
	copy(log[i:], log[i+1:])
	log[len(log)-1] = model.Message{}
	return log[:len(log)-1]
}

func indexOf(log []model.Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}
