// Package restapi is the REST collaborator of the chat core: conversations,
// history pages, message writes, reactions and conversation preferences.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/soundchat/internal/auth"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/model"
)

// Preference is one of the per-conversation toggles persisted by the server.
type Preference string

const (
	PrefPin   Preference = "pin"
	PrefMute  Preference = "mute"
	PrefBlock Preference = "block"
)

// APIError is a non-2xx response. Message is the server's "error" field when present.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
}

// Is maps HTTP statuses onto the core error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case model.ErrNotFound:
		return e.Status == http.StatusNotFound
	case model.ErrNotAuthorized:
		return e.Status == http.StatusForbidden
	}
	return false
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	PeerID      string             `json:"peer_id"`
	ClientID    string             `json:"client_id,omitempty"`
	Content     *string            `json:"content,omitempty"`
	ImageRef    *string            `json:"image_ref,omitempty"`
	PlaylistRef *model.PlaylistRef `json:"playlist_ref,omitempty"`
}

// HistoryPage is one page of GET /messages/:peerId, oldest first.
// NextCursor is "" when there is nothing older.
type HistoryPage struct {
	Messages   []model.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type editRequest struct {
	Content string `json:"content"`
}

type preferenceRequest struct {
	Value bool `json:"value"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to the REST API with the bearer credential of the auth provider.
type Client struct {
	baseURL    string
	auth       auth.Provider
	httpClient *http.Client
}

func NewClient(baseURL string, provider auth.Provider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		auth:       provider,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Conversations returns GET /conversations.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCounts returns GET /unread-counts keyed by peer id.
func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	if err := c.do(ctx, http.MethodGet, "/unread-counts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns one page of messages exchanged with peerID, older than cursor.
func (c *Client) History(ctx context.Context, peerID, cursor string, limit int) (HistoryPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/messages/" + url.PathEscape(peerID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

// SendMessage posts a new message; the server echoes ClientID back.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	var msg model.Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (c *Client) EditMessage(ctx context.Context, id, content string) (model.Message, error) {
	var msg model.Message
	if err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(id), editRequest{Content: content}, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", reactionRequest{Emoji: emoji}, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	path := "/messages/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(emoji)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SetPreference persists pin/mute/block for the conversation with peerID.
func (c *Client) SetPreference(ctx context.Context, peerID string, pref Preference, value bool) error {
	path := "/conversations/" + url.PathEscape(peerID) + "/" + string(pref)
	return c.do(ctx, http.MethodPost, path, preferenceRequest{Value: value}, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(peerID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	defer logger.DeferLogDuration("restapi "+method+" "+path, time.Now())()
	_, token, err := c.auth.Credentials(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		var er errorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&er) == nil {
			apiErr.Message = er.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
