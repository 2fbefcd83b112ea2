package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/logger"
	"github.com/soundchat/internal/middleware"
	"github.com/soundchat/internal/ws"
)

const authTimeout = 10 * time.Second

var errAuthFrame = errors.New("auth frame rejected")

type WSHandler struct {
	hub            *Hub
	resolve        middleware.TokenResolver
	cfg            config.WSConfig
	allowedOrigins string
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins задаётся как в CORS (через запятую или "*").
func NewWSHandler(hub *Hub, resolve middleware.TokenResolver, cfg config.WSConfig, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, resolve: resolve, cfg: cfg, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades, then requires an auth frame carrying a token of the same
// user as the upgrade request before the client joins the hub.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("relay ws upgrade: %v", err)
		return
	}
	if err := h.authenticate(conn, userID); err != nil {
		logger.Errorf("relay ws auth user=%s: %v", userID, err)
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(h.hub, conn, userID, h.cfg)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

func (h *WSHandler) authenticate(conn *websocket.Conn, userID string) error {
	deadline := time.Now().Add(authTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	var env ws.RawEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return err
	}
	var p ws.AuthPayload
	if env.Type == ws.EventAuth {
		_ = json.Unmarshal(env.Payload, &p)
	}
	if id, ok := h.resolve(p.Token); !ok || id != userID {
		_ = conn.WriteJSON(ws.Envelope{Type: ws.EventError, Payload: ws.ErrorPayload{Error: "unauthorized"}})
		return errAuthFrame
	}
	return conn.WriteJSON(ws.Envelope{Type: ws.EventAuthOK, Payload: ws.AuthOKPayload{UserID: userID}})
}
