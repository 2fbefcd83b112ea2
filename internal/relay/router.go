package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/soundchat/internal/config"
	"github.com/soundchat/internal/middleware"
)

// NewRouter assembles the relay: REST under /api, the live transport at /ws.
func NewRouter(cfg *config.Config, hub *Hub, api *API) http.Handler {
	resolve := middleware.StaticTokens(cfg.Relay.Tokens)
	wsH := NewWSHandler(hub, resolve, cfg.WS, cfg.Relay.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(cfg.Relay.CORSAllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(resolve))
		r.Get("/ws", wsH.ServeWS)
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.Relay.RateLimitPerMinute, time.Minute))
			api.Routes(r)
		})
	})
	return r
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
