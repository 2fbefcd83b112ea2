package middleware

import (
	"net/http"
	"strings"
)

// TokenResolver сопоставляет bearer-токен пользователю.
type TokenResolver func(token string) (userID string, ok bool)

// BearerToken достаёт токен из Authorization: Bearer или из query ?token= (браузерный WebSocket не умеет заголовки).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// BearerAuth кладёт user_id в контекст, без валидного токена отвечает 401.
func BearerAuth(resolve TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := resolve(BearerToken(r))
			if !ok || userID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// StaticTokens строит TokenResolver из карты token -> user. Пустая карта:
// токен и есть user id (режим разработки).
func StaticTokens(tokens map[string]string) TokenResolver {
	return func(token string) (string, bool) {
		if token == "" {
			return "", false
		}
		if len(tokens) == 0 {
			return token, true
		}
		userID, ok := tokens[token]
		return userID, ok
	}
}
