// Package auth describes the opaque auth collaborator: it hands out the current
// user id and a bearer credential, nothing more.
package auth

import (
	"context"
	"errors"
	"sync"
)

var ErrNoCredentials = errors.New("auth: no credentials")

type Provider interface {
	Credentials(ctx context.Context) (userID, token string, err error)
}

// Static serves fixed credentials; Set swaps them (e.g. after a token refresh).
type Static struct {
	mu     sync.RWMutex
	userID string
	token  string
}

func NewStatic(userID, token string) *Static {
	return &Static{userID: userID, token: token}
}

func (s *Static) Set(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID, s.token = userID, token
}

func (s *Static) Credentials(ctx context.Context) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" || s.token == "" {
		return "", "", ErrNoCredentials
	}
	return s.userID, s.token, nil
}
