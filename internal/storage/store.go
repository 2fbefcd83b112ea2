package storage

import (
	"context"

	"github.com/soundchat/internal/model"
)

// PresenceStore — онлайн-статус и активность пользователей relay.
// Реализации: redis.Client, memory.Client (для запуска без Redis).
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	SetActivity(ctx context.Context, userID, activity string) error
	// Presence возвращает записи для userIDs; неизвестный пользователь — offline.
	Presence(ctx context.Context, userIDs []string) (map[string]model.PresenceEntry, error)
	Close() error
}
