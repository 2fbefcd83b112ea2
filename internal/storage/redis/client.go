package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soundchat/internal/model"
)

// Ключ presence:{user_id} — hash с полями online, activity, last_seen (unix ms).
// TTL продлевается при каждой записи: упавший relay не оставит пользователя online навсегда.
const PresenceTTL = 24 * time.Hour

const (
	fieldOnline   = "online"
	fieldActivity = "activity"
	fieldLastSeen = "last_seen"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func presenceKey(userID string) string { return "presence:" + userID }

// SetOnline пишет статус; при offline активность удаляется.
func (c *Client) SetOnline(ctx context.Context, userID string, online bool) error {
	key := presenceKey(userID)
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			fieldOnline, strconv.FormatBool(online),
			fieldLastSeen, strconv.FormatInt(time.Now().UnixMilli(), 10),
		)
		if !online {
			p.HDel(ctx, key, fieldActivity)
		}
		p.Expire(ctx, key, PresenceTTL)
		return nil
	})
	return err
}

func (c *Client) SetActivity(ctx context.Context, userID, activity string) error {
	key := presenceKey(userID)
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fieldActivity, activity)
		p.Expire(ctx, key, PresenceTTL)
		return nil
	})
	return err
}

// Presence читает все ключи одним pipeline.
func (c *Client) Presence(ctx context.Context, userIDs []string) (map[string]model.PresenceEntry, error) {
	out := make(map[string]model.PresenceEntry, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	_, err := c.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = p.HGetAll(ctx, presenceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis presence: %w", err)
	}
	for i, id := range userIDs {
		out[id] = entryFromHash(cmds[i].Val())
	}
	return out, nil
}

func entryFromHash(h map[string]string) model.PresenceEntry {
	var e model.PresenceEntry
	e.Online, _ = strconv.ParseBool(h[fieldOnline])
	e.Activity = h[fieldActivity]
	if ms, err := strconv.ParseInt(h[fieldLastSeen], 10, 64); err == nil {
		e.LastSeen = time.UnixMilli(ms).UTC()
	}
	return e
}

// FlushDB очищает текущую БД Redis (для тестов).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
