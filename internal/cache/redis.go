package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keyreplay/internal/store"
)

const keyPrefix = "keyreplay:replay:"

// Client is the subset of the go-redis API the cache uses.
// *redis.Client and *redis.ClusterClient satisfy it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a ReplayCache backed by Redis string keys with a TTL.
type Redis struct {
	client Client
	ttl    time.Duration
}

var _ ReplayCache = (*Redis)(nil)

// NewRedis wraps client. Entries expire after ttl.
func NewRedis(client Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*Redis, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("cache: connect redis %s: %w", addr, err)
	}
	return NewRedis(rdb, ttl), rdb, nil
}

func key(answerID string) string {
	return keyPrefix + answerID
}

func (c *Redis) Get(ctx context.Context, answerID string) (*store.Replay, bool, error) {
	data, err := c.client.Get(ctx, key(answerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: get %s: %w", answerID, err)
	}

	var r store.Replay
	if err := json.Unmarshal(data, &r); err != nil {
		// A payload from an older layout is treated as a miss.
		return nil, false, nil
	}
	return &r, true, nil
}

func (c *Redis) Set(ctx context.Context, r *store.Replay) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", r.AnswerID, err)
	}
	if err := c.client.Set(ctx, key(r.AnswerID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", r.AnswerID, err)
	}
	return nil
}

func (c *Redis) Delete(ctx context.Context, answerID string) error {
	if err := c.client.Del(ctx, key(answerID)).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", answerID, err)
	}
	return nil
}
