package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisUnread satisfies Unread using a go-redis v9 client.
type RedisUnread struct {
	client *redis.Client
}

// NewRedisUnread constructs a RedisUnread from a redis URL and verifies
// connectivity with a ping.
func NewRedisUnread(url string) (*RedisUnread, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisUnread{client: c}, nil
}

var _ Unread = (*RedisUnread)(nil)

func unreadKey(conversationID, userID string) string {
	return "unread:" + conversationID + ":" + userID
}

func (r *RedisUnread) Increment(ctx context.Context, conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, userID := range userIDs {
		pipe.Incr(ctx, unreadKey(conversationID, userID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisUnread) Get(ctx context.Context, conversationID, userID string) (int64, error) {
	n, err := r.client.Get(ctx, unreadKey(conversationID, userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *RedisUnread) Clear(ctx context.Context, conversationID, userID string) error {
	return r.client.Del(ctx, unreadKey(conversationID, userID)).Err()
}

func (r *RedisUnread) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisUnread) Close() error {
	return r.client.Close()
}
