// Package cache provides the unread-count cache used to decorate
// conversation listings. Implementations must be concurrency-safe.
package cache

import (
	"context"
	"errors"
)

// Unread tracks per-(conversation, user) unread message counters.
// All failures are treated as best-effort by callers; a lost counter
// degrades listings only, never the write path.
type Unread interface {
	// Increment bumps the unread counter for each of userIDs.
	Increment(ctx context.Context, conversationID string, userIDs []string) error

	// Get returns the unread counter, zero when absent.
	Get(ctx context.Context, conversationID, userID string) (int64, error)

	// Clear resets the counter for userID.
	Clear(ctx context.Context, conversationID, userID string) error

	// Ping verifies connectivity with the backend.
	Ping(ctx context.Context) error

	// Close releases resources held by the cache.
	Close() error
}

// ErrMiss signals an absent key in a typed way, letting callers
// distinguish misses from transport errors.
var ErrMiss = errors.New("cache: miss")
