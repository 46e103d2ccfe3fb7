// Package kvps abstracts the shared key-value store with pub/sub that
// backs the cluster directory and cross-node routing.
//
// Two independent logical connections are used underneath: one for key
// operations and publishing, one for subscribing. Subscriber connections
// cannot publish, so subscription callbacks must never call Publish on
// their own dispatch goroutine expecting the subscriber connection to
// carry it; Publish always goes out on the publisher connection.
package kvps

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvps: key not found")

// Handler receives messages for a subscribed pub/sub channel.
// It runs on the subscriber's dispatch goroutine.
type Handler func(channel string, payload []byte)

// Store is the key-value + pub/sub surface the gateway needs.
//
// All operations take a context and are expected to be bounded; a failed
// or timed-out operation returns an error and the caller applies the
// best-effort policy (log and continue).
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Hashes. Values are strings; complex values are JSON-encoded by
	// the caller.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Pub/sub. Subscribe registers a per-channel callback; at most one
	// handler per channel. Unsubscribe stops dispatch for the channel
	// and must be callable from the channel's own handler: a handler
	// that drains a dead client may tear down the route it runs on.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler Handler) error
	Unsubscribe(channel string) error

	Ping(ctx context.Context) error
	Close() error
}
