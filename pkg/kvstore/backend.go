// Package kvstore defines the Redis-shaped KeyValue + Streams collaborator
// consumed by EventLog and SessionStore, per SPEC_FULL.md §6/§11.
package kvstore

import "context"

// ZMember is a single sorted-set member with its score, used for EventLog's
// (sessionId, seq) ordered storage (events:{id} scored by seq).
type ZMember struct {
	Score  float64
	Member string
}

// Backend is the minimal surface SACC needs from a Redis-shaped store.
// Implementations: Redis (production), Memory (unit tests).
type Backend interface {
	// Hash operations — used for session:{id} records.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Expire(ctx context.Context, key string, seconds int) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Sorted-set operations — used for events:{id} ordered by seq.
	ZAdd(ctx context.Context, key string, member ZMember) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Set operations — used for session:{id}:agents and the sacc:all-sessions index.
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Pub/Sub.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a live channel subscription returned by Backend.Subscribe.
type Subscription interface {
	// Receive blocks until a message arrives or the context is done.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
