// Package pubsub implements the PubSubBus component (spec §4.3): fan-out of
// session events to in-process and cross-process subscribers.
package pubsub

import "context"

// Handler receives a message published to a channel. Handlers MUST be
// idempotent (spec §4.3) — delivery is at-least-once.
type Handler func(channel string, payload []byte)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Bus is the PubSubBus contract: publish(channel, message) and
// subscribe(channel, handler) -> unsub.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler Handler) Unsubscribe
	Close() error
}
