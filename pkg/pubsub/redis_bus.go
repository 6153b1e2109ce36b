package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
)

// HandlerBudget bounds how long a subscriber handler may run before a
// warning is logged (spec §5: "handlers must not block publish threads for
// more than a configured budget (default 50 ms) — long work must be
// offloaded"). Handlers always run off the publish path (see below), so
// this budget is diagnostic rather than a hard deadline.
const HandlerBudget = 50 * time.Millisecond

// RedisBus is a Bus backed by a kvstore.Backend's Pub/Sub, giving
// at-least-once cross-process delivery (spec §4.3). Duplicate events are
// expected to be distinguished by the caller via (sessionId, seq).
//
// Per channel, RedisBus keeps exactly one live backend subscription — shared
// by every local handler registered for that channel — and fans incoming
// messages out to each handler on its own goroutine, mirroring the
// ConnectionManager/NotifyListener split in the teacher codebase (one
// receive loop per resource, many local consumers).
type RedisBus struct {
	backend kvstore.Backend

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool
}

type channelState struct {
	sub      kvstore.Subscription
	cancel   context.CancelFunc
	handlers map[string]Handler
}

// NewRedisBus creates a Bus over the given backend.
func NewRedisBus(backend kvstore.Backend) *RedisBus {
	return &RedisBus{
		backend:  backend,
		channels: make(map[string]*channelState),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.backend.Publish(ctx, channel, payload)
}

func (b *RedisBus) Subscribe(channel string, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := uuid.NewString()
	cs, exists := b.channels[channel]
	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := b.backend.Subscribe(ctx, channel)
		if err != nil {
			slog.Error("pubsub: failed to subscribe to channel", "channel", channel, "error", err)
			cancel()
			return func() {}
		}
		cs = &channelState{sub: sub, cancel: cancel, handlers: make(map[string]Handler)}
		b.channels[channel] = cs
		go b.receiveLoop(ctx, channel, cs)
	}
	cs.handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cs, ok := b.channels[channel]
		if !ok {
			return
		}
		delete(cs.handlers, id)
		if len(cs.handlers) == 0 {
			cs.cancel()
			_ = cs.sub.Close()
			delete(b.channels, channel)
		}
	}
}

func (b *RedisBus) receiveLoop(ctx context.Context, channel string, cs *channelState) {
	for {
		payload, err := cs.sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			slog.Warn("pubsub: subscription receive error", "channel", channel, "error", err)
			return
		}

		b.mu.Lock()
		handlers := make([]Handler, 0, len(cs.handlers))
		for _, h := range cs.handlers {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		for _, h := range handlers {
			dispatch(channel, payload, h)
		}
	}
}

// dispatch invokes a handler off the receive-loop goroutine and logs if it
// overruns HandlerBudget, per spec §5.
func dispatch(channel string, payload []byte, h Handler) {
	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)
		h(channel, payload)
	}()

	select {
	case <-done:
	case <-time.After(HandlerBudget):
		slog.Warn("pubsub: handler exceeded budget", "channel", channel, "budget", HandlerBudget)
		<-done
	}
	_ = start
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cs := range b.channels {
		cs.cancel()
		_ = cs.sub.Close()
	}
	b.channels = make(map[string]*channelState)
	return nil
}
