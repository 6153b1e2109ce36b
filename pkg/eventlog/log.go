// Package eventlog implements the EventLog component (C1, spec §4.1):
// a per-session append-only, gap-checked event stream with TTL, backed by
// the KeyValue+Streams collaborator (pkg/kvstore).
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

// MaxAppendRetries bounds the conditional-write retry loop in Append (spec
// §4.1: "on conflict the later retries up to a bounded number of times
// (default 5) before returning CONTENTION").
const MaxAppendRetries = 5

// eventsKey mirrors the teacher's key-naming convention (resource:id) for
// the events:{id} sorted set named in spec §6.
func eventsKey(sessionID string) string {
	return "events:" + sessionID
}

// Log is the EventLog component. It is stateless beyond its backend
// handle: all durable state lives in the KeyValue+Streams collaborator.
type Log struct {
	backend kvstore.Backend
}

// New constructs a Log over the given backend.
func New(backend kvstore.Backend) *Log {
	return &Log{backend: backend}
}

// wireEvent is the on-the-wire encoding of a session.Event stored as the
// zset member string; the score is the event's seq so range queries return
// events in seq order for free.
type wireEvent struct {
	Seq             uint64                    `json:"seq"`
	Actor           string                    `json:"actor"`
	Type            string                    `json:"type"`
	Timestamp       time.Time                 `json:"timestamp"`
	ChangeInfo      session.ChangeInfo        `json:"changeInfo"`
	StateTransition *session.StateTransition  `json:"stateTransition,omitempty"`
	Payload         map[string]any            `json:"payload,omitempty"`
}

func toWire(e session.Event) wireEvent {
	return wireEvent{
		Seq:             e.Seq,
		Actor:           e.Actor,
		Type:            string(e.Type),
		Timestamp:       e.Timestamp,
		ChangeInfo:      e.ChangeInfo,
		StateTransition: e.StateTransition,
		Payload:         e.Payload,
	}
}

func (w wireEvent) toEvent() session.Event {
	return session.Event{
		Seq:             w.Seq,
		Actor:           w.Actor,
		Type:            session.EventType(w.Type),
		Timestamp:       w.Timestamp,
		ChangeInfo:      w.ChangeInfo,
		StateTransition: w.StateTransition,
		Payload:         w.Payload,
	}
}

// Append assigns seq = currentNextSeq, persists the event in the
// session's ordered zset, and returns the assigned seq. currentNextSeq and
// casNextSeq let the caller (SessionStore) own the session's nextSeq
// counter while EventLog performs the actual optimistic-concurrency retry
// loop described in spec §4.1.
//
// casNextSeq must perform an atomic compare-and-swap of the session's
// nextSeq field: it returns ok == false if the expected current value no
// longer matched (i.e. a concurrent appender won
// the race), in which case Append reloads the current value and retries.
func (l *Log) Append(
	ctx context.Context,
	sessionID string,
	build func(seq uint64) session.Event,
	loadNextSeq func(ctx context.Context) (uint64, error),
	casNextSeq func(ctx context.Context, expect, next uint64) (bool, error),
) (session.Event, error) {
	var lastErr error
	for attempt := 0; attempt < MaxAppendRetries; attempt++ {
		current, err := loadNextSeq(ctx)
		if err != nil {
			return session.Event{}, err
		}

		ok, err := casNextSeq(ctx, current, current+1)
		if err != nil {
			return session.Event{}, err
		}
		if !ok {
			lastErr = saccerr.New(saccerr.CodeContention, "", "concurrent append lost the race", nil)
			continue
		}

		evt := build(current)
		evt.Seq = current
		wire := toWire(evt)
		data, err := json.Marshal(wire)
		if err != nil {
			return session.Event{}, err
		}

		if err := l.backend.ZAdd(ctx, eventsKey(sessionID), kvstore.ZMember{
			Score:  float64(current),
			Member: string(data),
		}); err != nil {
			return session.Event{}, err
		}
		return evt, nil
	}
	return session.Event{}, saccerr.New(saccerr.CodeContention, "", "append exceeded retry budget", lastErr)
}

// Range returns events in seq order within [fromSeq, toSeq], capped at the
// first maxEvents of them counting from fromSeq (spec §4.1).
// toSeq == 0 means "no upper bound".
func (l *Log) Range(ctx context.Context, sessionID string, fromSeq, toSeq uint64, maxEvents int) ([]session.Event, error) {
	max := float64(toSeq)
	if toSeq == 0 {
		max = float64(^uint64(0) >> 1) // effectively unbounded
	}
	raw, err := l.backend.ZRangeByScore(ctx, eventsKey(sessionID), float64(fromSeq), max, int64(maxEvents))
	if err != nil {
		return nil, err
	}

	events := make([]session.Event, 0, len(raw))
	for _, member := range raw {
		var w wireEvent
		if err := json.Unmarshal([]byte(member), &w); err != nil {
			return nil, fmt.Errorf("eventlog: corrupt event member in %s: %w", sessionID, err)
		}
		events = append(events, w.toEvent())
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	if err := checkContiguous(events); err != nil {
		return nil, err
	}
	return events, nil
}

// checkContiguous enforces invariant 1 (spec §3): observed events must be
// strictly sequential. A gap means some writer's ZAdd never landed.
func checkContiguous(events []session.Event) error {
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			return saccerr.New(saccerr.CodeSequenceGap, "",
				fmt.Sprintf("gap between seq %d and %d", events[i-1].Seq, events[i].Seq), nil)
		}
	}
	return nil
}

// Trim retains only the newest keepTail events, discarding older ones
// (spec §4.1: "archival is delegated to the graph collaborator through
// checkpoints" — EventLog itself never archives).
func (l *Log) Trim(ctx context.Context, sessionID string, keepTail int) error {
	if keepTail <= 0 {
		return l.backend.Del(ctx, eventsKey(sessionID))
	}
	count, err := l.backend.ZCard(ctx, eventsKey(sessionID))
	if err != nil {
		return err
	}
	if count <= int64(keepTail) {
		return nil
	}

	all, err := l.backend.ZRangeByScore(ctx, eventsKey(sessionID), 0, float64(^uint64(0)>>1), 0)
	if err != nil {
		return err
	}
	cutoffIdx := len(all) - keepTail
	if cutoffIdx <= 0 {
		return nil
	}
	stale := all[:cutoffIdx]
	return l.backend.ZRem(ctx, eventsKey(sessionID), stale...)
}

// Len returns the number of events currently retained for the session.
func (l *Log) Len(ctx context.Context, sessionID string) (int64, error) {
	return l.backend.ZCard(ctx, eventsKey(sessionID))
}

// Delete removes the session's entire event stream (used on session close
// past retention, or test teardown).
func (l *Log) Delete(ctx context.Context, sessionID string) error {
	return l.backend.Del(ctx, eventsKey(sessionID))
}
