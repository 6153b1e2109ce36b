// Package replay implements the optional ReplayService component (C9,
// spec §4.9): record and playback of a finished session for debugging.
package replay

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

// Snapshot is one periodic snapshot captured during recording (spec §4.9).
type Snapshot struct {
	AtSeq     uint64
	Checksum  uint64
	CapturedAt time.Time
}

// Record is the persisted {initialState, events[], periodicSnapshots[]}
// structure keyed by replayId (spec §4.9).
type Record struct {
	ReplayID          string
	InitialState      *session.Session
	Events            []session.Event
	PeriodicSnapshots []Snapshot
}

// Checksum computes a rolling FNV-1a 64-bit checksum over (seq, actor,
// type) for every event, guarding replay integrity (spec §4.9: "Integrity
// is guarded by a rolling checksum over (seq, actor, type)"). A
// non-cryptographic hash is sufficient here — replay integrity only needs
// to catch accidental corruption/reordering in the recorded event slice,
// not resist a malicious adversary, so hash/fnv needs no third-party
// hashing dependency.
func Checksum(events []session.Event) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, e := range events {
		binary.BigEndian.PutUint64(buf[:], e.Seq)
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(e.Actor))
		_, _ = h.Write([]byte(e.Type))
	}
	return h.Sum64()
}

// Recorder accumulates events for a single session into a Record.
type Recorder struct {
	record Record
}

// NewRecorder starts recording from the given initial state.
func NewRecorder(replayID string, initialState *session.Session) *Recorder {
	return &Recorder{record: Record{ReplayID: replayID, InitialState: initialState}}
}

// Observe appends an event to the recording and, every snapshotEvery
// events, captures a periodic snapshot of the rolling checksum.
func (r *Recorder) Observe(evt session.Event, snapshotEvery int) {
	r.record.Events = append(r.record.Events, evt)
	if snapshotEvery > 0 && len(r.record.Events)%snapshotEvery == 0 {
		r.record.PeriodicSnapshots = append(r.record.PeriodicSnapshots, Snapshot{
			AtSeq:      evt.Seq,
			Checksum:   Checksum(r.record.Events),
			CapturedAt: time.Now().UTC(),
		})
	}
}

// Finish returns the completed Record.
func (r *Recorder) Finish() Record {
	return r.record
}

// Filter restricts playback to matching event types/actors (spec §4.9:
// "filters on event type and actor"). Zero-value fields match everything.
type Filter struct {
	Types  map[session.EventType]struct{}
	Actors map[session.AgentID]struct{}
}

func (f Filter) matches(e session.Event) bool {
	if len(f.Types) > 0 {
		if _, ok := f.Types[e.Type]; !ok {
			return false
		}
	}
	if len(f.Actors) > 0 {
		if _, ok := f.Actors[e.Actor]; !ok {
			return false
		}
	}
	return true
}

// Transform is applied to each event that passes the filter during
// playback (spec §4.9: "iterates events applying user-supplied
// transforms").
type Transform func(session.Event) session.Event

// PlaybackOptions configures Play (spec §4.9).
type PlaybackOptions struct {
	Filter  Filter
	Speed   float64 // multiplier on inter-event delay; 0 or negative means as fast as possible
	Sink    func(session.Event)
}

// Play iterates record.Events applying filter+transform, honoring a speed
// multiplier between emissions, verifying the recorded checksum first.
// Returns an error if the checksum does not match (corruption/reorder
// detection).
func Play(ctx context.Context, record Record, transform Transform, opts PlaybackOptions) error {
	for i := len(record.PeriodicSnapshots) - 1; i >= 0; i-- {
		snap := record.PeriodicSnapshots[i]
		prefix := eventsUpTo(record.Events, snap.AtSeq)
		if Checksum(prefix) != snap.Checksum {
			return errChecksumMismatch(snap.AtSeq)
		}
	}

	var prevTime time.Time
	for idx, evt := range record.Events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !opts.Filter.matches(evt) {
			continue
		}
		out := evt
		if transform != nil {
			out = transform(evt)
		}

		if opts.Speed > 0 && idx > 0 && !prevTime.IsZero() {
			delay := evt.Timestamp.Sub(prevTime)
			if delay > 0 {
				scaled := time.Duration(float64(delay) / opts.Speed)
				select {
				case <-time.After(scaled):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		prevTime = evt.Timestamp

		if opts.Sink != nil {
			opts.Sink(out)
		}
	}
	return nil
}

func eventsUpTo(events []session.Event, seq uint64) []session.Event {
	out := make([]session.Event, 0, len(events))
	for _, e := range events {
		if e.Seq > seq {
			break
		}
		out = append(out, e)
	}
	return out
}

type checksumMismatchError struct{ atSeq uint64 }

func (e checksumMismatchError) Error() string {
	return "replay: checksum mismatch in recorded events up to seq " + strconv.FormatUint(e.atSeq, 10)
}

func errChecksumMismatch(atSeq uint64) error {
	return checksumMismatchError{atSeq: atSeq}
}
