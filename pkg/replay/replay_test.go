package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

func sampleEvents(base time.Time) []session.Event {
	return []session.Event{
		{Seq: 1, Actor: "agent-a", Type: session.EventModified, Timestamp: base, ChangeInfo: session.ChangeInfo{EntityIDs: []string{"e1"}, Operation: session.OpModified}},
		{Seq: 2, Actor: "agent-b", Type: session.EventBroke, Timestamp: base.Add(time.Second), ChangeInfo: session.ChangeInfo{EntityIDs: []string{"e2"}, Operation: session.OpModified}},
		{Seq: 3, Actor: "agent-a", Type: session.EventFixed, Timestamp: base.Add(2 * time.Second), ChangeInfo: session.ChangeInfo{EntityIDs: []string{"e2"}, Operation: session.OpModified}},
	}
}

func TestRecorderCapturesPeriodicSnapshots(t *testing.T) {
	base := time.Now()
	rec := NewRecorder("replay-1", &session.Session{ID: "sess-1"})
	for _, evt := range sampleEvents(base) {
		rec.Observe(evt, 2)
	}
	record := rec.Finish()

	require.Len(t, record.Events, 3)
	require.Len(t, record.PeriodicSnapshots, 1)
	assert.Equal(t, uint64(2), record.PeriodicSnapshots[0].AtSeq)
	assert.Equal(t, Checksum(record.Events[:2]), record.PeriodicSnapshots[0].Checksum)
}

func TestPlayAppliesFilterAndTransform(t *testing.T) {
	base := time.Now()
	record := Record{Events: sampleEvents(base)}

	var got []session.Event
	filter := Filter{Actors: map[session.AgentID]struct{}{"agent-a": {}}}
	transform := func(e session.Event) session.Event {
		e.Payload = map[string]any{"replayed": true}
		return e
	}

	err := Play(context.Background(), record, transform, PlaybackOptions{
		Filter: filter,
		Sink:   func(e session.Event) { got = append(got, e) },
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)
	assert.Equal(t, map[string]any{"replayed": true}, got[0].Payload)
}

func TestPlayDetectsChecksumMismatch(t *testing.T) {
	base := time.Now()
	events := sampleEvents(base)
	record := Record{
		Events: events,
		PeriodicSnapshots: []Snapshot{
			{AtSeq: 2, Checksum: Checksum(events[:2]) + 1},
		},
	}

	err := Play(context.Background(), record, nil, PlaybackOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestPlayHonoursContextCancellation(t *testing.T) {
	base := time.Now()
	record := Record{Events: sampleEvents(base)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Play(ctx, record, nil, PlaybackOptions{Sink: func(session.Event) {}})
	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}
