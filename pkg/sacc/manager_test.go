package sacc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sacc/pkg/config"
	"github.com/Amicidal/sigmachad-sacc/pkg/eventlog"
	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
	"github.com/Amicidal/sigmachad-sacc/pkg/pubsub"
	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

func newTestManager(t *testing.T, enqueue CheckpointEnqueuer) (*Manager, kvstore.Backend) {
	t.Helper()
	cfg := config.Default()
	backend := kvstore.NewMemoryBackend()
	store := session.New(backend, session.Defaults{TTLSeconds: cfg.DefaultTTLSeconds, GraceTTLSeconds: cfg.GraceTTLSeconds})
	log := eventlog.New(backend)
	bus := pubsub.NewRedisBus(backend)
	t.Cleanup(func() { _ = bus.Close() })
	return New(cfg, backend, store, log, bus, enqueue), backend
}

func modifiedEvent(entityID string) session.Event {
	return session.Event{
		Type: session.EventModified,
		ChangeInfo: session.ChangeInfo{
			ElementType: "function",
			EntityIDs:   []string{entityID},
			Operation:   session.OpModified,
		},
	}
}

// TestHappyPathAutoCheckpoint covers spec §8 S1 at the facade level.
func TestHappyPathAutoCheckpoint(t *testing.T) {
	ctx := context.Background()
	var enqueued []CheckpointPayload
	enqueue := func(ctx context.Context, p CheckpointPayload) (string, error) {
		enqueued = append(enqueued, p)
		return "job-1", nil
	}
	m, _ := newTestManager(t, enqueue)
	m.cfg.CheckpointInterval = 2

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f1"), "agent-A")
	require.NoError(t, err)
	assert.Len(t, enqueued, 0)

	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f1"), "agent-A")
	require.NoError(t, err)
	require.Len(t, enqueued, 1)
	assert.Equal(t, []string{"f1"}, enqueued[0].SeedEntityIDs)
	assert.Equal(t, "auto", enqueued[0].Reason)

	stats, err := m.GetStats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Events)
	assert.Equal(t, 0, stats.EventsSinceCheckpoint)
}

// TestEmitEventRejectsUnjoinedActor covers spec §8 S2.
func TestEmitEventRejectsUnjoinedActor(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f1"), "agent-A")
	require.NoError(t, err)

	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f2"), "agent-B")
	require.Error(t, err)
	code, ok := saccerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, saccerr.CodeActorNotJoined, code)

	stats, err := m.GetStats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Events)
}

func TestBrokeEventTriggersImmediateCheckpoint(t *testing.T) {
	ctx := context.Background()
	var enqueued []CheckpointPayload
	enqueue := func(ctx context.Context, p CheckpointPayload) (string, error) {
		enqueued = append(enqueued, p)
		return "job-1", nil
	}
	m, _ := newTestManager(t, enqueue)
	m.cfg.CheckpointInterval = 100

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	evt := modifiedEvent("f1")
	evt.Type = session.EventBroke
	_, err = m.EmitEvent(ctx, sessionID, evt, "agent-A")
	require.NoError(t, err)
	require.Len(t, enqueued, 1)
}

func TestCheckpointSkippedOnEmptySeedSet(t *testing.T) {
	ctx := context.Background()
	called := false
	enqueue := func(ctx context.Context, p CheckpointPayload) (string, error) {
		called = true
		return "job-1", nil
	}
	m, _ := newTestManager(t, enqueue)

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	_, err = m.Checkpoint(ctx, sessionID, CheckpointOptions{})
	require.Error(t, err)
	assert.False(t, called)
}

func TestExplicitCheckpointUnionsEntityIDsAcrossWindow(t *testing.T) {
	ctx := context.Background()
	var enqueued []CheckpointPayload
	enqueue := func(ctx context.Context, p CheckpointPayload) (string, error) {
		enqueued = append(enqueued, p)
		return "job-1", nil
	}
	m, _ := newTestManager(t, enqueue)
	m.cfg.CheckpointInterval = 100

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f1"), "agent-A")
	require.NoError(t, err)
	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f2"), "agent-A")
	require.NoError(t, err)

	_, err = m.Checkpoint(ctx, sessionID, CheckpointOptions{})
	require.NoError(t, err)
	require.Len(t, enqueued, 1)
	assert.ElementsMatch(t, []string{"f1", "f2"}, enqueued[0].SeedEntityIDs)
}

func TestDrainingRejectsNewWrites(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	m.SetDraining(true)
	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f1"), "agent-A")
	require.Error(t, err)
	code, ok := saccerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, saccerr.CodeShuttingDown, code)
}

func TestListActiveSessionsAndByAgent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	s1, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "agent-B", session.CreateOptions{})
	require.NoError(t, err)

	active, err := m.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	byAgent, err := m.GetSessionsByAgent(ctx, "agent-A")
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, s1, byAgent[0].ID)
}

func TestCloseSessionPublishesTerminalEvent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	received := make(chan []byte, 1)
	unsub := bus(m).Subscribe(m.cfg.SessionChannel(sessionID), func(channel string, payload []byte) {
		received <- payload
	})
	defer unsub()

	require.NoError(t, m.CloseSession(ctx, sessionID, "shutdown"))

	select {
	case msg := <-received:
		decoded, err := pubsub.UnmarshalEventMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, pubsub.EventTypeCheckpoint, decoded.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}

// TestCloseSessionTriggersAutoCheckpoint covers spec §4.4's fourth
// auto-checkpoint trigger: "on session close".
func TestCloseSessionTriggersAutoCheckpoint(t *testing.T) {
	ctx := context.Background()
	var enqueued []CheckpointPayload
	enqueue := func(ctx context.Context, p CheckpointPayload) (string, error) {
		enqueued = append(enqueued, p)
		return "job-close", nil
	}
	m, _ := newTestManager(t, enqueue)

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	_, err = m.EmitEvent(ctx, sessionID, modifiedEvent("f1"), "agent-A")
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(ctx, sessionID, "shutdown"))

	require.Len(t, enqueued, 1)
	assert.Equal(t, sessionID, enqueued[0].SessionID)
	assert.Equal(t, []string{"f1"}, enqueued[0].SeedEntityIDs)
	assert.Equal(t, "close", enqueued[0].Reason)
	assert.Equal(t, "sessionClose", enqueued[0].TriggeredBy)
}

// TestCloseSessionSkipsCheckpointOnEmptySeedSet covers the empty-seed-set
// skip path of the close-checkpoint trigger: closing never fails because a
// checkpoint was not warranted.
func TestCloseSessionSkipsCheckpointOnEmptySeedSet(t *testing.T) {
	ctx := context.Background()
	var enqueued []CheckpointPayload
	enqueue := func(ctx context.Context, p CheckpointPayload) (string, error) {
		enqueued = append(enqueued, p)
		return "job-close", nil
	}
	m, _ := newTestManager(t, enqueue)

	sessionID, err := m.CreateSession(ctx, "agent-A", session.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(ctx, sessionID, "shutdown"))
	assert.Len(t, enqueued, 0)
}

// bus exposes the private bus field for the one test that needs to
// subscribe directly rather than through the facade.
func bus(m *Manager) pubsub.Bus { return m.bus }
