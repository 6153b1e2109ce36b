package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sacc/pkg/graph"
	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
)

type eventCollector struct {
	mu     sync.Mutex
	events []JobEvent
}

func (c *eventCollector) sink(e JobEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) ofType(t string) []JobEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []JobEvent
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// TestWorkerHappyPathCheckpoint covers spec §8 S1.
func TestWorkerHappyPathCheckpoint(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)
	stub := graph.NewStubCollaborator()
	collector := &eventCollector{}
	w := NewWorker(q, stub, 3, 5*time.Millisecond, collector.sink)

	_, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)

	require.NoError(t, w.RunOnce(ctx))

	completed := collector.ofType("jobCompleted")
	require.Len(t, completed, 1)
	assert.NotEmpty(t, completed[0].CheckpointID)
	assert.True(t, stub.HasCheckpoint(completed[0].CheckpointID))

	link, ok := stub.LastLink("s1")
	require.True(t, ok)
	assert.Equal(t, graph.OutcomeCompleted, link.Status)
}

// TestWorkerRetryThenSuccess covers spec §8 S3.
func TestWorkerRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)
	stub := graph.NewStubCollaborator()
	stub.FailCreateCheckpointTimes = 1
	collector := &eventCollector{}
	w := NewWorker(q, stub, 3, 5*time.Millisecond, collector.sink)

	_, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)

	require.NoError(t, w.RunOnce(ctx))
	assert.Len(t, collector.ofType("jobAttemptFailed"), 1)
	assert.Len(t, collector.ofType("jobCompleted"), 0)

	require.Eventually(t, func() bool {
		err := w.RunOnce(ctx)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(collector.ofType("jobCompleted")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, stub.CreateCheckpointCalls)
}

// TestWorkerDeadLetterPath covers spec §8 S4.
func TestWorkerDeadLetterPath(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)
	stub := graph.NewStubCollaborator()
	stub.FailAnnotateAlways = true
	collector := &eventCollector{}
	w := NewWorker(q, stub, 3, time.Millisecond, collector.sink)

	_, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			return w.RunOnce(ctx) == nil
		}, time.Second, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(collector.ofType("jobDeadLettered")) == 1
	}, time.Second, 5*time.Millisecond)

	dls, err := q.GetDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, uint32(3), dls[0].Attempts)
	assert.Equal(t, 3, stub.DeleteCheckpointCalls, "each failed attempt creates then orphans a checkpoint")
}

// TestFailureSnapshotPersistedOnAttemptFailure covers the
// enableFailureSnapshots supplement (SPEC_FULL.md §12).
func TestFailureSnapshotPersistedOnAttemptFailure(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)
	stub := graph.NewStubCollaborator()
	stub.FailCreateCheckpointTimes = 1
	collector := &eventCollector{}
	w := NewWorker(q, stub, 3, 5*time.Millisecond, collector.sink)

	backend := kvstore.NewMemoryBackend()
	w.SetFailureSnapshots(NewFailureSnapshotStore(backend))

	id, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)

	require.NoError(t, w.RunOnce(ctx))
	require.Len(t, collector.ofType("jobAttemptFailed"), 1)

	fields, err := backend.HGetAll(ctx, "failure-snapshot:"+id)
	require.NoError(t, err)
	assert.Equal(t, "1", fields["attempts"])
	assert.Contains(t, fields["payload"], "s1")
	assert.NotEmpty(t, fields["error"])
}

// TestCrashHydrateRequeuesExactlyOnce covers spec §8 S5: five jobs queued,
// two complete before a simulated crash, the rest survive a restart and
// are re-queued exactly once.
func TestCrashHydrateRequeuesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)
	stub := graph.NewStubCollaborator()
	collector := &eventCollector{}
	w := NewWorker(q, stub, 3, 5*time.Millisecond, collector.sink)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, testPayload("s1"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Process the first two to completion, then "crash": the third job is
	// claimed (running in-memory) but the process dies before finishing it.
	require.NoError(t, w.RunOnce(ctx))
	require.NoError(t, w.RunOnce(ctx))
	require.Len(t, collector.ofType("jobCompleted"), 2)

	job3, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[2], job3.ID)
	// No MarkCompleted/MarkRetry call follows — this simulates the crash,
	// leaving job3 stuck in "running" in the database.

	// Restart: a fresh Queue/Worker pair with no in-memory state, matching
	// a new process attaching to the same database.
	freshQueue := NewQueue(pool)
	requeued, err := freshQueue.HydrateFromPersistence(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[2:], requeued, "hydration re-queues the unfinished job plus the two never claimed")

	freshWorker := NewWorker(freshQueue, stub, 3, 5*time.Millisecond, collector.sink)
	for i := 0; i < 3; i++ {
		require.NoError(t, freshWorker.RunOnce(ctx))
	}

	completed := collector.ofType("jobCompleted")
	require.Len(t, completed, 5, "every job completes exactly once across both runs")
	seen := make(map[string]int, 5)
	for _, e := range completed {
		seen[e.JobID]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "job %s must complete exactly once", id)
	}
}
