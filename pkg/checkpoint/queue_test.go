package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(sessionID string) Payload {
	return Payload{
		SessionID:     sessionID,
		SeedEntityIDs: []string{"f1"},
		Reason:        "auto",
		HopCount:      2,
		Actor:         "agent-A",
		TriggeredBy:   "checkpointInterval",
	}
}

func TestEnqueueAndClaimNextFIFO(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)

	id1, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, testPayload("s2"))
	require.NoError(t, err)

	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, job.ID)
	assert.Equal(t, StatusRunning, job.Status)

	job2, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, job2.ID)

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestMarkCompletedDeletesRecord(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)

	id, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)
	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	require.NoError(t, q.MarkCompleted(ctx, job.ID))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM checkpoint_jobs WHERE id = $1`, job.ID).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestMarkRetryThenDeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)

	_, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)
	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	job.Attempts = 0
	deadLettered, err := q.MarkRetry(ctx, job, errors.New("boom"), 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, deadLettered)

	// Wait for the scheduled requeue.
	require.Eventually(t, func() bool {
		job2, err := q.ClaimNext(ctx)
		if err != nil {
			return false
		}
		job = job2
		return true
	}, time.Second, 5*time.Millisecond)

	job.Attempts = 1
	deadLettered, err = q.MarkRetry(ctx, job, errors.New("boom again"), 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, deadLettered)

	dls, err := q.GetDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, job.ID, dls[0].JobID)
	assert.Equal(t, uint32(2), dls[0].Attempts)
}

func TestReplayDeadLetterResetsAttempts(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)

	_, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)
	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	job.Attempts = 2
	deadLettered, err := q.MarkRetry(ctx, job, errors.New("final failure"), 3, time.Millisecond)
	require.NoError(t, err)
	require.True(t, deadLettered)

	require.NoError(t, q.ReplayDeadLetter(ctx, job.ID))

	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, uint32(0), claimed.Attempts)
}

func TestHydrateFromPersistenceRequeuesNonTerminal(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q := NewQueue(pool)

	id1, err := q.Enqueue(ctx, testPayload("s1"))
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx) // leave it "running" to simulate a crash mid-job
	require.NoError(t, err)

	id2, err := q.Enqueue(ctx, testPayload("s2"))
	require.NoError(t, err)

	// Simulate a fresh process: a new Queue with no in-memory state.
	fresh := NewQueue(pool)
	ids, err := fresh.HydrateFromPersistence(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id1, id2}, ids)

	job, err := fresh.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, job.ID)
}
