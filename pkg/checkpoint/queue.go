package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
)

// ErrNoJobsAvailable is returned by ClaimNext when nothing is ready to run,
// mirroring the teacher's queue.ErrNoSessionsAvailable sentinel.
var ErrNoJobsAvailable = errors.New("checkpoint: no jobs available")

// Queue is the CheckpointJobQueue component (C5, spec §4.5): durable FIFO
// of checkpoint requests with retry, dead-letter, and hydration. The
// persistent record is always written first; an in-memory ready-set
// mirrors it so that Drain/Idle can observe queue depth without a round
// trip, per spec §4.5's "record is written first, then appended to the
// in-memory queue".
type Queue struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	inMemory map[string]struct{} // jobIds known to be non-terminal
	running  map[string]struct{} // per-jobId lock on transition to running (invariant: no job runs twice concurrently)
}

// NewQueue constructs a Queue over an already-migrated pool (see OpenPool).
func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{
		pool:     pool,
		inMemory: make(map[string]struct{}),
		running:  make(map[string]struct{}),
	}
}

// Enqueue persists a queued record and tracks it in-memory (spec §4.5).
// Persistence errors here are fatal to the call, per §4.5's "enqueue MUST
// throw".
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal payload: %w", err)
	}

	now := time.Now().UTC()
	_, err = q.pool.Exec(ctx,
		`INSERT INTO checkpoint_jobs (id, payload, attempts, status, queued_at, updated_at)
		 VALUES ($1, $2, 0, $3, $4, $4)`,
		id, data, string(StatusQueued), now,
	)
	if err != nil {
		return "", saccerr.New(saccerr.CodeBackendUnavailable, "", "enqueue failed", err)
	}

	q.mu.Lock()
	q.inMemory[id] = struct{}{}
	q.mu.Unlock()
	return id, nil
}

// ClaimNext atomically claims the oldest queued job using
// SELECT ... FOR UPDATE SKIP LOCKED, transitioning it to running. This
// mirrors the teacher's Worker.claimNextSession (pkg/queue/worker.go),
// adapted from ent to raw pgx since SACC's checkpoint schema needs no code
// generation.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT id, payload, attempts, status, last_error, queued_at, updated_at
		 FROM checkpoint_jobs
		 WHERE status = $1
		 ORDER BY queued_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		string(StatusQueued),
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("checkpoint: query claim candidate: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE checkpoint_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(StatusRunning), now, job.ID,
	); err != nil {
		return nil, fmt.Errorf("checkpoint: claim update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint: commit claim: %w", err)
	}

	job.Status = StatusRunning
	job.UpdatedAt = now

	q.mu.Lock()
	q.running[job.ID] = struct{}{}
	q.mu.Unlock()

	return job, nil
}

// Release clears the per-jobId running lock once a worker finishes
// processing (terminal or retry), regardless of outcome.
func (q *Queue) Release(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, jobID)
}

// MarkCompleted deletes the persisted record on success (spec §4.6 step 6:
// "mark completed ... delete persisted record").
func (q *Queue) MarkCompleted(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM checkpoint_jobs WHERE id = $1`, jobID)
	if err != nil {
		slog.Error("checkpoint: failed to delete completed job record", "job_id", jobID, "error", err)
	}
	q.mu.Lock()
	delete(q.inMemory, jobID)
	q.mu.Unlock()
	return nil
}

// MarkRetry increments attempts and transitions to pending-retry, then
// back to queued after retryDelay (spec §4.5). If attempts has reached
// maxAttempts, the job is dead-lettered instead and this returns
// (true, nil) to tell the caller no retry was scheduled.
func (q *Queue) MarkRetry(ctx context.Context, job *Job, execErr error, maxAttempts uint32, retryDelay time.Duration) (deadLettered bool, err error) {
	attempts := job.Attempts + 1
	lastErr := execErr.Error()

	if attempts >= maxAttempts {
		if err := q.deadLetter(ctx, job, attempts, lastErr); err != nil {
			return false, err
		}
		return true, nil
	}

	now := time.Now().UTC()
	if _, err := q.pool.Exec(ctx,
		`UPDATE checkpoint_jobs SET status = $1, attempts = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		string(StatusPendingRetry), attempts, lastErr, now, job.ID,
	); err != nil {
		slog.Error("checkpoint: failed to persist retry transition", "job_id", job.ID, "error", err)
	}
	q.Release(job.ID)

	time.AfterFunc(retryDelay, func() {
		requeueCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := q.pool.Exec(requeueCtx,
			`UPDATE checkpoint_jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(StatusQueued), time.Now().UTC(), job.ID, string(StatusPendingRetry),
		); err != nil {
			slog.Error("checkpoint: failed to requeue after retry delay", "job_id", job.ID, "error", err)
		}
	})
	return false, nil
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, attempts uint32, lastErr string) error {
	data, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE checkpoint_jobs SET status = $1, attempts = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		string(StatusManualIntervention), attempts, lastErr, now, job.ID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoint_job_dead_letters (id, job_id, payload, attempts, last_error, queued_at, dead_lettered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), job.ID, data, attempts, lastErr, job.QueuedAt, now,
	); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.inMemory, job.ID)
	q.mu.Unlock()
	q.Release(job.ID)
	return nil
}

// GetDeadLetters lists all dead-lettered jobs.
func (q *Queue) GetDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT id, job_id, payload, attempts, last_error, queued_at, dead_lettered_at
		 FROM checkpoint_job_dead_letters ORDER BY dead_lettered_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payloadRaw []byte
		var lastError *string
		if err := rows.Scan(&dl.ID, &dl.JobID, &payloadRaw, &dl.Attempts, &lastError, &dl.QueuedAt, &dl.DeadLetteredAt); err != nil {
			return nil, err
		}
		if lastError != nil {
			dl.LastError = *lastError
		}
		if err := json.Unmarshal(payloadRaw, &dl.Payload); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ReplayDeadLetter resets a manual-intervention job back to queued with
// attempts reset to 0 (spec §9 open question: "dead-lettered jobs may be
// re-enqueued... spec leaves this as an explicit operator command").
func (q *Queue) ReplayDeadLetter(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	tag, err := q.pool.Exec(ctx,
		`UPDATE checkpoint_jobs SET status = $1, attempts = 0, last_error = NULL, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(StatusQueued), now, jobID, string(StatusManualIntervention),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return saccerr.New(saccerr.CodeValidation, "", fmt.Sprintf("job %s is not in manual-intervention state", jobID), nil)
	}
	q.mu.Lock()
	q.inMemory[jobID] = struct{}{}
	q.mu.Unlock()
	return nil
}

// UnfinishedJobIDs lists non-terminal job ids without mutating their
// status, for recovery-data snapshots taken during shutdown (spec §9
// supplement, unlike HydrateFromPersistence which also re-queues on read).
func (q *Queue) UnfinishedJobIDs(ctx context.Context) ([]string, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT id FROM checkpoint_jobs WHERE status IN ($1, $2, $3) ORDER BY queued_at ASC`,
		string(StatusQueued), string(StatusRunning), string(StatusPendingRetry),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HydrateFromPersistence loads all non-terminal records ordered by
// queuedAt and re-queues them, suppressing duplicates by jobId (spec §4.5,
// invariant 6). Jobs left in "running" by a crash are reset to "queued"
// since no worker can still be holding them after a restart.
func (q *Queue) HydrateFromPersistence(ctx context.Context) ([]string, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT id FROM checkpoint_jobs
		 WHERE status IN ($1, $2, $3)
		 ORDER BY queued_at ASC`,
		string(StatusQueued), string(StatusRunning), string(StatusPendingRetry),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	if _, err := q.pool.Exec(ctx,
		`UPDATE checkpoint_jobs SET status = $1, updated_at = $2 WHERE status IN ($3, $4)`,
		string(StatusQueued), now, string(StatusRunning), string(StatusPendingRetry),
	); err != nil {
		return nil, err
	}

	q.mu.Lock()
	for _, id := range ids {
		q.inMemory[id] = struct{}{}
	}
	q.mu.Unlock()

	return ids, nil
}

// Idle blocks until the in-memory ready/running set is empty or the
// timeout elapses, returning whether the queue went idle.
func (q *Queue) Idle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if q.depth() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
	return q.depth() == 0
}

// Drain reports the current depth. It does not stop ClaimNext callers;
// worker-pool shutdown is owned by the caller (HealthAndShutdown), matching
// spec §4.8's phase ordering.
func (q *Queue) Drain() int {
	return q.depth()
}

func (q *Queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.inMemory)
	for id := range q.running {
		if _, tracked := q.inMemory[id]; !tracked {
			n++
		}
	}
	return n
}

// Depth implements health.Queue, exposing the in-memory ready/running count
// for the readiness report (spec §4.8).
func (q *Queue) Depth() int {
	return q.depth()
}

// DeadLetterCount implements health.Queue (spec §4.8).
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	rows, err := q.GetDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payloadRaw []byte
	var lastError *string
	var statusStr string
	if err := row.Scan(&job.ID, &payloadRaw, &job.Attempts, &statusStr, &lastError, &job.QueuedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = Status(statusStr)
	if lastError != nil {
		job.LastError = *lastError
	}
	if err := json.Unmarshal(payloadRaw, &job.Payload); err != nil {
		return nil, err
	}
	return &job, nil
}
