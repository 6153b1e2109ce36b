package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Amicidal/sigmachad-sacc/pkg/graph"
)

// JobEvent is emitted on the events channel the Worker is wired to, one of
// jobCompleted / jobAttemptFailed / jobFailed / jobDeadLettered (spec §4.5
// propagation policy, §8 scenarios S1/S3/S4).
type JobEvent struct {
	Type         string // "jobCompleted" | "jobAttemptFailed" | "jobFailed" | "jobDeadLettered"
	JobID        string
	SessionID    string
	CheckpointID string
	Attempt      uint32
	Err          error
}

// EventSink receives JobEvents; cmd/saccd bridges them onto the PubSubBus
// (its workerSink).
type EventSink func(JobEvent)

// Worker is the CheckpointWorker component (C6, spec §4.6). A Worker
// instance is single-threaded per job (it processes exactly one job at a
// time on whatever goroutine calls RunOnce); a pool of Workers supplies
// `concurrency` (spec §4.5).
type Worker struct {
	queue        *Queue
	collaborator graph.Collaborator
	maxAttempts  uint32
	retryDelay   time.Duration
	sink         EventSink
	snapshots    *FailureSnapshotStore
}

// SetFailureSnapshots enables failure-snapshot persistence on every failed
// attempt (spec §6 enableFailureSnapshots, supplemented per SPEC_FULL.md
// §12). A nil store (the default) disables the feature.
func (w *Worker) SetFailureSnapshots(store *FailureSnapshotStore) {
	w.snapshots = store
}

// NewWorker constructs a Worker.
func NewWorker(queue *Queue, collaborator graph.Collaborator, maxAttempts uint32, retryDelay time.Duration, sink EventSink) *Worker {
	if sink == nil {
		sink = func(JobEvent) {}
	}
	return &Worker{
		queue:        queue,
		collaborator: collaborator,
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		sink:         sink,
	}
}

// RunOnce claims and executes a single job, returning ErrNoJobsAvailable
// if none is ready. It implements spec §4.6 steps 1-7.
func (w *Worker) RunOnce(ctx context.Context) error {
	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return err
	}
	defer w.queue.Release(job.ID)

	w.execute(ctx, job)
	return nil
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	log := slog.With("job_id", job.ID, "session_id", job.Payload.SessionID)

	checkpointID, err := w.collaborator.CreateCheckpoint(ctx, job.Payload.SeedEntityIDs, job.Payload.Reason, job.Payload.HopCount, derefInt(job.Payload.Window))
	if err == nil && checkpointID == "" {
		err = errors.New("checkpoint: graph collaborator returned empty checkpointId")
	}
	if err != nil {
		w.handleFailure(ctx, job, "", err)
		return
	}

	if err := w.collaborator.AnnotateSessionRelationshipsWithCheckpoint(ctx, job.Payload.SessionID, job.Payload.SeedEntityIDs, graph.Annotation{
		Status:       graph.OutcomeCompleted,
		CheckpointID: checkpointID,
		JobID:        job.ID,
		Attempts:     job.Attempts + 1,
	}); err != nil {
		w.handleFailure(ctx, job, checkpointID, fmt.Errorf("annotate relationships: %w", err))
		return
	}

	if err := w.collaborator.CreateSessionCheckpointLink(ctx, job.Payload.SessionID, checkpointID, graph.LinkProps{
		Status:   graph.OutcomeCompleted,
		JobID:    job.ID,
		Attempts: job.Attempts + 1,
	}); err != nil {
		w.handleFailure(ctx, job, checkpointID, fmt.Errorf("link session checkpoint: %w", err))
		return
	}

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error("failed to mark job completed", "error", err)
	}
	w.sink(JobEvent{Type: "jobCompleted", JobID: job.ID, SessionID: job.Payload.SessionID, CheckpointID: checkpointID, Attempt: job.Attempts + 1})
	log.Info("checkpoint job completed", "checkpoint_id", checkpointID)
}

// handleFailure runs the step-7 cleanup described in spec §4.6: best-effort
// manual-intervention annotation, orphan-checkpoint deletion or link
// downgrade, then retry-or-dead-letter.
func (w *Worker) handleFailure(ctx context.Context, job *Job, checkpointID string, execErr error) {
	log := slog.With("job_id", job.ID, "session_id", job.Payload.SessionID)
	log.Warn("checkpoint job attempt failed", "error", execErr)
	w.snapshots.Save(ctx, job, execErr)

	if err := w.collaborator.AnnotateSessionRelationshipsWithCheckpoint(ctx, job.Payload.SessionID, job.Payload.SeedEntityIDs, graph.Annotation{
		Status:       graph.OutcomeManualIntervention,
		CheckpointID: checkpointID,
		JobID:        job.ID,
		Attempts:     job.Attempts + 1,
	}); err != nil {
		log.Error("best-effort failure annotation also failed", "error", err)
	}

	// A checkpointId only reaches handleFailure from the post-create,
	// pre-link failure paths (annotate or link itself failing), so any
	// checkpoint created this attempt is always orphaned here — it was
	// never linked to the session (spec §4.6 step 7).
	if checkpointID != "" {
		if err := w.collaborator.DeleteCheckpoint(ctx, checkpointID); err != nil {
			log.Error("failed to delete orphan checkpoint", "checkpoint_id", checkpointID, "error", err)
		}
	}

	deadLettered, err := w.queue.MarkRetry(ctx, job, execErr, w.maxAttempts, w.retryDelay)
	if err != nil {
		log.Error("failed to persist retry/dead-letter transition", "error", err)
	}

	attempt := job.Attempts + 1
	if deadLettered {
		w.sink(JobEvent{Type: "jobDeadLettered", JobID: job.ID, SessionID: job.Payload.SessionID, Attempt: attempt, Err: execErr})
		w.sink(JobEvent{Type: "jobFailed", JobID: job.ID, SessionID: job.Payload.SessionID, Attempt: attempt, Err: execErr})
		return
	}
	w.sink(JobEvent{Type: "jobAttemptFailed", JobID: job.ID, SessionID: job.Payload.SessionID, Attempt: attempt, Err: execErr})
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Pool runs `concurrency` Workers pulling from the same Queue, matching
// spec §4.5's "concurrency workers share the queue".
type Pool struct {
	workers []*Worker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	poll    time.Duration
}

// NewPool constructs a Pool of `concurrency` identical Workers.
func NewPool(queue *Queue, collaborator graph.Collaborator, concurrency int, maxAttempts uint32, retryDelay time.Duration, sink EventSink, pollInterval time.Duration) *Pool {
	workers := make([]*Worker, concurrency)
	for i := range workers {
		workers[i] = NewWorker(queue, collaborator, maxAttempts, retryDelay, sink)
	}
	return &Pool{workers: workers, stopCh: make(chan struct{}), poll: pollInterval}
}

// SetFailureSnapshots enables failure-snapshot persistence on every worker
// in the pool.
func (p *Pool) SetFailureSnapshots(store *FailureSnapshotStore) {
	for _, w := range p.workers {
		w.SetFailureSnapshots(store)
	}
}

// Start launches all workers' polling loops.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(ctx, w)
	}
}

func (p *Pool) run(ctx context.Context, w *Worker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := w.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					p.sleep(p.poll)
					continue
				}
				slog.Error("checkpoint worker error", "error", err)
				p.sleep(time.Second)
			}
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

// Stop signals all workers to stop and waits for them to finish.
func (p *Pool) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}
