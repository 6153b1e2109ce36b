package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
)

// failureSnapshotTTLSeconds bounds how long a post-mortem record survives
// in the KV backend before it expires naturally.
const failureSnapshotTTLSeconds = 7 * 24 * 60 * 60

// FailureSnapshotStore persists the last failing payload and error for a
// job under `failure-snapshot:{jobId}`, gated by Config.EnableFailureSnapshots
// (spec §6, supplemented per SPEC_FULL.md §12). It exists purely for
// post-mortem inspection; no SACC behavior reads it back.
type FailureSnapshotStore struct {
	backend kvstore.Backend
}

// NewFailureSnapshotStore constructs a FailureSnapshotStore over backend.
func NewFailureSnapshotStore(backend kvstore.Backend) *FailureSnapshotStore {
	return &FailureSnapshotStore{backend: backend}
}

// Save writes a snapshot for job's most recent failed attempt. Failures to
// persist the snapshot are logged, never surfaced to the caller — this is
// diagnostics, not part of the job's correctness contract.
func (s *FailureSnapshotStore) Save(ctx context.Context, job *Job, execErr error) {
	if s == nil || s.backend == nil {
		return
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		slog.Warn("checkpoint: failed to marshal failure snapshot payload", "job_id", job.ID, "error", err)
		return
	}

	key := "failure-snapshot:" + job.ID
	fields := map[string]string{
		"payload":   string(payload),
		"error":     execErr.Error(),
		"attempts":  strconv.FormatUint(uint64(job.Attempts+1), 10),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}

	if err := s.backend.HSet(ctx, key, fields); err != nil {
		slog.Warn("checkpoint: failed to write failure snapshot", "job_id", job.ID, "error", err)
		return
	}
	if err := s.backend.Expire(ctx, key, failureSnapshotTTLSeconds); err != nil {
		slog.Warn("checkpoint: failed to set failure snapshot TTL", "job_id", job.ID, "error", err)
	}
}
