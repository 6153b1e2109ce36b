// Package checkpoint implements CheckpointJobQueue (C5, spec §4.5) and
// CheckpointWorker (C6, spec §4.6): a durable, retrying job runner that
// materialises session checkpoints through the graph collaborator.
package checkpoint

import "time"

// Status is a CheckpointJob.status value (spec §3 invariant 4).
type Status string

const (
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusPendingRetry      Status = "pending-retry"
	StatusCompleted         Status = "completed"
	StatusManualIntervention Status = "manual-intervention"
)

// Payload is CheckpointJob.payload (spec §3).
type Payload struct {
	SessionID      string   `json:"sessionId"`
	SeedEntityIDs  []string `json:"seedEntityIds"`
	Reason         string   `json:"reason"`
	HopCount       uint8    `json:"hopCount"`
	SequenceNumber *uint64  `json:"sequenceNumber,omitempty"`
	EventID        *string  `json:"eventId,omitempty"`
	Window         *int     `json:"window,omitempty"`
	Actor          string   `json:"actor"`
	TriggeredBy    string   `json:"triggeredBy"`
	Annotations    map[string]any `json:"annotations,omitempty"`
}

// Job is the CheckpointJob entity (spec §3).
type Job struct {
	ID        string
	Payload   Payload
	Attempts  uint32
	Status    Status
	LastError string
	QueuedAt  time.Time
	UpdatedAt time.Time
}

// DeadLetter is a row in checkpoint_job_dead_letters (spec §6).
type DeadLetter struct {
	ID             string
	JobID          string
	Payload        Payload
	Attempts       uint32
	LastError      string
	QueuedAt       time.Time
	DeadLetteredAt time.Time
}
