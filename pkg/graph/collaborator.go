// Package graph defines the Graph collaborator contract consumed by the
// CheckpointWorker (C6, spec §6): the knowledge-graph platform SACC
// anchors checkpoints to, but never implements itself.
package graph

import "context"

// CheckpointOutcome mirrors CheckpointAnchor.outcome (spec §3).
type CheckpointOutcome string

const (
	OutcomeCompleted          CheckpointOutcome = "completed"
	OutcomeManualIntervention CheckpointOutcome = "manual-intervention"
)

// Annotation is passed to AnnotateSessionRelationshipsWithCheckpoint (spec
// §4.6 step 3).
type Annotation struct {
	Status       CheckpointOutcome
	CheckpointID string
	JobID        string
	Attempts     uint32
}

// LinkProps is passed to CreateSessionCheckpointLink (spec §4.6 step 5).
type LinkProps struct {
	Status   CheckpointOutcome
	JobID    string
	Attempts uint32
}

// Collaborator is the Graph collaborator contract (spec §6).
// AnnotateSessionRelationshipsWithCheckpoint and CreateSessionCheckpointLink
// must be idempotent when called twice with the same jobId in their
// Annotation/LinkProps (spec §4.6: "step 3 and 5 are idempotent against the
// graph collaborator, keyed by jobId in metadata"); CreateCheckpoint and
// DeleteCheckpoint carry no jobId.
type Collaborator interface {
	CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason string, hopCount uint8, window int) (checkpointID string, err error)
	AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID string, seedEntityIDs []string, annotation Annotation) error
	CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, props LinkProps) error
	DeleteCheckpoint(ctx context.Context, checkpointID string) error
}
