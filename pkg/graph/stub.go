package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StubCollaborator is an in-memory Collaborator double for tests, mirroring
// the teacher's stub-executor idiom (pkg/queue/executor_stub.go): a
// no-dependency stand-in that can be scripted to fail on specific calls to
// exercise CheckpointWorker's retry and dead-letter paths (spec §8
// scenarios S3/S4).
type StubCollaborator struct {
	mu sync.Mutex

	checkpoints map[string]struct{}
	links       map[string]LinkProps // sessionID -> last link
	annotations map[string]Annotation // sessionID -> last annotation

	// FailCreateCheckpointTimes, when > 0, makes the next N calls to
	// CreateCheckpoint fail before succeeding.
	FailCreateCheckpointTimes int
	// FailAnnotateAlways makes AnnotateSessionRelationshipsWithCheckpoint
	// fail on every call (used to drive S4's dead-letter scenario).
	FailAnnotateAlways bool

	CreateCheckpointCalls int
	AnnotateCalls         int
	LinkCalls             int
	DeleteCheckpointCalls int
}

// NewStubCollaborator constructs an empty StubCollaborator.
func NewStubCollaborator() *StubCollaborator {
	return &StubCollaborator{
		checkpoints: make(map[string]struct{}),
		links:       make(map[string]LinkProps),
		annotations: make(map[string]Annotation),
	}
}

func (s *StubCollaborator) CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason string, hopCount uint8, window int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateCheckpointCalls++

	if s.FailCreateCheckpointTimes > 0 {
		s.FailCreateCheckpointTimes--
		return "", fmt.Errorf("stub: simulated createCheckpoint failure")
	}
	if len(seedEntityIDs) == 0 {
		return "", fmt.Errorf("stub: empty seed set")
	}

	id := "cp-" + uuid.NewString()
	s.checkpoints[id] = struct{}{}
	return id, nil
}

func (s *StubCollaborator) AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID string, seedEntityIDs []string, annotation Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AnnotateCalls++

	if s.FailAnnotateAlways {
		return fmt.Errorf("stub: simulated annotate failure")
	}
	s.annotations[sessionID] = annotation
	return nil
}

func (s *StubCollaborator) CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, props LinkProps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LinkCalls++
	s.links[sessionID] = props
	return nil
}

func (s *StubCollaborator) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCheckpointCalls++
	delete(s.checkpoints, checkpointID)
	return nil
}

// HasCheckpoint reports whether checkpointID is still live (not deleted).
func (s *StubCollaborator) HasCheckpoint(checkpointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkpoints[checkpointID]
	return ok
}

// LastLink returns the most recent CreateSessionCheckpointLink props for a
// session, for test assertions.
func (s *StubCollaborator) LastLink(sessionID string) (LinkProps, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.links[sessionID]
	return p, ok
}

// LastAnnotation returns the most recent annotation for a session.
func (s *StubCollaborator) LastAnnotation(sessionID string) (Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.annotations[sessionID]
	return a, ok
}
