package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
)

// BackoffAttempts bounds SessionStore's read-path retry loop against
// transient backend errors (spec §4.2: "all reads tolerate transient
// backend errors with exponential backoff ≤ 3 attempts").
const BackoffAttempts = 3

func sessionKey(id string) string  { return "session:" + id }
func agentsKey(id string) string   { return "session:" + id + ":agents" }

// Store is the SessionStore component (C2, spec §4.2). It keeps the
// authoritative Session record in the KeyValue+Streams collaborator and
// guards the nextSeq counter with a per-session in-process mutex: the
// Backend contract (spec §6) names hset/hgetall/expire but no
// compare-and-swap primitive, so SACC serializes counter mutation at the
// store layer rather than assuming Lua/WATCH support from the backend.
type Store struct {
	backend kvstore.Backend

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	defaults Defaults
}

// Defaults carries the config-derived fallbacks applied when CreateOptions
// leaves a field at its zero value.
type Defaults struct {
	TTLSeconds      int
	GraceTTLSeconds int
}

// New constructs a Store over the given backend.
func New(backend kvstore.Backend, defaults Defaults) *Store {
	return &Store{
		backend:  backend,
		locks:    make(map[string]*sync.Mutex),
		defaults: defaults,
	}
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Create generates an id, initialises state active, registers agentId, and
// sets TTLs (spec §4.2).
func (s *Store) Create(ctx context.Context, agentID AgentID, opts CreateOptions) (*Session, error) {
	ttl := opts.TTLSeconds
	if ttl == 0 {
		ttl = s.defaults.TTLSeconds
	}
	grace := opts.GraceTTLSeconds
	if grace == 0 {
		grace = s.defaults.GraceTTLSeconds
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		State:           StateActive,
		AgentIDs:        map[AgentID]struct{}{agentID: {}},
		CreatedAt:       now,
		LastActivityAt:  now,
		TTLSeconds:      ttl,
		GraceTTLSeconds: grace,
		Metadata:        opts.Metadata,
		NextSeq:         1,
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}

	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.backend.SAdd(ctx, agentsKey(sess.ID), agentID); err != nil {
		return nil, err
	}
	if ttl > 0 {
		_ = s.backend.Expire(ctx, sessionKey(sess.ID), ttl+grace)
		_ = s.backend.Expire(ctx, agentsKey(sess.ID), ttl+grace)
	}
	return sess.Clone(), nil
}

// Join adds agentID to the session's membership (spec §4.2).
func (s *Store) Join(ctx context.Context, sessionID string, agentID AgentID) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == StateClosed {
		return saccerr.New(saccerr.CodeSessionNotFound, "", "session is closed", nil)
	}
	sess.AgentIDs[agentID] = struct{}{}
	sess.LastActivityAt = time.Now().UTC()
	if err := s.backend.SAdd(ctx, agentsKey(sessionID), agentID); err != nil {
		return err
	}
	return s.persist(ctx, sess)
}

// Leave removes agentID from the session's membership; leaving the last
// agent transitions state to closed after graceTtlSeconds (spec §4.2). The
// actual grace-delayed close transition is driven by the caller (in
// cmd/saccd, abandonedSessionSweep) calling CloseIfAbandoned once the grace
// window has elapsed; Leave itself only records the departure.
func (s *Store) Leave(ctx context.Context, sessionID string, agentID AgentID) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	delete(sess.AgentIDs, agentID)
	sess.LastActivityAt = time.Now().UTC()
	if err := s.backend.SRem(ctx, agentsKey(sessionID), agentID); err != nil {
		return err
	}
	if len(sess.AgentIDs) == 0 {
		sess.abandonedAt = &sess.LastActivityAt
	}
	return s.persist(ctx, sess)
}

// CloseIfAbandoned closes a session whose membership has been empty for at
// least graceTtlSeconds, returning true if it closed the session.
func (s *Store) CloseIfAbandoned(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.State == StateClosed || len(sess.AgentIDs) > 0 || sess.abandonedAt == nil {
		return false, nil
	}
	if now.Sub(*sess.abandonedAt) < time.Duration(sess.GraceTTLSeconds)*time.Second {
		return false, nil
	}
	sess.State = StateClosed
	return true, s.persist(ctx, sess)
}

// Get fetches a session by id, retrying transient backend errors (spec
// §4.2 failure semantics).
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess *Session
	err := withBackoff(func() error {
		var loadErr error
		sess, loadErr = s.load(ctx, sessionID)
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// ListActive returns all sessions currently in the active state. This
// requires the caller to supply the candidate id set (e.g. the
// SessionManager maintains an index key); Store exposes it taking a
// pre-enumerated id list because the KeyValue+Streams backend contract
// (spec §6) names no "scan all keys" primitive.
func (s *Store) ListActive(ctx context.Context, candidateIDs []string) ([]*Session, error) {
	out := make([]*Session, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		sess, err := s.load(ctx, id)
		if err != nil {
			if saccerr.Is(err, saccerr.CodeSessionNotFound) {
				continue
			}
			return nil, err
		}
		if sess.State == StateActive {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// ByAgent returns sessions in candidateIDs that currently include agentID.
func (s *Store) ByAgent(ctx context.Context, candidateIDs []string, agentID AgentID) ([]*Session, error) {
	out := make([]*Session, 0)
	for _, id := range candidateIDs {
		sess, err := s.load(ctx, id)
		if err != nil {
			if saccerr.Is(err, saccerr.CodeSessionNotFound) {
				continue
			}
			return nil, err
		}
		if sess.HasAgent(agentID) {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// Touch refreshes the session's TTL without recording an event.
func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastActivityAt = at
	return s.persist(ctx, sess)
}

// Close marks the session closed (spec §4.2). The terminal checkpoint
// event publish is the caller's (SessionManager's) responsibility.
func (s *Store) Close(ctx context.Context, sessionID string) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.State = StateClosed
	return s.persist(ctx, sess)
}

// LoadNextSeq and CASNextSeq let eventlog.Log drive its optimistic
// concurrency loop while Store retains ownership of the counter.

func (s *Store) LoadNextSeq(ctx context.Context, sessionID string) (uint64, error) {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return sess.NextSeq, nil
}

func (s *Store) CASNextSeq(ctx context.Context, sessionID string, expect, next uint64) (bool, error) {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.NextSeq != expect {
		return false, nil
	}
	sess.NextSeq = next
	sess.LastActivityAt = time.Now().UTC()
	sess.EventsSinceCheckpoint++
	if err := s.persist(ctx, sess); err != nil {
		return false, err
	}
	if sess.TTLSeconds > 0 {
		_ = s.backend.Expire(ctx, sessionKey(sessionID), sess.TTLSeconds+sess.GraceTTLSeconds)
	}
	return true, nil
}

// ResetCheckpointCounter zeroes eventsSinceCheckpoint after an auto- or
// explicit checkpoint has been scheduled (spec §4.4 auto-checkpoint
// policy).
func (s *Store) ResetCheckpointCounter(ctx context.Context, sessionID string) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	sess, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.EventsSinceCheckpoint = 0
	return s.persist(ctx, sess)
}

func (s *Store) load(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.backend.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, saccerr.New(saccerr.CodeBackendUnavailable, "", "session: read failed", err)
	}
	if len(fields) == 0 {
		return nil, saccerr.New(saccerr.CodeSessionNotFound, "", fmt.Sprintf("session %s not found", sessionID), nil)
	}

	members, err := s.backend.SMembers(ctx, agentsKey(sessionID))
	if err != nil {
		return nil, saccerr.New(saccerr.CodeBackendUnavailable, "", "session: read failed", err)
	}
	agentSet := make(map[AgentID]struct{}, len(members))
	for _, m := range members {
		agentSet[m] = struct{}{}
	}

	var metadata map[string]any
	if raw, ok := fields["metadata"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("session: corrupt metadata for %s: %w", sessionID, err)
		}
	}

	sess := &Session{
		ID:       sessionID,
		State:    State(fields["state"]),
		AgentIDs: agentSet,
		Metadata: metadata,
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["createdAt"])
	sess.LastActivityAt, _ = time.Parse(time.RFC3339Nano, fields["lastActivityAt"])
	sess.TTLSeconds = atoiOr(fields["ttlSeconds"], 0)
	sess.GraceTTLSeconds = atoiOr(fields["graceTtlSeconds"], 0)
	sess.NextSeq = uint64(atoiOr(fields["nextSeq"], 1))
	sess.EventsSinceCheckpoint = atoiOr(fields["eventsSinceCheckpoint"], 0)
	if abandonedRaw, ok := fields["abandonedAt"]; ok && abandonedRaw != "" {
		t, err := time.Parse(time.RFC3339Nano, abandonedRaw)
		if err == nil {
			sess.abandonedAt = &t
		}
	}
	return sess, nil
}

// loadLocked is load called while the per-session lock is already held; it
// exists only for readability at call sites.
func (s *Store) loadLocked(ctx context.Context, sessionID string) (*Session, error) {
	return s.load(ctx, sessionID)
}

func (s *Store) persist(ctx context.Context, sess *Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"state":                 string(sess.State),
		"createdAt":             sess.CreatedAt.Format(time.RFC3339Nano),
		"lastActivityAt":        sess.LastActivityAt.Format(time.RFC3339Nano),
		"ttlSeconds":            strconv.Itoa(sess.TTLSeconds),
		"graceTtlSeconds":       strconv.Itoa(sess.GraceTTLSeconds),
		"nextSeq":               strconv.FormatUint(sess.NextSeq, 10),
		"eventsSinceCheckpoint": strconv.Itoa(sess.EventsSinceCheckpoint),
		"metadata":              string(metadata),
	}
	if sess.abandonedAt != nil {
		fields["abandonedAt"] = sess.abandonedAt.Format(time.RFC3339Nano)
	}
	return s.backend.HSet(ctx, sessionKey(sess.ID), fields)
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func withBackoff(fn func() error) error {
	var err error
	delay := 10 * time.Millisecond
	for attempt := 0; attempt < BackoffAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !saccerr.Is(err, saccerr.CodeBackendUnavailable) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
