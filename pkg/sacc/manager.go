// Package sacc implements the SessionManager component (C4, spec §4.4):
// the public façade that coordinates EventLog, SessionStore, and
// PubSubBus, and drives the auto-checkpoint policy.
package sacc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Amicidal/sigmachad-sacc/pkg/config"
	"github.com/Amicidal/sigmachad-sacc/pkg/eventlog"
	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
	"github.com/Amicidal/sigmachad-sacc/pkg/pubsub"
	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

const allSessionsKey = "sacc:all-sessions"

// CheckpointEnqueuer abstracts CheckpointJobQueue.Enqueue so sacc need not
// import pkg/checkpoint's payload type directly; Manager builds the
// payload and hands it to this function, keeping the facade decoupled
// from C5's persistence concerns per spec §4.4's "coordinates C1-C3".
type CheckpointEnqueuer func(ctx context.Context, payload CheckpointPayload) (jobID string, err error)

// CheckpointPayload mirrors checkpoint.Payload; duplicated here (rather
// than imported) so pkg/sacc does not depend on pkg/checkpoint, matching
// the teacher's layering where queue and session packages are siblings.
type CheckpointPayload struct {
	SessionID     string
	SeedEntityIDs []string
	Reason        string
	HopCount      uint8
	Actor         string
	TriggeredBy   string
}

// Stats is the result of getStats() (spec §4.4).
type Stats struct {
	SessionID             string
	Events                int64
	EventsSinceCheckpoint int
	AgentCount            int
	State                 session.State
}

// CheckpointOptions configures an explicit checkpoint() call (spec §4.4).
type CheckpointOptions struct {
	SeedEntityIDs []string // if empty, derived from recent event window
	Reason        string
	HopCount      uint8 // default 2, range 1-5
}

// Manager is the SessionManager component.
type Manager struct {
	cfg      *config.Config
	backend  kvstore.Backend
	store    *session.Store
	log      *eventlog.Log
	bus      pubsub.Bus
	enqueue  CheckpointEnqueuer
	draining bool
}

// New constructs a Manager. enqueue may be nil until the checkpoint queue
// is wired up by the host process; auto-checkpoint triggers are then
// skipped with a logged warning (mirrors spec §4.6's "treat as failure"
// posture for a missing collaborator, applied one layer up).
func New(cfg *config.Config, backend kvstore.Backend, store *session.Store, log *eventlog.Log, bus pubsub.Bus, enqueue CheckpointEnqueuer) *Manager {
	return &Manager{cfg: cfg, backend: backend, store: store, log: log, bus: bus, enqueue: enqueue}
}

// CreateSession delegates to SessionStore and publishes on global:sessions
// (spec §4.4).
func (m *Manager) CreateSession(ctx context.Context, agentID session.AgentID, opts session.CreateOptions) (string, error) {
	sess, err := m.store.Create(ctx, agentID, opts)
	if err != nil {
		return "", err
	}
	if err := m.backend.SAdd(ctx, allSessionsKey, sess.ID); err != nil {
		slog.Warn("sacc: failed to index new session", "session_id", sess.ID, "error", err)
	}
	m.publishCoordination(ctx, "sessionCreated", sess.ID, "", agentID, "")
	return sess.ID, nil
}

// JoinSession adds agentID to the session and emits an implicit handoff
// event (spec §4.4).
func (m *Manager) JoinSession(ctx context.Context, sessionID string, agentID session.AgentID) error {
	if m.draining {
		return saccerr.New(saccerr.CodeShuttingDown, "", "manager is shutting down", nil)
	}
	if err := m.store.Join(ctx, sessionID, agentID); err != nil {
		return err
	}
	_, err := m.appendAndPublish(ctx, sessionID, agentID, session.Event{
		Actor: agentID,
		Type:  session.EventHandoff,
		ChangeInfo: session.ChangeInfo{
			ElementType: "session",
			Operation:   session.OpModified,
		},
		Payload: map[string]any{"action": "join"},
	})
	return err
}

// LeaveSession removes agentID from the session (spec §4.4).
func (m *Manager) LeaveSession(ctx context.Context, sessionID string, agentID session.AgentID) error {
	if err := m.store.Leave(ctx, sessionID, agentID); err != nil {
		return err
	}
	m.publishCoordination(ctx, "leave", sessionID, agentID, "", "")
	return nil
}

// EmitEvent validates invariants, appends, publishes, and may schedule an
// auto-checkpoint (spec §4.4, §3 invariants 2/3).
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, evt session.Event, actor session.AgentID) (uint64, error) {
	if m.draining {
		return 0, saccerr.New(saccerr.CodeShuttingDown, "", "manager is shutting down", nil)
	}

	deadline, hasDeadline := ctx.Deadline()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.State == session.StateClosed {
		return 0, saccerr.New(saccerr.CodeSessionNotFound, "", "session is closed", nil)
	}
	now := time.Now()
	if sess.IsExpired(now) {
		return 0, saccerr.New(saccerr.CodeSessionExpired, "", "session expired", nil)
	}
	if sess.IsInGracePeriod(now) {
		return 0, saccerr.New(saccerr.CodeSessionExpired, "", "session in grace period: writes rejected", nil)
	}
	if !sess.HasAgent(actor) {
		return 0, saccerr.New(saccerr.CodeActorNotJoined, "", fmt.Sprintf("actor %s has not joined session %s", actor, sessionID), nil)
	}

	evt.Actor = actor
	appended, err := m.appendAndPublish(ctx, sessionID, actor, evt)
	if err != nil {
		return 0, err
	}

	if hasDeadline && time.Now().After(deadline) {
		return appended.Seq, saccerr.New(saccerr.CodeTimeout, "", "emitEvent exceeded caller deadline after append committed", nil)
	}

	m.maybeAutoCheckpoint(ctx, sessionID, sess, evt)
	return appended.Seq, nil
}

func (m *Manager) appendAndPublish(ctx context.Context, sessionID string, actor session.AgentID, evt session.Event) (session.Event, error) {
	appended, err := m.log.Append(ctx, sessionID,
		func(seq uint64) session.Event { evt.Timestamp = time.Now().UTC(); return evt },
		func(ctx context.Context) (uint64, error) { return m.store.LoadNextSeq(ctx, sessionID) },
		func(ctx context.Context, expect, next uint64) (bool, error) {
			return m.store.CASNextSeq(ctx, sessionID, expect, next)
		},
	)
	if err != nil {
		return session.Event{}, err
	}

	msg := pubsub.EventMessage{
		SessionID: sessionID,
		Seq:       appended.Seq,
		Actor:     actor,
		Type:      string(appended.Type),
		ChangeInfo: pubsub.ChangeInfo{
			ElementType: appended.ChangeInfo.ElementType,
			EntityIDs:   appended.ChangeInfo.EntityIDs,
			Operation:   string(appended.ChangeInfo.Operation),
		},
		Payload:   appended.Payload,
		EmittedAt: appended.Timestamp.Format(time.RFC3339Nano),
	}
	if appended.StateTransition != nil {
		msg.StateTransition = &pubsub.StateTransition{
			From:       appended.StateTransition.From,
			To:         appended.StateTransition.To,
			VerifiedBy: appended.StateTransition.VerifiedBy,
			Confidence: appended.StateTransition.Confidence,
		}
	}
	data, err := msg.Marshal()
	if err != nil {
		return appended, err
	}
	if err := m.bus.Publish(ctx, m.cfg.SessionChannel(sessionID), data); err != nil {
		slog.Warn("sacc: publish failed after durable append", "session_id", sessionID, "seq", appended.Seq, "error", err)
	}
	return appended, nil
}

// maybeAutoCheckpoint implements spec §4.4's auto-checkpoint policy:
// trigger on checkpointInterval, on broke/fixed, or let the caller trigger
// explicitly via Checkpoint.
func (m *Manager) maybeAutoCheckpoint(ctx context.Context, sessionID string, sess *session.Session, evt session.Event) {
	triggered := sess.EventsSinceCheckpoint+1 >= m.cfg.CheckpointInterval ||
		evt.Type == session.EventBroke || evt.Type == session.EventFixed

	if !triggered {
		return
	}

	seeds := evt.ChangeInfo.EntityIDs
	if len(seeds) == 0 {
		slog.Info("sacc: auto-checkpoint skipped, empty seed set", "session_id", sessionID)
		return
	}

	if m.enqueue == nil {
		slog.Warn("sacc: auto-checkpoint triggered but no checkpoint queue is wired", "session_id", sessionID)
		return
	}

	if _, err := m.enqueue(ctx, CheckpointPayload{
		SessionID:     sessionID,
		SeedEntityIDs: seeds,
		Reason:        "auto",
		HopCount:      2,
		Actor:         evt.Actor,
		TriggeredBy:   "checkpointInterval",
	}); err != nil {
		slog.Error("sacc: failed to enqueue auto-checkpoint", "session_id", sessionID, "error", err)
		return
	}
	if err := m.store.ResetCheckpointCounter(ctx, sessionID); err != nil {
		slog.Warn("sacc: failed to reset checkpoint counter", "session_id", sessionID, "error", err)
	}
}

// Checkpoint enqueues an explicit checkpoint job (spec §4.4). opts.HopCount
// defaults to 2 and is clamped to [1,5].
func (m *Manager) Checkpoint(ctx context.Context, sessionID string, opts CheckpointOptions) (string, error) {
	if m.enqueue == nil {
		return "", saccerr.New(saccerr.CodeBackendUnavailable, "", "no checkpoint queue configured", nil)
	}

	hop := opts.HopCount
	if hop == 0 {
		hop = 2
	}
	if hop < 1 {
		hop = 1
	}
	if hop > 5 {
		hop = 5
	}

	seeds := opts.SeedEntityIDs
	if len(seeds) == 0 {
		from := uint64(0)
		if sess, err := m.store.Get(ctx, sessionID); err == nil && sess.NextSeq > uint64(m.cfg.MaxEventsPerSession) {
			from = sess.NextSeq - uint64(m.cfg.MaxEventsPerSession)
		}
		window, err := m.log.Range(ctx, sessionID, from, 0, m.cfg.MaxEventsPerSession)
		if err != nil {
			return "", err
		}
		seeds = unionEntityIDs(window)
	}
	if len(seeds) == 0 {
		return "", saccerr.New(saccerr.CodeValidation, "", "checkpoint skipped: empty seed set", nil)
	}

	reason := opts.Reason
	if reason == "" {
		reason = "explicit"
	}

	jobID, err := m.enqueue(ctx, CheckpointPayload{
		SessionID:     sessionID,
		SeedEntityIDs: seeds,
		Reason:        reason,
		HopCount:      hop,
		TriggeredBy:   "explicit",
	})
	if err != nil {
		return "", err
	}
	_ = m.store.ResetCheckpointCounter(ctx, sessionID)
	return jobID, nil
}

func unionEntityIDs(events []session.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range events {
		for _, id := range e.ChangeInfo.EntityIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// GetStats returns counters for a session (spec §4.4).
func (m *Manager) GetStats(ctx context.Context, sessionID string) (Stats, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	n, err := m.log.Len(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		SessionID:             sessionID,
		Events:                n,
		EventsSinceCheckpoint: sess.EventsSinceCheckpoint,
		AgentCount:            len(sess.AgentIDs),
		State:                 sess.State,
	}, nil
}

// ListActiveSessions returns every active session (spec §4.4).
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	ids, err := m.backend.SMembers(ctx, allSessionsKey)
	if err != nil {
		return nil, err
	}
	return m.store.ListActive(ctx, ids)
}

// ActiveSessionCount implements health.Sessions (spec §4.8 readiness
// report).
func (m *Manager) ActiveSessionCount(ctx context.Context) (int, error) {
	sessions, err := m.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// GetSessionsByAgent returns every session agentID currently belongs to
// (spec §4.4).
func (m *Manager) GetSessionsByAgent(ctx context.Context, agentID session.AgentID) ([]*session.Session, error) {
	ids, err := m.backend.SMembers(ctx, allSessionsKey)
	if err != nil {
		return nil, err
	}
	return m.store.ByAgent(ctx, ids, agentID)
}

// CloseSession triggers the fourth auto-checkpoint policy ("on session
// close", spec §4.4), then marks the session closed and publishes a
// terminal checkpoint-typed event (spec §4.2 close contract).
func (m *Manager) CloseSession(ctx context.Context, sessionID, reason string) error {
	jobID := m.checkpointOnClose(ctx, sessionID)

	if err := m.store.Close(ctx, sessionID); err != nil {
		return err
	}

	payload := map[string]any{"reason": reason, "terminal": true}
	if jobID != "" {
		payload["checkpointJobId"] = jobID
	}
	_, err := m.appendAndPublish(ctx, sessionID, "system", session.Event{
		Type: session.EventCheckpoint,
		ChangeInfo: session.ChangeInfo{
			ElementType: "session",
			Operation:   session.OpModified,
		},
		Payload: payload,
	})
	return err
}

// checkpointOnClose is the fourth auto-checkpoint trigger of spec §4.4
// ("threshold, broke/fixed event, explicit request, or on session close"),
// mirroring maybeAutoCheckpoint's shape. Returns "" (and only logs) on any
// skip or failure — a checkpoint problem must never block the close itself.
func (m *Manager) checkpointOnClose(ctx context.Context, sessionID string) string {
	if m.enqueue == nil {
		slog.Warn("sacc: close-checkpoint triggered but no checkpoint queue is wired", "session_id", sessionID)
		return ""
	}

	window, err := m.log.Range(ctx, sessionID, 0, 0, m.cfg.MaxEventsPerSession)
	if err != nil {
		slog.Warn("sacc: failed to read event window for close-checkpoint", "session_id", sessionID, "error", err)
		return ""
	}
	seeds := unionEntityIDs(window)
	if len(seeds) == 0 {
		slog.Info("sacc: close-checkpoint skipped, empty seed set", "session_id", sessionID)
		return ""
	}

	jobID, err := m.enqueue(ctx, CheckpointPayload{
		SessionID:     sessionID,
		SeedEntityIDs: seeds,
		Reason:        "close",
		HopCount:      2,
		TriggeredBy:   "sessionClose",
	})
	if err != nil {
		slog.Error("sacc: failed to enqueue close-checkpoint", "session_id", sessionID, "error", err)
		return ""
	}
	if err := m.store.ResetCheckpointCounter(ctx, sessionID); err != nil {
		slog.Warn("sacc: failed to reset checkpoint counter", "session_id", sessionID, "error", err)
	}
	return jobID
}

// CheckpointAllActive implements health.Checkpointer: issues an explicit
// checkpoint for every active session during the shutdown checkpointing
// phase (spec §4.8). Sessions with an empty recent-event window are
// skipped, matching Checkpoint's own empty-seed-set behaviour.
func (m *Manager) CheckpointAllActive(ctx context.Context, reason string) error {
	sessions, err := m.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, sess := range sessions {
		if _, err := m.Checkpoint(ctx, sess.ID, CheckpointOptions{Reason: reason}); err != nil {
			if saccerr.Is(err, saccerr.CodeValidation) {
				continue // empty seed set, nothing to checkpoint
			}
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SetDraining flips the facade into reject-new-writes mode (spec §4.8
// shutdown phase "draining": "stops new emitEvent").
func (m *Manager) SetDraining(draining bool) {
	m.draining = draining
}

// HealthCheck reports whether the backend collaborator is reachable (spec
// §4.4); component-wide aggregation (queue depth, dead-letter count) lives
// in pkg/health's HealthAndShutdown, which calls this
// as one input among several.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

func (m *Manager) publishCoordination(ctx context.Context, kind, sessionID, fromAgent, toAgent, reason string) {
	msg := pubsub.CoordinationMessage{
		Type:      kind,
		SessionID: sessionID,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	channel := m.cfg.PubSub.GlobalSessions
	if err := m.bus.Publish(ctx, channel, data); err != nil {
		slog.Warn("sacc: failed to publish coordination message", "channel", channel, "error", err)
	}
}
