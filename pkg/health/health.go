// Package health implements HealthAndShutdown (C8, spec §4.8): readiness
// aggregation and the graceful shutdown state machine.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Phase is a shutdown state (spec §4.8).
type Phase string

const (
	PhaseNone          Phase = ""
	PhaseInitiated     Phase = "initiated"
	PhaseDraining      Phase = "draining"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCleanup       Phase = "cleanup"
	PhaseComplete      Phase = "complete"
	PhaseForced        Phase = "forced"
)

// ComponentStatus is one entry in a Report (spec §4.8: "aggregate
// component status + latency").
type ComponentStatus struct {
	Name    string
	Healthy bool
	Latency time.Duration
	Error   string
}

// Report is the result of Manager.Check (spec §4.8).
type Report struct {
	Healthy           bool
	Components        []ComponentStatus
	ActiveSessions    int
	QueueDepth        int
	DeadLetterCount   int
}

// BackendPing is implemented by anything whose reachability contributes to
// the health report (e.g. sacc.Manager.HealthCheck, a raw kvstore.Backend,
// or a *pgxpool.Pool wrapped to satisfy this interface).
type BackendPing interface {
	HealthCheck(ctx context.Context) error
}

// Sessions supplies the active-session count (spec §4.8).
type Sessions interface {
	ActiveSessionCount(ctx context.Context) (int, error)
}

// Queue supplies queue depth and dead-letter count (spec §4.8).
type Queue interface {
	Depth() int
	DeadLetterCount(ctx context.Context) (int, error)
}

// RecoveryData is persisted at shutdown and read back at the next startup
// (spec §4.8, §9 supplement: "recovery-data emission on shutdown").
type RecoveryData struct {
	ActiveSessionIDs []string  `json:"activeSessionIds"`
	UnfinishedJobIDs []string  `json:"unfinishedJobIds"`
	Timestamp        time.Time `json:"timestamp"`
}

// Drainer is implemented by the SessionManager façade to flip it into
// reject-new-writes mode during the draining phase.
type Drainer interface {
	SetDraining(bool)
}

// Checkpointer issues a final checkpoint for every active session during
// the checkpointing phase (spec §4.8: "reason 'shutdown'").
type Checkpointer interface {
	CheckpointAllActive(ctx context.Context, reason string) error
}

// Closer releases persistence handles during the cleanup phase.
type Closer interface {
	Close() error
}

// RecoveryStore persists/reads RecoveryData (spec §9 supplement): backed
// by the KeyValue+Streams collaborator under the "sacc:recovery" key.
type RecoveryStore interface {
	SaveRecoveryData(ctx context.Context, data RecoveryData) error
	LoadRecoveryData(ctx context.Context) (RecoveryData, error)
}

// BuildRecoveryData snapshots the current active-session and
// unfinished-job ids for persistence during the cleanup phase. Owned by
// the host process since only it knows both the session and job stores.
type BuildRecoveryData func(ctx context.Context) (RecoveryData, error)

// Manager is the HealthAndShutdown component.
type Manager struct {
	mu    sync.Mutex
	phase Phase

	backends     []BackendPing
	sessions     Sessions
	queue        Queue
	drainer      Drainer
	checkpointer Checkpointer
	closers      []Closer
	recovery     RecoveryStore
	buildRecov   BuildRecoveryData

	gracePeriod time.Duration
}

// Config configures a Manager.
type Config struct {
	Backends     []BackendPing
	Sessions     Sessions
	Queue        Queue
	Drainer      Drainer
	Checkpointer Checkpointer
	Closers      []Closer
	Recovery     RecoveryStore
	BuildRecovery BuildRecoveryData
	GracePeriod  time.Duration // default 30s (spec §5)
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Manager{
		phase:        PhaseNone,
		backends:     cfg.Backends,
		sessions:     cfg.Sessions,
		queue:        cfg.Queue,
		drainer:      cfg.Drainer,
		checkpointer: cfg.Checkpointer,
		closers:      cfg.Closers,
		recovery:     cfg.Recovery,
		buildRecov:   cfg.BuildRecovery,
		gracePeriod:  grace,
	}
}

// Phase returns the current shutdown phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	slog.Info("sacc: shutdown phase transition", "phase", p)
}

// Check aggregates component status (spec §4.8).
func (m *Manager) Check(ctx context.Context) Report {
	report := Report{Healthy: true}

	for i, b := range m.backends {
		start := time.Now()
		err := b.HealthCheck(ctx)
		status := ComponentStatus{Name: componentName(i), Healthy: err == nil, Latency: time.Since(start)}
		if err != nil {
			status.Error = err.Error()
			report.Healthy = false
		}
		report.Components = append(report.Components, status)
	}

	if m.sessions != nil {
		if n, err := m.sessions.ActiveSessionCount(ctx); err == nil {
			report.ActiveSessions = n
		}
	}
	if m.queue != nil {
		report.QueueDepth = m.queue.Depth()
		if n, err := m.queue.DeadLetterCount(ctx); err == nil {
			report.DeadLetterCount = n
		}
	}
	return report
}

func componentName(i int) string {
	if i == 0 {
		return "primary-backend"
	}
	return "backend"
}

// Shutdown runs the graceful shutdown state machine (spec §4.8):
// initiated -> draining -> checkpointing -> cleanup -> complete, or forced
// if gracePeriod elapses first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.setPhase(PhaseInitiated)

	done := make(chan error, 1)
	go func() { done <- m.runPhases(ctx) }()

	select {
	case err := <-done:
		return err
	case <-time.After(m.gracePeriod):
		m.setPhase(PhaseForced)
		return nil
	}
}

func (m *Manager) runPhases(ctx context.Context) error {
	m.setPhase(PhaseDraining)
	if m.drainer != nil {
		m.drainer.SetDraining(true)
	}

	m.setPhase(PhaseCheckpointing)
	if m.checkpointer != nil {
		if err := m.checkpointer.CheckpointAllActive(ctx, "shutdown"); err != nil {
			slog.Warn("sacc: shutdown checkpoint pass failed", "error", err)
		}
	}

	m.setPhase(PhaseCleanup)
	if m.recovery != nil && m.buildRecov != nil {
		data, err := m.buildRecov(ctx)
		if err != nil {
			slog.Error("sacc: failed to build recovery data", "error", err)
		} else if err := m.recovery.SaveRecoveryData(ctx, data); err != nil {
			slog.Error("sacc: failed to persist recovery data", "error", err)
		}
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			slog.Error("sacc: error closing resource during shutdown cleanup", "error", err)
		}
	}

	m.setPhase(PhaseComplete)
	return nil
}
