// saccd runs the Session & Agent Coordination Core: the session/event
// facade, the checkpoint job queue and workers, the agent registry, and
// the HTTP/WebSocket API that fronts them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Amicidal/sigmachad-sacc/pkg/agentregistry"
	"github.com/Amicidal/sigmachad-sacc/pkg/api"
	"github.com/Amicidal/sigmachad-sacc/pkg/checkpoint"
	"github.com/Amicidal/sigmachad-sacc/pkg/config"
	"github.com/Amicidal/sigmachad-sacc/pkg/eventlog"
	"github.com/Amicidal/sigmachad-sacc/pkg/eventstream"
	"github.com/Amicidal/sigmachad-sacc/pkg/graph"
	"github.com/Amicidal/sigmachad-sacc/pkg/health"
	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
	"github.com/Amicidal/sigmachad-sacc/pkg/pubsub"
	"github.com/Amicidal/sigmachad-sacc/pkg/sacc"
	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("sacc: could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	httpAddr := ":" + getEnv("HTTP_PORT", "8090")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	cfg := config.LoadFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := kvstore.NewRedisBackend(cfg.RedisURL)
	if err != nil {
		slog.Error("sacc: failed to connect to redis", "error", err)
		os.Exit(1)
	}

	pool, err := checkpoint.OpenPool(ctx, cfg.PgURL)
	if err != nil {
		slog.Error("sacc: failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	store := session.New(backend, session.Defaults{TTLSeconds: cfg.DefaultTTLSeconds, GraceTTLSeconds: cfg.GraceTTLSeconds})
	log := eventlog.New(backend)
	bus := pubsub.NewRedisBus(backend)
	queue := checkpoint.NewQueue(pool)

	// graph.StubCollaborator stands in for the knowledge graph collaborator
	// until a real implementation is wired in; SACC's checkpoint contract is
	// defined entirely in terms of the graph.Collaborator interface, so
	// swapping it for a production client is a one-line change here.
	collaborator := graph.NewStubCollaborator()

	manager := sacc.New(cfg, backend, store, log, bus, func(ctx context.Context, p sacc.CheckpointPayload) (string, error) {
		return queue.Enqueue(ctx, checkpoint.Payload{
			SessionID:     p.SessionID,
			SeedEntityIDs: p.SeedEntityIDs,
			Reason:        p.Reason,
			HopCount:      p.HopCount,
			Actor:         p.Actor,
			TriggeredBy:   p.TriggeredBy,
		})
	})

	registry := agentregistry.New(0, bus, cfg.PubSub.AgentEvents, cfg.PubSub.AgentHeartbeat)

	workerSink := func(evt checkpoint.JobEvent) {
		msg := pubsub.CoordinationMessage{
			Type:      evt.Type,
			SessionID: evt.SessionID,
			Reason:    errString(evt.Err),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		data, err := msg.Marshal()
		if err != nil {
			return
		}
		if err := bus.Publish(context.Background(), cfg.PubSub.AgentCoordination, data); err != nil {
			slog.Warn("sacc: failed to publish checkpoint job event", "jobId", evt.JobID, "error", err)
		}
	}
	workerPool := checkpoint.NewPool(queue, collaborator, cfg.Concurrency, cfg.MaxAttempts,
		time.Duration(cfg.RetryDelayMs)*time.Millisecond, workerSink, time.Second)
	if cfg.EnableFailureSnapshots {
		workerPool.SetFailureSnapshots(checkpoint.NewFailureSnapshotStore(backend))
	}

	if ids, err := queue.HydrateFromPersistence(ctx); err != nil {
		slog.Error("sacc: failed to hydrate checkpoint queue from persistence", "error", err)
	} else if len(ids) > 0 {
		slog.Info("sacc: requeued non-terminal checkpoint jobs after restart", "count", len(ids))
	}

	if recovery, err := health.NewKVRecoveryStore(backend).LoadRecoveryData(ctx); err != nil {
		slog.Warn("sacc: failed to load recovery data from previous run", "error", err)
	} else if len(recovery.ActiveSessionIDs) > 0 || len(recovery.UnfinishedJobIDs) > 0 {
		slog.Info("sacc: previous run's in-flight state", "activeSessions", len(recovery.ActiveSessionIDs), "unfinishedJobs", len(recovery.UnfinishedJobIDs), "savedAt", recovery.Timestamp)
	} else {
		slog.Info("sacc: no recovery data from a previous run")
	}

	workerPool.Start(ctx)
	go staleAgentSweep(ctx, registry, time.Duration(cfg.HeartbeatTimeoutMs)*time.Millisecond, time.Duration(cfg.StaleScanIntervalMs)*time.Millisecond)
	go abandonedSessionSweep(ctx, manager, store, time.Duration(cfg.StaleScanIntervalMs)*time.Millisecond)

	connMgr := eventstream.NewConnectionManager(bus, log)

	healthMgr := health.New(health.Config{
		Backends:     []health.BackendPing{manager},
		Sessions:     manager,
		Queue:        queue,
		Drainer:      manager,
		Checkpointer: manager,
		Closers:      []health.Closer{backend, poolCloser{pool}},
		Recovery:     health.NewKVRecoveryStore(backend),
		BuildRecovery: func(ctx context.Context) (health.RecoveryData, error) {
			sessions, err := manager.ListActiveSessions(ctx)
			if err != nil {
				return health.RecoveryData{}, err
			}
			sessionIDs := make([]string, 0, len(sessions))
			for _, s := range sessions {
				sessionIDs = append(sessionIDs, s.ID)
			}
			jobIDs, err := queue.UnfinishedJobIDs(ctx)
			if err != nil {
				return health.RecoveryData{}, err
			}
			return health.RecoveryData{ActiveSessionIDs: sessionIDs, UnfinishedJobIDs: jobIDs, Timestamp: time.Now().UTC()}, nil
		},
		GracePeriod: cfg.GracePeriod,
	})

	server := api.NewServer(manager, registry, queue, healthMgr, connMgr)

	go func() {
		slog.Info("sacc: http server listening", "addr", httpAddr)
		if err := server.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("sacc: http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("sacc: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+5*time.Second)
	defer cancel()

	if err := healthMgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("sacc: graceful shutdown phases failed", "error", err)
	}
	workerPool.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("sacc: http server shutdown failed", "error", err)
	}
	slog.Info("sacc: shutdown complete")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// staleAgentSweep periodically evicts agents whose heartbeat has lapsed
// (spec §4.7, §8 S6), mirroring the teacher's periodic-sweep goroutine
// idiom used for session grace-period closes.
func staleAgentSweep(ctx context.Context, registry *agentregistry.Registry, staleTimeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dead := registry.ScanStale(time.Now(), staleTimeout)
			if len(dead) > 0 {
				slog.Info("sacc: evicted stale agents", "count", len(dead), "ids", dead)
			}
		}
	}
}

// abandonedSessionSweep periodically closes sessions whose last agent left
// more than graceTtlSeconds ago (spec §4.2 grace-period closure), mirroring
// staleAgentSweep's ticker-driven shape.
func abandonedSessionSweep(ctx context.Context, manager *sacc.Manager, store *session.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := manager.ListActiveSessions(ctx)
			if err != nil {
				slog.Warn("sacc: abandoned-session sweep failed to list active sessions", "error", err)
				continue
			}
			closed := 0
			now := time.Now()
			for _, sess := range sessions {
				did, err := store.CloseIfAbandoned(ctx, sess.ID, now)
				if err != nil {
					slog.Warn("sacc: abandoned-session sweep failed to close session", "session_id", sess.ID, "error", err)
					continue
				}
				if did {
					closed++
				}
			}
			if closed > 0 {
				slog.Info("sacc: closed abandoned sessions", "count", closed)
			}
		}
	}
}

// poolCloser adapts *pgxpool.Pool's Close() (no return value) to the
// health.Closer interface.
type poolCloser struct{ pool interface{ Close() } }

func (p poolCloser) Close() error {
	p.pool.Close()
	return nil
}
