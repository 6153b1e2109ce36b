package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Amicidal/sigmachad-sacc/pkg/agentregistry"
	"github.com/Amicidal/sigmachad-sacc/pkg/checkpoint"
	"github.com/Amicidal/sigmachad-sacc/pkg/config"
	"github.com/Amicidal/sigmachad-sacc/pkg/eventlog"
	"github.com/Amicidal/sigmachad-sacc/pkg/health"
	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
	"github.com/Amicidal/sigmachad-sacc/pkg/pubsub"
	"github.com/Amicidal/sigmachad-sacc/pkg/sacc"
	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

// newTestPool spins up (or reuses, via CI_DATABASE_URL) a migrated
// PostgreSQL instance, mirroring pkg/checkpoint's own test helper.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("CI_DATABASE_URL")
	if dsn == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("api_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(container); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := checkpoint.OpenPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	backend := kvstore.NewMemoryBackend()
	store := session.New(backend, session.Defaults{TTLSeconds: cfg.DefaultTTLSeconds, GraceTTLSeconds: cfg.GraceTTLSeconds})
	log := eventlog.New(backend)
	bus := pubsub.NewRedisBus(backend)
	t.Cleanup(func() { _ = bus.Close() })

	pool := newTestPool(t)
	queue := checkpoint.NewQueue(pool)

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

	healthMgr := health.New(health.Config{
		Backends: []health.BackendPing{manager},
		Sessions: manager,
		Queue:    queue,
	})

	return NewServer(manager, registry, queue, healthMgr, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsHealthy(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsHealthyBeforeShutdown(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Healthy)
}

func TestCreateJoinEmitAndStats(t *testing.T) {
	s := newTestServer(t)

	createRec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", createSessionRequest{AgentID: "agent-A"})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	emitRec := doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/events", emitEventRequest{
		Actor: "agent-A",
		Type:  session.EventModified,
		ChangeInfo: session.ChangeInfo{
			ElementType: "function",
			EntityIDs:   []string{"f1"},
			Operation:   session.OpModified,
		},
	})
	assert.Equal(t, http.StatusAccepted, emitRec.Code)

	statsRec := doJSON(t, s, http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/stats", nil)
	require.Equal(t, http.StatusOK, statsRec.Code)
	var stats sacc.Stats
	require.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Events)
}

func TestEmitEventByUnjoinedActorReturnsConflict(t *testing.T) {
	s := newTestServer(t)

	createRec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", createSessionRequest{AgentID: "agent-A"})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/events", emitEventRequest{
		Actor: "agent-B",
		Type:  session.EventModified,
		ChangeInfo: session.ChangeInfo{
			ElementType: "function",
			EntityIDs:   []string{"f1"},
			Operation:   session.OpModified,
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterAgentThenSelectForTask(t *testing.T) {
	s := newTestServer(t)

	registerRec := doJSON(t, s, http.MethodPost, "/api/v1/agents", registerAgentRequest{
		ID:           "agent-A",
		Name:         "parser",
		Kind:         agentregistry.KindParse,
		Capabilities: []string{"parse"},
	})
	require.Equal(t, http.StatusCreated, registerRec.Code)

	selectRec := doJSON(t, s, http.MethodPost, "/api/v1/tasks/select", selectAgentRequest{
		Kind:         agentregistry.KindParse,
		Capabilities: []string{"parse"},
	})
	require.Equal(t, http.StatusOK, selectRec.Code)
	var result struct {
		AgentID string `json:"agentId"`
	}
	require.NoError(t, json.Unmarshal(selectRec.Body.Bytes(), &result))
	assert.Equal(t, "agent-A", result.AgentID)
}

func TestSessionNotFoundReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/sessions/does-not-exist/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
