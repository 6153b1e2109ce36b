package agentregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
	"github.com/Amicidal/sigmachad-sacc/pkg/pubsub"
	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
)

func newTestRegistry(t *testing.T) (*Registry, pubsub.Bus) {
	backend := kvstore.NewMemoryBackend()
	bus := pubsub.NewRedisBus(backend)
	t.Cleanup(func() { _ = bus.Close() })
	return New(0, bus, "agent:events", "agent:heartbeat"), bus
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(Agent{ID: "a1", Name: "parser-1", Kind: KindParse}))

	err := r.Register(Agent{ID: "a1", Name: "parser-1-dup", Kind: KindParse})
	require.Error(t, err)
	code, ok := saccerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, saccerr.CodeDuplicateAgent, code)
}

func TestHeartbeatUnknownAgentFails(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat("missing", time.Now())
	require.Error(t, err)
	code, ok := saccerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, saccerr.CodeUnknownAgent, code)
}

func TestFindAvailableFiltersByKindAndStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(Agent{ID: "a1", Name: "p1", Kind: KindParse}))
	require.NoError(t, r.Register(Agent{ID: "a2", Name: "p2", Kind: KindParse}))
	require.NoError(t, r.Register(Agent{ID: "a3", Name: "t1", Kind: KindTest}))
	require.NoError(t, r.SetStatus("a2", StatusRunning))

	found := r.FindAvailable(KindParse, 10)
	require.Len(t, found, 1)
	assert.Equal(t, "a1", found[0].ID)
}

func TestSelectForTaskRoundRobinCyclesCandidates(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(Agent{ID: "a1", Name: "p1", Kind: KindParse}))
	require.NoError(t, r.Register(Agent{ID: "a2", Name: "p2", Kind: KindParse}))

	first, ok := r.SelectForTask(Task{Kind: KindParse}, StrategyRoundRobin, DefaultDynamicWeights)
	require.True(t, ok)
	second, ok := r.SelectForTask(Task{Kind: KindParse}, StrategyRoundRobin, DefaultDynamicWeights)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestSelectForTaskLeastLoadedPicksLowestLoad(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(Agent{ID: "a1", Name: "p1", Kind: KindParse}))
	require.NoError(t, r.Register(Agent{ID: "a2", Name: "p2", Kind: KindParse}))
	require.NoError(t, r.SetLoad("a1", 5))
	require.NoError(t, r.SetLoad("a2", 1))

	chosen, ok := r.SelectForTask(Task{Kind: KindParse}, StrategyLeastLoaded, DefaultDynamicWeights)
	require.True(t, ok)
	assert.Equal(t, "a2", chosen)
}

func TestSelectForTaskCapabilityWeightedPrefersOverlap(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(Agent{ID: "a1", Name: "p1", Kind: KindParse, Capabilities: map[string]struct{}{"go": {}}}))
	require.NoError(t, r.Register(Agent{ID: "a2", Name: "p2", Kind: KindParse, Capabilities: map[string]struct{}{"go": {}, "ts": {}}}))

	chosen, ok := r.SelectForTask(Task{Kind: KindParse, Capabilities: []string{"go", "ts"}}, StrategyCapabilityWeighted, DefaultDynamicWeights)
	require.True(t, ok)
	assert.Equal(t, "a2", chosen)
}

// TestScanStaleEvictsDeadAgent covers spec §8 S6.
func TestScanStaleEvictsDeadAgent(t *testing.T) {
	r, bus := newTestRegistry(t)
	require.NoError(t, r.Register(Agent{ID: "agent-X", Name: "x", Kind: KindParse}))

	received := make(chan []byte, 1)
	unsub := bus.Subscribe("agent:events", func(channel string, payload []byte) { received <- payload })
	defer unsub()

	past := time.Now().Add(-10 * time.Minute)
	require.NoError(t, r.Heartbeat("agent-X", past))

	dead := r.ScanStale(time.Now(), 2*time.Minute)
	require.Equal(t, []string{"agent-X"}, dead)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected agent:dead event")
	}

	found := r.FindAvailable(KindParse, 10)
	assert.Len(t, found, 0)
}
