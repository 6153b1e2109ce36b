// Package agentregistry implements the AgentRegistry component (C7, spec
// §4.7): a heartbeat-tracked set of live agents with load-balanced task
// dispatch, modeled on the teacher's in-memory session.Manager
// (mutex-guarded map, uuid-free here since callers supply agent ids).
package agentregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Amicidal/sigmachad-sacc/pkg/pubsub"
	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
)

// Kind is Agent.kind (spec §3).
type Kind string

const (
	KindParse         Kind = "parse"
	KindTest          Kind = "test"
	KindSCM           Kind = "scm"
	KindVerification  Kind = "verification"
	KindAnalysis      Kind = "analysis"
	KindOrchestrator  Kind = "orchestrator"
	KindCustom        Kind = "custom"
)

// Status is Agent.status (spec §3).
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusDead    Status = "dead"
)

// Agent is the Agent entity (spec §3).
type Agent struct {
	ID               string
	Name             string
	Kind             Kind
	Capabilities     map[string]struct{}
	Status           Status
	LastHeartbeatAt  time.Time
	Load             uint32
}

func (a Agent) clone() Agent {
	caps := make(map[string]struct{}, len(a.Capabilities))
	for c := range a.Capabilities {
		caps[c] = struct{}{}
	}
	a.Capabilities = caps
	return a
}

// Task is the unit passed to SelectForTask (spec §4.7).
type Task struct {
	Kind            Kind
	Capabilities    []string // capabilities the task prefers
	Priority        int      // > 0 makes the priority-based strategy pick the least-loaded agent
}

// Strategy is a load-balancing algorithm over a candidate slice (spec
// §4.7): round-robin, least-loaded, priority-based, capability-weighted,
// dynamic.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round-robin"
	StrategyLeastLoaded        Strategy = "least-loaded"
	StrategyPriorityBased      Strategy = "priority-based"
	StrategyCapabilityWeighted Strategy = "capability-weighted"
	StrategyDynamic            Strategy = "dynamic"
)

// DynamicWeights tunes the dynamic strategy's blend of load and capability
// overlap (spec §9 supplement: default weights 0.5/0.5).
type DynamicWeights struct {
	Load       float64
	Capability float64
}

var DefaultDynamicWeights = DynamicWeights{Load: 0.5, Capability: 0.5}

// DefaultMaxAgents is the capacity New uses when maxAgents <= 0; Register
// rejects new agents once size >= maxAgents (spec §4.7).
const DefaultMaxAgents = 10000

// Registry is the AgentRegistry component.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]*Agent
	maxAgents int
	rrCursor  map[Kind]int // round-robin cursor per kind
	bus       pubsub.Bus
	channel   string // agent:events
	heartbeat string // agent:heartbeat
}

// New constructs a Registry. bus/channels may be zero-valued if the caller
// does not want AgentRegistry to publish liveness events.
func New(maxAgents int, bus pubsub.Bus, eventsChannel, heartbeatChannel string) *Registry {
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}
	return &Registry{
		agents:    make(map[string]*Agent),
		maxAgents: maxAgents,
		rrCursor:  make(map[Kind]int),
		bus:       bus,
		channel:   eventsChannel,
		heartbeat: heartbeatChannel,
	}
}

// Register validates and stores a new agent (spec §4.7).
func (r *Registry) Register(agent Agent) error {
	if agent.ID == "" || agent.Kind == "" || agent.Name == "" {
		return saccerr.New(saccerr.CodeValidation, "", "agent id, kind and name are required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return saccerr.New(saccerr.CodeDuplicateAgent, "", fmt.Sprintf("agent %s already registered", agent.ID), nil)
	}
	if len(r.agents) >= r.maxAgents {
		return saccerr.New(saccerr.CodeValidation, "", "agent registry at capacity", nil)
	}

	agent = agent.clone()
	if agent.Status == "" {
		agent.Status = StatusIdle
	}
	agent.LastHeartbeatAt = time.Now()
	r.agents[agent.ID] = &agent

	r.publish(r.channel, pubsub.AgentStatusMessage{Type: "registered", AgentID: agent.ID, Status: string(agent.Status), Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	return nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return saccerr.New(saccerr.CodeUnknownAgent, "", fmt.Sprintf("agent %s not found", agentID), nil)
	}
	delete(r.agents, agentID)
	r.publish(r.channel, pubsub.AgentStatusMessage{Type: "deregistered", AgentID: agentID, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	return nil
}

// Heartbeat updates lastHeartbeatAt (spec §4.7).
func (r *Registry) Heartbeat(agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return saccerr.New(saccerr.CodeUnknownAgent, "", fmt.Sprintf("agent %s not found", agentID), nil)
	}
	a.LastHeartbeatAt = at
	if a.Status == StatusDead {
		a.Status = StatusIdle
	}
	r.publish(r.heartbeat, pubsub.AgentStatusMessage{Type: "heartbeat", AgentID: agentID, Status: string(a.Status), Timestamp: at.UTC().Format(time.RFC3339Nano)})
	return nil
}

// SetLoad records an agent's current load, normally updated by the caller
// as tasks are assigned/completed.
func (r *Registry) SetLoad(agentID string, load uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return saccerr.New(saccerr.CodeUnknownAgent, "", fmt.Sprintf("agent %s not found", agentID), nil)
	}
	a.Load = load
	return nil
}

// SetStatus transitions an agent's status (e.g. idle <-> running).
func (r *Registry) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return saccerr.New(saccerr.CodeUnknownAgent, "", fmt.Sprintf("agent %s not found", agentID), nil)
	}
	a.Status = status
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, saccerr.New(saccerr.CodeUnknownAgent, "", fmt.Sprintf("agent %s not found", agentID), nil)
	}
	return a.clone(), nil
}

// FindAvailable returns up to count idle agents of the given kind (spec
// §4.7), ordered by id for determinism.
func (r *Registry) FindAvailable(kind Kind, count int) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []Agent
	for _, a := range r.agents {
		if a.Kind == kind && a.Status == StatusIdle {
			candidates = append(candidates, a.clone())
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if count > 0 && len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// SelectForTask picks one agent for task using strategy (spec §4.7).
// Returns ("", false) if no eligible agent exists.
func (r *Registry) SelectForTask(task Task, strategy Strategy, weights DynamicWeights) (string, bool) {
	r.mu.Lock()
	var candidates []Agent
	for _, a := range r.agents {
		if a.Kind == task.Kind && (a.Status == StatusIdle || a.Status == StatusRunning) {
			candidates = append(candidates, a.clone())
		}
	}
	cursor := r.rrCursor[task.Kind]
	r.mu.Unlock()

	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	switch strategy {
	case StrategyRoundRobin:
		chosen := candidates[cursor%len(candidates)]
		r.mu.Lock()
		r.rrCursor[task.Kind] = (cursor + 1) % len(candidates)
		r.mu.Unlock()
		return chosen.ID, true

	case StrategyLeastLoaded:
		return selectLeastLoaded(candidates), true

	case StrategyPriorityBased:
		// A positive task.Priority picks the least-loaded agent; any
		// other priority takes the first candidate by id, regardless of
		// load.
		if task.Priority > 0 {
			return selectLeastLoaded(candidates), true
		}
		return candidates[0].ID, true

	case StrategyCapabilityWeighted:
		return selectByCapabilityOverlap(candidates, task.Capabilities), true

	case StrategyDynamic:
		return selectDynamic(candidates, task.Capabilities, weights), true

	default:
		return selectLeastLoaded(candidates), true
	}
}

func selectLeastLoaded(candidates []Agent) string {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.Load < best.Load {
			best = a
		}
	}
	return best.ID
}

// jaccard computes |A∩B| / |A∪B| for capability overlap scoring (spec §9
// supplement: capability-weighted strategy scores by Jaccard overlap).
func jaccard(a map[string]struct{}, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	bSet := make(map[string]struct{}, len(b))
	for _, c := range b {
		bSet[c] = struct{}{}
	}
	intersection := 0
	union := make(map[string]struct{})
	for c := range a {
		union[c] = struct{}{}
		if _, ok := bSet[c]; ok {
			intersection++
		}
	}
	for c := range bSet {
		union[c] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func selectByCapabilityOverlap(candidates []Agent, wanted []string) string {
	best := candidates[0]
	bestScore := jaccard(best.Capabilities, wanted)
	for _, a := range candidates[1:] {
		score := jaccard(a.Capabilities, wanted)
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best.ID
}

func selectDynamic(candidates []Agent, wanted []string, weights DynamicWeights) string {
	maxLoad := uint32(0)
	for _, a := range candidates {
		if a.Load > maxLoad {
			maxLoad = a.Load
		}
	}

	best := candidates[0]
	bestScore := dynamicScore(best, wanted, maxLoad, weights)
	for _, a := range candidates[1:] {
		score := dynamicScore(a, wanted, maxLoad, weights)
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best.ID
}

func dynamicScore(a Agent, wanted []string, maxLoad uint32, weights DynamicWeights) float64 {
	loadScore := 1.0
	if maxLoad > 0 {
		loadScore = 1.0 - float64(a.Load)/float64(maxLoad)
	}
	capScore := jaccard(a.Capabilities, wanted)
	return weights.Load*loadScore + weights.Capability*capScore
}

// ScanStale marks agents whose heartbeat is older than staleTimeout as dead
// (spec §4.7); returns the ids that were just marked dead.
func (r *Registry) ScanStale(now time.Time, staleTimeout time.Duration) []string {
	r.mu.Lock()
	var dead []string
	for _, a := range r.agents {
		if a.Status == StatusDead {
			continue
		}
		if now.Sub(a.LastHeartbeatAt) > staleTimeout {
			a.Status = StatusDead
			dead = append(dead, a.ID)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.publish(r.channel, pubsub.AgentStatusMessage{Type: "agent:dead", AgentID: id, Status: string(StatusDead), Timestamp: now.UTC().Format(time.RFC3339Nano)})
	}
	return dead
}

func (r *Registry) publish(channel string, msg pubsub.AgentStatusMessage) {
	if r.bus == nil || channel == "" {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	_ = r.bus.Publish(context.Background(), channel, data)
}
