package pubsub

import "encoding/json"

// Event type discriminators carried on EventMessage.Type (spec §6 event
// stream surface), mirroring the teacher's EventType* string constants in
// pkg/events/payloads.go.
const (
	EventTypeModified   = "modified"
	EventTypeBroke      = "broke"
	EventTypeFixed      = "fixed"
	EventTypeHandoff    = "handoff"
	EventTypeCheckpoint = "checkpoint"
	EventTypeCustom     = "custom"
)

// ChangeInfo mirrors session.ChangeInfo on the wire without importing the
// session package, keeping pubsub free of a dependency on session internals.
type ChangeInfo struct {
	ElementType string   `json:"elementType"`
	EntityIDs   []string `json:"entityIds"`
	Operation   string   `json:"operation"`
}

// StateTransition mirrors session.StateTransition on the wire.
type StateTransition struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	VerifiedBy string  `json:"verifiedBy,omitempty"`
	Confidence float64 `json:"confidence"`
}

// EventMessage is the JSON payload published to the session:<id> channel
// (spec §6): one message per appended SessionEvent.
type EventMessage struct {
	SessionID       string           `json:"sessionId"`
	Seq             uint64           `json:"seq"`
	Actor           string           `json:"actor"`
	Type            string           `json:"type"`
	ChangeInfo      ChangeInfo       `json:"changeInfo"`
	StateTransition *StateTransition `json:"stateTransition,omitempty"`
	Payload         map[string]any   `json:"payload,omitempty"`
	EmittedAt       string           `json:"emittedAt"` // RFC3339Nano
}

// Marshal encodes the message for publish on the bus.
func (m EventMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalEventMessage decodes a message received off the bus.
func UnmarshalEventMessage(data []byte) (EventMessage, error) {
	var m EventMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// AgentStatusMessage is published on agent:heartbeat / agent:events (spec
// §6) to broadcast AgentRegistry state changes to observers.
type AgentStatusMessage struct {
	Type      string `json:"type"` // "registered" | "heartbeat" | "deregistered" | "agent:dead"
	AgentID   string `json:"agentId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (m AgentStatusMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// CoordinationMessage is published on global:sessions by sacc.Manager
// (session create/leave) and on agent:coordination by cmd/saccd (checkpoint
// job events).
type CoordinationMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	FromAgent string `json:"fromAgent,omitempty"`
	ToAgent   string `json:"toAgent,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (m CoordinationMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
