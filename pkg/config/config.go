// Package config holds the closed configuration surface for the Session &
// Agent Coordination Core, enumerated in SPEC_FULL.md §6.
package config

import "time"

// PubSubChannels names the fixed channel set SACC publishes/subscribes to
// (spec §4.3). Overridable so a host can namespace channels per deployment.
type PubSubChannels struct {
	GlobalSessions     string
	SessionPrefix      string // channel is SessionPrefix + sessionID
	AgentEvents        string
	AgentCoordination  string
	AgentHeartbeat     string
}

// Config is the umbrella configuration object for SACC, mirroring every
// option named in spec §6.
type Config struct {
	// Backend connection strings.
	RedisURL string
	PgURL    string

	// Session lifecycle.
	DefaultTTLSeconds int
	GraceTTLSeconds   int
	MaxEventsPerSession int

	// Auto-checkpoint policy.
	CheckpointInterval int

	// Checkpoint job queue.
	Concurrency   int
	MaxAttempts   uint32
	RetryDelayMs  int64

	// Agent liveness.
	HeartbeatTimeoutMs   int64
	StaleScanIntervalMs  int64

	// Diagnostics.
	EnableFailureSnapshots bool

	PubSub PubSubChannels

	// Shutdown.
	GracePeriod time.Duration
}

// Default returns the built-in SACC defaults from spec §6.
func Default() *Config {
	return &Config{
		DefaultTTLSeconds:      3600,
		GraceTTLSeconds:        300,
		MaxEventsPerSession:    1000,
		CheckpointInterval:     10,
		Concurrency:            1,
		MaxAttempts:            3,
		RetryDelayMs:           5000,
		HeartbeatTimeoutMs:     120000,
		StaleScanIntervalMs:    60000,
		EnableFailureSnapshots: false,
		PubSub: PubSubChannels{
			GlobalSessions:    "global:sessions",
			SessionPrefix:     "session:",
			AgentEvents:       "agent:events",
			AgentCoordination: "agent:coordination",
			AgentHeartbeat:    "agent:heartbeat",
		},
		GracePeriod: 30 * time.Second,
	}
}

// SessionChannel returns the per-session channel name for sessionID.
func (c *Config) SessionChannel(sessionID string) string {
	return c.PubSub.SessionPrefix + sessionID
}
