package config

import (
	"os"
	"strconv"
	"time"
)

// getEnv returns the environment variable value or a default, mirroring the
// getEnv helper in the teacher's cmd/tarsy/main.go.
func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// LoadFromEnv builds a Config from the SESSION_* environment variables
// named in spec §6, layered on top of Default().
func LoadFromEnv() *Config {
	c := Default()

	c.RedisURL = getEnv("SESSION_REDIS_URL", c.RedisURL)
	c.PgURL = getEnv("SESSION_PG_URL", c.PgURL)
	c.DefaultTTLSeconds = getEnvInt("SESSION_TTL", c.DefaultTTLSeconds)
	c.CheckpointInterval = getEnvInt("SESSION_CHECKPOINT_INTERVAL", c.CheckpointInterval)

	c.GraceTTLSeconds = getEnvInt("SESSION_GRACE_TTL", c.GraceTTLSeconds)
	c.MaxEventsPerSession = getEnvInt("SESSION_MAX_EVENTS", c.MaxEventsPerSession)
	c.Concurrency = getEnvInt("SESSION_QUEUE_CONCURRENCY", c.Concurrency)
	c.MaxAttempts = uint32(getEnvInt("SESSION_MAX_ATTEMPTS", int(c.MaxAttempts)))
	c.RetryDelayMs = int64(getEnvInt("SESSION_RETRY_DELAY_MS", int(c.RetryDelayMs)))
	c.HeartbeatTimeoutMs = int64(getEnvInt("SESSION_HEARTBEAT_TIMEOUT_MS", int(c.HeartbeatTimeoutMs)))
	c.StaleScanIntervalMs = int64(getEnvInt("SESSION_STALE_SCAN_INTERVAL_MS", int(c.StaleScanIntervalMs)))

	if v := os.Getenv("SESSION_ENABLE_FAILURE_SNAPSHOTS"); v != "" {
		c.EnableFailureSnapshots = v == "true" || v == "1"
	}
	if v := getEnvInt("SESSION_GRACE_PERIOD_SECONDS", int(c.GracePeriod/time.Second)); v > 0 {
		c.GracePeriod = time.Duration(v) * time.Second
	}

	return c
}
