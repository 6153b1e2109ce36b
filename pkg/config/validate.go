package config

import "fmt"

// Validate checks the closed configuration surface for the boundary
// behaviours spec §8 requires: concurrency=0 is rejected at config
// validation; TTL=0 is permitted (it disables expiry, handled by callers);
// maxEventsPerSession must be at least 1.
func (c *Config) Validate() error {
	var errs []error

	if c.Concurrency <= 0 {
		errs = append(errs, NewValidationError("concurrency", fmt.Errorf("must be >= 1, got %d", c.Concurrency)))
	}
	if c.MaxEventsPerSession <= 0 {
		errs = append(errs, NewValidationError("max_events_per_session", fmt.Errorf("must be >= 1, got %d", c.MaxEventsPerSession)))
	}
	if c.MaxAttempts == 0 {
		errs = append(errs, NewValidationError("max_attempts", fmt.Errorf("must be >= 1, got %d", c.MaxAttempts)))
	}
	if c.DefaultTTLSeconds < 0 {
		errs = append(errs, NewValidationError("default_ttl_seconds", fmt.Errorf("must be >= 0, got %d", c.DefaultTTLSeconds)))
	}
	if c.GraceTTLSeconds < 0 {
		errs = append(errs, NewValidationError("grace_ttl_seconds", fmt.Errorf("must be >= 0, got %d", c.GraceTTLSeconds)))
	}
	if c.CheckpointInterval <= 0 {
		errs = append(errs, NewValidationError("checkpoint_interval", fmt.Errorf("must be >= 1, got %d", c.CheckpointInterval)))
	}
	if c.RedisURL == "" {
		errs = append(errs, NewValidationError("redis_url", ErrMissingBackend))
	}
	if c.PgURL == "" {
		errs = append(errs, NewValidationError("pg_url", ErrMissingBackend))
	}

	if len(errs) == 0 {
		return nil
	}
	joined := ErrValidationFailed
	for _, e := range errs {
		joined = fmt.Errorf("%w; %v", joined, e)
	}
	return joined
}
