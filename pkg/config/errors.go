package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration validation, mirroring the style of
// pkg/config/errors.go in the teacher codebase this module is adapted from.
var (
	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrMissingBackend indicates a required backend connection string is empty.
	ErrMissingBackend = errors.New("missing required backend configuration")
)

// ValidationError wraps a single configuration field failure with context.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config field %q: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a new validation error.
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}
