// Package saccerr defines the typed error kinds shared across the Session &
// Agent Coordination Core, per the error taxonomy in SPEC_FULL.md §7.
package saccerr

import (
	"errors"
	"fmt"
)

// Code identifies one of the error kinds from SPEC_FULL.md §7. It is
// intentionally a string, not an enum of Go error types, so that it can be
// logged, compared, and serialized without exception-type jargon.
type Code string

// Error kinds. Every value here corresponds 1:1 to an entry in spec §7.
const (
	CodeSessionNotFound        Code = "SESSION_NOT_FOUND"
	CodeSessionExpired         Code = "SESSION_EXPIRED"
	CodeActorNotJoined         Code = "ACTOR_NOT_JOINED"
	CodeSequenceGap            Code = "SEQUENCE_GAP"
	CodeContention             Code = "CONTENTION"
	CodeValidation             Code = "VALIDATION"
	CodeBackendUnavailable     Code = "BACKEND_UNAVAILABLE"
	CodeTimeout                Code = "TIMEOUT"
	CodeCheckpointPending      Code = "CHECKPOINT_PENDING"
	CodeGraphCollaboratorError Code = "GRAPH_COLLABORATOR_FAILURE"
	CodeUnknownAgent           Code = "UNKNOWN_AGENT"
	CodeDuplicateAgent         Code = "DUPLICATE_AGENT"
	CodeQueueFull              Code = "QUEUE_FULL"
	CodeShuttingDown           Code = "SHUTTING_DOWN"
)

// Error is a coded, correlatable error. Every error SACC returns across a
// component boundary should be (or wrap) one of these, carrying an opaque
// RequestID for log correlation per spec §7.
type Error struct {
	Code      Code
	RequestID string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause == nil {
		return string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a coded Error. requestID may be empty; callers that have
// one (from an incoming request context) should always propagate it.
func New(code Code, requestID, message string, cause error) *Error {
	return &Error{Code: code, RequestID: requestID, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) a saccerr.Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, returning ("", false) if err is not a
// saccerr.Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
