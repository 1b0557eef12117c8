package types

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects a malformed event or an out-of-grammar field.
// It never carries the offending value.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError is a shorthand for &ValidationError{...}
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// CredentialError means the scanning service credentials are unusable
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials: %s: %v", e.Reason, e.Err)
	}
	return "credentials: " + e.Reason
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ExecFailure distinguishes why the scanner did not produce a result
type ExecFailure string

const (
	ExecSpawn   ExecFailure = "spawn"
	ExecExit    ExecFailure = "exit"
	ExecTimeout ExecFailure = "timeout"
)

// ScanExecutionError means the scanner itself could not run to completion
type ScanExecutionError struct {
	Kind     ExecFailure
	ExitCode int
	Timeout  time.Duration
	Stderr   string
	Err      error
}

func (e *ScanExecutionError) Error() string {
	switch e.Kind {
	case ExecTimeout:
		return fmt.Sprintf("scanner timed out after %s", e.Timeout)
	case ExecExit:
		return fmt.Sprintf("scanner exited with code %d", e.ExitCode)
	default:
		return fmt.Sprintf("scanner failed to start: %v", e.Err)
	}
}

func (e *ScanExecutionError) Unwrap() error { return e.Err }

// ResultParseError means the scanner succeeded but its report is unreadable
type ResultParseError struct {
	Reason string
	Err    error
}

func (e *ResultParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse report: %s: %v", e.Reason, e.Err)
	}
	return "parse report: " + e.Reason
}

func (e *ResultParseError) Unwrap() error { return e.Err }

// SinkError is a failed best-effort propagation of the outcome
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// CacheError means the scan cache store was unavailable
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("scan cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// IsTerminal reports whether err ends the invocation before any scan decision
func IsTerminal(err error) bool {
	var verr *ValidationError
	var cerr *CredentialError
	return errors.As(err, &verr) || errors.As(err, &cerr)
}
