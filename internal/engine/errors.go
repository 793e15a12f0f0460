package engine

import (
	"errors"
	"fmt"

	"stageline/internal/domain"
)

// ErrConflict means a concurrent transition won the compare-and-swap.
// The caller must re-fetch current state and re-validate before retrying.
var ErrConflict = errors.New("concurrent transition committed first")

// InvalidArgumentError is a terminal caller error (empty bypass
// justification, malformed stage pair).
type InvalidArgumentError struct {
	Msg string
}

func (e InvalidArgumentError) Error() string { return e.Msg }

// UpstreamError wraps a transient collaborator failure. Validation treats
// it as fail-closed, never as "passed".
type UpstreamError struct {
	Op  string
	Err error
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Op, e.Err)
}

func (e UpstreamError) Unwrap() error { return e.Err }

// AuditError means the history recorder could not persist a transition
// record. It is surfaced as a warning next to an otherwise-successful
// transition, never as a transition failure.
type AuditError struct {
	Err error
}

func (e AuditError) Error() string {
	return fmt.Sprintf("audit record not persisted: %v", e.Err)
}

func (e AuditError) Unwrap() error { return e.Err }

// ValidationFailedError carries the itemized result of a rejected
// transition so the caller can present exactly what is missing.
type ValidationFailedError struct {
	Result domain.ValidationResult
}

func (e ValidationFailedError) Error() string {
	if len(e.Result.Errors) > 0 {
		return fmt.Sprintf("transition validation failed: %s", e.Result.Errors[0])
	}
	return "transition validation failed"
}
