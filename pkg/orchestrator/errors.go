package orchestrator

import (
	"errors"
	"fmt"
)

// ErrRunNotFound is returned for operations on an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// ErrReportUnavailable is returned when a completed run has no readable
// KPI report. The run's completed status is not affected.
var ErrReportUnavailable = errors.New("kpi report unavailable")

// ValidationError rejects a start request before any state is mutated.
// Field names the constraint that failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError signals an operation that is incompatible with the run's
// current status, such as cancelling a run that is not running.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}
