package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientStorage marks connection, timeout, and contention failures.
	// The operation may succeed if retried later.
	ErrTransientStorage = errors.New("transient storage failure")

	// ErrLeaseLost is returned when a worker tries to retire or fail an entry
	// whose lease it no longer holds.
	ErrLeaseLost = errors.New("queue lease lost")

	// ErrNotFound is returned when an addressed queue entry does not exist
	// in the expected state.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes a malformed ingest payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// ProjectionError is raised when a structurally valid event cannot be folded
// into the read models.
type ProjectionError struct {
	EventID   string
	EventType EventType
	Err       error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection of %s event %s failed: %v", e.EventType, e.EventID, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should pause the worker loop rather than
// count against a single queue entry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsProjection reports whether err is a ProjectionError.
func IsProjection(err error) bool {
	var p *ProjectionError
	return errors.As(err, &p)
}
