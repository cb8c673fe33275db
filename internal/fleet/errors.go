package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by directory reads for unknown trip keys.
	ErrNotFound = errors.New("route not found")

	// ErrStaleSample marks a location sample that references a trip which
	// is no longer live. Callers discard it silently.
	ErrStaleSample = errors.New("stale location sample")
)

// ValidationError reports a driver action rejected before any write
// (missing route, unselected destination). Recoverable locally.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// PersistenceError wraps a failed directory or channel write. The operation
// is treated as not-happened and may be retried by the caller.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InconsistentStateError reports a route whose status flag disagrees with
// the presence of its active-trip mirror. Mirror presence is authoritative;
// the next successful SetActive self-heals the pair.
type InconsistentStateError struct {
	ID           TripID
	Status       bool
	MirrorExists bool
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("trip %s: status=%t but mirror exists=%t", e.ID, e.Status, e.MirrorExists)
}
