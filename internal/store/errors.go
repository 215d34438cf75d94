package store

import "errors"

// Behavioral error categories surfaced by the store. HTTP handlers map these
// to status codes; the control loop treats ErrSchema as fatal at startup.
var (
	// ErrNotFound indicates a missing entity or referenced parent.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate id or unique-constraint violation.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition indicates a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDependencyCycle indicates a dependency edge that would close a cycle
	// or reference itself.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrSchema indicates a schema mismatch; the daemon must not start.
	ErrSchema = errors.New("schema error")
)
