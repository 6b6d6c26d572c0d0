// Package apperr defines the error taxonomy shared by the orchestration core.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers can
// branch with errors.Is.
package apperr

import "errors"

var (
	// ErrNotFound is returned for unknown agent, task, workflow or template ids.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateID is returned when registering an id that already exists.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrInvalidTransition is returned for an illegal status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDependencyUnsatisfied is returned when execution is attempted with unmet dependencies.
	ErrDependencyUnsatisfied = errors.New("dependencies unsatisfied")
	// ErrTimeout is returned when a task exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrExecutorFailure wraps an error reported by an external executor.
	ErrExecutorFailure = errors.New("executor failure")
	// ErrPersistenceFailure wraps snapshot save/load I/O errors.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrInvalidDefinition is returned for malformed workflow or template definitions.
	ErrInvalidDefinition = errors.New("invalid definition")
)
