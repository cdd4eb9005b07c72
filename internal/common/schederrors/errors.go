// Package schederrors contains the error types the scheduler core distinguishes.
// Handlers recover these with errors.As to decide between queueing work for
// retry, ignoring a stale callback, and aborting on a corrupted model.
//
// If multiple errors occur in some function (e.g., when shutting down every VM
// in the fleet), that function should return an error of type multierror.Error
// from package github.com/hashicorp/go-multierror that encapsulates those
// individual errors.
package schederrors

import (
	"fmt"
)

// ErrUnsatisfiablePlacement indicates that no machine exists anywhere in the
// fleet that could ever host the task, e.g. because no machine of the required
// CPU family is present. The task stays queued and is retried.
type ErrUnsatisfiablePlacement struct {
	TaskID int
	// Human-readable description of the missing requirement.
	Requirement string
}

func (err *ErrUnsatisfiablePlacement) Error() string {
	return fmt.Sprintf("task %d cannot be placed on any machine in the fleet: %s", err.TaskID, err.Requirement)
}

// ErrStaleCallback indicates a completion callback for an id the core no
// longer (or never did) know about. Stale callbacks are logged and ignored.
type ErrStaleCallback struct {
	// The kind of entity the callback referred to, e.g. "vm" or "machine".
	Kind string
	ID   int
}

func (err *ErrStaleCallback) Error() string {
	return fmt.Sprintf("callback for unknown %s %d", err.Kind, err.ID)
}

// ErrNotFound indicates a lookup for an id not present in the fleet model.
type ErrNotFound struct {
	Kind string
	ID   int
}

func (err *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d does not exist", err.Kind, err.ID)
}

// ErrCapacityExceeded indicates a mutation that would violate a per-machine or
// per-VM capacity bound. The mutation is rejected and the model unchanged.
type ErrCapacityExceeded struct {
	MachineID int
	Message   string
}

func (err *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("capacity exceeded on machine %d: %s", err.MachineID, err.Message)
}

// ErrInvariantViolation indicates the fleet model has been observed in a state
// that should be impossible. It always indicates a bug in the core.
type ErrInvariantViolation struct {
	Message string
}

func (err *ErrInvariantViolation) Error() string {
	return fmt.Sprintf("fleet model invariant violated: %s", err.Message)
}
