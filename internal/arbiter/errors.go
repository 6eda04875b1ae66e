package arbiter

import (
	"errors"

	"github.com/nerrad567/gray-logic-hub/internal/fault"
)

// Domain errors for arbiter operations.
// Use errors.Is() to check for these errors, or for their fault category.
var (
	// ErrUnknownResource is returned when a resource was not declared at construction.
	ErrUnknownResource = fault.New(fault.ErrNotFound, "arbiter: unknown resource")

	// ErrNotRegistered is returned when a module acquires a resource it never registered for.
	ErrNotRegistered = fault.New(fault.ErrNotFound, "arbiter: module not registered for resource")

	// ErrInvalidModule is returned when a module name is empty.
	ErrInvalidModule = fault.New(fault.ErrValidation, "arbiter: invalid module name")

	// ErrNilCallback is returned when Register is given a nil callback.
	ErrNilCallback = fault.New(fault.ErrValidation, "arbiter: nil callback")

	// ErrPermanentConflict is returned when a second module claims permanent ownership.
	ErrPermanentConflict = fault.New(fault.ErrState, "arbiter: resource already has a permanent owner")
)

// errTransitionFailed marks a state transition that panicked. It has been
// logged and reported by the time a public method sees it, and is never
// returned to callers.
var errTransitionFailed = errors.New("arbiter: state transition failed")
