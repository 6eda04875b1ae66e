package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/fault"
)

// Domain errors for bus operations.
// Use errors.Is() to check for these errors, or for their fault category.
var (
	// ErrBusStopped is returned by every operation once Stop has been called.
	ErrBusStopped = fault.New(fault.ErrState, "bus: stopped")

	// ErrInvalidRequest is returned when a pushed request is malformed.
	ErrInvalidRequest = fault.New(fault.ErrValidation, "bus: invalid request")

	// ErrInvalidModule is returned when a module name is empty.
	ErrInvalidModule = fault.New(fault.ErrValidation, "bus: invalid module name")

	// ErrUnknownModule is returned when no mailbox exists for a module.
	ErrUnknownModule = fault.New(fault.ErrNotFound, "bus: unknown module")

	// ErrUnsubscribed is returned to a waiting sender whose recipient
	// unsubscribed before answering.
	ErrUnsubscribed = fault.New(fault.ErrNotFound, "bus: recipient unsubscribed")

	// ErrNoResponse is matched by *NoResponseError when a push times out.
	ErrNoResponse = fault.New(fault.ErrTimeout, "bus: no response")

	// ErrNoMessageAvailable is returned by Pull when the mailbox stayed empty.
	ErrNoMessageAvailable = fault.New(fault.ErrTimeout, "bus: no message available")

	// ErrAlreadyConfigured is returned by a second AppConfigured call.
	ErrAlreadyConfigured = fault.New(fault.ErrState, "bus: already configured")

	// ErrBusError is returned by Pull when the mailbox failed underneath it.
	// It is always logged and reported before being returned.
	ErrBusError = fault.New(fault.ErrInternal, "bus: internal error")
)

// errMailboxReplaced is the close reason of a mailbox superseded by a new
// Subscribe. A Pull waiting on it moves to the new mailbox.
var errMailboxReplaced = errors.New("bus: mailbox replaced by new subscription")

// NoResponseError is returned by Push when the recipient did not answer in time.
// The envelope stays queued; the sender has simply stopped waiting.
type NoResponseError struct {
	To      string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *NoResponseError) Error() string {
	return fmt.Sprintf("bus: no response from %q within %v", e.To, e.Timeout)
}

// Unwrap lets errors.Is match ErrNoResponse and fault.ErrTimeout.
func (e *NoResponseError) Unwrap() error {
	return ErrNoResponse
}
