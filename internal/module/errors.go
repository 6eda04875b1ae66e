package module

import (
	"strings"

	"github.com/nerrad567/gray-logic-hub/internal/fault"
)

// Domain errors for command dispatch.
// Use errors.Is() to check for these errors, or for their fault category.
var (
	// ErrUnknownCommand is returned when a command is not in the table.
	ErrUnknownCommand = fault.New(fault.ErrNotFound, "unknown command")

	// ErrMissingParameters is returned when required parameters are absent.
	ErrMissingParameters = fault.New(fault.ErrValidation, "missing parameters")

	// ErrInvalidCommand is returned when a command definition is unusable.
	ErrInvalidCommand = fault.New(fault.ErrValidation, "invalid command definition")

	// ErrCommandPanic is returned when a handler panicked.
	ErrCommandPanic = fault.New(fault.ErrInternal, "command panicked")
)

// InfoError carries an informational message back to the sender.
// The response is not flagged as an error.
type InfoError struct {
	Message string
}

// Error implements the error interface.
func (e *InfoError) Error() string { return e.Message }

// Info returns an *InfoError with msg.
func Info(msg string) error {
	return &InfoError{Message: msg}
}

// CommandError is a failure a handler reports to the sender.
type CommandError struct {
	Message string
}

// Error implements the error interface.
func (e *CommandError) Error() string { return e.Message }

// Fail returns a *CommandError with msg.
func Fail(msg string) error {
	return &CommandError{Message: msg}
}

// MissingParametersError lists, in declaration order, the required
// parameters a command was sent without.
type MissingParametersError struct {
	Names []string
}

// Error implements the error interface.
func (e *MissingParametersError) Error() string {
	return "missing parameters: " + strings.Join(e.Names, ", ")
}

// Unwrap lets errors.Is match ErrMissingParameters.
func (e *MissingParametersError) Unwrap() error {
	return ErrMissingParameters
}
