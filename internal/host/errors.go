package host

import "github.com/nerrad567/gray-logic-hub/internal/fault"

// Domain errors for host operations.
var (
	// ErrDuplicateModule is returned when two modules share a bus name.
	ErrDuplicateModule = fault.New(fault.ErrValidation, "host: duplicate module name")

	// ErrAlreadyRunning is returned by Register and Run once Run has started.
	ErrAlreadyRunning = fault.New(fault.ErrState, "host: already running")
)
