package eventmirror

import "github.com/nerrad567/gray-logic-hub/internal/fault"

// Domain errors for the event mirror.
var (
	// ErrNoClient is returned when the module is attached without an MQTT client.
	ErrNoClient = fault.New(fault.ErrValidation, "eventmirror: no mqtt client")

	// ErrInvalidPayload is returned for inject messages that are not valid JSON.
	ErrInvalidPayload = fault.New(fault.ErrValidation, "eventmirror: invalid inject payload")
)
