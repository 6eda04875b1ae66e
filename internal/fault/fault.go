// Package fault defines the error categories shared by the hub core.
//
// Every package keeps its own sentinel errors (see bus/errors.go,
// arbiter/errors.go), but each sentinel is built with New so callers can
// branch on the category without knowing the concrete sentinel:
//
//	if errors.Is(err, fault.ErrNotFound) {
//	    // unknown module, resource or command
//	}
//
//	if errors.Is(err, bus.ErrUnknownModule) {
//	    // the specific case still matches
//	}
package fault

import "errors"

// Error categories.
var (
	// ErrValidation covers bad or missing arguments, detected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers unknown modules, resources and commands.
	ErrNotFound = errors.New("not found")

	// ErrTimeout covers blocking calls that gave up waiting.
	ErrTimeout = errors.New("timeout")

	// ErrState covers calls made in the wrong lifecycle state or against
	// conflicting ownership.
	ErrState = errors.New("invalid state")

	// ErrInternal covers unexpected failures. These are always logged and
	// reported before being surfaced or swallowed.
	ErrInternal = errors.New("internal error")
)

// Error is a sentinel error that belongs to one category.
type Error struct {
	kind error
	msg  string
}

// New returns a sentinel error with the given category and message.
func New(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.msg
}

// Unwrap returns the category, so errors.Is(err, fault.ErrState) works.
func (e *Error) Unwrap() error {
	return e.kind
}

// Kind returns the category of err, or ErrInternal when err carries none.
// A nil error has no kind.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrTimeout, ErrState, ErrInternal} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
