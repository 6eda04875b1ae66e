package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/fault"
)

// Error is the body of every failed HTTP response and WebSocket error
// message.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeTimeout     = "timeout"
	ErrCodeUnavailable = "unavailable"
)

func badRequest(message string) Error {
	return Error{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: message}
}

func invalid(message string) Error {
	return Error{Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: message}
}

func internalError(message string) Error {
	return Error{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: message}
}

// busError classifies an error returned by the bus. Anything outside the
// known categories is a 500.
func busError(err error) Error {
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return Error{Status: http.StatusNotFound, Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, fault.ErrTimeout):
		return Error{Status: http.StatusGatewayTimeout, Code: ErrCodeTimeout, Message: err.Error()}
	case errors.Is(err, bus.ErrBusStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return Error{Status: http.StatusServiceUnavailable, Code: ErrCodeUnavailable, Message: err.Error()}
	case errors.Is(err, fault.ErrValidation):
		return invalid(err.Error())
	}
	return internalError(err.Error())
}

// write sends e as the response, using e.Status as the HTTP status.
func (e Error) write(w http.ResponseWriter) {
	writeJSON(w, e.Status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // the client may already be gone
	json.NewEncoder(w).Encode(v)
}
