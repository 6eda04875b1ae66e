package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nerrad567/gray-logic-hub/internal/arbiter"
	"github.com/nerrad567/gray-logic-hub/internal/bus"
)

// maxCommandTimeout bounds the ?timeout= parameter of the command endpoint.
const maxCommandTimeout = 60 * time.Second

// CommandResponse is the body returned by the command endpoint.
type CommandResponse struct {
	Module   string        `json:"module"`
	Command  string        `json:"command"`
	Accepted bool          `json:"accepted"`
	Response *bus.Response `json:"response,omitempty"`
}

// EventRequest is the body accepted by the event endpoint.
type EventRequest struct {
	Event    string         `json:"event"`
	Params   map[string]any `json:"params,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
}

// handleBusStats returns a snapshot of the bus.
func (s *Server) handleBusStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

// handleResources returns the arbitrator state.
func (s *Server) handleResources(w http.ResponseWriter, _ *http.Request) {
	states := []arbiter.ResourceState{}
	if s.arbiter != nil {
		states = s.arbiter.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": states,
		"count":     len(states),
	})
}

// handleCommand pushes a command to a module.
//
// The body, if any, is the JSON object of command parameters. The query
// parameter timeout (seconds, fractional allowed) sets how long to wait for
// the response; 0 sends without waiting. It defaults to the bus push timeout.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "module")
	command := chi.URLParam(r, "command")

	timeout, err := s.commandTimeout(r)
	if err != nil {
		badRequest(err.Error()).write(w)
		return
	}

	var params map[string]any
	if err := decodeOptionalJSON(r, &params); err != nil {
		badRequest("invalid JSON parameters: " + err.Error()).write(w)
		return
	}

	req := bus.NewCommand(Sender, target, command, params)
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "bus.push")
	span.SetAttributes(
		attribute.String("bus.target", bus.NormaliseName(req.To)),
		attribute.String("bus.command", command),
		attribute.Float64("bus.timeout_seconds", timeout.Seconds()),
	)
	resp, err := s.bus.Push(ctx, req, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		s.logger.Debug("command failed", "module", target, "command", command, "error", err)
		busError(err).write(w)
		return
	}
	if resp != nil {
		span.SetAttributes(attribute.Bool("bus.response_error", resp.Error))
	}
	span.End()

	out := CommandResponse{
		Module:   bus.NormaliseName(target),
		Command:  command,
		Accepted: true,
		Response: resp,
	}
	if resp == nil {
		writeJSON(w, http.StatusAccepted, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvent broadcasts an event on the bus.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var body EventRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		badRequest("invalid JSON body: " + err.Error()).write(w)
		return
	}
	if body.Event == "" {
		badRequest("event is required").write(w)
		return
	}

	req := bus.NewEvent(Sender, body.Event, body.Params)
	req.DeviceID = body.DeviceID
	if _, err := s.bus.Push(r.Context(), req, 0); err != nil {
		busError(err).write(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":    body.Event,
		"accepted": true,
	})
}

// commandTimeout reads the timeout query parameter.
func (s *Server) commandTimeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return s.bus.Config().DefaultPushTimeout, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("timeout must be a number of seconds")
	}
	return secondsTimeout(secs)
}

// secondsTimeout converts a client supplied timeout, bounded by maxCommandTimeout.
func secondsTimeout(secs float64) (time.Duration, error) {
	timeout := time.Duration(secs * float64(time.Second))
	if timeout < 0 || timeout > maxCommandTimeout {
		return 0, fmt.Errorf("timeout must be between 0 and %v", maxCommandTimeout)
	}
	return timeout, nil
}

// decodeOptionalJSON decodes the body into v. An empty body leaves v untouched.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
