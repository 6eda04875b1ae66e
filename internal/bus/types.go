package bus

import (
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RPCGroup is the target that reaches every long-poll gateway mailbox.
const RPCGroup = "rpc"

// RPCPrefix marks mailboxes that belong to the long-poll group.
const RPCPrefix = "rpc-"

// NormaliseName returns the canonical form of a module name.
// Module names are case-insensitive.
func NormaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PeerInfo describes a remote peer that originated an event.
type PeerInfo struct {
	Hostname string `json:"hostname,omitempty"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Request is a command or an event travelling over the bus.
//
// Exactly one of Command and Event is set. An empty To makes the request a
// broadcast. Requests are copied on push, so the sender may reuse its value.
type Request struct {
	Command  string         `json:"command,omitempty"`
	Event    string         `json:"event,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	From     string         `json:"from"`
	To       string         `json:"to,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	PeerInfo *PeerInfo      `json:"peer_info,omitempty"`
}

// NewCommand builds a command request from one module to another.
func NewCommand(from, to, command string, params map[string]any) Request {
	return Request{
		Command: command,
		Params:  params,
		From:    from,
		To:      to,
	}
}

// NewEvent builds a broadcast event request.
func NewEvent(from, event string, params map[string]any) Request {
	return Request{
		Event:  event,
		Params: params,
		From:   from,
	}
}

// IsCommand reports whether the request carries a command.
func (r Request) IsCommand() bool {
	return r.Command != ""
}

// IsEvent reports whether the request carries an event.
func (r Request) IsEvent() bool {
	return r.Event != ""
}

// IsBroadcast reports whether the request has no addressee.
func (r Request) IsBroadcast() bool {
	return r.To == ""
}

// Validate checks the request shape before it is pushed.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.From) == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidRequest)
	case r.IsCommand() && r.IsEvent():
		return fmt.Errorf("%w: request carries both command %q and event %q", ErrInvalidRequest, r.Command, r.Event)
	case !r.IsCommand() && !r.IsEvent():
		return fmt.Errorf("%w: request carries neither command nor event", ErrInvalidRequest)
	case r.IsCommand() && r.IsBroadcast():
		return fmt.Errorf("%w: command %q has no recipient", ErrInvalidRequest, r.Command)
	}
	return nil
}

// normalised returns a copy with canonical names and its own params map.
func (r Request) normalised() Request {
	out := r
	out.From = NormaliseName(r.From)
	out.To = NormaliseName(r.To)
	if r.Params != nil {
		out.Params = maps.Clone(r.Params)
	}
	if r.PeerInfo != nil {
		peer := *r.PeerInfo
		out.PeerInfo = &peer
	}
	return out
}

// Response is the answer written back into an envelope by the recipient.
type Response struct {
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Envelope carries a request through a mailbox and the response back to
// the sender.
//
// The sender creates it, the recipient fills it with Respond, and the sender
// observes the result through the waiter. Only the first Respond counts.
type Envelope struct {
	ID      string
	Request Request

	mu         sync.Mutex
	waiter     chan struct{}
	signalled  bool
	response   *Response
	releaseErr error
}

// newEnvelope wraps a normalised request.
func newEnvelope(req Request, expectResponse bool) *Envelope {
	env := &Envelope{
		ID:      uuid.NewString(),
		Request: req,
	}
	if expectResponse {
		env.waiter = make(chan struct{})
	}
	return env
}

// clone returns a copy of a fan-out envelope for one more recipient. The
// copy keeps the ID and gets its own params map, so a handler that edits
// its params cannot affect the other recipients. Nested values are still
// shared.
func (e *Envelope) clone() *Envelope {
	return &Envelope{
		ID:      e.ID,
		Request: e.Request.normalised(),
	}
}

// ExpectsResponse reports whether a sender is waiting on this envelope.
func (e *Envelope) ExpectsResponse() bool {
	return e.waiter != nil
}

// Respond stores the response and wakes the sender if one is waiting.
// It returns false if the envelope was already answered or released.
func (e *Envelope) Respond(resp Response) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.response != nil || e.signalled {
		return false
	}
	e.response = &resp
	e.signalLocked()
	return true
}

// Response returns a copy of the stored response, or nil if none was written.
func (e *Envelope) Response() *Response {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.response == nil {
		return nil
	}
	resp := *e.response
	return &resp
}

// release wakes a waiting sender without a response. reason is what the
// sender gets back if nothing was written.
func (e *Envelope) release(reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.signalled {
		return
	}
	e.releaseErr = reason
	e.signalLocked()
}

// outcome returns the response or the reason the envelope was released.
func (e *Envelope) outcome() (*Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.response != nil {
		resp := *e.response
		return &resp, nil
	}
	if e.releaseErr != nil {
		return nil, e.releaseErr
	}
	return nil, ErrBusStopped
}

// signalLocked closes the waiter once. Caller holds e.mu.
func (e *Envelope) signalLocked() {
	if e.signalled {
		return
	}
	e.signalled = true
	if e.waiter != nil {
		close(e.waiter)
	}
}
