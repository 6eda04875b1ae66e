package system

import (
	"context"
	"strings"

	"github.com/nerrad567/gray-logic-hub/internal/arbiter"
	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/host"
	"github.com/nerrad567/gray-logic-hub/internal/module"
)

// Name is the bus name of the system module.
const Name = "system"

// EchoResult is the data returned by the echo command.
type EchoResult struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// Events sent to the module that asked for a resource.
const (
	EventResourceAcquired         = "resource_acquired"
	EventResourceReleaseRequested = "resource_release_requested"
)

// ResourceResult is the data returned by the acquire and release commands.
type ResourceResult struct {
	Resource string   `json:"resource"`
	Holder   string   `json:"holder,omitempty"`
	Waiting  []string `json:"waiting"`
	Granted  bool     `json:"granted,omitempty"`
	Released bool     `json:"released,omitempty"`
}

// Module answers introspection commands and brokers critical resources for
// modules that have no arbiter handle of their own, such as WebSocket
// clients.
type Module struct {
	svc      host.Services
	commands module.CommandTable
}

// New creates the system module. It is usable once attached to a host.
func New() *Module {
	m := &Module{}
	m.commands = module.MustCommandTable(
		module.Command{Name: "ping", Handler: m.ping},
		module.Command{Name: "modules", Handler: m.modules},
		module.Command{Name: "resources", Handler: m.resources},
		module.Command{
			Name:        "echo",
			Handler:     m.echo,
			Required:    []string{"message"},
			Optional:    map[string]any{"upper": false},
			WantsSender: true,
		},
		module.Command{Name: "notice", Handler: m.notice},
		module.Command{
			Name:        "acquire",
			Handler:     m.acquire,
			Required:    []string{"resource"},
			WantsSender: true,
		},
		module.Command{
			Name:        "release",
			Handler:     m.release,
			Required:    []string{"resource"},
			WantsSender: true,
		},
	)
	return m
}

// Name implements module.Module.
func (m *Module) Name() string { return Name }

// Commands implements module.Module.
func (m *Module) Commands() module.CommandTable { return m.commands }

// Attach implements host.Attacher.
func (m *Module) Attach(svc host.Services) error {
	m.svc = svc
	return nil
}

func (m *Module) ping(context.Context, module.Call) (any, error) {
	return "pong", nil
}

func (m *Module) modules(context.Context, module.Call) (any, error) {
	if m.svc.Bus == nil {
		return nil, module.Fail("system module is not attached")
	}
	return m.svc.Bus.Modules(), nil
}

func (m *Module) resources(context.Context, module.Call) (any, error) {
	if m.svc.Arbiter == nil {
		return []arbiter.ResourceState{}, nil
	}
	return m.svc.Arbiter.Snapshot(), nil
}

func (m *Module) echo(_ context.Context, call module.Call) (any, error) {
	msg, ok := call.Params["message"].(string)
	if !ok {
		return nil, module.Fail("message must be a string")
	}
	if call.Bool("upper") {
		msg = strings.ToUpper(msg)
	}
	return EchoResult{Message: msg, Sender: call.Sender}, nil
}

func (m *Module) notice(context.Context, module.Call) (any, error) {
	return nil, module.Info("system is running")
}

// acquire registers the sender for the resource and requests it. The
// sender learns of the grant, or of a later request to give the resource
// up, through addressed bus events.
func (m *Module) acquire(_ context.Context, call module.Call) (any, error) {
	if m.svc.Arbiter == nil || m.svc.Bus == nil {
		return nil, module.Fail("system module is not attached")
	}
	resource := call.String("resource")
	err := m.svc.Arbiter.Register(call.Sender, resource,
		m.notifier(call.Sender, EventResourceAcquired),
		m.notifier(call.Sender, EventResourceReleaseRequested),
		false,
	)
	if err != nil {
		return nil, err
	}
	if _, err := m.svc.Arbiter.Acquire(call.Sender, resource); err != nil {
		return nil, err
	}

	result, err := m.resourceState(resource)
	if err != nil {
		return nil, err
	}
	result.Granted = result.Holder == bus.NormaliseName(call.Sender)
	return result, nil
}

// release gives the resource up on behalf of the sender.
func (m *Module) release(_ context.Context, call module.Call) (any, error) {
	if m.svc.Arbiter == nil {
		return nil, module.Fail("system module is not attached")
	}
	resource := call.String("resource")
	_, released, err := m.svc.Arbiter.Release(call.Sender, resource)
	if err != nil {
		return nil, err
	}

	result, err := m.resourceState(resource)
	if err != nil {
		return nil, err
	}
	result.Released = released
	return result, nil
}

func (m *Module) resourceState(resource string) (ResourceResult, error) {
	holder, err := m.svc.Arbiter.Holder(resource)
	if err != nil {
		return ResourceResult{}, err
	}
	waiting, err := m.svc.Arbiter.Waiting(resource)
	if err != nil {
		return ResourceResult{}, err
	}
	if waiting == nil {
		waiting = []string{}
	}
	return ResourceResult{Resource: resource, Holder: holder, Waiting: waiting}, nil
}

// notifier returns an arbiter callback that sends event to target.
func (m *Module) notifier(target, event string) arbiter.Callback {
	b := m.svc.Bus
	return func(resource string) {
		req := bus.Request{
			Event:  event,
			From:   Name,
			To:     target,
			Params: map[string]any{"resource": resource},
		}
		// A target that has unsubscribed has nobody left to tell.
		b.Push(context.Background(), req, 0) //nolint:errcheck
	}
}
