package arbiter

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-hub/internal/crash"
	"github.com/nerrad567/gray-logic-hub/internal/task"
)

// Callback is invoked with the name of the resource it concerns.
type Callback func(resource string)

// Descriptor declares a critical resource.
type Descriptor struct {
	Name string `yaml:"name" json:"name"`
}

// ResourceState is a snapshot of one resource.
type ResourceState struct {
	Name      string   `json:"name"`
	Holder    string   `json:"holder,omitempty"`
	Waiting   []string `json:"waiting"`
	Permanent string   `json:"permanent,omitempty"`
}

// Logger defines the logging interface for the arbiter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Option customises an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the arbiter logger.
func WithLogger(logger Logger) Option {
	return func(a *Arbiter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithReporter sets the crash reporter.
func WithReporter(r crash.Reporter) Option {
	return func(a *Arbiter) {
		if r != nil {
			a.reporter = r
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(a *Arbiter) {
		a.metrics = m
	}
}

type resource struct {
	name      string
	holder    string
	waiting   []string
	permanent string
}

type registrationKey struct {
	module   string
	resource string
}

type registration struct {
	onAcquired         Callback
	onReleaseRequested Callback
}

// Arbiter serialises access to a fixed set of critical resources.
//
// Thread Safety: all methods are safe for concurrent use. One mutex guards
// every state transition and is never held while a callback runs.
type Arbiter struct {
	logger   Logger
	reporter crash.Reporter
	metrics  *Metrics

	mu            sync.Mutex
	resources     map[string]*resource
	registrations map[registrationKey]registration
}

// New creates an arbiter managing the given resources. Descriptors with an
// empty name are ignored; duplicates collapse into one resource.
func New(descriptors []Descriptor, opts ...Option) *Arbiter {
	a := &Arbiter{
		logger:        noopLogger{},
		reporter:      crash.Nop{},
		resources:     make(map[string]*resource, len(descriptors)),
		registrations: make(map[registrationKey]registration),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, d := range descriptors {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			continue
		}
		a.resources[name] = &resource{name: name}
	}
	return a
}

func normaliseModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}

// Register records the callbacks of module for resource. Registering again
// replaces the callbacks. With permanent set the module becomes the
// resource's permanent owner and acquires it immediately.
func (a *Arbiter) Register(module, resource string, onAcquired, onReleaseRequested Callback, permanent bool) error {
	module = normaliseModule(module)
	if module == "" {
		return ErrInvalidModule
	}
	if onAcquired == nil || onReleaseRequested == nil {
		return fmt.Errorf("%w: registering %s for %s", ErrNilCallback, module, resource)
	}

	err := a.locked("register", module, resource, func() error {
		r, ok := a.resources[resource]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
		}
		if permanent && r.permanent != "" && r.permanent != module {
			return fmt.Errorf("%w: %s is owned by %s", ErrPermanentConflict, resource, r.permanent)
		}
		a.registrations[registrationKey{module, resource}] = registration{
			onAcquired:         onAcquired,
			onReleaseRequested: onReleaseRequested,
		}
		if permanent {
			r.permanent = module
		}
		return nil
	})
	if errors.Is(err, errTransitionFailed) {
		return nil
	}
	if err != nil {
		return err
	}

	a.logger.Debug("resource registration stored",
		"module", module,
		"resource", resource,
		"permanent", permanent,
	)

	if permanent {
		if _, err := a.Acquire(module, resource); err != nil {
			return fmt.Errorf("acquiring permanent resource: %w", err)
		}
	}
	return nil
}

// Acquire requests resource for module.
//
// A free resource is granted at once and the returned task runs the
// module's onAcquired callback. A resource the module already holds is left
// alone and the task is nil. Otherwise the module joins the waiting FIFO
// (once) and the returned task runs the holder's onReleaseRequested callback.
// Acquire never blocks on the resource.
func (a *Arbiter) Acquire(module, resource string) (*task.Task, error) {
	module = normaliseModule(module)

	var (
		notify   string
		cb       Callback
		callback string
	)
	err := a.locked("acquire", module, resource, func() error {
		r, ok := a.resources[resource]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
		}
		reg, ok := a.registrations[registrationKey{module, resource}]
		if !ok {
			return fmt.Errorf("%w: %s for %s", ErrNotRegistered, module, resource)
		}

		switch r.holder {
		case "":
			r.holder = module
			notify, cb, callback = module, reg.onAcquired, "on_acquired"
			a.metrics.grant(resource)
		case module:
		default:
			if !slices.Contains(r.waiting, module) {
				r.waiting = append(r.waiting, module)
			}
			holderReg := a.registrations[registrationKey{r.holder, resource}]
			notify, cb, callback = r.holder, holderReg.onReleaseRequested, "on_release_requested"
			a.metrics.releaseRequest(resource)
		}
		a.metrics.setWaiting(resource, len(r.waiting))
		return nil
	})
	if errors.Is(err, errTransitionFailed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if cb == nil {
		a.logger.Debug("resource already held by requester", "module", module, "resource", resource)
		return nil, nil
	}
	if callback == "on_acquired" {
		a.logger.Debug("resource granted", "module", module, "resource", resource)
	} else {
		a.logger.Debug("resource busy, release requested",
			"module", module,
			"resource", resource,
			"holder", notify,
		)
	}
	return a.dispatch(callback, notify, resource, cb), nil
}

// Release gives up resource on behalf of module.
//
// It returns false, with no state change, when module is not the holder.
// Otherwise the resource passes to the head of the waiting FIFO, or to the
// permanent owner when nobody is waiting (the permanent owner included), and
// the returned task runs the new holder's onAcquired callback. The task is
// nil when the resource becomes free.
func (a *Arbiter) Release(module, resource string) (*task.Task, bool, error) {
	module = normaliseModule(module)

	var (
		released bool
		next     string
		cb       Callback
	)
	err := a.locked("release", module, resource, func() error {
		r, ok := a.resources[resource]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
		}
		if r.holder == "" || r.holder != module {
			return nil
		}
		released = true

		switch {
		case len(r.waiting) > 0:
			next = r.waiting[0]
			r.waiting = r.waiting[1:]
		case r.permanent != "":
			next = r.permanent
		}
		r.holder = next
		if next != "" {
			cb = a.registrations[registrationKey{next, resource}].onAcquired
			a.metrics.grant(resource)
		}
		a.metrics.setWaiting(resource, len(r.waiting))
		return nil
	})
	if errors.Is(err, errTransitionFailed) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !released {
		a.logger.Debug("release ignored, module is not the holder", "module", module, "resource", resource)
		return nil, false, nil
	}
	if next == "" {
		a.logger.Debug("resource released and free", "module", module, "resource", resource)
		return nil, true, nil
	}

	a.logger.Debug("resource handed over", "from", module, "to", next, "resource", resource)
	return a.dispatch("on_acquired", next, resource, cb), true, nil
}

// IsPermanentlyAcquired reports whether resource has a permanent owner.
func (a *Arbiter) IsPermanentlyAcquired(resource string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.resources[resource]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	return r.permanent != "", nil
}

// Holder returns the module currently holding resource, or "".
func (a *Arbiter) Holder(resource string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.resources[resource]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	return r.holder, nil
}

// Waiting returns a copy of the waiting FIFO of resource.
func (a *Arbiter) Waiting(resource string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.resources[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	return slices.Clone(r.waiting), nil
}

// Snapshot returns the state of every resource, sorted by name.
func (a *Arbiter) Snapshot() []ResourceState {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ResourceState, 0, len(a.resources))
	for _, r := range a.resources {
		waiting := slices.Clone(r.waiting)
		if waiting == nil {
			waiting = []string{}
		}
		out = append(out, ResourceState{
			Name:      r.name,
			Holder:    r.holder,
			Waiting:   waiting,
			Permanent: r.permanent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// locked runs fn under the arbiter lock. A panic inside fn is recovered,
// logged and reported, and comes back as errTransitionFailed so the public
// method can return without an error.
func (a *Arbiter) locked(op, module, resource string, fn func() error) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			err = errTransitionFailed
			a.logger.Error("arbiter state transition panicked",
				"operation", op,
				"module", module,
				"resource", resource,
				"panic", p,
			)
			ctx := crash.FromPanic("arbiter", p)
			ctx["operation"] = op
			ctx["module"] = module
			ctx["resource"] = resource
			crash.Safe(a.reporter, ctx)
		}
	}()
	return fn()
}

// dispatch runs cb on its own goroutine. A panicking callback is reported
// and does not affect arbiter state.
func (a *Arbiter) dispatch(callback, module, resource string, cb Callback) *task.Task {
	name := fmt.Sprintf("arbiter-%s-%s-%s", callback, module, resource)
	return task.Go(name, func() {
		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("resource callback panicked",
					"callback", callback,
					"module", module,
					"resource", resource,
					"panic", p,
				)
				ctx := crash.FromPanic("arbiter", p)
				ctx["callback"] = callback
				ctx["module"] = module
				ctx["resource"] = resource
				crash.Safe(a.reporter, ctx)
			}
		}()
		cb(resource)
	}, a.logger)
}
