package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-hub/internal/arbiter"
	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/crash"
	"github.com/nerrad567/gray-logic-hub/internal/module"
)

// Logger defines the logging interface for the host and the modules it attaches.
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

// Services is what an attached module gets from the host.
type Services struct {
	Bus      *bus.Bus
	Arbiter  *arbiter.Arbiter
	Logger   Logger
	Reporter crash.Reporter
}

// Attacher is implemented by modules that need the shared services.
// Attach is called once, during Register.
type Attacher interface {
	Attach(svc Services) error
}

// Service is a long-running function run alongside the module loops.
// Returning a non-nil error shuts the whole host down.
type Service func(ctx context.Context) error

// Option customises a Host.
type Option func(*Host)

// WithLogger sets the host logger. Modules receive it through Services.
func WithLogger(logger Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithReporter sets the crash reporter passed to runners and modules.
func WithReporter(r crash.Reporter) Option {
	return func(h *Host) {
		if r != nil {
			h.reporter = r
		}
	}
}

// WithPollTimeout sets how long each module loop waits on its mailbox.
func WithPollTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.pollTimeout = d
	}
}

type namedService struct {
	name string
	run  Service
}

// Host runs a set of modules on one bus.
type Host struct {
	bus         *bus.Bus
	arbiter     *arbiter.Arbiter
	logger      Logger
	reporter    crash.Reporter
	pollTimeout time.Duration

	mu       sync.Mutex
	modules  map[string]module.Module
	services []namedService
	running  bool
}

// New creates a host for b and arb.
func New(b *bus.Bus, arb *arbiter.Arbiter, opts ...Option) *Host {
	h := &Host{
		bus:         b,
		arbiter:     arb,
		logger:      noopLogger{},
		reporter:    crash.Nop{},
		pollTimeout: b.Config().DefaultPullTimeout,
		modules:     make(map[string]module.Module),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Services returns the handle given to attached modules.
func (h *Host) Services() Services {
	return Services{
		Bus:      h.bus,
		Arbiter:  h.arbiter,
		Logger:   h.logger,
		Reporter: h.reporter,
	}
}

// Register subscribes each module and attaches it to the host services.
func (h *Host) Register(mods ...module.Module) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrAlreadyRunning
	}

	for _, mod := range mods {
		name := bus.NormaliseName(mod.Name())
		if _, dup := h.modules[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
		}
		if a, ok := mod.(Attacher); ok {
			if err := a.Attach(h.Services()); err != nil {
				return fmt.Errorf("attaching module %s: %w", name, err)
			}
		}
		if err := h.bus.Subscribe(name); err != nil {
			return fmt.Errorf("subscribing module %s: %w", name, err)
		}
		h.modules[name] = mod
		h.logger.Debug("module registered", "module", name, "commands", len(mod.Commands()))
	}
	return nil
}

// AddService runs fn alongside the module loops once Run starts.
func (h *Host) AddService(name string, fn Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrAlreadyRunning
	}
	h.services = append(h.services, namedService{name: name, run: fn})
	return nil
}

// Modules returns the registered module names, sorted.
func (h *Host) Modules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.modules))
	for name := range h.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts every module loop and service, ends the bus priming phase and
// blocks until ctx is cancelled or a service fails. The bus is stopped
// before Run returns.
//
// A module whose loop fails is logged and reported; the other modules keep
// running.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	h.running = true
	mods := make([]module.Module, 0, len(h.modules))
	for _, mod := range h.modules {
		mods = append(mods, mod)
	}
	services := append([]namedService(nil), h.services...)
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	for _, mod := range mods {
		runner := module.NewRunner(mod, h.bus, module.RunnerConfig{
			PollTimeout: h.pollTimeout,
			Logger:      h.logger,
			Reporter:    h.reporter,
		})
		g.Go(func() error {
			if err := runner.Run(gctx); err != nil {
				h.logger.Error("module stopped", "module", runner.Name(), "error", err)
			}
			return nil
		})
	}

	for _, svc := range services {
		g.Go(func() error {
			if err := svc.run(gctx); err != nil {
				return fmt.Errorf("service %s: %w", svc.name, err)
			}
			return nil
		})
	}

	if err := h.bus.AppConfigured(); err != nil {
		h.logger.Warn("bus configuration", "error", err)
	}
	h.logger.Info("host running", "modules", len(mods), "services", len(services))

	g.Go(func() error {
		<-gctx.Done()
		h.bus.Stop()
		return nil
	})

	err := g.Wait()
	h.logger.Info("host stopped")
	return err
}
