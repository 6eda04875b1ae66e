package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/crash"
)

// Default loop timings.
const (
	DefaultPollTimeout = 500 * time.Millisecond
	DefaultIdleDelay   = 10 * time.Millisecond
)

// Module is a hub component driven by a Runner.
type Module interface {
	// Name is the module's bus name.
	Name() string

	// Commands returns the commands the module accepts.
	Commands() CommandTable
}

// Processor is implemented by modules with periodic work. Process is called
// once per loop iteration and must not block.
type Processor interface {
	Process(ctx context.Context) error
}

// EventHandler is implemented by modules that react to bus events.
type EventHandler interface {
	HandleEvent(ctx context.Context, req bus.Request) error
}

// Mailbox is the part of the bus a Runner needs.
type Mailbox interface {
	Pull(ctx context.Context, module string, timeout time.Duration) (*bus.Envelope, error)
	Unsubscribe(module string) error
}

// Logger defines the logging interface for runners.
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

// RunnerConfig holds the settings of a Runner.
type RunnerConfig struct {
	// PollTimeout is how long each pull waits. Default: 500ms.
	PollTimeout time.Duration

	// IdleDelay is the pause after a pull that found nothing. Default: 10ms.
	IdleDelay time.Duration

	// Logger defaults to a no-op logger.
	Logger Logger

	// Reporter receives crash reports. Defaults to crash.Nop.
	Reporter crash.Reporter
}

// Runner is the dispatch loop of one module.
type Runner struct {
	mod      Module
	name     string
	commands CommandTable
	mailbox  Mailbox
	cfg      RunnerConfig
	logger   Logger
	reporter crash.Reporter
}

// NewRunner creates a dispatch loop for mod reading from mailbox.
func NewRunner(mod Module, mailbox Mailbox, cfg RunnerConfig) *Runner {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = crash.Nop{}
	}
	commands := mod.Commands()
	if commands == nil {
		commands = CommandTable{}
	}
	return &Runner{
		mod:      mod,
		name:     bus.NormaliseName(mod.Name()),
		commands: commands,
		mailbox:  mailbox,
		cfg:      cfg,
		logger:   logger,
		reporter: reporter,
	}
}

// Name returns the bus name of the module.
func (r *Runner) Name() string {
	return r.name
}

// Run loops until ctx is cancelled or the bus stops, returning nil, or until
// the bus fails underneath the module. In that case the module is
// unsubscribed and the failure returned.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Debug("dispatch loop started", "module", r.name)

	for {
		if ctx.Err() != nil {
			r.logger.Debug("dispatch loop stopped", "module", r.name)
			return nil
		}

		err := r.iterate(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			r.logger.Debug("dispatch loop stopped", "module", r.name)
			return nil
		}
		if errors.Is(err, bus.ErrBusStopped) {
			r.logger.Debug("dispatch loop ended, bus stopped", "module", r.name)
			return nil
		}

		r.logger.Error("dispatch loop failed", "module", r.name, "error", err)
		report := crash.FromError("module", err)
		report["module"] = r.name
		crash.Safe(r.reporter, report)
		if uerr := r.mailbox.Unsubscribe(r.name); uerr != nil {
			r.logger.Debug("unsubscribe after failure", "module", r.name, "error", uerr)
		}
		return fmt.Errorf("module %s: %w", r.name, err)
	}
}

// iterate runs one Process call and handles at most one envelope.
func (r *Runner) iterate(ctx context.Context) error {
	r.process(ctx)

	env, err := r.mailbox.Pull(ctx, r.name, r.cfg.PollTimeout)
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrNoMessageAvailable):
		r.idle(ctx)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return err
	}

	req := env.Request
	switch {
	case req.IsCommand():
		resp := r.execute(ctx, req)
		env.Respond(resp)
	case req.IsEvent() && req.From != r.name:
		r.handleEvent(ctx, req)
	}
	return nil
}

func (r *Runner) idle(ctx context.Context) {
	timer := time.NewTimer(r.cfg.IdleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (r *Runner) process(ctx context.Context) {
	p, ok := r.mod.(Processor)
	if !ok {
		return
	}
	defer r.recoverPanic("process", "")

	if err := p.Process(ctx); err != nil {
		r.logger.Warn("process hook failed", "module", r.name, "error", err)
		report := crash.FromError("module", err)
		report["module"] = r.name
		report["operation"] = "process"
		crash.Safe(r.reporter, report)
	}
}

// execute runs a command and always produces a response.
func (r *Runner) execute(ctx context.Context, req bus.Request) (resp bus.Response) {
	defer func() {
		if p := recover(); p != nil {
			r.reportPanic("command", req.Command, p)
			resp = ResponseFor(nil, fmt.Errorf("%w: %s: %v", ErrCommandPanic, req.Command, p))
		}
	}()

	result, err := r.commands.Dispatch(ctx, req)
	if err != nil {
		var info *InfoError
		if !errors.As(err, &info) {
			r.logger.Debug("command failed",
				"module", r.name,
				"command", req.Command,
				"from", req.From,
				"error", err,
			)
		}
	}
	return ResponseFor(result, err)
}

func (r *Runner) handleEvent(ctx context.Context, req bus.Request) {
	h, ok := r.mod.(EventHandler)
	if !ok {
		return
	}
	defer r.recoverPanic("event", req.Event)

	if err := h.HandleEvent(ctx, req); err != nil {
		r.logger.Warn("event handler failed",
			"module", r.name,
			"event", req.Event,
			"from", req.From,
			"error", err,
		)
	}
}

func (r *Runner) recoverPanic(operation, name string) {
	if p := recover(); p != nil {
		r.reportPanic(operation, name, p)
	}
}

func (r *Runner) reportPanic(operation, name string, p any) {
	r.logger.Error("module panicked",
		"module", r.name,
		"operation", operation,
		"name", name,
		"panic", p,
	)
	report := crash.FromPanic("module", p)
	report["module"] = r.name
	report["operation"] = operation
	if name != "" {
		report["name"] = name
	}
	crash.Safe(r.reporter, report)
}
