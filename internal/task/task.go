package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/gray-logic-hub/internal/fault"
)

// Errors returned by Start.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = fault.New(fault.ErrState, "task: already started")

	// ErrStopped is returned when Start is called on a stopped task.
	ErrStopped = fault.New(fault.ErrState, "task: stopped")

	// ErrNoWork is returned when the task has no function to run.
	ErrNoWork = fault.New(fault.ErrValidation, "task: no work function")
)

// Func is the unit of work run by a Task.
type Func func() error

// Logger defines the logging interface for tasks.
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

// Config holds the scheduling settings of a Task.
type Config struct {
	// Name identifies the task in log output.
	Name string

	// Interval is the delay before the first run and between runs.
	// Zero means run once, immediately.
	Interval time.Duration

	// Repeat bounds the number of runs of a repeating task. 0 means unbounded.
	Repeat int

	// Logger receives run errors and recovered panics. Defaults to a no-op logger.
	Logger Logger

	// OnComplete is called once the task stops rescheduling itself after a run.
	// It is not called when Stop cancels a run that had not started yet.
	OnComplete func()

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// Task is a cancellable unit of work run once or at a fixed interval.
//
// Thread Safety: all methods are safe for concurrent use.
type Task struct {
	fn     Func
	cfg    Config
	clock  clock.Clock
	logger Logger

	mu        sync.Mutex
	timer     *clock.Timer
	started   bool
	stopped   bool
	running   bool
	finished  bool
	runs      int
	remaining int
	done      chan struct{}
}

// New creates a task. The task does nothing until Start is called.
func New(fn Func, cfg Config) *Task {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Name == "" {
		cfg.Name = "task"
	}

	return &Task{
		fn:        fn,
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		remaining: cfg.Repeat,
		done:      make(chan struct{}),
	}
}

// Go starts a run-once task executing fn on its own goroutine and returns it.
// It is the fire-and-forget form used for asynchronous callbacks.
func Go(name string, fn func(), logger Logger) *Task {
	t := New(func() error {
		fn()
		return nil
	}, Config{Name: name, Logger: logger})
	//nolint:errcheck // a fresh task with a function cannot fail to start
	t.Start()
	return t
}

// Start schedules the first run after Interval, or immediately when Interval is 0.
func (t *Task) Start() error {
	if t.fn == nil {
		return ErrNoWork
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	if t.cfg.Interval <= 0 {
		go t.run()
		return nil
	}
	t.timer = t.clock.AfterFunc(t.cfg.Interval, t.run)
	return nil
}

// Stop cancels any pending run and prevents further reschedules. A run that
// is already in flight completes, but the task will not run again.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	// An in-flight run finishes the task itself when it returns.
	if !t.running {
		t.finishLocked()
	}
}

// Wait blocks until the task has finished: its repeat count is exhausted,
// its single run completed, or it was stopped.
func (t *Task) Wait() {
	<-t.done
}

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runs returns the number of completed runs.
func (t *Task) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Stopped reports whether Stop has been called.
func (t *Task) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.cfg.Name
}

// run executes the work once and decides whether to reschedule.
func (t *Task) run() {
	t.mu.Lock()
	if t.stopped || t.finished {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.timer = nil
	t.mu.Unlock()

	t.execute()

	t.mu.Lock()
	t.running = false
	t.runs++
	if t.cfg.Repeat > 0 {
		t.remaining--
	}

	again := t.cfg.Interval > 0 &&
		(t.cfg.Repeat == 0 || t.remaining > 0) &&
		!t.stopped
	if again {
		t.timer = t.clock.AfterFunc(t.cfg.Interval, t.run)
		t.mu.Unlock()
		return
	}

	t.finishLocked()
	t.mu.Unlock()

	if t.cfg.OnComplete != nil {
		t.safeCall("completion callback", t.cfg.OnComplete)
	}
}

// execute runs the work function, containing errors and panics.
func (t *Task) execute() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("task panic recovered",
				"task", t.cfg.Name,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if err := t.fn(); err != nil {
		t.logger.Warn("task run failed",
			"task", t.cfg.Name,
			"error", err,
		)
	}
}

// safeCall invokes fn with panic recovery.
func (t *Task) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("task "+what+" panic recovered",
				"task", t.cfg.Name,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn()
}

// finishLocked closes the done channel once. Caller holds t.mu.
func (t *Task) finishLocked() {
	if t.finished {
		return
	}
	t.finished = true
	close(t.done)
}
