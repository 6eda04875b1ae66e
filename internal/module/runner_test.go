package module

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/crash"
)

type fakeModule struct {
	name     string
	commands CommandTable

	processCalls atomic.Int32
	processErr   error

	mu     sync.Mutex
	events []string
}

func (m *fakeModule) Name() string           { return m.name }
func (m *fakeModule) Commands() CommandTable { return m.commands }

func (m *fakeModule) Process(context.Context) error {
	m.processCalls.Add(1)
	return m.processErr
}

func (m *fakeModule) HandleEvent(_ context.Context, req bus.Request) error {
	if req.Event == "explode" {
		panic("event handler exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, req.From+":"+req.Event)
	return nil
}

func (m *fakeModule) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

type countingReporter struct {
	n atomic.Int32
}

func (r *countingReporter) Report(crash.Context) { r.n.Add(1) }

func newLightModule() *fakeModule {
	return &fakeModule{
		name: "light",
		commands: MustCommandTable(
			Command{Name: "status", Handler: func(context.Context, Call) (any, error) {
				return "on", nil
			}},
			Command{Name: "toggle", Handler: func(context.Context, Call) (any, error) {
				return nil, Info("nothing to toggle")
			}},
			Command{Name: "crash", Handler: func(context.Context, Call) (any, error) {
				panic("handler exploded")
			}},
		),
	}
}

// startRunner subscribes mod, runs its loop and returns a channel carrying Run's result.
func startRunner(t *testing.T, b *bus.Bus, mod Module, cfg RunnerConfig) (context.CancelFunc, <-chan error) {
	t.Helper()
	if err := b.Subscribe(mod.Name()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := NewRunner(mod, b, cfg)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func TestRunner_Commands(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	reporter := &countingReporter{}
	startRunner(t, b, newLightModule(), RunnerConfig{Reporter: reporter})
	b.Subscribe("alarm") //nolint:errcheck
	b.AppConfigured()    //nolint:errcheck

	tests := []struct {
		command   string
		wantError bool
		wantMsg   string
		wantData  any
	}{
		{command: "status", wantData: "on"},
		{command: "toggle", wantMsg: "nothing to toggle"},
		{command: "fly", wantError: true, wantMsg: "unknown command: fly"},
		{command: "crash", wantError: true},
		// Still serving after the panic.
		{command: "status", wantData: "on"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			resp, err := b.Push(context.Background(), bus.NewCommand("alarm", "light", tt.command, nil), 2*time.Second)
			if err != nil {
				t.Fatalf("Push() error = %v", err)
			}
			if resp.Error != tt.wantError {
				t.Errorf("Error = %v, want %v (message %q)", resp.Error, tt.wantError, resp.Message)
			}
			if tt.wantMsg != "" && resp.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", resp.Message, tt.wantMsg)
			}
			if resp.Data != tt.wantData {
				t.Errorf("Data = %v, want %v", resp.Data, tt.wantData)
			}
		})
	}

	if reporter.n.Load() != 1 {
		t.Errorf("crash reports = %d, want 1 for the panicking handler", reporter.n.Load())
	}
}

func TestRunner_PanicResponseMentionsCommand(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	startRunner(t, b, newLightModule(), RunnerConfig{})
	b.Subscribe("alarm") //nolint:errcheck
	b.AppConfigured()    //nolint:errcheck

	resp, err := b.Push(context.Background(), bus.NewCommand("alarm", "light", "crash", nil), 2*time.Second)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !strings.Contains(resp.Message, "crash") || !strings.Contains(resp.Message, "handler exploded") {
		t.Errorf("Message = %q", resp.Message)
	}
}

func TestRunner_EventsSkipOwnBroadcasts(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	mod := newLightModule()

	b.Subscribe("light") //nolint:errcheck
	b.Subscribe("alarm") //nolint:errcheck
	// While priming both are deferred and later flushed into every mailbox,
	// the sender's included.
	b.Push(context.Background(), bus.NewEvent("light", "switched", nil), 0) //nolint:errcheck
	b.Push(context.Background(), bus.NewEvent("alarm", "explode", nil), 0)  //nolint:errcheck
	b.Push(context.Background(), bus.NewEvent("alarm", "armed", nil), 0)    //nolint:errcheck
	b.AppConfigured()                                                       //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- NewRunner(mod, b, RunnerConfig{PollTimeout: 20 * time.Millisecond}).Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(mod.seen()) < 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := mod.seen()
	if len(got) != 1 || got[0] != "alarm:armed" {
		t.Errorf("events = %v, want [alarm:armed]", got)
	}
}

func TestRunner_ProcessHook(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	reporter := &countingReporter{}
	mod := newLightModule()
	mod.processErr = errors.New("sensor unreachable")

	cancel, done := startRunner(t, b, mod, RunnerConfig{
		PollTimeout: time.Millisecond,
		IdleDelay:   time.Millisecond,
		Reporter:    reporter,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && mod.processCalls.Load() < 3 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mod.processCalls.Load() < 3 {
		t.Errorf("Process called %d times, want at least 3", mod.processCalls.Load())
	}
	if reporter.n.Load() == 0 {
		t.Error("Process errors should be reported")
	}
}

func TestRunner_StopsWithBus(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	_, done := startRunner(t, b, newLightModule(), RunnerConfig{})

	time.Sleep(30 * time.Millisecond)
	b.Stop()

	if err := waitResult(t, done); err != nil {
		t.Errorf("Run() after bus stop error = %v, want nil", err)
	}
}

func TestRunner_FatalBusFailureUnsubscribes(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	reporter := &countingReporter{}
	_, done := startRunner(t, b, newLightModule(), RunnerConfig{
		PollTimeout: time.Second,
		Reporter:    reporter,
	})

	time.Sleep(30 * time.Millisecond)
	b.Unsubscribe("light") //nolint:errcheck

	err := waitResult(t, done)
	if !errors.Is(err, bus.ErrBusError) && !errors.Is(err, bus.ErrUnknownModule) {
		t.Fatalf("Run() error = %v, want a bus failure", err)
	}
	if b.IsSubscribed("light") {
		t.Error("module should be unsubscribed after a fatal failure")
	}
	if reporter.n.Load() == 0 {
		t.Error("fatal failure should be reported")
	}
}

type failingMailbox struct {
	err          error
	unsubscribed atomic.Bool
}

func (f *failingMailbox) Pull(context.Context, string, time.Duration) (*bus.Envelope, error) {
	return nil, f.err
}

func (f *failingMailbox) Unsubscribe(string) error {
	f.unsubscribed.Store(true)
	return nil
}

func TestRunner_SurvivesResubscribe(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	reporter := &countingReporter{}
	_, done := startRunner(t, b, newLightModule(), RunnerConfig{
		PollTimeout: 2 * time.Second,
		Reporter:    reporter,
	})
	b.Subscribe("alarm") //nolint:errcheck
	b.AppConfigured()    //nolint:errcheck

	time.Sleep(100 * time.Millisecond)
	if err := b.Subscribe("light"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case err := <-done:
		t.Fatalf("Run() returned %v after re-subscribe", err)
	case <-time.After(100 * time.Millisecond):
	}
	if !b.IsSubscribed("light") {
		t.Fatal("light unsubscribed after re-subscribe")
	}

	resp, err := b.Push(context.Background(), bus.NewCommand("alarm", "light", "status", nil), 2*time.Second)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if resp.Data != "on" {
		t.Errorf("Data = %v, want on", resp.Data)
	}
	if n := reporter.n.Load(); n != 0 {
		t.Errorf("crash reports = %d, want 0", n)
	}
}

func TestRunner_UnexpectedPullError(t *testing.T) {
	mb := &failingMailbox{err: errors.New("disk on fire")}
	r := NewRunner(newLightModule(), mb, RunnerConfig{})

	err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("Run() error = %v", err)
	}
	if !mb.unsubscribed.Load() {
		t.Error("Run() should unsubscribe the module on a fatal error")
	}
}

func TestRunner_ContextCancel(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	cancel, done := startRunner(t, b, newLightModule(), RunnerConfig{PollTimeout: time.Second})

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := waitResult(t, done); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if !b.IsSubscribed("light") {
		t.Error("cancellation must not unsubscribe the module")
	}
}
