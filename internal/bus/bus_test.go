package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-hub/internal/crash"
	"github.com/nerrad567/gray-logic-hub/internal/fault"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []crash.Context
}

func (r *recordingReporter) Report(ctx crash.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, ctx)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// newRunningBus returns a configured bus with the given modules subscribed.
func newRunningBus(t *testing.T, modules ...string) *Bus {
	t.Helper()
	b := New(DefaultConfig())
	for _, m := range modules {
		if err := b.Subscribe(m); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", m, err)
		}
	}
	if err := b.AppConfigured(); err != nil {
		t.Fatalf("AppConfigured() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

// respondOnce pulls one envelope for module and answers it with fn.
func respondOnce(t *testing.T, b *Bus, module string, fn func(*Envelope) Response) {
	t.Helper()
	go func() {
		env, err := b.Pull(context.Background(), module, 2*time.Second)
		if err != nil {
			return
		}
		env.Respond(fn(env))
	}()
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribe(t *testing.T) {
	b := New(DefaultConfig())

	if err := b.Subscribe("Light"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !b.IsSubscribed("light") || !b.IsSubscribed("LIGHT") {
		t.Error("module names should be case-insensitive")
	}
	if err := b.Subscribe("  "); !errors.Is(err, ErrInvalidModule) {
		t.Errorf("Subscribe(blank) error = %v, want ErrInvalidModule", err)
	}
	if got := b.Modules(); len(got) != 1 || got[0] != "light" {
		t.Errorf("Modules() = %v, want [light]", got)
	}
}

func TestSubscribe_ReplacesMailbox(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	if _, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), 0); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := b.Subscribe("light"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := b.Pull(context.Background(), "light", 0); !errors.Is(err, ErrNoMessageAvailable) {
		t.Errorf("re-subscribed mailbox should be empty, Pull() error = %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newRunningBus(t, "light")

	if err := b.Unsubscribe("LIGHT"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if b.IsSubscribed("light") {
		t.Error("module still subscribed after Unsubscribe")
	}

	err := b.Unsubscribe("light")
	if !errors.Is(err, ErrUnknownModule) {
		t.Errorf("second Unsubscribe() error = %v, want ErrUnknownModule", err)
	}
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("ErrUnknownModule should be a not-found fault")
	}
}

func TestPush_Validation(t *testing.T) {
	b := newRunningBus(t, "light")

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing sender", req: Request{Command: "on", To: "light"}},
		{name: "neither command nor event", req: Request{From: "alarm", To: "light"}},
		{name: "both command and event", req: Request{Command: "on", Event: "ring", From: "alarm", To: "light"}},
		{name: "command without recipient", req: Request{Command: "on", From: "alarm"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Push(context.Background(), tt.req, time.Second)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Push() error = %v, want ErrInvalidRequest", err)
			}
			if !errors.Is(err, fault.ErrValidation) {
				t.Errorf("Push() error should be a validation fault")
			}
		})
	}
}

func TestPush_AddressedRequestResponse(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	respondOnce(t, b, "light", func(env *Envelope) Response {
		return Response{Message: "ok", Data: env.Request.Params["level"]}
	})

	resp, err := b.Push(context.Background(),
		NewCommand("alarm", "Light", "dim", map[string]any{"level": 40}),
		2*time.Second,
	)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if resp == nil || resp.Error || resp.Message != "ok" || resp.Data != 40 {
		t.Errorf("Push() response = %+v", resp)
	}
}

func TestPush_NoWaitReturnsImmediately(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	resp, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), 0)
	if err != nil || resp != nil {
		t.Fatalf("Push() = %v, %v; want nil, nil", resp, err)
	}

	env, err := b.Pull(context.Background(), "light", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if env.ExpectsResponse() {
		t.Error("envelope pushed with zero timeout should not expect a response")
	}
	if env.Request.From != "alarm" || env.Request.Command != "on" {
		t.Errorf("pulled request = %+v", env.Request)
	}
}

func TestPush_ParamsCopied(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	params := map[string]any{"level": 10}
	if _, err := b.Push(context.Background(), NewCommand("alarm", "light", "dim", params), 0); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	params["level"] = 99

	env, err := b.Pull(context.Background(), "light", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if env.Request.Params["level"] != 10 {
		t.Errorf("pushed params changed after push: %v", env.Request.Params["level"])
	}
}

func TestPush_TimeoutLeavesEnvelopeQueued(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	start := time.Now()
	_, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), 50*time.Millisecond)
	elapsed := time.Since(start)

	var noResp *NoResponseError
	if !errors.As(err, &noResp) {
		t.Fatalf("Push() error = %v, want *NoResponseError", err)
	}
	if noResp.To != "light" || noResp.Timeout != 50*time.Millisecond {
		t.Errorf("NoResponseError = %+v", noResp)
	}
	if !errors.Is(err, ErrNoResponse) || !errors.Is(err, fault.ErrTimeout) {
		t.Error("NoResponseError should match ErrNoResponse and fault.ErrTimeout")
	}
	if elapsed > time.Second {
		t.Errorf("Push() blocked for %v, far beyond its timeout", elapsed)
	}

	env, err := b.Pull(context.Background(), "light", 0)
	if err != nil {
		t.Fatalf("abandoned envelope should still be delivered, Pull() error = %v", err)
	}
	if !env.Respond(Response{Message: "late"}) {
		t.Error("late Respond should still be accepted")
	}
}

func TestPush_NeverBlocksPastTimeout(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		timeout := time.Duration(10+i*5) * time.Millisecond
		answer := i%2 == 0
		go func() {
			defer wg.Done()
			if answer {
				respondOnce(t, b, "light", func(*Envelope) Response { return Response{} })
			}
			start := time.Now()
			_, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), timeout)
			if err != nil && !errors.Is(err, ErrNoResponse) {
				t.Errorf("Push() error = %v", err)
			}
			if elapsed := time.Since(start); elapsed > timeout+time.Second {
				t.Errorf("Push() with timeout %v blocked for %v", timeout, elapsed)
			}
		}()
	}
	wg.Wait()
}

func TestPush_ContextCancel(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := b.Push(ctx, NewCommand("alarm", "light", "on", nil), 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Push() error = %v, want context.Canceled", err)
	}
}

func TestPush_UnknownModuleWhileRunning(t *testing.T) {
	b := newRunningBus(t, "alarm")

	_, err := b.Push(context.Background(), NewCommand("alarm", "ghost", "on", nil), time.Second)
	if !errors.Is(err, ErrUnknownModule) {
		t.Errorf("Push() error = %v, want ErrUnknownModule", err)
	}
	if b.IsSubscribed("ghost") {
		t.Error("running bus must not create mailboxes for unknown modules")
	}
}

func TestPush_BroadcastSkipsSender(t *testing.T) {
	b := newRunningBus(t, "light", "alarm", "audio")

	if _, err := b.Push(context.Background(), NewEvent("alarm", "ring", nil), time.Second); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	for _, m := range []string{"light", "audio"} {
		env, err := b.Pull(context.Background(), m, 0)
		if err != nil {
			t.Fatalf("Pull(%s) error = %v", m, err)
		}
		if env.Request.Event != "ring" {
			t.Errorf("%s got %q, want ring", m, env.Request.Event)
		}
	}
	if _, err := b.Pull(context.Background(), "alarm", 0); !errors.Is(err, ErrNoMessageAvailable) {
		t.Errorf("sender received its own broadcast, Pull() error = %v", err)
	}
}

func TestPush_FanOutRecipientsOwnParams(t *testing.T) {
	tests := []struct {
		name       string
		req        Request
		recipients []string
	}{
		{"broadcast", NewEvent("alarm", "ring", map[string]any{"volume": 5}), []string{"light", "audio"}},
		{"rpc group", Request{Event: "state", From: "alarm", To: RPCGroup, Params: map[string]any{"volume": 5}}, []string{"rpc-a", "rpc-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newRunningBus(t, "light", "audio", "alarm", "rpc-a", "rpc-b")
			if _, err := b.Push(context.Background(), tt.req, 0); err != nil {
				t.Fatalf("Push() error = %v", err)
			}
			first, err := b.Pull(context.Background(), tt.recipients[0], 0)
			if err != nil {
				t.Fatalf("Pull(%s) error = %v", tt.recipients[0], err)
			}
			first.Request.Params["volume"] = 11

			second, err := b.Pull(context.Background(), tt.recipients[1], 0)
			if err != nil {
				t.Fatalf("Pull(%s) error = %v", tt.recipients[1], err)
			}
			if second.Request.Params["volume"] != 5 {
				t.Errorf("%s saw volume %v, want 5", tt.recipients[1], second.Request.Params["volume"])
			}
			if first.ID != second.ID {
				t.Errorf("recipients got IDs %s and %s, want one envelope ID", first.ID, second.ID)
			}
		})
	}
}

func TestAppConfigured_ReplaysDeferredBroadcastsInOrder(t *testing.T) {
	b := New(DefaultConfig())
	t.Cleanup(b.Stop)

	for _, m := range []string{"light", "alarm"} {
		if err := b.Subscribe(m); err != nil {
			t.Fatalf("Subscribe error = %v", err)
		}
	}

	events := []string{"boot", "network_up", "time_synced", "ready"}
	for _, ev := range events {
		resp, err := b.Push(context.Background(), NewEvent("system", ev, nil), time.Second)
		if err != nil || resp != nil {
			t.Fatalf("deferred Push() = %v, %v; want nil, nil", resp, err)
		}
	}

	if _, err := b.Pull(context.Background(), "light", 0); !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("broadcast delivered while priming, Pull() error = %v", err)
	}
	if got := b.Stats().Deferred; got != len(events) {
		t.Fatalf("Stats().Deferred = %d, want %d", got, len(events))
	}

	// Subscribed after the broadcasts but before the flush: still receives them.
	if err := b.Subscribe("audio"); err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	if err := b.AppConfigured(); err != nil {
		t.Fatalf("AppConfigured() error = %v", err)
	}

	for _, m := range []string{"light", "alarm", "audio"} {
		for _, want := range events {
			env, err := b.Pull(context.Background(), m, 0)
			if err != nil {
				t.Fatalf("Pull(%s) error = %v", m, err)
			}
			if env.Request.Event != want {
				t.Errorf("%s got %q, want %q", m, env.Request.Event, want)
			}
		}
	}
	if got := b.Stats().Deferred; got != 0 {
		t.Errorf("Stats().Deferred after flush = %d, want 0", got)
	}
}

func TestAppConfigured_Twice(t *testing.T) {
	b := newRunningBus(t, "light")

	err := b.AppConfigured()
	if !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("second AppConfigured() error = %v, want ErrAlreadyConfigured", err)
	}
	if !b.Configured() {
		t.Error("Configured() = false after AppConfigured")
	}
}

func TestPush_RPCGroup(t *testing.T) {
	b := New(DefaultConfig())
	t.Cleanup(b.Stop)
	for _, m := range []string{"rpc-a", "rpc-b", "light"} {
		b.Subscribe(m) //nolint:errcheck
	}

	// Dropped while priming.
	if _, err := b.Push(context.Background(), Request{Event: "early", From: "light", To: RPCGroup}, 0); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := b.AppConfigured(); err != nil {
		t.Fatalf("AppConfigured() error = %v", err)
	}
	if _, err := b.Pull(context.Background(), "rpc-a", 0); !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("rpc forward should be dropped while priming, Pull() error = %v", err)
	}

	if _, err := b.Push(context.Background(), Request{Event: "state", From: "light", To: RPCGroup}, time.Second); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	for _, m := range []string{"rpc-a", "rpc-b"} {
		env, err := b.Pull(context.Background(), m, 0)
		if err != nil {
			t.Fatalf("Pull(%s) error = %v", m, err)
		}
		if env.Request.Event != "state" {
			t.Errorf("%s got %q, want state", m, env.Request.Event)
		}
	}
	if _, err := b.Pull(context.Background(), "light", 0); !errors.Is(err, ErrNoMessageAvailable) {
		t.Errorf("non-rpc mailbox received rpc forward, Pull() error = %v", err)
	}
}

func TestPush_LateBoundDelivery(t *testing.T) {
	b := New(DefaultConfig())
	t.Cleanup(b.Stop)
	b.Subscribe("alarm") //nolint:errcheck

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := b.Push(context.Background(), NewCommand("alarm", "light", "status", nil), 10*time.Millisecond)
		done <- result{resp, err}
	}()

	waitUntil(t, "late-bound mailbox", func() bool { return b.IsSubscribed("light") })

	// The target finishes subscribing after the push; the queued command survives.
	if err := b.Subscribe("light"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Well past the caller's 10ms timeout: the startup timeout applies instead.
	time.Sleep(100 * time.Millisecond)

	env, err := b.Pull(context.Background(), "light", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	env.Respond(Response{Message: "on"})

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("late-bound Push() error = %v", r.err)
		}
		if r.resp.Message != "on" {
			t.Errorf("response message = %q, want on", r.resp.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late-bound Push() did not return")
	}
}

func TestPush_PrimingScalesTimeout(t *testing.T) {
	mock := clock.NewMock()
	b := New(DefaultConfig(), WithClock(mock))
	t.Cleanup(b.Stop)
	b.Subscribe("light") //nolint:errcheck
	b.Subscribe("alarm") //nolint:errcheck

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), time.Second)
		errCh <- err
	}()
	waitUntil(t, "sender waiting", func() bool { return b.Stats().Waiting == 1 })
	// Let the sender arm its timer before moving the mock clock.
	time.Sleep(20 * time.Millisecond)

	mock.Add(3 * time.Second)
	select {
	case err := <-errCh:
		t.Fatalf("Push() returned after 3s while priming: %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case err := <-errCh:
		var noResp *NoResponseError
		if !errors.As(err, &noResp) {
			t.Fatalf("Push() error = %v, want *NoResponseError", err)
		}
		if noResp.Timeout != 4*time.Second {
			t.Errorf("timeout = %v, want 4s", noResp.Timeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Push() did not time out after the scaled timeout")
	}
}

func TestPull_UnknownModule(t *testing.T) {
	b := newRunningBus(t)
	if _, err := b.Pull(context.Background(), "ghost", 0); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("Pull() error = %v, want ErrUnknownModule", err)
	}
}

func TestPull_ZeroTimeoutFailsImmediately(t *testing.T) {
	b := newRunningBus(t, "light")

	start := time.Now()
	_, err := b.Pull(context.Background(), "light", 0)
	if !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("Pull() error = %v, want ErrNoMessageAvailable", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Pull(timeout=0) took %v", elapsed)
	}
}

func TestPull_WaitsForLateMessage(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	go func() {
		time.Sleep(200 * time.Millisecond)
		b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), 0) //nolint:errcheck
	}()

	env, err := b.Pull(context.Background(), "light", 2*time.Second)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if env.Request.Command != "on" {
		t.Errorf("command = %q, want on", env.Request.Command)
	}
}

func TestPull_MailboxRemovedWhileWaiting(t *testing.T) {
	reporter := &recordingReporter{}
	b := New(DefaultConfig(), WithReporter(reporter))
	t.Cleanup(b.Stop)
	b.Subscribe("light") //nolint:errcheck
	b.AppConfigured()    //nolint:errcheck

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Pull(context.Background(), "light", 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Unsubscribe("light") //nolint:errcheck

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrBusError) {
			t.Errorf("Pull() error = %v, want ErrBusError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pull() not woken by Unsubscribe")
	}
	if reporter.count() != 1 {
		t.Errorf("crash reports = %d, want 1", reporter.count())
	}
}

func TestPull_FollowsReplacedMailbox(t *testing.T) {
	reporter := &recordingReporter{}
	b := New(DefaultConfig(), WithReporter(reporter))
	t.Cleanup(b.Stop)
	b.Subscribe("light") //nolint:errcheck
	b.Subscribe("alarm") //nolint:errcheck
	b.AppConfigured()    //nolint:errcheck

	type result struct {
		env *Envelope
		err error
	}
	got := make(chan result, 1)
	go func() {
		env, err := b.Pull(context.Background(), "light", 2*time.Second)
		got <- result{env, err}
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Subscribe("light"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), 0); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Pull() error = %v, want the command pushed after re-subscribe", r.err)
		}
		if r.env.Request.Command != "on" {
			t.Errorf("command = %q, want on", r.env.Request.Command)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Pull() did not return")
	}
	if !b.IsSubscribed("light") {
		t.Error("light unsubscribed after re-subscribe")
	}
	if reporter.count() != 0 {
		t.Errorf("crash reports = %d, want 0", reporter.count())
	}
}

func TestPull_ReplacedMailboxKeepsDeadline(t *testing.T) {
	b := newRunningBus(t, "light")

	errCh := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := b.Pull(context.Background(), "light", 200*time.Millisecond)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Subscribe("light") //nolint:errcheck

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNoMessageAvailable) {
			t.Errorf("Pull() error = %v, want ErrNoMessageAvailable", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Pull() took %v, want the original 200ms deadline", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pull() did not return")
	}
}

func TestUnsubscribe_ReleasesWaitingSender(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), 5*time.Second)
		errCh <- err
	}()
	waitUntil(t, "sender waiting", func() bool { return b.Stats().Waiting == 1 })
	b.Unsubscribe("light") //nolint:errcheck

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrUnsubscribed) {
			t.Errorf("Push() error = %v, want ErrUnsubscribed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sender not released by Unsubscribe")
	}
}

func TestStop_ReleasesWaitingSenders(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	// One envelope stays queued, the other is pulled and never answered.
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Push(context.Background(), NewCommand("alarm", "light", "on", nil), 10*time.Second)
			errCh <- err
		}()
	}
	waitUntil(t, "senders waiting", func() bool { return b.Stats().Waiting == 2 })

	if _, err := b.Pull(context.Background(), "light", 0); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	b.Stop()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, ErrBusStopped) {
				t.Errorf("Push() error = %v, want ErrBusStopped", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not release a waiting sender")
		}
	}
}

func TestStop_ReturnsWrittenResponse(t *testing.T) {
	env := newEnvelope(NewCommand("alarm", "light", "on", nil), true)
	env.Respond(Response{Message: "partial"})
	env.release(ErrBusStopped)

	resp, err := env.outcome()
	if err != nil || resp.Message != "partial" {
		t.Errorf("outcome() = %+v, %v; want partial response", resp, err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	b := newRunningBus(t, "light")
	b.Stop()
	b.Stop()

	if !b.Stopped() {
		t.Error("Stopped() = false after Stop")
	}
	if _, err := b.Push(context.Background(), NewEvent("light", "x", nil), 0); !errors.Is(err, ErrBusStopped) {
		t.Errorf("Push() after Stop error = %v, want ErrBusStopped", err)
	}
	if _, err := b.Pull(context.Background(), "light", 0); !errors.Is(err, ErrBusStopped) {
		t.Errorf("Pull() after Stop error = %v, want ErrBusStopped", err)
	}
	if err := b.Subscribe("new"); !errors.Is(err, ErrBusStopped) {
		t.Errorf("Subscribe() after Stop error = %v, want ErrBusStopped", err)
	}
	if got := b.Stats().Phase; got != PhaseStopped {
		t.Errorf("Stats().Phase = %q, want %q", got, PhaseStopped)
	}
}

func TestMailboxBoundThroughBus(t *testing.T) {
	b := newRunningBus(t, "light", "alarm")

	for i := 0; i <= DefaultMailboxCapacity; i++ {
		req := NewCommand("alarm", "light", "set", map[string]any{"n": i})
		if _, err := b.Push(context.Background(), req, 0); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}

	stats := b.Stats()
	var light MailboxStats
	for _, mb := range stats.Mailboxes {
		if mb.Module == "light" {
			light = mb
		}
	}
	if light.Depth != DefaultMailboxCapacity || light.Dropped != 1 {
		t.Errorf("light mailbox stats = %+v", light)
	}

	env, err := b.Pull(context.Background(), "light", 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if env.Request.Params["n"] != 1 {
		t.Errorf("oldest remaining n = %v, want 1", env.Request.Params["n"])
	}
}

func TestPurgeSubscriptions(t *testing.T) {
	mock := clock.NewMock()
	b := New(DefaultConfig(), WithClock(mock))
	t.Cleanup(b.Stop)
	b.Subscribe("idle")   //nolint:errcheck
	b.Subscribe("active") //nolint:errcheck

	mock.Add(5 * time.Minute)
	b.Pull(context.Background(), "active", 0) //nolint:errcheck
	mock.Add(6 * time.Minute)

	if err := b.purgeSubscriptions(); err != nil {
		t.Fatalf("purgeSubscriptions() error = %v", err)
	}
	if b.IsSubscribed("idle") {
		t.Error("idle module should be purged")
	}
	if !b.IsSubscribed("active") {
		t.Error("active module should survive the purge")
	}
}

func TestPurgeSubscriptions_SparesModulePulledSinceScan(t *testing.T) {
	mock := clock.NewMock()
	b := New(DefaultConfig(), WithClock(mock))
	t.Cleanup(b.Stop)
	b.Subscribe("light") //nolint:errcheck

	mock.Add(11 * time.Minute)
	scan := mock.Now()
	mock.Add(time.Second)
	b.Pull(context.Background(), "light", 0) //nolint:errcheck

	if b.removeIfStale("light", scan) {
		t.Error("removeIfStale() = true for a module that pulled after the scan")
	}
	if !b.IsSubscribed("light") {
		t.Fatal("light purged despite pulling")
	}

	mock.Add(11 * time.Minute)
	if !b.removeIfStale("light", mock.Now()) {
		t.Error("removeIfStale() = false for an idle module")
	}
	if b.removeIfStale("light", mock.Now()) {
		t.Error("removeIfStale() = true for a module already gone")
	}
}

func TestPurgeCycleRunsAfterConfigured(t *testing.T) {
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.PurgeInterval = time.Minute
	cfg.SubscriptionLifetime = 30 * time.Second

	b := New(cfg, WithClock(mock))
	t.Cleanup(b.Stop)
	b.Subscribe("idle") //nolint:errcheck
	if err := b.AppConfigured(); err != nil {
		t.Fatalf("AppConfigured() error = %v", err)
	}

	mock.Add(time.Minute)
	waitUntil(t, "purge", func() bool { return !b.IsSubscribed("idle") })
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := New(DefaultConfig(), WithMetrics(NewMetrics(reg)))
	t.Cleanup(b.Stop)
	b.Subscribe("light")                                            //nolint:errcheck
	b.Subscribe("alarm")                                            //nolint:errcheck
	b.Push(context.Background(), NewEvent("alarm", "boot", nil), 0) //nolint:errcheck
	b.AppConfigured()                                               //nolint:errcheck
	b.Push(context.Background(), NewEvent("alarm", "ring", nil), 0) //nolint:errcheck

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"graylogic_bus_pushes_total", "graylogic_bus_mailboxes"} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestConcurrentSendersOneResponder(t *testing.T) {
	b := newRunningBus(t, "light")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			env, err := b.Pull(ctx, "light", 50*time.Millisecond)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrBusStopped) {
					return
				}
				continue
			}
			env.Respond(Response{Data: env.Request.From})
		}
	}()

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		sender := fmt.Sprintf("sender-%d", i)
		b.Subscribe(sender) //nolint:errcheck
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := b.Push(context.Background(), NewCommand(sender, "light", "who", nil), 2*time.Second)
			if err != nil {
				t.Errorf("%s: Push() error = %v", sender, err)
				return
			}
			if resp.Data != sender {
				t.Errorf("%s got response for %v", sender, resp.Data)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()

	if ok.Load() != 30 {
		t.Errorf("successful round trips = %d, want 30", ok.Load())
	}
}
