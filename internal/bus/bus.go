package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/gray-logic-hub/internal/crash"
	"github.com/nerrad567/gray-logic-hub/internal/task"
)

// Config holds the bus timing and sizing settings.
type Config struct {
	// MailboxCapacity bounds every mailbox. Default: 100.
	MailboxCapacity int

	// DefaultPushTimeout is the response timeout callers use when they have
	// no better value. Default: 3s.
	DefaultPushTimeout time.Duration

	// DefaultPullTimeout is the pull wait callers use when they have no
	// better value. Default: 500ms.
	DefaultPullTimeout time.Duration

	// StartupTimeout replaces the caller's timeout for late-bound deliveries
	// while priming. Default: 30s.
	StartupTimeout time.Duration

	// PrimingTimeoutFactor scales addressed push timeouts while priming.
	// Default: 4.
	PrimingTimeoutFactor int

	// PurgeInterval is the period of the purge cycle. Default: 60s.
	PurgeInterval time.Duration

	// SubscriptionLifetime is how long a module may go without pulling
	// before the purge cycle removes it. Default: 600s.
	SubscriptionLifetime time.Duration
}

// DefaultConfig returns a Config with the standard bus settings.
func DefaultConfig() Config {
	return Config{
		MailboxCapacity:      DefaultMailboxCapacity,
		DefaultPushTimeout:   3 * time.Second,
		DefaultPullTimeout:   500 * time.Millisecond,
		StartupTimeout:       30 * time.Second,
		PrimingTimeoutFactor: 4,
		PurgeInterval:        60 * time.Second,
		SubscriptionLifetime: 600 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MailboxCapacity <= 0 {
		c.MailboxCapacity = def.MailboxCapacity
	}
	if c.DefaultPushTimeout <= 0 {
		c.DefaultPushTimeout = def.DefaultPushTimeout
	}
	if c.DefaultPullTimeout <= 0 {
		c.DefaultPullTimeout = def.DefaultPullTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.PrimingTimeoutFactor <= 0 {
		c.PrimingTimeoutFactor = def.PrimingTimeoutFactor
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = def.PurgeInterval
	}
	if c.SubscriptionLifetime <= 0 {
		c.SubscriptionLifetime = def.SubscriptionLifetime
	}
	return c
}

// Logger defines the logging interface for the bus.
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

// Option customises a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithReporter sets the crash reporter.
func WithReporter(r crash.Reporter) Option {
	return func(b *Bus) {
		if r != nil {
			b.reporter = r
		}
	}
}

// WithClock sets the time source. Tests use clock.NewMock().
func WithClock(clk clock.Clock) Option {
	return func(b *Bus) {
		if clk != nil {
			b.clock = clk
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// Bus is the mailbox registry shared by all modules.
type Bus struct {
	cfg      Config
	logger   Logger
	reporter crash.Reporter
	clock    clock.Clock
	metrics  *Metrics

	mu         sync.RWMutex
	mailboxes  map[string]*mailbox
	activity   map[string]time.Time
	deferred   []*Envelope
	waiting    map[*Envelope]struct{}
	configured bool
	stopped    bool
	purgeTask  *task.Task
}

// New creates a bus in the priming phase.
func New(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:       cfg.withDefaults(),
		logger:    noopLogger{},
		reporter:  crash.Nop{},
		clock:     clock.New(),
		mailboxes: make(map[string]*mailbox),
		activity:  make(map[string]time.Time),
		waiting:   make(map[*Envelope]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective bus configuration.
func (b *Bus) Config() Config {
	return b.cfg
}

// Subscribe creates an empty mailbox for module.
//
// Subscribing again replaces the mailbox and its contents; a Pull already
// waiting for the module carries on against the new mailbox. A mailbox that
// was created by a late-bound delivery while priming is adopted instead, so
// the messages that were waiting for the module are kept.
func (b *Bus) Subscribe(module string) error {
	name := NormaliseName(module)
	if name == "" {
		return ErrInvalidModule
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusStopped
	}

	old, exists := b.mailboxes[name]
	if exists && !old.claimed {
		old.claimed = true
		b.activity[name] = b.clock.Now()
		b.mu.Unlock()
		b.logger.Debug("subscription adopted late-bound mailbox", "module", name, "queued", old.depth())
		return nil
	}

	mb := newMailbox(name, b.cfg.MailboxCapacity)
	mb.claimed = true
	b.mailboxes[name] = mb
	b.activity[name] = b.clock.Now()
	b.metrics.setMailboxes(len(b.mailboxes))
	b.mu.Unlock()

	if exists {
		b.releaseAll(old.close(errMailboxReplaced), ErrUnsubscribed)
		b.logger.Warn("subscription replaced existing mailbox", "module", name)
	} else {
		b.logger.Debug("module subscribed", "module", name)
	}
	return nil
}

// Unsubscribe deletes the mailbox of module. Senders still waiting on its
// queued envelopes are released with ErrUnsubscribed.
func (b *Bus) Unsubscribe(module string) error {
	name := NormaliseName(module)

	b.mu.Lock()
	mb, ok := b.removeLocked(name)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}

	b.releaseAll(mb.close(ErrUnsubscribed), ErrUnsubscribed)
	b.logger.Debug("module unsubscribed", "module", name)
	return nil
}

// removeLocked drops name from the registry. Caller holds b.mu and closes
// the returned mailbox after unlocking.
func (b *Bus) removeLocked(name string) (*mailbox, bool) {
	mb, ok := b.mailboxes[name]
	if !ok {
		return nil, false
	}
	delete(b.mailboxes, name)
	delete(b.activity, name)
	b.metrics.setMailboxes(len(b.mailboxes))
	return mb, true
}

// IsSubscribed reports whether module currently has a mailbox.
func (b *Bus) IsSubscribed(module string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.mailboxes[NormaliseName(module)]
	return ok
}

// Modules returns the names of all modules with a mailbox, sorted.
func (b *Bus) Modules() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.mailboxes))
	for name := range b.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether AppConfigured has been called.
func (b *Bus) Configured() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.configured
}

// Push delivers req and, when timeout > 0 and the request is addressed,
// waits for the recipient's response.
//
// Dispatch, in order:
//  1. req.To names a subscribed module: addressed delivery.
//  2. req.To is RPCGroup: forwarded to every "rpc-" mailbox (dropped while priming).
//  3. req.To is empty: broadcast to every other mailbox (deferred while priming).
//  4. Priming and req.To is unknown: late-bound delivery.
//  5. Otherwise ErrUnknownModule.
//
// Broadcasts and pushes with timeout 0 return (nil, nil) once enqueued.
// A timed-out push returns *NoResponseError and leaves its envelope queued.
func (b *Bus) Push(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.normalised()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrBusStopped
	}
	priming := !b.configured

	if mb, ok := b.mailboxes[req.To]; ok && !req.IsBroadcast() {
		wait := timeout > 0
		if wait && priming {
			timeout *= time.Duration(b.cfg.PrimingTimeoutFactor)
		}
		env := newEnvelope(req, wait)
		if wait {
			b.waiting[env] = struct{}{}
		}
		b.enqueueLocked(mb, env)
		b.mu.Unlock()
		b.metrics.push(routeAddressed)

		if !wait {
			return nil, nil
		}
		return b.await(ctx, env, timeout)
	}

	switch {
	case req.To == RPCGroup:
		if priming {
			b.mu.Unlock()
			b.logger.Debug("rpc forward dropped while priming", "from", req.From)
			return nil, nil
		}
		env := newEnvelope(req, false)
		for name, mb := range b.mailboxes {
			if strings.HasPrefix(name, RPCPrefix) {
				b.enqueueLocked(mb, env.clone())
			}
		}
		b.mu.Unlock()
		b.metrics.push(routeRPC)
		return nil, nil

	case req.IsBroadcast():
		env := newEnvelope(req, false)
		if priming {
			b.deferred = append(b.deferred, env)
			b.mu.Unlock()
			b.metrics.push(routeDeferred)
			return nil, nil
		}
		for name, mb := range b.mailboxes {
			if name != req.From {
				b.enqueueLocked(mb, env.clone())
			}
		}
		b.mu.Unlock()
		b.metrics.push(routeBroadcast)
		return nil, nil

	case priming:
		mb := newMailbox(req.To, b.cfg.MailboxCapacity)
		b.mailboxes[req.To] = mb
		b.activity[req.To] = b.clock.Now()
		b.metrics.setMailboxes(len(b.mailboxes))

		wait := timeout > 0
		env := newEnvelope(req, wait)
		if wait {
			b.waiting[env] = struct{}{}
			timeout = b.cfg.StartupTimeout
		}
		b.enqueueLocked(mb, env)
		b.mu.Unlock()
		b.metrics.push(routeLateBound)
		b.logger.Debug("late-bound delivery created mailbox", "module", req.To, "from", req.From)

		if !wait {
			return nil, nil
		}
		return b.await(ctx, env, timeout)

	default:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, req.To)
	}
}

// enqueueLocked puts env into mb and accounts for eviction. Caller holds b.mu.
func (b *Bus) enqueueLocked(mb *mailbox, env *Envelope) {
	evicted, err := mb.put(env)
	if err != nil {
		// Only closed mailboxes refuse envelopes, and closed mailboxes are
		// removed from the registry before they are closed.
		b.logger.Warn("envelope refused by closed mailbox", "module", mb.name, "error", err)
		return
	}
	if evicted != nil {
		b.metrics.drop()
		b.logger.Debug("mailbox full, oldest envelope dropped",
			"module", mb.name,
			"dropped_id", evicted.ID,
		)
	}
}

// await blocks until env is answered or released, the timeout expires or
// ctx is done.
func (b *Bus) await(ctx context.Context, env *Envelope, timeout time.Duration) (*Response, error) {
	defer func() {
		b.mu.Lock()
		delete(b.waiting, env)
		b.mu.Unlock()
	}()

	timer := b.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-env.waiter:
		return env.outcome()
	case <-timer.C:
		b.metrics.timeout()
		return nil, &NoResponseError{To: env.Request.To, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pull dequeues the oldest envelope for module, waiting up to timeout.
// A zero timeout makes one non-blocking attempt.
func (b *Bus) Pull(ctx context.Context, module string, timeout time.Duration) (*Envelope, error) {
	name := NormaliseName(module)
	deadline := b.clock.Now().Add(timeout)

	for {
		b.mu.Lock()
		mb, ok := b.mailboxes[name]
		if !ok {
			stopped := b.stopped
			b.mu.Unlock()
			if stopped {
				return nil, ErrBusStopped
			}
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
		}
		// Any pull by a subscribed module counts as activity, empty or not.
		b.activity[name] = b.clock.Now()
		b.mu.Unlock()

		env, err := mb.get(ctx, timeout, b.clock)
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, errMailboxClosed) {
			return nil, err
		}

		reason := mb.closeReason()
		switch {
		case errors.Is(reason, errMailboxReplaced):
			if timeout > 0 {
				timeout = max(deadline.Sub(b.clock.Now()), 0)
			}
			continue
		case errors.Is(reason, ErrBusStopped):
			return nil, ErrBusStopped
		}

		busErr := fmt.Errorf("%w: mailbox of %s closed while pulling: %v", ErrBusError, name, reason)
		b.logger.Error("pull failed", "module", name, "error", busErr)
		crash.Safe(b.reporter, crash.Context{
			"component": "bus",
			"operation": "pull",
			"module":    name,
			"error":     busErr.Error(),
		})
		return nil, busErr
	}
}

// AppConfigured ends the priming phase. It flushes every deferred broadcast,
// in send order, into every mailbox and starts the purge cycle.
// A second call returns ErrAlreadyConfigured.
func (b *Bus) AppConfigured() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrBusStopped
	}
	if b.configured {
		return ErrAlreadyConfigured
	}

	for _, env := range b.deferred {
		for _, mb := range b.mailboxes {
			b.enqueueLocked(mb, env.clone())
		}
	}
	flushed := len(b.deferred)
	b.deferred = nil
	b.configured = true

	b.purgeTask = task.New(b.purgeSubscriptions, task.Config{
		Name:     "bus-purge",
		Interval: b.cfg.PurgeInterval,
		Logger:   b.logger,
		Clock:    b.clock,
	})
	if err := b.purgeTask.Start(); err != nil {
		return fmt.Errorf("starting purge task: %w", err)
	}

	b.logger.Info("bus configured",
		"mailboxes", len(b.mailboxes),
		"deferred_flushed", flushed,
	)
	return nil
}

// purgeSubscriptions removes every module that has not pulled within the
// subscription lifetime.
func (b *Bus) purgeSubscriptions() error {
	now := b.clock.Now()

	b.mu.RLock()
	var stale []string
	for name, last := range b.activity {
		if now.Sub(last) > b.cfg.SubscriptionLifetime {
			stale = append(stale, name)
		}
	}
	b.mu.RUnlock()

	for _, name := range stale {
		if !b.removeIfStale(name, now) {
			continue
		}
		b.metrics.purge()
		b.logger.Warn("purged inactive subscription",
			"module", name,
			"lifetime", b.cfg.SubscriptionLifetime,
		)
	}
	return nil
}

// removeIfStale unsubscribes name unless it pulled or re-subscribed since
// the purge scan at now.
func (b *Bus) removeIfStale(name string, now time.Time) bool {
	b.mu.Lock()
	last, ok := b.activity[name]
	if !ok || now.Sub(last) <= b.cfg.SubscriptionLifetime {
		b.mu.Unlock()
		return false
	}
	mb, ok := b.removeLocked(name)
	b.mu.Unlock()
	if !ok {
		return false
	}

	b.releaseAll(mb.close(ErrUnsubscribed), ErrUnsubscribed)
	return true
}

// Stop shuts the bus down. Every mailbox is drained and every waiting sender
// is released: it gets the response if one was written, ErrBusStopped
// otherwise. Stop is idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true

	mailboxes := make([]*mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	waiting := make([]*Envelope, 0, len(b.waiting))
	for env := range b.waiting {
		waiting = append(waiting, env)
	}
	b.deferred = nil
	purge := b.purgeTask
	b.mu.Unlock()

	for _, mb := range mailboxes {
		b.releaseAll(mb.close(ErrBusStopped), ErrBusStopped)
	}
	b.releaseAll(waiting, ErrBusStopped)

	if purge != nil {
		purge.Stop()
	}
	b.logger.Info("bus stopped", "mailboxes", len(mailboxes), "released", len(waiting))
}

// Stopped reports whether Stop has been called.
func (b *Bus) Stopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// releaseAll releases each envelope with reason.
func (b *Bus) releaseAll(envs []*Envelope, reason error) {
	for _, env := range envs {
		env.release(reason)
	}
}
