// Package bus implements the internal message bus that hub modules use to
// talk to each other.
//
// Every module owns a mailbox: a bounded FIFO keyed by the module's
// case-insensitive name. Modules never call each other directly. A sender
// pushes a Request, the bus wraps it in an Envelope and enqueues it, and the
// recipient's dispatch loop pulls it, runs it and writes a Response back into
// the same envelope. A sender that asked for a response blocks until that
// happens or its timeout expires.
//
// # Phases
//
// The bus starts in the priming phase. While priming:
//   - broadcasts are buffered in a deferred queue
//   - pushes to modules that have not subscribed yet create their mailbox on
//     the fly and wait up to Config.StartupTimeout
//   - response timeouts are scaled by Config.PrimingTimeoutFactor
//
// AppConfigured flushes the deferred queue in send order into every mailbox,
// switches to the running phase and starts the purge cycle, which removes
// mailboxes whose owner stopped pulling.
//
// # Delivery
//
// Delivery is best-effort. A full mailbox drops its oldest envelope to admit
// the newest. A push that times out leaves its envelope queued; the recipient
// may still run it, but nobody is waiting for the answer.
//
// # Usage
//
//	b := bus.New(bus.DefaultConfig(), bus.WithLogger(log))
//	b.Subscribe("alarm")
//	b.Subscribe("light")
//	b.AppConfigured()
//
//	resp, err := b.Push(ctx, bus.NewCommand("alarm", "light", "turn_on", nil), 3*time.Second)
//	if errors.Is(err, bus.ErrNoResponse) {
//	    // light did not answer in time
//	}
//
// Thread Safety: all Bus methods are safe for concurrent use.
package bus
