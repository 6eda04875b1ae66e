package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultMailboxCapacity is the number of envelopes a mailbox holds before
// it starts dropping the oldest.
const DefaultMailboxCapacity = 100

// errMailboxClosed is returned by a mailbox after close. The bus translates
// it using the close reason.
var errMailboxClosed = errors.New("bus: mailbox closed")

// mailbox is a bounded FIFO of envelopes owned by one module.
//
// put never blocks: when the mailbox is full the oldest envelope is evicted.
// get waits on a notification channel instead of polling.
type mailbox struct {
	name     string
	capacity int

	mu      sync.Mutex
	items   []*Envelope
	dropped uint64
	claimed bool
	closed  bool
	reason  error

	// notify holds at most one pending wake-up for a waiting get.
	notify chan struct{}
	// done is closed when the mailbox is closed.
	done chan struct{}
}

// newMailbox creates an empty mailbox.
func newMailbox(name string, capacity int) *mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &mailbox{
		name:     name,
		capacity: capacity,
		items:    make([]*Envelope, 0, capacity),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// put appends env, evicting and returning the oldest envelope when full.
func (m *mailbox) put(env *Envelope) (*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errMailboxClosed
	}

	var evicted *Envelope
	if len(m.items) >= m.capacity {
		evicted = m.items[0]
		m.items[0] = nil
		m.items = m.items[1:]
		m.dropped++
	}
	m.items = append(m.items, env)

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// tryGet dequeues the oldest envelope without blocking.
func (m *mailbox) tryGet() (*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errMailboxClosed
	}
	if len(m.items) == 0 {
		return nil, ErrNoMessageAvailable
	}

	env := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return env, nil
}

// get dequeues the oldest envelope, waiting up to timeout for one to arrive.
// A zero timeout makes exactly one non-blocking attempt.
func (m *mailbox) get(ctx context.Context, timeout time.Duration, clk clock.Clock) (*Envelope, error) {
	env, err := m.tryGet()
	if err == nil || timeout <= 0 || !errors.Is(err, ErrNoMessageAvailable) {
		return env, err
	}

	timer := clk.Timer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-m.notify:
		case <-m.done:
			return nil, errMailboxClosed
		case <-timer.C:
			// One last look: a put may have raced the timer.
			return m.tryGet()
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		env, err = m.tryGet()
		if !errors.Is(err, ErrNoMessageAvailable) {
			return env, err
		}
	}
}

// close marks the mailbox closed and returns the envelopes still queued.
func (m *mailbox) close(reason error) []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.reason = reason
	close(m.done)

	drained := m.items
	m.items = nil
	return drained
}

// closeReason returns why the mailbox was closed, or nil if it is open.
func (m *mailbox) closeReason() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// depth returns the number of queued envelopes.
func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// droppedCount returns how many envelopes were evicted by overflow.
func (m *mailbox) droppedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
