package bus

import (
	"sort"
	"time"
)

// Phase names reported by Stats.
const (
	PhasePriming = "priming"
	PhaseRunning = "running"
	PhaseStopped = "stopped"
)

// MailboxStats describes one mailbox.
type MailboxStats struct {
	Module       string    `json:"module"`
	Depth        int       `json:"depth"`
	Dropped      uint64    `json:"dropped"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats is a point-in-time snapshot of the bus.
type Stats struct {
	Phase     string         `json:"phase"`
	Deferred  int            `json:"deferred"`
	Waiting   int            `json:"waiting"`
	Mailboxes []MailboxStats `json:"mailboxes"`
}

// Stats returns a snapshot of the bus, mailboxes sorted by module name.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	phase := PhasePriming
	switch {
	case b.stopped:
		phase = PhaseStopped
	case b.configured:
		phase = PhaseRunning
	}

	stats := Stats{
		Phase:     phase,
		Deferred:  len(b.deferred),
		Waiting:   len(b.waiting),
		Mailboxes: make([]MailboxStats, 0, len(b.mailboxes)),
	}
	for name, mb := range b.mailboxes {
		stats.Mailboxes = append(stats.Mailboxes, MailboxStats{
			Module:       name,
			Depth:        mb.depth(),
			Dropped:      mb.droppedCount(),
			LastActivity: b.activity[name],
		})
	}
	sort.Slice(stats.Mailboxes, func(i, j int) bool {
		return stats.Mailboxes[i].Module < stats.Mailboxes[j].Module
	})
	return stats
}
