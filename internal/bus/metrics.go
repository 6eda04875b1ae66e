package bus

import "github.com/prometheus/client_golang/prometheus"

// Push routes, used as the "route" label of the pushes counter.
const (
	routeAddressed = "addressed"
	routeRPC       = "rpc"
	routeBroadcast = "broadcast"
	routeDeferred  = "deferred"
	routeLateBound = "late_bound"
)

// Metrics holds the Prometheus collectors for one bus.
// A nil *Metrics records nothing.
type Metrics struct {
	pushes     *prometheus.CounterVec
	dropped    prometheus.Counter
	noResponse prometheus.Counter
	purged     prometheus.Counter
	mailboxes  prometheus.Gauge
}

// NewMetrics creates the bus collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graylogic",
				Subsystem: "bus",
				Name:      "pushes_total",
				Help:      "Requests pushed onto the bus, by delivery route.",
			},
			[]string{"route"},
		),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Envelopes evicted from full mailboxes.",
		}),
		noResponse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "bus",
			Name:      "no_response_total",
			Help:      "Pushes that gave up waiting for a response.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "bus",
			Name:      "purged_total",
			Help:      "Subscriptions removed by the purge cycle.",
		}),
		mailboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "graylogic",
			Subsystem: "bus",
			Name:      "mailboxes",
			Help:      "Mailboxes currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pushes, m.dropped, m.noResponse, m.purged, m.mailboxes)
	}
	return m
}

func (m *Metrics) push(route string) {
	if m != nil {
		m.pushes.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.noResponse.Inc()
	}
}

func (m *Metrics) purge() {
	if m != nil {
		m.purged.Inc()
	}
}

func (m *Metrics) setMailboxes(n int) {
	if m != nil {
		m.mailboxes.Set(float64(n))
	}
}
