package arbiter

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for one arbiter.
// A nil *Metrics records nothing.
type Metrics struct {
	grants          *prometheus.CounterVec
	releaseRequests *prometheus.CounterVec
	waiting         *prometheus.GaugeVec
}

// NewMetrics creates the arbiter collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		grants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graylogic",
				Subsystem: "arbiter",
				Name:      "grants_total",
				Help:      "Times a resource was granted to a module.",
			},
			[]string{"resource"},
		),
		releaseRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graylogic",
				Subsystem: "arbiter",
				Name:      "release_requests_total",
				Help:      "Times a holder was asked to release a resource.",
			},
			[]string{"resource"},
		),
		waiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "graylogic",
				Subsystem: "arbiter",
				Name:      "waiting",
				Help:      "Modules queued for a resource.",
			},
			[]string{"resource"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.grants, m.releaseRequests, m.waiting)
	}
	return m
}

func (m *Metrics) grant(resource string) {
	if m != nil {
		m.grants.WithLabelValues(resource).Inc()
	}
}

func (m *Metrics) releaseRequest(resource string) {
	if m != nil {
		m.releaseRequests.WithLabelValues(resource).Inc()
	}
}

func (m *Metrics) setWaiting(resource string, n int) {
	if m != nil {
		m.waiting.WithLabelValues(resource).Set(float64(n))
	}
}
