package mqtt

import "github.com/prometheus/client_golang/prometheus"

// Handler failure kinds, used as the "kind" label.
const (
	failureError = "error"
	failurePanic = "panic"
)

// Metrics holds the Prometheus collectors for one client.
// A nil *Metrics records nothing.
type Metrics struct {
	publishes  *prometheus.CounterVec
	delivered  prometheus.Counter
	failures   *prometheus.CounterVec
	reconnects prometheus.Counter
	connected  prometheus.Gauge
}

// NewMetrics creates the MQTT collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graylogic",
				Subsystem: "mqtt",
				Name:      "publishes_total",
				Help:      "Messages published, by result.",
			},
			[]string{"result"},
		),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "mqtt",
			Name:      "messages_received_total",
			Help:      "Messages delivered to subscription handlers.",
		}),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graylogic",
				Subsystem: "mqtt",
				Name:      "handler_failures_total",
				Help:      "Subscription handlers that returned an error or panicked.",
			},
			[]string{"kind"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "graylogic",
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 while the broker session is up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.publishes, m.delivered, m.failures, m.reconnects, m.connected)
	}
	return m
}

func (m *Metrics) published(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) received() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) handlerFailure(kind string) {
	if m != nil {
		m.failures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
