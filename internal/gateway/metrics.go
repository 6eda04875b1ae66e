package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the HTTP collectors of one gateway.
// A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	clients  prometheus.Gauge
}

// NewMetrics creates the gateway collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graylogic",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "graylogic",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "graylogic",
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Connected WebSocket clients.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.clients)
	return m
}

func (m *Metrics) observe(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, statusLabel).Inc()
	m.duration.WithLabelValues(method, route, statusLabel).Observe(elapsed.Seconds())
}

func (m *Metrics) setClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}
