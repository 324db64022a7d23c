package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the delivery subsystem's Prometheus collectors, bound to a
// caller-supplied registry so tests can use an isolated one.
type Metrics struct {
	Registry *prometheus.Registry

	DispatchedEvents *prometheus.CounterVec
	Attempts         *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	Latency          *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		DispatchedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "webhookd_dispatched_events_total", Help: "Domain events accepted by the dispatcher, by event type."},
			[]string{"event_type"},
		),
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "webhookd_delivery_attempts_total", Help: "Outbound delivery attempts by outcome."},
			[]string{"outcome"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "webhookd_deliveries_total", Help: "Deliveries reaching a terminal status."},
			[]string{"status"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "webhookd_delivery_latency_ms", Help: "Subscriber response latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000}},
			[]string{"event_type"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "webhookd_due_queue_depth", Help: "Deliveries currently due for an attempt."},
		),
	}

	m.Registry.MustRegister(m.DispatchedEvents, m.Attempts, m.Deliveries, m.Latency, m.QueueDepth)
	m.Registry.MustRegister(collectors.NewGoCollector())
	m.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}
