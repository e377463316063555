package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the relay. A nil *Metrics
// is valid and records nothing, which keeps tests free of registry
// collisions.
type Metrics struct {
	activeSessions  prometheus.Gauge
	requests        *prometheus.CounterVec
	published       prometheus.Counter
	fanout          prometheus.Histogram
	deliveries      prometheus.Counter
	deliveryErrors  prometheus.Counter
	busResubscribes prometheus.Counter
	queueFailures   *prometheus.CounterVec
}

// NewMetrics registers the relay metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_sessions",
			Help: "Current number of live client sessions",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Requests handled, by method",
		}, []string{"method"}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_published_total",
			Help: "Envelopes published to the bus by this instance",
		}),
		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_fanout_sessions",
			Help:    "Local sessions each bus envelope was delivered to",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Envelope deliveries to local session transports",
		}),
		deliveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_delivery_errors_total",
			Help: "Failed transport writes during fan-out",
		}),
		busResubscribes: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_bus_resubscribes_total",
			Help: "Times the dispatcher had to resubscribe to the bus",
		}),
		queueFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_queue_failures_total",
			Help: "Failed queue enqueues, by queue",
		}, []string{"queue"}),
	}
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordRequest(method string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method).Inc()
}

func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) RecordFanout(delivered, failed int) {
	if m == nil {
		return
	}
	m.fanout.Observe(float64(delivered))
	m.deliveries.Add(float64(delivered))
	m.deliveryErrors.Add(float64(failed))
}

func (m *Metrics) RecordBusResubscribe() {
	if m == nil {
		return
	}
	m.busResubscribes.Inc()
}

func (m *Metrics) RecordQueueFailure(queueName string) {
	if m == nil {
		return
	}
	m.queueFailures.WithLabelValues(queueName).Inc()
}
