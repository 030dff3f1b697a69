package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the kennisgevingen engine.
// All helper methods are nil-safe so components can run without metrics in
// tests.
type Metrics struct {
	// Intake results by outcome: accepted, duplicate, malformed, busy
	IntakeEvents *prometheus.CounterVec

	// Depth of the sharded event queue
	QueueDepth *prometheus.GaugeVec

	// Time to evaluate one event against the active set
	MatchLatency prometheus.Histogram

	NotificationsCreated prometheus.Counter

	// Delivery attempt outcomes: delivered, retry_scheduled, failed_terminal
	DeliveryAttempts *prometheus.CounterVec

	// Time for one delivery attempt (send only)
	DeliveryLatency prometheus.Histogram

	AuditBufferDepth prometheus.Gauge
	AuditDropped     prometheus.Counter
	AuditDegraded    prometheus.Gauge
}

// New creates a Metrics instance registered on the default registry.
// Call once per process.
func New() *Metrics {
	return &Metrics{
		IntakeEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kennisgevingen_intake_events_total",
			Help: "Mutation intake results by outcome",
		}, []string{"result"}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kennisgevingen_queue_depth",
			Help: "Events waiting per matcher shard",
		}, []string{"shard"}),

		MatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kennisgevingen_match_duration_seconds",
			Help:    "Duration of matching one event against the active subscription set",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		NotificationsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kennisgevingen_notifications_created_total",
			Help: "Pending notifications created by the matcher",
		}),

		DeliveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kennisgevingen_delivery_attempts_total",
			Help: "Delivery attempt outcomes",
		}, []string{"outcome"}),

		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kennisgevingen_delivery_duration_seconds",
			Help:    "Duration of one delivery attempt",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		AuditBufferDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kennisgevingen_audit_buffer_depth",
			Help: "Audit records waiting for the durable sink",
		}),

		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kennisgevingen_audit_records_dropped_total",
			Help: "Audit records dropped at hard buffer overflow",
		}),

		AuditDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kennisgevingen_audit_degraded",
			Help: "1 while the audit sink is unavailable and records are buffered",
		}),
	}
}

func (m *Metrics) IncIntake(result string) {
	if m != nil {
		m.IntakeEvents.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetQueueDepth(shard, depth int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
	}
}

func (m *Metrics) ObserveMatchLatency(d time.Duration) {
	if m != nil {
		m.MatchLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncNotificationsCreated() {
	if m != nil {
		m.NotificationsCreated.Inc()
	}
}

func (m *Metrics) IncDeliveryOutcome(outcome string) {
	if m != nil {
		m.DeliveryAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveDeliveryLatency(d time.Duration) {
	if m != nil {
		m.DeliveryLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetAuditBufferDepth(n int) {
	if m != nil {
		m.AuditBufferDepth.Set(float64(n))
	}
}

func (m *Metrics) IncAuditDropped() {
	if m != nil {
		m.AuditDropped.Inc()
	}
}

func (m *Metrics) SetAuditDegraded(degraded bool) {
	if m != nil {
		v := 0.0
		if degraded {
			v = 1.0
		}
		m.AuditDegraded.Set(v)
	}
}
