package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "relay"

	Publisher  = "publisher"
	Connection = "connection"

	// Outcome label values for pushes and resends
	OutcomeSent     = "sent"
	OutcomeBuffered = "buffered"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple relay instances.
type Labels struct {
	Service       string // Service name as it appears in the logs
	Transport     string // Broker transport ("amqp" or "kafka")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Transport != "" {
		labels["transport"] = l.Transport
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

// Metrics holds the Prometheus collectors of the publish channel and the
// connection manager. A nil *Metrics records nothing.
type Metrics struct {
	// Publish channel
	pushes        *prometheus.CounterVec // by outcome (sent/buffered/error)
	resends       *prometheus.CounterVec // by outcome (sent/rejected/error)
	buffered      prometheus.Gauge
	flushCycles   prometheus.Counter
	flushDuration prometheus.Histogram
	discarded     prometheus.Counter

	// Connection liveness
	connected        prometheus.Gauge
	connectionErrors prometheus.Counter
	connectionCloses prometheus.Counter
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels, use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "pushes_total",
			Help:      "Total number of pushes by outcome (sent, buffered, error)",
		}, []string{"outcome"}),
		resends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "resends_total",
			Help:      "Total number of buffered message resends by outcome (sent, rejected, error)",
		}, []string{"outcome"}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "buffered_messages",
			Help:      "Number of messages waiting for a capacity-restored signal",
		}),
		flushCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "flush_cycles_total",
			Help:      "Total number of flush loops started by a capacity-restored signal",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "flush_duration_seconds",
			Help:      "Duration of a single flush loop",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "discarded_on_close_total",
			Help:      "Total number of buffered messages discarded when the channel was closed",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "connected",
			Help:      "1 while the broker connection is considered alive, 0 otherwise",
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "errors_total",
			Help:      "Total number of transport error events",
		}),
		connectionCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "closes_total",
			Help:      "Total number of transport close events",
		}),
	}

	err := errors.Join(
		reg.Register(m.pushes),
		reg.Register(m.resends),
		reg.Register(m.buffered),
		reg.Register(m.flushCycles),
		reg.Register(m.flushDuration),
		reg.Register(m.discarded),
		reg.Register(m.connected),
		reg.Register(m.connectionErrors),
		reg.Register(m.connectionCloses),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPush records the outcome of a Push call.
func (m *Metrics) RecordPush(outcome string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(outcome).Inc()
}

// RecordResend records the outcome of a resend attempted by a flush loop.
func (m *Metrics) RecordResend(outcome string) {
	if m == nil {
		return
	}
	m.resends.WithLabelValues(outcome).Inc()
}

// SetBuffered updates the buffered messages gauge.
func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.buffered.Set(float64(n))
}

// ObserveFlush records one completed flush loop.
func (m *Metrics) ObserveFlush(seconds float64) {
	if m == nil {
		return
	}
	m.flushCycles.Inc()
	m.flushDuration.Observe(seconds)
}

// AddDiscarded records buffered messages dropped on close.
func (m *Metrics) AddDiscarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discarded.Add(float64(n))
}

// SetConnected updates the connection liveness gauge.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// IncConnectionError records a transport error event.
func (m *Metrics) IncConnectionError() {
	if m == nil {
		return
	}
	m.connectionErrors.Inc()
}

// IncConnectionClose records a transport close event.
func (m *Metrics) IncConnectionClose() {
	if m == nil {
		return
	}
	m.connectionCloses.Inc()
}
