// Package telemetry holds the Prometheus collectors of the reactor and the
// trigger queue.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskengine"

// Calculation outcomes.
const (
	OutcomeStored   = "stored"
	OutcomeDisabled = "disabled"
	OutcomeDeferred = "deferred"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Metrics is the set of collectors shared by one process.
type Metrics struct {
	// Triggers counts processed triggers.
	// Labels: kind, outcome (acked, deferred, dead_lettered, nacked)
	Triggers *prometheus.CounterVec

	// Calculations counts metric calculations.
	// Labels: metric, outcome (stored, disabled, deferred, skipped, failed)
	Calculations *prometheus.CounterVec

	// CalculationDuration measures one calculation including its append.
	// Labels: metric
	CalculationDuration *prometheus.HistogramVec

	// SoftDeadlineExceeded counts calculations that ran past the soft deadline.
	SoftDeadlineExceeded prometheus.Counter

	// BatchSize tracks the number of calculations planned per batch.
	BatchSize prometheus.Histogram

	// Classifications counts risk stamps.
	// Labels: entity, level
	Classifications *prometheus.CounterVec

	// QueueDepth is the last sampled number of pending triggers.
	QueueDepth prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "triggers_total",
			Help:      "Triggers processed by outcome",
		}, []string{"kind", "outcome"}),
		Calculations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "calculations_total",
			Help:      "Metric calculations by outcome",
		}, []string{"metric", "outcome"}),
		CalculationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "calculation_duration_seconds",
			Help:      "Metric calculation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		}, []string{"metric"}),
		SoftDeadlineExceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "soft_deadline_exceeded_total",
			Help:      "Calculations that ran past the soft deadline",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "batch_calculations",
			Help:      "Deduplicated calculations per trigger batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "stamps_total",
			Help:      "Risk levels stamped on entities",
		}, []string{"entity", "level"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_triggers",
			Help:      "Pending triggers at the last sample",
		}),
	}
}

// NewUnregistered returns collectors bound to a private registry, for
// callers that do not expose /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
