package payment

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "fare_wallet"

// Metrics counts what flows through the pipeline
type Metrics struct {
	scans       *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	guardBlocks prometheus.Counter
	settlements *prometheus.CounterVec
	capture     *prometheus.CounterVec
}

// NewMetrics creates the pipeline metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "scans_total",
			Help:      "Captures classified, by category.",
		}, []string{"category"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "resolutions_total",
			Help:      "Reference resolutions, by category and result.",
		}, []string{"category", "result"}),
		guardBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "frozen_wallet_blocks_total",
			Help:      "Confirmations blocked because the wallet is frozen.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "settlement",
			Name:      "attempts_total",
			Help:      "Settlement attempts, by category and outcome.",
		}, []string{"category", "outcome"}),
		capture: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "capture",
			Name:      "events_total",
			Help:      "Capture session events, by event.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.scans, m.resolutions, m.guardBlocks, m.settlements, m.capture)
	}
	return m
}

func (m *Metrics) scanned(category Category) {
	m.scans.WithLabelValues(string(category)).Inc()
}

func (m *Metrics) resolved(category Category, result string) {
	m.resolutions.WithLabelValues(string(category), result).Inc()
}

func (m *Metrics) guardBlocked() {
	m.guardBlocks.Inc()
}

func (m *Metrics) settled(category Category, outcome Outcome) {
	m.settlements.WithLabelValues(string(category), string(outcome)).Inc()
}

func (m *Metrics) captureEvent(event string) {
	m.capture.WithLabelValues(event).Inc()
}
