package fusion

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rotation_fusion"

// Sample outcomes recorded by Metrics.
const (
	outcomeAccepted   = "accepted"
	outcomeSuppressed = "suppressed"
	outcomeInvalid    = "invalid"
	outcomeIgnored    = "ignored"
)

// Metrics counts what sessions do with their samples. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	samples     *prometheus.CounterVec
	corrections prometheus.Counter
	singular    prometheus.Counter
	emissions   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Passing nil skips
// registration, which is useful when several sessions are created in one process under test.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "samples_total",
			Help:      "Rotation samples seen by the sampling gate, by source and outcome.",
		}, []string{"source", "outcome"}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "corrections_total",
			Help:      "Correction matrix recomputes.",
		}),
		singular: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "singular_corrections_total",
			Help:      "Correction recomputes skipped or degraded by a degenerate gyroscopic frame.",
		}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "emissions_total",
			Help:      "Rotation matrices handed to the emitter, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.samples, m.corrections, m.singular, m.emissions)
	}
	return m
}

func (m *Metrics) sample(source Source, outcome string) {
	if m == nil {
		return
	}
	m.samples.With(prometheus.Labels{"source": string(source), "outcome": outcome}).Inc()
}

func (m *Metrics) correction() {
	if m == nil {
		return
	}
	m.corrections.Inc()
}

func (m *Metrics) singularCorrection() {
	if m == nil {
		return
	}
	m.singular.Inc()
}

func (m *Metrics) emission(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.emissions.With(prometheus.Labels{"result": result}).Inc()
}
