package bootstrap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zph/phil/pkg/logger"
)

// metrics are registered on Options.Metrics. With a nil registerer they are
// still updated but never exported. Bootstrappers sharing a registerer share
// the collectors registered by the first one.
type metrics struct {
	steps        *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	tierDuration *prometheus.HistogramVec
	nodes        *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		steps: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phil_bootstrap_steps_total",
			Help: "Bootstrap steps by step name and outcome",
		}, []string{"step", "outcome"})),
		attempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phil_bootstrap_attempts_total",
			Help: "Polling and command attempts, including retries",
		}, []string{"kind"})),
		tierDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phil_bootstrap_tier_duration_seconds",
			Help:    "Time to start, reach and configure one tier",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"tier"})),
		nodes: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "phil_bootstrap_nodes",
			Help: "Nodes by lifecycle state",
		}, []string{"state"})),
	}
}

// register adds c to reg, returning the collector already registered under
// the same descriptor if there is one
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}

	err := reg.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	logger.Warn("bootstrap metric not exported: %v", err)
	return c
}

func (m *metrics) step(step string, outcome Outcome) {
	m.steps.WithLabelValues(step, string(outcome)).Inc()
}
