package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports command counters, latency and gas
// histograms to a Prometheus registry.
type PrometheusMetricsRecorder struct {
	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	gas      *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers the marketcore collectors with reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketcore",
			Name:      "commands_total",
			Help:      "Marketplace commands by operation and outcome.",
		}, []string{"operation", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketcore",
			Name:      "command_duration_seconds",
			Help:      "Command latency including commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		gas: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketcore",
			Name:      "command_gas",
			Help:      "Gas charged per command.",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 12),
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.commands, r.latency, r.gas} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	r.commands.WithLabelValues(operation, status).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveGas implements GasObserver.
func (r *PrometheusMetricsRecorder) ObserveGas(_ context.Context, operation string, gas uint64) {
	r.gas.WithLabelValues(operation).Observe(float64(gas))
}
