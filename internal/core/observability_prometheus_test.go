package core

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCountsCommands(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	m := newMarket(t, WithMetricsRecorder(rec))
	if _, _, err := m.svc.Deposit(context.Background(), consumer, 0); err == nil {
		t.Fatalf("expected zero deposit to fail")
	}

	if got := testutil.ToFloat64(rec.commands.WithLabelValues("create_identity", "success")); got != 3 {
		t.Fatalf("expected 3 identity creations, got %v", got)
	}
	if got := testutil.ToFloat64(rec.commands.WithLabelValues("deposit", "error")); got != 1 {
		t.Fatalf("expected 1 failed deposit, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.gas); n == 0 {
		t.Fatalf("expected gas histograms to be populated")
	}
}

func TestPrometheusRecorderRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetricsRecorder(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
