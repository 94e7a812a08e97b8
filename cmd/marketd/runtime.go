package main

import (
	"expvar"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"marketcore/internal/config"
	"marketcore/internal/core"
)

func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// node bundles the long-lived pieces every subcommand opens.
type node struct {
	cfg       config.Config
	zap       *zap.Logger
	log       core.Logger
	store     core.PersistentStore
	svc       *core.Service
	telemetry *telemetry
}

func openNode(cctx *cli.Context, opts ...core.Option) (*node, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	zl, err := cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	tel, err := newTelemetry(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	store, err := core.OpenPersistentStore(cfg.StorageOptions(), core.NewDefaultRulesEngine())
	if err != nil {
		_ = tel.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	log := core.NewZapLogger(zl)
	opts = append(append([]core.Option{
		core.WithLogger(log),
		core.WithDefaultRatingScore(cfg.Trading.DefaultScore),
		core.WithBrokerFeePercent(cfg.Trading.BrokerFeePercent),
	}, tel.options()...), opts...)
	return &node{
		cfg:       cfg,
		zap:       zl,
		log:       log,
		store:     store,
		svc:       core.NewService(store, opts...),
		telemetry: tel,
	}, nil
}

func (n *node) Close() error {
	_ = n.zap.Sync()
	if err := n.telemetry.Close(); err != nil {
		n.log.Warn("trace file", "error", err)
	}
	return core.CloseStore(n.store)
}

// telemetry is the metrics recorder and tracer chosen by the metrics section.
type telemetry struct {
	recorder core.MetricsRecorder
	path     string
	handler  http.Handler
	tracer   *core.JSONTracer
	traces   *os.File
}

func newTelemetry(cfg config.Metrics) (*telemetry, error) {
	t := &telemetry{}
	switch cfg.Exporter {
	case config.ExporterExpvar:
		t.recorder = core.NewExpvarRecorder("")
		t.path, t.handler = "/debug/vars", expvar.Handler()
	default:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, err
		}
		t.recorder = rec
		t.path, t.handler = "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		t.traces = f
		t.tracer = core.NewJSONTracer(f, nil)
	}
	return t, nil
}

func (t *telemetry) options() []core.Option {
	opts := []core.Option{core.WithMetricsRecorder(t.recorder)}
	if t.tracer != nil {
		opts = append(opts, core.WithTracer(t.tracer))
	}
	return opts
}

// Close closes the trace file, reporting the first failed trace write.
func (t *telemetry) Close() error {
	if t.traces == nil {
		return nil
	}
	werr := t.tracer.Err()
	if err := t.traces.Close(); err != nil && werr == nil {
		werr = err
	}
	return werr
}
