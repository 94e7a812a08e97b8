package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"marketcore/internal/blob"
	"marketcore/internal/config"
	"marketcore/internal/core"
	"marketcore/internal/journal"
	"marketcore/pkg/domain"
)

func writeConfig(t *testing.T, archiveRoot string, extra ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `[storage]
driver = "memory"

[archive]
driver = "fs"
fs_root = "` + archiveRoot + `"

[log]
level = "error"
` + strings.Join(extra, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"marketd"}, args...))
	return out.String(), err
}

func TestDemoSettlesTrade(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	out, err := run(t, "--config", cfg, "demo", "--seed", "test", "--price", "25")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, out)
	}
	for _, want := range []string{"submit_counter consumer", "settled=true", "cost=25 refund=0 fee=0", "provider_balance=25", "rating=5.00 (1)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestDemoChargesConfiguredBrokerFee(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "[trading]", "broker_fee_percent = 20")
	out, err := run(t, "--config", cfg, "demo", "--seed", "fee", "--price", "25")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, out)
	}
	if !strings.Contains(out, "cost=25 refund=0 fee=5 provider_balance=20") {
		t.Fatalf("expected the broker fee deducted:\n%s", out)
	}
}

func TestDemoAppendsTraceFile(t *testing.T) {
	traces := filepath.Join(t.TempDir(), "trace.jsonl")
	cfg := writeConfig(t, t.TempDir(), "[metrics]", `trace_file = "`+traces+`"`)
	for _, seed := range []string{"one", "two"} {
		if out, err := run(t, "--config", cfg, "demo", "--seed", seed); err != nil {
			t.Fatalf("demo %s: %v\n%s", seed, err, out)
		}
	}
	f, err := os.Open(traces)
	if err != nil {
		t.Fatalf("open traces: %v", err)
	}
	defer f.Close()
	records, err := core.ReadTraces(f)
	if err != nil {
		t.Fatalf("read traces: %v", err)
	}
	var counters int
	for _, rec := range records {
		if rec.Error != "" {
			t.Fatalf("unexpected failed command %+v", rec)
		}
		if rec.Operation == "submit_counter" {
			counters++
		}
	}
	if counters != 4 {
		t.Fatalf("expected both runs appended, got %d submit_counter records of %d", counters, len(records))
	}
}

func csvGas(t *testing.T, out string) []uint64 {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if lines[0] != "k,gas" {
		t.Fatalf("missing csv header: %q", lines[0])
	}
	var gas []uint64
	for _, line := range lines[1:] {
		_, v, ok := strings.Cut(line, ",")
		if !ok {
			t.Fatalf("bad csv line %q", line)
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			t.Fatalf("bad gas in %q: %v", line, err)
		}
		gas = append(gas, n)
	}
	return gas
}

func TestBenchGasIsMonotonic(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	for _, args := range [][]string{
		{"bench", "update", "--n", "16"},
		{"bench", "cascade", "--n", "30", "--step", "10"},
	} {
		out, err := run(t, append([]string{"--config", cfg}, args...)...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		gas := csvGas(t, out)
		if len(gas) < 4 {
			t.Fatalf("%v: expected at least 4 rows, got %d", args, len(gas))
		}
		for i := 1; i < len(gas); i++ {
			if gas[i] <= gas[i-1] {
				t.Fatalf("%v: gas not increasing at row %d: %v", args, i, gas)
			}
		}
	}
}

func TestBenchRunsRepeatExactly(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	args := []string{"--config", cfg, "bench", "update", "--n", "32"}
	first, err := run(t, args...)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := run(t, args...)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first != second {
		t.Fatalf("bench output changed between runs:\n%s\n---\n%s", first, second)
	}
}

func TestVerifyReadsArchive(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	var discard bytes.Buffer
	if err := runDemo(ctx, svc, &discard, "verify", 10); err != nil {
		t.Fatalf("demo: %v", err)
	}
	store, err := blob.NewFilesystem(root)
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	if _, err := journal.NewArchiver(svc.Store(), store, journal.WithSegmentSize(4)).Archive(ctx); err != nil {
		t.Fatalf("archive: %v", err)
	}

	out, err := run(t, "--config", writeConfig(t, root), "verify")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	want := "last_seq=" + strconv.FormatUint(svc.LastSeq(), 10)
	if !strings.Contains(out, want) {
		t.Fatalf("expected %q in %q", want, out)
	}
}

func TestConfigDefaultPrintsTOML(t *testing.T) {
	out, err := run(t, "config", "default")
	if err != nil {
		t.Fatalf("config default: %v", err)
	}
	if !strings.Contains(out, "[storage]") || !strings.Contains(out, "[archive.s3]") {
		t.Fatalf("unexpected config output:\n%s", out)
	}
}

func routedService(t *testing.T, exporter string) *httptest.Server {
	t.Helper()
	tel, err := newTelemetry(config.Metrics{Exporter: exporter})
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), tel.options()...)
	if _, _, err := svc.CreateIdentity(context.Background(), domain.DeriveDeviceAddress([]byte("a")), domain.Identity{}); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	srv := httptest.NewServer(newRouter(tel, svc))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	return resp.StatusCode, body.String()
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	srv := routedService(t, config.ExporterPrometheus)

	_, body := get(t, srv.URL+"/healthz")
	var h health
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "ok" || h.LastSeq != 1 {
		t.Fatalf("unexpected health %+v", h)
	}

	_, body = get(t, srv.URL+"/metrics")
	if !strings.Contains(body, `marketcore_commands_total{operation="create_identity",status="success"} 1`) {
		t.Fatalf("expected command counter in metrics:\n%s", body)
	}

	resp, err := http.Post(srv.URL+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", resp.StatusCode)
	}
}

func TestRouterServesExpvarExporter(t *testing.T) {
	srv := routedService(t, config.ExporterExpvar)

	status, body := get(t, srv.URL+"/debug/vars")
	if status != http.StatusOK {
		t.Fatalf("debug/vars: status %d", status)
	}
	var vars map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &vars); err != nil {
		t.Fatalf("decode vars: %v", err)
	}
	var commands struct {
		Committed map[string]int64 `json:"committed"`
	}
	if err := json.Unmarshal(vars["marketcore_commands"], &commands); err != nil {
		t.Fatalf("decode marketcore_commands: %v", err)
	}
	if commands.Committed["create_identity"] < 1 {
		t.Fatalf("expected create_identity counted, got %s", vars["marketcore_commands"])
	}
	if status, _ := get(t, srv.URL+"/metrics"); status != http.StatusNotFound {
		t.Fatalf("expected no prometheus endpoint with expvar, got %d", status)
	}
}

// acceptedTrades builds a market on engine with one accepted one-hour trade
// per price.
func acceptedTrades(t *testing.T, engine *domain.RulesEngine, prices ...uint64) (*core.Service, *clock.Mock, []core.Trade) {
	t.Helper()
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	svc := core.NewInMemoryService(engine, core.WithClock(mock))

	addr := func(s string) domain.Address { return domain.DeriveDeviceAddress([]byte(s)) }
	provider, consumer, device, broker := addr("p"), addr("c"), addr("d"), addr("b")
	step := func(_ any, _ core.Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	step(svc.CreateIdentity(ctx, provider, domain.Identity{}))
	step(svc.CreateIdentity(ctx, consumer, domain.Identity{}))
	step(svc.CreateDevice(ctx, provider, domain.Device{Address: device}))
	step(svc.CreateBroker(ctx, provider, domain.Broker{Address: broker, Location: domain.LocationEUW}))
	var trades []core.Trade
	for i, price := range prices {
		product, _, err := svc.CreateProduct(ctx, provider, domain.Product{Device: device, Name: "reading-" + strconv.Itoa(i), Price: price})
		step(product, core.Result{}, err)
		step(svc.Deposit(ctx, consumer, price))
		neg, _, err := svc.RequestNegotiation(ctx, consumer, product.ID)
		step(neg, core.Result{}, err)
		step(svc.AcceptNegotiationRequest(ctx, provider, neg.ID))
		tr, _, err := svc.RequestTrading(ctx, consumer, neg.ID, broker, mock.Now(), mock.Now().Add(time.Hour))
		step(tr, core.Result{}, err)
		step(svc.AcceptTradingRequest(ctx, provider, tr.ID))
		trades = append(trades, tr)
	}
	return svc, mock, trades
}

func TestSweeperResolvesExpiredTrades(t *testing.T) {
	ctx := context.Background()
	svc, mock, trades := acceptedTrades(t, core.NewDefaultRulesEngine(), 5)

	sw := &sweeper{svc: svc, clock: mock, interval: time.Minute, log: core.NewZapLogger(nil)}
	if n, err := sw.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing to sweep before the window ends, got %d %v", n, err)
	}
	mock.Add(2 * time.Hour)
	if n, err := sw.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected one resolved trade, got %d %v", n, err)
	}
	if ok, _ := svc.Settled(ctx, trades[0].ID); !ok {
		t.Fatalf("expected escrow settled by sweep")
	}
}

// refuseCompletion blocks any transaction that completes one trade.
type refuseCompletion struct{ trade uint64 }

func (refuseCompletion) Name() string { return "refuse_completion" }

func (r refuseCompletion) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	for _, c := range changes {
		if c.Entity != domain.EntityTrade || c.Key != domain.IDKey(r.trade) {
			continue
		}
		tr, ok, err := domain.DecodePayload[domain.Trade](c.After)
		if err != nil {
			return domain.Result{}, err
		}
		if ok && tr.Status == domain.TradeCompleted {
			return domain.Result{Violations: []domain.Violation{{
				Rule: r.Name(), Severity: domain.SeverityBlock, Message: "completion refused", Entity: domain.EntityTrade, EntityID: c.Key,
			}}}, nil
		}
	}
	return domain.Result{}, nil
}

func TestSweeperLogsFailedTradesAndContinues(t *testing.T) {
	ctx := context.Background()
	engine := core.NewDefaultRulesEngine()
	engine.Register(refuseCompletion{trade: 1})
	svc, mock, trades := acceptedTrades(t, engine, 5, 7)
	if trades[0].ID != 1 {
		t.Fatalf("expected the refused trade to be trade 1, got %d", trades[0].ID)
	}

	zc, logs := observer.New(zapcore.WarnLevel)
	sw := &sweeper{svc: svc, clock: mock, interval: time.Minute, log: core.NewZapLogger(zap.New(zc))}
	mock.Add(2 * time.Hour)
	if n, err := sw.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected the second trade resolved, got %d %v", n, err)
	}
	if ok, _ := svc.Settled(ctx, trades[1].ID); !ok {
		t.Fatalf("expected trade %d settled", trades[1].ID)
	}
	if ok, _ := svc.Settled(ctx, trades[0].ID); ok {
		t.Fatalf("refused trade must stay unsettled")
	}
	warned := logs.FilterMessage("expired trade not resolved").All()
	if len(warned) != 1 || warned[0].ContextMap()["trade"] != uint64(1) {
		t.Fatalf("expected one warning for trade 1, got %+v", warned)
	}

	if n, err := sw.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("the refused trade is retried without completing, got %d %v", n, err)
	}
	if got := logs.FilterMessage("expired trade not resolved").Len(); got != 2 {
		t.Fatalf("expected the retry logged, got %d warnings", got)
	}
}
