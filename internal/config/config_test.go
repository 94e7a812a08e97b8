package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"

	"marketcore/internal/blob"
	"marketcore/internal/core"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
[storage]
driver = "postgres"
postgres_dsn = "postgres://market@db/market"

[archive]
driver = "s3"
interval = "5m"

[archive.s3]
bucket = "journal"
endpoint = "http://minio:9000"
path_style = true

[gas]
record_write = 6000

[trading]
default_score = 4
broker_fee_percent = 5

[metrics]
exporter = "expvar"
trace_file = "/var/log/market/trace.jsonl"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Storage.Driver = "postgres"
	want.Storage.PostgresDSN = "postgres://market@db/market"
	want.Archive.Driver = "s3"
	want.Archive.Interval = 5 * time.Minute
	want.Archive.S3 = blob.S3Config{Bucket: "journal", Endpoint: "http://minio:9000", PathStyle: true}
	want.Gas.RecordWrite = 6000
	want.Trading.DefaultScore = 4
	want.Trading.BrokerFeePercent = 5
	want.Metrics.Exporter = ExporterExpvar
	want.Metrics.TraceFile = "/var/log/market/trace.jsonl"
	require.NoError(t, want.expand())
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "[storage]\ndriver = \"memory\"\n")
	t.Setenv("MARKETCORE_STORAGE_DRIVER", "sqlite")
	t.Setenv("MARKETCORE_STORAGE_SQLITE_PATH", "/var/lib/market/ledger.db")
	t.Setenv("MARKETCORE_GAS_RECORD_WRITE", "7000")
	t.Setenv("MARKETCORE_ARCHIVE_S3_ACCESS_KEY_ID", "AKID")
	t.Setenv("MARKETCORE_TRADING_SWEEP_INTERVAL", "10s")
	t.Setenv("MARKETCORE_TRADING_BROKER_FEE_PERCENT", "12")
	t.Setenv("MARKETCORE_METRICS_TRACE_FILE", "~/trace.jsonl")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "/var/lib/market/ledger.db", cfg.Storage.SQLitePath)
	require.EqualValues(t, 7000, cfg.Gas.RecordWrite)
	require.Equal(t, "AKID", cfg.Archive.S3.AccessKeyID)
	require.Equal(t, 10*time.Second, cfg.Trading.SweepInterval)
	require.EqualValues(t, 12, cfg.Trading.BrokerFeePercent)
	home, err := homedir.Dir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "trace.jsonl"), cfg.Metrics.TraceFile)
}

func TestLoadExpandsHomePaths(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)
	cfg, err := Load(writeFile(t, "[archive]\nfs_root = \"~/segments\"\n"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "segments"), cfg.Archive.FSRoot)
	require.Equal(t, filepath.Join(home, ".marketcore", "ledger.db"), cfg.Storage.SQLitePath)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "[storage]\ndirver = \"memory\"\n"))
	require.ErrorContains(t, err, "storage.dirver")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "mongo"
	cfg.Archive.Driver = "s3"
	cfg.Trading.DefaultScore = 9
	cfg.Log.Level = "loud"
	cfg.Metrics.Listen = "nowhere"
	cfg.Trading.BrokerFeePercent = 101
	cfg.Metrics.Exporter = "statsd"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"storage.driver", "archive.s3.bucket", "trading.default_score", "trading.broker_fee_percent", "log.level", "metrics.listen", "metrics.exporter"} {
		require.Contains(t, msg, want)
	}
	require.Contains(t, msg, "7 errors occurred")
}

func TestWriteRoundTripsThroughLoad(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "memory"
	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))
	require.True(t, strings.Contains(buf.String(), "[archive.s3]"))

	loaded, err := Load(writeFile(t, buf.String()))
	require.NoError(t, err)
	require.Equal(t, "memory", loaded.Storage.Driver)
	require.Equal(t, cfg.Trading, loaded.Trading)
}

func TestMappings(t *testing.T) {
	cfg := Default()
	cfg.Gas.Base = 1
	opts := cfg.StorageOptions()
	require.Equal(t, core.StorageSQLite, opts.Driver)
	require.EqualValues(t, 1, opts.Gas.Base)

	bc := cfg.BlobConfig()
	require.Equal(t, blob.DriverFilesystem, bc.Driver)

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
}
