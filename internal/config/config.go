// Package config loads marketd settings from a TOML file overlaid by
// MARKETCORE_* environment variables.
//
// Environment names follow the section and field names, for example
// MARKETCORE_STORAGE_DRIVER, MARKETCORE_ARCHIVE_S3_BUCKET or
// MARKETCORE_GAS_RECORD_WRITE.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"marketcore/internal/blob"
	"marketcore/internal/core"
	"marketcore/internal/journal"
	"marketcore/internal/rating"
	"marketcore/pkg/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MARKETCORE"

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "~/.marketcore/config.toml"

// Config is the complete marketd configuration.
type Config struct {
	Storage Storage            `toml:"storage"`
	Archive Archive            `toml:"archive"`
	Gas     domain.GasSchedule `toml:"gas"`
	Trading Trading            `toml:"trading"`
	Log     Log                `toml:"log"`
	Metrics Metrics            `toml:"metrics"`
}

// Storage selects the ledger backend.
type Storage struct {
	Driver      string `toml:"driver"`
	SQLitePath  string `toml:"sqlite_path" envconfig:"SQLITE_PATH"`
	PostgresDSN string `toml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
}

// Archive configures where the event journal is exported.
type Archive struct {
	Driver      string        `toml:"driver"`
	FSRoot      string        `toml:"fs_root" envconfig:"FS_ROOT"`
	Prefix      string        `toml:"prefix"`
	SegmentSize int           `toml:"segment_size" split_words:"true"`
	Interval    time.Duration `toml:"interval"`
	S3          blob.S3Config `toml:"s3"`
}

// Trading tunes trade completion. BrokerFeePercent of each settled trade's
// actual cost goes to the broker operator.
type Trading struct {
	DefaultScore     uint64        `toml:"default_score" split_words:"true"`
	BrokerFeePercent uint64        `toml:"broker_fee_percent" split_words:"true"`
	SweepInterval    time.Duration `toml:"sweep_interval" split_words:"true"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Metric exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterExpvar     = "expvar"
)

// Metrics configures the HTTP listener serving /healthz and the exporter's
// endpoint (/metrics for prometheus, /debug/vars for expvar). A non-empty
// TraceFile receives one JSON line per command.
type Metrics struct {
	Listen    string `toml:"listen"`
	Exporter  string `toml:"exporter"`
	TraceFile string `toml:"trace_file" split_words:"true"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Storage: Storage{
			Driver:     string(core.StorageSQLite),
			SQLitePath: "~/.marketcore/ledger.db",
		},
		Archive: Archive{
			Driver:      string(blob.DriverFilesystem),
			FSRoot:      "~/.marketcore/archive",
			Prefix:      journal.DefaultPrefix,
			SegmentSize: journal.DefaultSegmentSize,
			Interval:    time.Minute,
		},
		Gas: domain.DefaultGasSchedule(),
		Trading: Trading{
			DefaultScore:  core.DefaultRatingScore,
			SweepInterval: 30 * time.Second,
		},
		Log:     Log{Level: "info", Format: "json"},
		Metrics: Metrics{Listen: "127.0.0.1:9464", Exporter: ExporterPrometheus},
	}
}

// Load reads path over the defaults, applies environment overrides, expands
// home-relative paths and validates the result. An empty path reads
// DefaultPath when it exists.
func Load(path string) (Config, error) {
	cfg := Default()
	optional := path == ""
	if optional {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("expand config path: %w", err)
	}
	if err := cfg.decodeFile(expanded); err != nil {
		if !optional || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.expand(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("read config %s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}

func (c *Config) expand() error {
	for _, p := range []*string{&c.Storage.SQLitePath, &c.Archive.FSRoot, &c.Metrics.TraceFile} {
		out, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = out
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var result *multierror.Error
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory:
	case core.StorageSQLite:
		if c.Storage.SQLitePath == "" {
			result = multierror.Append(result, errors.New("storage.sqlite_path is required for sqlite"))
		}
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			result = multierror.Append(result, errors.New("storage.postgres_dsn is required for postgres"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}

	switch blob.Driver(c.Archive.Driver) {
	case blob.DriverMemory:
	case blob.DriverFilesystem:
		if c.Archive.FSRoot == "" {
			result = multierror.Append(result, errors.New("archive.fs_root is required for fs"))
		}
	case blob.DriverS3:
		if c.Archive.S3.Bucket == "" {
			result = multierror.Append(result, errors.New("archive.s3.bucket is required for s3"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("archive.driver %q is not one of memory, fs, s3", c.Archive.Driver))
	}
	if c.Archive.SegmentSize <= 0 {
		result = multierror.Append(result, errors.New("archive.segment_size must be positive"))
	}
	if c.Archive.Interval <= 0 {
		result = multierror.Append(result, errors.New("archive.interval must be positive"))
	}

	if c.Gas.Base == 0 {
		result = multierror.Append(result, errors.New("gas.base must be positive"))
	}
	if !rating.ValidScore(c.Trading.DefaultScore) {
		result = multierror.Append(result, fmt.Errorf("trading.default_score %d is outside 1..5", c.Trading.DefaultScore))
	}
	if c.Trading.BrokerFeePercent > 100 {
		result = multierror.Append(result, fmt.Errorf("trading.broker_fee_percent %d is above 100", c.Trading.BrokerFeePercent))
	}
	if c.Trading.SweepInterval <= 0 {
		result = multierror.Append(result, errors.New("trading.sweep_interval must be positive"))
	}

	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		result = multierror.Append(result, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics.listen: %w", err))
		}
	}
	if c.Metrics.Exporter != ExporterPrometheus && c.Metrics.Exporter != ExporterExpvar {
		result = multierror.Append(result, fmt.Errorf("metrics.exporter %q is not prometheus or expvar", c.Metrics.Exporter))
	}
	return result.ErrorOrNil()
}

// StorageOptions maps the storage section onto core.
func (c Config) StorageOptions() core.StorageOptions {
	gas := c.Gas
	return core.StorageOptions{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		Gas:         &gas,
	}
}

// BlobConfig maps the archive section onto blob.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Archive.Driver),
		FSRoot: c.Archive.FSRoot,
		S3:     c.Archive.S3,
	}
}

// NewLogger builds the zap logger described by the log section.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// Write encodes c as TOML.
func (c Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
