// Package config loads process and job configuration from the environment.
//
// Values come from environment variables (github.com/caarlos0/env), with a
// .env file in the working directory loaded first when present. Command-line
// flags override job options after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/opengeo-uk/geoingest/pkg/client"
	"github.com/opengeo-uk/geoingest/pkg/ledger"
	"github.com/opengeo-uk/geoingest/pkg/logging"
	"github.com/opengeo-uk/geoingest/pkg/sink"
	"github.com/opengeo-uk/geoingest/pkg/unit"
)

// Config is the whole process configuration.
type Config struct {
	Log     LogConfig     `envPrefix:"LOG_"`
	HTTP    HTTPConfig    `envPrefix:"HTTP_"`
	Job     JobConfig     `envPrefix:"JOB_"`
	Ledger  LedgerConfig  `envPrefix:"LEDGER_"`
	Sink    SinkConfig    `envPrefix:"SINK_"`
	Metrics MetricsConfig `envPrefix:"METRICS_"`

	// ArcGISURL defaults to the LSOA December 2021 boundaries (BFC) layer.
	ArcGISURL string `env:"ARCGIS_URL" envDefault:"https://services1.arcgis.com/ESMARspQHYMw9BZ9/arcgis/rest/services/Lower_layer_Super_Output_Areas_December_2021_Boundaries_EW_BFC_V10/FeatureServer/0/query"`
	PoliceURL string `env:"POLICE_URL" envDefault:"https://data.police.uk/api"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Pretty bool   `env:"PRETTY" envDefault:"false"`

	// File receives a JSON copy of the log when set.
	File string `env:"FILE"`
}

// Logging converts c for logging.Setup. The file output is opened by the
// caller.
func (c LogConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Level))
	cfg.Pretty = c.Pretty
	return cfg
}

// HTTPConfig configures the API client.
type HTTPConfig struct {
	UserAgent string `env:"USER_AGENT" envDefault:"geoingest/1.0 (+https://github.com/opengeo-uk/geoingest)"`

	// Timeout of one request. Zero selects the dataset's default.
	Timeout time.Duration `env:"TIMEOUT"`

	MinInterval time.Duration `env:"MIN_INTERVAL" envDefault:"100ms"`
}

// Client returns the client configuration, using fallback when no timeout
// is configured.
func (c HTTPConfig) Client(fallback time.Duration) client.Config {
	cfg := client.DefaultConfig(c.UserAgent)
	cfg.MinInterval = c.MinInterval
	cfg.Timeout = fallback
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	return cfg
}

// JobConfig holds the recognized job options.
type JobConfig struct {
	// Start is an offset for offset jobs or YYYY-MM for monthly jobs.
	Start string `env:"START"`

	// End is the last month, inclusive. Empty means the last full month.
	End string `env:"END"`

	BatchSize            int     `env:"BATCH_SIZE" envDefault:"2000"`
	MaxRetries           int     `env:"MAX_RETRIES" envDefault:"3"`
	BaseDelaySeconds     float64 `env:"BASE_DELAY_SECONDS" envDefault:"1"`
	ThrottleDelaySeconds float64 `env:"THROTTLE_DELAY_SECONDS" envDefault:"30"`
}

// Validate checks the numeric options.
func (c JobConfig) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive (got %d)", c.BatchSize))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max retries must be positive (got %d)", c.MaxRetries))
	}
	if c.BaseDelaySeconds <= 0 {
		errs = append(errs, fmt.Errorf("base delay must be positive (got %gs)", c.BaseDelaySeconds))
	}
	if c.ThrottleDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("throttle delay must not be negative (got %gs)", c.ThrottleDelaySeconds))
	}
	return errors.Join(errs...)
}

// Policy returns the retry policy.
func (c JobConfig) Policy() client.Policy {
	return client.Policy{
		MaxAttempts:   c.MaxRetries,
		BaseDelay:     seconds(c.BaseDelaySeconds),
		ThrottleDelay: seconds(c.ThrottleDelaySeconds),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// StartOffset parses Start as an offset. Empty means 0.
func (c JobConfig) StartOffset() (int, error) {
	if c.Start == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.Start)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("start offset must be a non-negative integer (got %q)", c.Start)
	}
	return n, nil
}

// Months returns the months from Start to End inclusive. Start defaults to
// defaultStart; End defaults to the last full month before now.
func (c JobConfig) Months(defaultStart string, now time.Time) ([]unit.YearMonth, error) {
	startText := c.Start
	if startText == "" {
		startText = defaultStart
	}
	start, err := unit.ParseYearMonth(startText)
	if err != nil {
		return nil, fmt.Errorf("job start: %w", err)
	}

	end := unit.LastFullMonth(now)
	if c.End != "" {
		if end, err = unit.ParseYearMonth(c.End); err != nil {
			return nil, fmt.Errorf("job end: %w", err)
		}
	}
	if end.Before(start) {
		return nil, fmt.Errorf("job end %s is before start %s", end, start)
	}
	return unit.MonthRange(start, end), nil
}

// LedgerConfig selects the ledger store.
type LedgerConfig struct {
	Backend       string `env:"BACKEND" envDefault:"csv"`
	Path          string `env:"PATH" envDefault:"geoingest_ledger.csv"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisKey      string `env:"REDIS_KEY" envDefault:"geoingest:ledger"`
}

// Store returns the store configuration.
func (c LedgerConfig) Store() ledger.StoreConfig {
	return ledger.StoreConfig{
		Backend:       c.Backend,
		Path:          c.Path,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisKey:      c.RedisKey,
	}
}

// SinkConfig selects where records go.
type SinkConfig struct {
	Kinds        []string `env:"KINDS" envSeparator:"," envDefault:"blob"`
	BucketURL    string   `env:"BUCKET_URL" envDefault:"file:///tmp/geoingest"`
	Prefix       string   `env:"PREFIX" envDefault:"raw"`
	WarehouseDSN string   `env:"WAREHOUSE_DSN"`

	TableLSOA       string `env:"TABLE_LSOA" envDefault:"lsoa_boundaries_staging"`
	TableStopSearch string `env:"TABLE_STOP_SEARCH" envDefault:"stop_search_staging"`
}

// Validate checks that every configured sink has what it needs.
func (c SinkConfig) Validate() error {
	if len(c.Kinds) == 0 {
		return fmt.Errorf("at least one sink kind is required")
	}
	var errs []error
	for _, kind := range c.Kinds {
		switch strings.TrimSpace(kind) {
		case sink.KindBlob, sink.KindParquet:
			if c.BucketURL == "" {
				errs = append(errs, fmt.Errorf("sink %s requires SINK_BUCKET_URL", kind))
			}
		case sink.KindWarehouse:
			if c.WarehouseDSN == "" {
				errs = append(errs, fmt.Errorf("sink %s requires SINK_WAREHOUSE_DSN", kind))
			}
		case sink.KindDiscard:
		default:
			errs = append(errs, fmt.Errorf("unknown sink kind %q", kind))
		}
	}
	return errors.Join(errs...)
}

// MetricsConfig configures the Pushgateway push at the end of a run.
type MetricsConfig struct {
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Job.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Sink.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Ledger.Backend {
	case ledger.BackendCSV:
		if c.Ledger.Path == "" {
			errs = append(errs, fmt.Errorf("LEDGER_PATH is required for the csv ledger"))
		}
	case ledger.BackendRedis:
		if c.Ledger.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("LEDGER_REDIS_ADDR is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}
	if c.HTTP.UserAgent == "" {
		errs = append(errs, fmt.Errorf("HTTP_USER_AGENT must not be empty"))
	}
	if c.ArcGISURL == "" {
		errs = append(errs, fmt.Errorf("ARCGIS_URL must not be empty"))
	}
	if c.PoliceURL == "" {
		errs = append(errs, fmt.Errorf("POLICE_URL must not be empty"))
	}
	return errors.Join(errs...)
}

// Load reads the given .env files (".env" when none are given), ignoring
// missing ones, then parses the environment.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
