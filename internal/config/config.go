// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/detector"
	"github.com/JakeFAU/permit-crawler/internal/extract/goquery"
)

// Object store backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
	BackendBadger = "badger"
)

// Record backends.
const (
	RecordsSnapshot = "snapshot"
	RecordsPostgres = "postgres"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Extract  goquery.Config `mapstructure:"extract"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Store    StoreConfig    `mapstructure:"store"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EndpointConfig describes the remote lookup endpoint and its session protocol.
type EndpointConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	KeyParam       string            `mapstructure:"key_param"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	Charset        string            `mapstructure:"charset"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	WarmupDelay    time.Duration     `mapstructure:"warmup_delay"`
	WarmupJitter   time.Duration     `mapstructure:"warmup_jitter"`
	ExtraWarmups   int               `mapstructure:"extra_warmups"`
	MaxRetries     int               `mapstructure:"max_retries"`
	BackoffInitial time.Duration     `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration     `mapstructure:"backoff_max"`
	MinBodyBytes   int               `mapstructure:"min_body_bytes"`
	Markers        detector.Markers  `mapstructure:"markers"`
}

// CrawlerConfig holds lane defaults and the configured lanes.
type CrawlerConfig struct {
	RequestDelay     time.Duration  `mapstructure:"request_delay"`
	EmptyThreshold   int            `mapstructure:"empty_threshold"`
	FailureThreshold int            `mapstructure:"failure_threshold"`
	BatchSize        int            `mapstructure:"batch_size"`
	MaxSteps         int            `mapstructure:"max_steps"`
	MaxParallelLanes int            `mapstructure:"max_parallel_lanes"`
	FlushTimeout     time.Duration  `mapstructure:"flush_timeout"`
	Lanes            []crawler.Lane `mapstructure:"lanes"`
}

// StoreConfig selects persistence backends and object paths.
type StoreConfig struct {
	Backend          string        `mapstructure:"backend"`
	Records          string        `mapstructure:"records"`
	BaseDir          string        `mapstructure:"base_dir"`
	GCSBucket        string        `mapstructure:"gcs_bucket"`
	BadgerDir        string        `mapstructure:"badger_dir"`
	PostgresDSN      string        `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32         `mapstructure:"postgres_max_conns"`
	RecordsTable     string        `mapstructure:"records_table"`
	CheckpointsTable string        `mapstructure:"checkpoints_table"`
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	MirrorPaths      []string      `mapstructure:"mirror_paths"`
	CheckpointPrefix string        `mapstructure:"checkpoint_prefix"`
	RawPrefix        string        `mapstructure:"raw_prefix"`
	ArchiveRaw       bool          `mapstructure:"archive_raw"`
	BackupPrefix     string        `mapstructure:"backup_prefix"`
	BackupBeforeRun  bool          `mapstructure:"backup_before_run"`
	MergeMaxAttempts int           `mapstructure:"merge_max_attempts"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// OpsConfig controls the operator HTTP server.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// RefreshConfig decides which stored records the refresh command refetches.
type RefreshConfig struct {
	MinCompleteness    int      `mapstructure:"min_completeness"`
	RequiredAttributes []string `mapstructure:"required_attributes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERMITS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("endpoint.base_url", "https://mcgbm.taichung.gov.tw/bupic/pages/queryInfoAction.do")
	v.SetDefault("endpoint.key_param", "INDEX_KEY")
	v.SetDefault("endpoint.user_agent", "Mozilla/5.0 (compatible; permit-crawler/1.0)")
	v.SetDefault("endpoint.charset", "big5")
	v.SetDefault("endpoint.request_timeout", "30s")
	v.SetDefault("endpoint.warmup_delay", "500ms")
	v.SetDefault("endpoint.warmup_jitter", "1s")
	v.SetDefault("endpoint.extra_warmups", 1)
	v.SetDefault("endpoint.max_retries", 2)
	v.SetDefault("endpoint.backoff_initial", "2s")
	v.SetDefault("endpoint.backoff_max", "5s")
	v.SetDefault("endpoint.min_body_bytes", 512)

	v.SetDefault("crawler.request_delay", "1s")
	v.SetDefault("crawler.empty_threshold", 5)
	v.SetDefault("crawler.failure_threshold", 10)
	v.SetDefault("crawler.batch_size", 20)
	v.SetDefault("crawler.max_steps", 0)
	v.SetDefault("crawler.max_parallel_lanes", 1)
	v.SetDefault("crawler.flush_timeout", "30s")

	v.SetDefault("store.backend", BackendLocal)
	v.SetDefault("store.records", RecordsSnapshot)
	v.SetDefault("store.base_dir", "data")
	v.SetDefault("store.badger_dir", "data/badger")
	v.SetDefault("store.records_table", "permits")
	v.SetDefault("store.checkpoints_table", "lane_checkpoints")
	v.SetDefault("store.snapshot_path", "permits.json")
	v.SetDefault("store.checkpoint_prefix", "checkpoints")
	v.SetDefault("store.raw_prefix", "raw")
	v.SetDefault("store.archive_raw", false)
	v.SetDefault("store.backup_prefix", "backups")
	v.SetDefault("store.backup_before_run", true)
	v.SetDefault("store.merge_max_attempts", 5)
	v.SetDefault("store.connect_timeout", "15s")

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.port", 9090)

	v.SetDefault("tracing.sample_ratio", 0.0)

	v.SetDefault("refresh.min_completeness", 0)
	v.SetDefault("refresh.required_attributes", []string{"applicantName", "siteAddress"})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url must be set")
	}
	if c.Endpoint.KeyParam == "" {
		return fmt.Errorf("endpoint.key_param must be set")
	}
	if c.Endpoint.RequestTimeout <= 0 {
		return fmt.Errorf("endpoint.request_timeout must be > 0")
	}
	if c.Endpoint.MaxRetries < 0 {
		return fmt.Errorf("endpoint.max_retries must be >= 0")
	}
	if c.Endpoint.ExtraWarmups < 0 {
		return fmt.Errorf("endpoint.extra_warmups must be >= 0")
	}
	if c.Crawler.EmptyThreshold <= 0 {
		return fmt.Errorf("crawler.empty_threshold must be > 0")
	}
	if c.Crawler.FailureThreshold <= 0 {
		return fmt.Errorf("crawler.failure_threshold must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.MaxParallelLanes <= 0 {
		return fmt.Errorf("crawler.max_parallel_lanes must be > 0")
	}
	switch c.Store.Backend {
	case BackendLocal:
		if c.Store.BaseDir == "" {
			return fmt.Errorf("store.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Store.GCSBucket == "" {
			return fmt.Errorf("store.gcs_bucket must be set for the gcs backend")
		}
	case BackendBadger:
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("store.badger_dir must be set for the badger backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend must be one of local, memory, gcs, badger")
	}
	switch c.Store.Records {
	case RecordsSnapshot:
	case RecordsPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn must be set when store.records is postgres")
		}
	default:
		return fmt.Errorf("store.records must be snapshot or postgres")
	}
	if c.Store.SnapshotPath == "" {
		return fmt.Errorf("store.snapshot_path must be set")
	}
	if c.Store.MergeMaxAttempts <= 0 {
		return fmt.Errorf("store.merge_max_attempts must be > 0")
	}
	if c.Ops.Enabled && c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0 when ops is enabled")
	}
	if c.Refresh.MinCompleteness < 0 {
		return fmt.Errorf("refresh.min_completeness must be >= 0")
	}
	if _, err := c.ResolvedLanes(); err != nil {
		return err
	}
	return nil
}

// ResolvedLanes returns the configured lanes with crawler-wide defaults filled in.
func (c Config) ResolvedLanes() ([]crawler.Lane, error) {
	lanes := make([]crawler.Lane, 0, len(c.Crawler.Lanes))
	for _, l := range c.Crawler.Lanes {
		l = c.Crawler.ApplyDefaults(l)
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("crawler.lanes: %w", err)
		}
		lanes = append(lanes, l)
	}
	return lanes, nil
}

// ApplyDefaults fills the unset lane knobs from the crawler-wide values.
func (c CrawlerConfig) ApplyDefaults(l crawler.Lane) crawler.Lane {
	if l.EmptyThreshold == 0 {
		l.EmptyThreshold = c.EmptyThreshold
	}
	if l.FailureThreshold == 0 {
		l.FailureThreshold = c.FailureThreshold
	}
	if l.BatchSize == 0 {
		l.BatchSize = c.BatchSize
	}
	if l.MaxSteps == 0 {
		l.MaxSteps = c.MaxSteps
	}
	if l.RequestDelay == 0 {
		l.RequestDelay = c.RequestDelay
	}
	return l
}
