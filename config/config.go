package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundingflow FundingflowConfig `yaml:"fundingflow"`
	Instance    InstanceConfig    `yaml:"instance"`
	Exchanges   ExchangesConfig   `yaml:"exchanges"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Backfill    BackfillConfig    `yaml:"backfill"`
	Live        LiveConfig        `yaml:"live"`
	Adapter     AdapterConfig     `yaml:"adapter"`
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FundingflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// InstanceConfig identifies this worker within a fixed-size fleet. The
// exchange set is partitioned deterministically across Total instances;
// correctness depends on every instance running with a distinct Index under
// the same Total.
type InstanceConfig struct {
	Index int `yaml:"index"`
	Total int `yaml:"total"`
}

type ExchangesConfig struct {
	Enabled   []string `yaml:"enabled"`
	Debug     []string `yaml:"debug"`
	DebugLive []string `yaml:"debug_live"`
}

type SchedulerConfig struct {
	ContractSyncInterval time.Duration `yaml:"contract_sync_interval"`
	BackfillInterval     time.Duration `yaml:"backfill_interval"`
	BackfillStartDelay   time.Duration `yaml:"backfill_start_delay"`
	LiveInterval         time.Duration `yaml:"live_interval"`
	ShutdownGrace        time.Duration `yaml:"shutdown_grace"`
	EscalateAfter        int           `yaml:"escalate_after"`
}

type BackfillConfig struct {
	LookbackHorizon time.Duration `yaml:"lookback_horizon"`
	BatchSize       int           `yaml:"batch_size"`
}

type LiveConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// AdapterConfig holds transport settings shared by all exchange adapters.
type AdapterConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance     ExchangeSourceConfig `yaml:"binance"`
	Bybit       ExchangeSourceConfig `yaml:"bybit"`
	Kucoin      ExchangeSourceConfig `yaml:"kucoin"`
	Hyperliquid ExchangeSourceConfig `yaml:"hyperliquid"`
}

type ExchangeSourceConfig struct {
	URL            string               `yaml:"url"`
	LocalIP        string               `yaml:"local_ip"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"` // "postgres" or "memory"
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int           `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CreateSchema   bool          `yaml:"create_schema"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Compression   string        `yaml:"compression"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Region    string `yaml:"region"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	if resolved := resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths); resolved != path {
		if _, err := os.Stat(resolved); err == nil {
			path = resolved
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Instance: InstanceConfig{Index: 0, Total: 1},
		Scheduler: SchedulerConfig{
			ContractSyncInterval: time.Hour,
			BackfillInterval:     time.Hour,
			BackfillStartDelay:   30 * time.Second,
			LiveInterval:         time.Minute,
			ShutdownGrace:        30 * time.Second,
			EscalateAfter:        3,
		},
		Backfill: BackfillConfig{
			LookbackHorizon: 90 * 24 * time.Hour,
			BatchSize:       500,
		},
		Live: LiveConfig{BatchSize: 200},
		Adapter: AdapterConfig{
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    10 * time.Second,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10},
		},
		Storage: StorageConfig{Driver: "postgres"},
		Archive: ArchiveConfig{
			FlushInterval: 15 * time.Minute,
			BufferSize:    50000,
			Compression:   "snappy",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides layers environment variables over file values. The
// deployment environment always wins so one config file can serve a whole
// fleet with per-instance identity injected at launch.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		if idx, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Instance.Index = idx
		}
	}
	if v := os.Getenv("TOTAL_INSTANCES"); v != "" {
		if total, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Instance.Total = total
		}
	}
	if v := os.Getenv("EXCHANGES"); v != "" {
		cfg.Exchanges.Enabled = SplitList(v)
	}
	if v := os.Getenv("DEBUG_EXCHANGES"); v != "" {
		cfg.Exchanges.Debug = SplitList(v)
	}
	if v := os.Getenv("DEBUG_EXCHANGES_LIVE"); v != "" {
		cfg.Exchanges.DebugLive = SplitList(v)
	}
	if v := os.Getenv("DB_CONNECTION"); v != "" {
		cfg.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if cfg.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

// SplitList parses a comma-separated list, trimming blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Fundingflow.Name == "" {
		return fmt.Errorf("fundingflow.name is required")
	}
	if cfg.Fundingflow.Version == "" {
		return fmt.Errorf("fundingflow.version is required")
	}

	if err := ValidatePartition(cfg.Instance.Total, cfg.Instance.Index); err != nil {
		return err
	}

	if cfg.Scheduler.ContractSyncInterval <= 0 {
		return fmt.Errorf("scheduler.contract_sync_interval must be greater than 0")
	}
	if cfg.Scheduler.BackfillInterval <= 0 {
		return fmt.Errorf("scheduler.backfill_interval must be greater than 0")
	}
	if cfg.Scheduler.LiveInterval <= 0 {
		return fmt.Errorf("scheduler.live_interval must be greater than 0")
	}
	if cfg.Scheduler.ShutdownGrace <= 0 {
		return fmt.Errorf("scheduler.shutdown_grace must be greater than 0")
	}
	if cfg.Scheduler.EscalateAfter <= 0 {
		return fmt.Errorf("scheduler.escalate_after must be greater than 0")
	}

	if cfg.Backfill.LookbackHorizon <= 0 {
		return fmt.Errorf("backfill.lookback_horizon must be greater than 0")
	}
	if cfg.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill.batch_size must be greater than 0")
	}
	if cfg.Live.BatchSize <= 0 {
		return fmt.Errorf("live.batch_size must be greater than 0")
	}

	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be 'postgres' or 'memory', got '%s'", cfg.Storage.Driver)
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when archive is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	return nil
}
