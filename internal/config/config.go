package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-detect/internal/datasource"
)

// Config captures every setting needed to boot the detection service.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Database    DatabaseConfig              `yaml:"database"`
	Cache       CacheConfig                 `yaml:"cache"`
	Lock        LockConfig                  `yaml:"lock"`
	Scheduler   SchedulerConfig             `yaml:"scheduler"`
	Detection   DetectionConfig             `yaml:"detection"`
	Notifier    NotifierConfig              `yaml:"notifier"`
	DataSources []datasource.DataSourceMeta `yaml:"dataSources" validate:"dive"`
	Alerts      AlertsConfig                `yaml:"alerts"`
	Logging     LoggingConfig               `yaml:"logging"`
}

// ServerConfig controls the gRPC and admin listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
}

// DatabaseConfig selects the gorm backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" validate:"oneof=sqlite sqlite3 postgres postgresql"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns" validate:"gte=0"`
}

// CacheConfig controls redis-backed caching of data source reads.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db" validate:"gte=0"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	TLS           bool          `yaml:"tls"`
	DataSourceTTL time.Duration `yaml:"dataSourceTTL" validate:"gte=0"`
}

// LockConfig controls the per-alert lock. It is redis-backed when the cache is enabled.
type LockConfig struct {
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	RetryInterval time.Duration `yaml:"retryInterval" validate:"gt=0"`
}

// SchedulerConfig controls cron-driven runs.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DefaultLookback time.Duration `yaml:"defaultLookback" validate:"gt=0"`
	LockTTL         time.Duration `yaml:"lockTTL" validate:"gt=0"`
}

// DetectionConfig tunes the pipeline.
type DetectionConfig struct {
	MergeMaxGap         time.Duration `yaml:"mergeMaxGap" validate:"gte=0"`
	ForkJoinParallelism int           `yaml:"forkJoinParallelism" validate:"gte=1"`
}

// NotifierConfig controls Kafka delivery to subscription groups.
type NotifierConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" validate:"required_if=Enabled true"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// AlertsConfig points at the alert pack loaded at startup.
type AlertsConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

var validate = validator.New()

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_DETECT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:mirador-detect.db?cache=shared",
		},
		Cache: CacheConfig{
			Enabled:       false,
			DialTimeout:   2 * time.Second,
			ReadTimeout:   500 * time.Millisecond,
			WriteTimeout:  500 * time.Millisecond,
			MaxRetries:    2,
			DataSourceTTL: time.Minute,
		},
		Lock: LockConfig{
			TTL:           30 * time.Second,
			RetryInterval: 100 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			DefaultLookback: time.Hour,
			LockTTL:         2 * time.Minute,
		},
		Detection: DetectionConfig{
			MergeMaxGap:         5 * time.Minute,
			ForkJoinParallelism: 4,
		},
		Notifier: NotifierConfig{
			Topic:        "mirador-detect.anomalies",
			WriteTimeout: 10 * time.Second,
		},
		Alerts:  AlertsConfig{Path: "alerts.yaml"},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_DETECT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_DETECT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_DETECT_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MIRADOR_DETECT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MIRADOR_DETECT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_DETECT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_DETECT_ALERTS_PATH"); v != "" {
		cfg.Alerts.Path = v
	}
	if v := os.Getenv("MIRADOR_DETECT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_DETECT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = isTrue(v)
	}
	if v := os.Getenv("MIRADOR_DETECT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_DETECT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_DETECT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_CACHE_TLS"); isTrue(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("MIRADOR_DETECT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DataSourceTTL = d
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = isTrue(v)
	}
	if v := os.Getenv("MIRADOR_DETECT_MERGE_MAX_GAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.MergeMaxGap = d
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_NOTIFIER_ENABLED"); v != "" {
		cfg.Notifier.Enabled = isTrue(v)
	}
	if v := os.Getenv("MIRADOR_DETECT_KAFKA_BROKERS"); v != "" {
		cfg.Notifier.Brokers = splitList(v)
	}
	if v := os.Getenv("MIRADOR_DETECT_KAFKA_TOPIC"); v != "" {
		cfg.Notifier.Topic = v
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
