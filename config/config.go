package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRelays are used when neither the config file nor a target lists any.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
}

type Config struct {
	Zapflow     ZapflowConfig     `yaml:"zapflow"`
	Relays      RelaysConfig      `yaml:"relays"`
	Query       QueryConfig       `yaml:"query"`
	Accumulator AccumulatorConfig `yaml:"accumulator"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Writer      WriterConfig      `yaml:"writer"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ZapflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type RelaysConfig struct {
	URLs            []string      `yaml:"urls"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	OverallTimeout  time.Duration `yaml:"overall_timeout"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	ConnectAttempts uint          `yaml:"connect_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	ReconnectRate   float64       `yaml:"reconnect_rate"`
	ReconnectBurst  int           `yaml:"reconnect_burst"`
}

type QueryConfig struct {
	HistoricalWindow  time.Duration `yaml:"historical_window"`
	HistoricalLimit   int           `yaml:"historical_limit"`
	HistoricalTimeout time.Duration `yaml:"historical_timeout"`
	LiveWindow        time.Duration `yaml:"live_window"`
	LiveLimit         int           `yaml:"live_limit"`
}

type AccumulatorConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
}

type ChannelsConfig struct {
	RawBuffer    int `yaml:"raw_buffer"`
	RecordBuffer int `yaml:"record_buffer"`
}

type ProcessorConfig struct {
	MaxWorkers     int           `yaml:"max_workers"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type WriterConfig struct {
	Enabled       bool               `yaml:"enabled"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	MaxBatchSize  int                `yaml:"max_batch_size"`
	Compression   string             `yaml:"compression"`
	LocalDir      string             `yaml:"local_dir"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
}

type PartitioningConfig struct {
	TimeFormat string `yaml:"time_format"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	Refresh     time.Duration `yaml:"refresh"`
	HistorySize int           `yaml:"history_size"`
	LogLimit    int           `yaml:"log_limit"`
}

type MetricsConfig struct {
	PrometheusAddr string           `yaml:"prometheus_addr"`
	ChannelSize    bool             `yaml:"channel_size"`
	RelayStatus    bool             `yaml:"relay_status"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level          string                 `yaml:"level"`
	Format         string                 `yaml:"format"`
	Output         string                 `yaml:"output"`
	MaxAge         int                    `yaml:"max_age"`
	ReportInterval time.Duration          `yaml:"report_interval"`
	Fields         map[string]interface{} `yaml:"fields"`
}

// Default returns a configuration with every tunable set. LoadConfig
// unmarshals on top of it, so a file only needs to name what it changes.
func Default() Config {
	return Config{
		Zapflow: ZapflowConfig{Name: "zapflow", Version: "dev"},
		Relays: RelaysConfig{
			URLs:            append([]string(nil), DefaultRelays...),
			ConnectTimeout:  5 * time.Second,
			OverallTimeout:  10 * time.Second,
			PingTimeout:     5 * time.Second,
			HealthInterval:  30 * time.Second,
			ConnectAttempts: 3,
			RetryDelay:      500 * time.Millisecond,
			ReconnectRate:   2,
			ReconnectBurst:  4,
		},
		Query: QueryConfig{
			HistoricalWindow:  7 * 24 * time.Hour,
			HistoricalLimit:   500,
			HistoricalTimeout: 5 * time.Second,
			LiveWindow:        24 * time.Hour,
			LiveLimit:         100,
		},
		Accumulator: AccumulatorConfig{DedupWindow: time.Second},
		Channels:    ChannelsConfig{RawBuffer: 1024, RecordBuffer: 1024},
		Processor:   ProcessorConfig{MaxWorkers: 2, ReportInterval: time.Minute},
		Writer: WriterConfig{
			FlushInterval: time.Minute,
			MaxBatchSize:  1000,
			Compression:   "snappy",
			Partitioning:  PartitioningConfig{TimeFormat: "year=2006/month=01/day=02/hour=15"},
		},
		Dashboard: DashboardConfig{
			Address:     ":8080",
			Refresh:     5 * time.Second,
			HistorySize: 120,
			LogLimit:    200,
		},
		Metrics: MetricsConfig{
			ChannelSize: true,
			RelayStatus: true,
			CloudWatch:  CloudWatchConfig{Namespace: "ZapFlow", Dashboard: "ZapFlow"},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, environmentConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Relays.URLs = normalizeRelayURLs(config.Relays.URLs)
	if len(config.Relays.URLs) == 0 {
		config.Relays.URLs = append([]string(nil), DefaultRelays...)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("ZAPFLOW_RELAYS"); v != "" {
		config.Relays.URLs = strings.Split(v, ",")
	}
}

func normalizeRelayURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Zapflow.Name == "" {
		return fmt.Errorf("zapflow.name is required")
	}

	if cfg.Zapflow.Version == "" {
		return fmt.Errorf("zapflow.version is required")
	}

	for _, u := range cfg.Relays.URLs {
		if !isRelayURL(u) {
			return fmt.Errorf("relays.urls: '%s' is not a ws:// or wss:// url", u)
		}
	}
	if cfg.Relays.ConnectTimeout <= 0 {
		return fmt.Errorf("relays.connect_timeout must be greater than 0")
	}
	if cfg.Relays.OverallTimeout < cfg.Relays.ConnectTimeout {
		return fmt.Errorf("relays.overall_timeout must not be shorter than relays.connect_timeout")
	}

	if cfg.Query.HistoricalTimeout <= 0 {
		return fmt.Errorf("query.historical_timeout must be greater than 0")
	}
	if cfg.Query.HistoricalLimit < 0 || cfg.Query.LiveLimit < 0 {
		return fmt.Errorf("query limits must not be negative")
	}

	if cfg.Accumulator.DedupWindow < 0 {
		return fmt.Errorf("accumulator.dedup_window must not be negative")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.RecordBuffer <= 0 {
		return fmt.Errorf("channels.record_buffer must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}

	if cfg.Writer.Enabled {
		if cfg.Writer.FlushInterval <= 0 {
			return fmt.Errorf("writer.flush_interval must be greater than 0")
		}
		if !cfg.Storage.S3.Enabled && cfg.Writer.LocalDir == "" {
			return fmt.Errorf("writer.enabled requires storage.s3.enabled or writer.local_dir")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if !cfg.Writer.Enabled {
			return fmt.Errorf("storage.kafka.enabled requires writer.enabled")
		}
		if len(cfg.Storage.Kafka.Brokers) == 0 || cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.brokers and storage.kafka.topic are required when Kafka is enabled")
		}
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	return nil
}

func isRelayURL(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
