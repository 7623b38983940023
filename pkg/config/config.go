// Package config loads, validates and persists the carrel server
// configuration from file, environment and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/carrelhq/carrel/internal/bytesize"
	"github.com/carrelhq/carrel/pkg/api"
	"github.com/carrelhq/carrel/pkg/store"
)

// Config is the full carrel server configuration.
//
// Everything else (workspaces, keys, files, webhooks) is runtime state and
// lives in the store, not here.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CARREL_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Server configures the capability-plane HTTP server
	Server api.APIConfig `mapstructure:"server" yaml:"server"`

	// Store configures persistence (SQLite or PostgreSQL)
	Store store.Config `mapstructure:"store" yaml:"store"`

	// Limits bounds request and payload sizes
	Limits LimitsConfig `mapstructure:"limits" yaml:"limits"`

	// Retention controls soft-delete recovery windows and the reaper
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`

	// Webhooks configures the delivery dispatcher and its journal
	Webhooks WebhooksConfig `mapstructure:"webhooks" yaml:"webhooks"`

	// RateLimit configures per-key and per-IP token buckets
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Session configures the claim-session JWT cookie
	Session SessionConfig `mapstructure:"session" yaml:"session"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Backup configures `carrel backup run` targets
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	//               goroutines, mutex_count, mutex_duration, block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// LimitsConfig bounds request and payload sizes. Sizes accept human-readable
// strings like "10MiB" in the config file.
type LimitsConfig struct {
	// MaxFileBytes caps a full document write. Default: 10MiB
	MaxFileBytes bytesize.ByteSize `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`

	// MaxAppendBytes caps a single append text. Default: 1MiB
	MaxAppendBytes bytesize.ByteSize `mapstructure:"max_append_bytes" yaml:"max_append_bytes"`

	// MaxExportBytes caps a folder export archive. Default: 256MiB
	MaxExportBytes bytesize.ByteSize `mapstructure:"max_export_bytes" yaml:"max_export_bytes"`

	// MaxBodyBytes caps any request body before decoding. Default: 64MiB
	MaxBodyBytes bytesize.ByteSize `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`

	// MaxBatchAppends caps entries in one append batch. Default: 20
	MaxBatchAppends int `mapstructure:"max_batch_appends" validate:"omitempty,min=1" yaml:"max_batch_appends"`

	// MaxBulkFiles caps entries in one bulk file seed. Default: 100
	MaxBulkFiles int `mapstructure:"max_bulk_files" validate:"omitempty,min=1" yaml:"max_bulk_files"`
}

// RetentionConfig controls the soft-delete window and the reaper.
type RetentionConfig struct {
	// DeletedFiles is how long a soft-deleted file stays recoverable.
	// Default: 168h (7 days)
	DeletedFiles time.Duration `mapstructure:"deleted_files" yaml:"deleted_files"`

	// Idempotency is the replay-cache TTL. Default: 24h
	Idempotency time.Duration `mapstructure:"idempotency" yaml:"idempotency"`

	// ReaperInterval is how often the reaper sweeps. Default: 1h
	ReaperInterval time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval"`
}

// WebhooksConfig configures the delivery dispatcher.
type WebhooksConfig struct {
	// Workers is the number of concurrent delivery workers. Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// QueueSize is the maximum number of queued deliveries. Default: 1024
	QueueSize int `mapstructure:"queue_size" validate:"omitempty,min=1" yaml:"queue_size"`

	// Timeout bounds a single delivery attempt. Default: 10s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaxAttempts is the attempt budget per delivery. Default: 5
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,min=1" yaml:"max_attempts"`

	// RetryBase and RetryCap shape the exponential backoff between attempts.
	// Defaults: 1s base, 60s cap
	RetryBase time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryCap  time.Duration `mapstructure:"retry_cap" yaml:"retry_cap"`

	// DisableAfter is how many consecutive failures disable a webhook.
	// Default: 20
	DisableAfter int `mapstructure:"disable_after" validate:"omitempty,min=1" yaml:"disable_after"`

	// AllowPrivate skips the SSRF address guard. Development only.
	AllowPrivate bool `mapstructure:"allow_private" yaml:"allow_private"`

	// JournalPath is the directory for the badger delivery journal. Empty
	// uses an in-memory journal; deliveries then do not survive restarts.
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path,omitempty"`
}

// RateLimitConfig configures the token buckets.
type RateLimitConfig struct {
	// Enabled toggles limiting entirely. Default: true
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PerMinute is the sustained per-key request rate. Default: 120
	PerMinute int `mapstructure:"per_minute" validate:"omitempty,min=1" yaml:"per_minute"`

	// BootstrapPerMinute is the per-IP rate on the unauthenticated
	// bootstrap route. Default: 10
	BootstrapPerMinute int `mapstructure:"bootstrap_per_minute" validate:"omitempty,min=1" yaml:"bootstrap_per_minute"`
}

// SessionConfig configures the claim-session JWT.
type SessionConfig struct {
	// Secret signs session tokens. Must be at least 32 bytes when set;
	// claiming is disabled when empty.
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`

	// Issuer and Audience for the registered claims. Default: "carrel"
	Issuer   string `mapstructure:"issuer" yaml:"issuer,omitempty"`
	Audience string `mapstructure:"audience" yaml:"audience,omitempty"`

	// TTL is the session lifetime. Default: 720h (30 days)
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl,omitempty"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the interface to bind. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// BackupConfig configures `carrel backup run` targets. A local directory and
// an S3 bucket can both be set; the command writes wherever is configured.
type BackupConfig struct {
	// Dir is the local directory to write workspace archives into.
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`

	// S3Bucket, S3Region and S3Prefix select the S3 destination.
	S3Bucket string `mapstructure:"s3_bucket" yaml:"s3_bucket,omitempty"`
	S3Region string `mapstructure:"s3_region" yaml:"s3_region,omitempty"`
	S3Prefix string `mapstructure:"s3_prefix" yaml:"s3_prefix,omitempty"`

	// S3Endpoint overrides the S3 endpoint for S3-compatible stores.
	S3Endpoint string `mapstructure:"s3_endpoint" yaml:"s3_endpoint,omitempty"`

	// S3AccessKey and S3SecretKey provide static credentials for
	// S3-compatible stores that do not use the AWS credential chain.
	// Leave both empty to use the default chain.
	S3AccessKey string `mapstructure:"s3_access_key" yaml:"s3_access_key,omitempty"`
	S3SecretKey string `mapstructure:"s3_secret_key" yaml:"s3_secret_key,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CARREL_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages. It checks if the
// config file exists and provides instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  carrel init\n\n"+
				"Or specify a custom config file:\n"+
				"  carrel <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  carrel init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file carries the session secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the CARREL_ prefix and underscores,
// e.g. CARREL_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CARREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns whether
// a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use sizes like "1Gi", "500Mi", "100MB" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, ~/.carrel by
// default or the current directory if home cannot be determined.
func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".carrel")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
