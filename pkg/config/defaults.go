package config

import (
	"strings"
	"time"

	"github.com/carrelhq/carrel/internal/bytesize"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/webhook"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	cfg.Store.ApplyDefaults()
	applyServerDefaults(cfg)
	applyLimitsDefaults(&cfg.Limits)
	applyRetentionDefaults(&cfg.Retention)
	applyWebhooksDefaults(&cfg.Webhooks)
	applyRateLimitDefaults(&cfg.RateLimit)
	applySessionDefaults(&cfg.Session)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyServerDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
}

func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = 10 * bytesize.MiB
	}
	if cfg.MaxAppendBytes == 0 {
		cfg.MaxAppendBytes = bytesize.MiB
	}
	if cfg.MaxExportBytes == 0 {
		cfg.MaxExportBytes = 256 * bytesize.MiB
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 64 * bytesize.MiB
	}
	if cfg.MaxBatchAppends == 0 {
		cfg.MaxBatchAppends = 20
	}
	if cfg.MaxBulkFiles == 0 {
		cfg.MaxBulkFiles = 100
	}
}

func applyRetentionDefaults(cfg *RetentionConfig) {
	if cfg.DeletedFiles == 0 {
		cfg.DeletedFiles = 7 * 24 * time.Hour
	}
	if cfg.Idempotency == 0 {
		cfg.Idempotency = 24 * time.Hour
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = time.Hour
	}
}

func applyWebhooksDefaults(cfg *WebhooksConfig) {
	def := webhook.DefaultConfig()
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.DisableAfter == 0 {
		cfg.DisableAfter = def.DisableAfter
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.PerMinute == 0 {
		cfg.PerMinute = 120
	}
	if cfg.BootstrapPerMinute == 0 {
		cfg.BootstrapPerMinute = 10
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.Issuer == "" {
		cfg.Issuer = "carrel"
	}
	if cfg.Audience == "" {
		cfg.Audience = "carrel"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// DispatcherConfig converts the webhooks section into the dispatcher's
// config shape.
func (c WebhooksConfig) DispatcherConfig() webhook.Config {
	return webhook.Config{
		QueueSize:    c.QueueSize,
		Workers:      c.Workers,
		Timeout:      c.Timeout,
		MaxAttempts:  c.MaxAttempts,
		RetryBase:    c.RetryBase,
		RetryCap:     c.RetryCap,
		DisableAfter: c.DisableAfter,
		AllowPrivate: c.AllowPrivate,
	}
}

// GetDefaultConfig returns a Config with all default values applied. Useful
// for generating sample configuration files and in tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Store: store.Config{
			Type: store.DatabaseTypeSQLite,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
