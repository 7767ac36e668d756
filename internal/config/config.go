// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

// Package config loads and validates apiwarden configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. It is loaded once at startup; there is no
// hot reload. A load or validation failure is the only fatal error in the
// system.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the apiwarden server.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	NATS       NATSConfig       `koanf:"nats"`
	Detection  DetectionConfig  `koanf:"detection"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Store      StoreConfig      `koanf:"store"`
	Report     ReportConfig     `koanf:"report"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// NATSConfig configures the inbound event feed. When disabled, events can
// only arrive through the coordinator's direct Ingest path.
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	StreamName     string        `koanf:"stream_name"`
	Subject        string        `koanf:"subject"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	AckWaitTimeout time.Duration `koanf:"ack_wait_timeout"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`
	Subscribers    int           `koanf:"subscribers" validate:"min=1"`

	// Router middleware configuration
	RetryMaxRetries      int           `koanf:"retry_max_retries" validate:"min=0"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	PoisonQueueTopic     string        `koanf:"poison_queue_topic"`
}

// DetectionConfig holds the detection thresholds and window parameters.
// All of these are configuration, not code; defaults are calibrated against
// the reference log distribution, not hardcoded truths.
type DetectionConfig struct {
	WindowSeconds        int           `koanf:"window_seconds" validate:"min=1"`
	MaxWindowEvents      int           `koanf:"max_window_events" validate:"min=1"`
	OutOfOrderTolerance  time.Duration `koanf:"out_of_order_tolerance"`
	IdleTimeout          time.Duration `koanf:"idle_timeout"`
	SweepInterval        time.Duration `koanf:"sweep_interval"`
	MaxClockSkew         time.Duration `koanf:"max_clock_skew"`
	BurstThreshold       int           `koanf:"burst_threshold" validate:"min=1"`
	ScanThreshold        int           `koanf:"scan_threshold" validate:"min=1"`
	AuthThreshold        int           `koanf:"auth_threshold" validate:"min=1"`
	CoalescingWindow     time.Duration `koanf:"coalescing_window"`
	ConfidenceThreshold  float64       `koanf:"confidence_threshold" validate:"min=0,max=1"`
	AlertQueueCapacity   int           `koanf:"alert_queue_capacity" validate:"min=1"`
	Shards               int           `koanf:"shards" validate:"min=1"`
	DuplicateSuppression time.Duration `koanf:"duplicate_suppression"`
}

// ClassifierConfig configures the external ML classifier adapter.
type ClassifierConfig struct {
	Enabled          bool          `koanf:"enabled"`
	URL              string        `koanf:"url" validate:"omitempty,url"`
	Timeout          time.Duration `koanf:"timeout"`
	MaxRatePerSecond float64       `koanf:"max_rate_per_second"`
	BreakerThreshold uint32        `koanf:"breaker_threshold" validate:"min=1"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// StoreConfig configures alert persistence.
type StoreConfig struct {
	Path           string `koanf:"path" validate:"required"`
	CheckpointPath string `koanf:"checkpoint_path" validate:"required"`
	MaxMemory      string `koanf:"max_memory"`
}

// ReportConfig configures the append-only live-report sink.
type ReportConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for consistency. Struct tags cover
// range checks; cross-field rules live here.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Detection.IdleTimeout < time.Duration(c.Detection.WindowSeconds)*time.Second {
		return fmt.Errorf("detection.idle_timeout (%s) must be at least the window horizon (%ds)",
			c.Detection.IdleTimeout, c.Detection.WindowSeconds)
	}
	if c.Detection.OutOfOrderTolerance < 0 {
		return fmt.Errorf("detection.out_of_order_tolerance must not be negative")
	}
	if c.Classifier.Enabled && c.Classifier.URL == "" {
		return fmt.Errorf("classifier.url is required when classifier.enabled is true")
	}
	if c.Report.Enabled && c.Report.Path == "" {
		return fmt.Errorf("report.path is required when report.enabled is true")
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats.enabled is true")
	}
	return nil
}
