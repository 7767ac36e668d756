// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/apiwarden/config.yaml",
	"/etc/apiwarden/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with built-in defaults. These are applied
// first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		NATS: NATSConfig{
			Enabled:        true,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			StreamName:     "ACCESS_EVENTS",
			Subject:        "access.events",
			DurableName:    "abuse-detector",
			QueueGroup:     "detectors",
			MaxReconnects:  -1, // Retry forever
			ReconnectWait:  2 * time.Second,
			AckWaitTimeout: 30 * time.Second,
			CloseTimeout:   30 * time.Second,
			Subscribers:    4,

			RetryMaxRetries:      3,
			RetryInitialInterval: 100 * time.Millisecond,
			PoisonQueueTopic:     "access.events.poison",
		},
		Detection: DetectionConfig{
			WindowSeconds:        60,
			MaxWindowEvents:      10000,
			OutOfOrderTolerance:  5 * time.Second,
			IdleTimeout:          5 * time.Minute,
			SweepInterval:        30 * time.Second,
			MaxClockSkew:         30 * time.Second,
			BurstThreshold:       100,
			ScanThreshold:        20,
			AuthThreshold:        10,
			CoalescingWindow:     2 * time.Minute,
			ConfidenceThreshold:  0.80,
			AlertQueueCapacity:   1024,
			Shards:               64,
			DuplicateSuppression: 5 * time.Minute,
		},
		Classifier: ClassifierConfig{
			Enabled:          false,
			URL:              "",
			Timeout:          2 * time.Second,
			MaxRatePerSecond: 50,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Store: StoreConfig{
			Path:           "/data/apiwarden.duckdb",
			CheckpointPath: "/data/apiwarden-checkpoint",
			MaxMemory:      "1GB",
		},
		Report: ReportConfig{
			Enabled: false,
			Path:    "/data/live_alerts.csv",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if it exists)
//  3. Environment variables: override any setting
//
// Precedence is ENV > File > Defaults. The result is validated before
// being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated env strings for slice fields
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string if none.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// values when set from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings, but the config expects
// slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - NATS_URL -> nats.url
//   - DETECTION_BURST_THRESHOLD -> detection.burst_threshold
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_host":              "server.host",
		"http_port":              "server.port",
		"http_timeout":           "server.timeout",
		"cors_origins":           "server.cors_origins",
		"http_rate_limit":        "server.rate_limit_reqs",
		"http_rate_limit_window": "server.rate_limit_window",

		// NATS mappings
		"nats_enabled":        "nats.enabled",
		"nats_url":            "nats.url",
		"nats_embedded":       "nats.embedded_server",
		"nats_store_dir":      "nats.store_dir",
		"nats_stream_name":    "nats.stream_name",
		"nats_subject":        "nats.subject",
		"nats_durable_name":   "nats.durable_name",
		"nats_queue_group":    "nats.queue_group",
		"nats_max_reconnects": "nats.max_reconnects",
		"nats_reconnect_wait": "nats.reconnect_wait",
		"nats_ack_wait":       "nats.ack_wait_timeout",
		"nats_close_timeout":  "nats.close_timeout",
		"nats_subscribers":    "nats.subscribers",
		"nats_retry_max":      "nats.retry_max_retries",
		"nats_retry_interval": "nats.retry_initial_interval",
		"nats_poison_topic":   "nats.poison_queue_topic",

		// Detection mappings
		"detection_window_seconds":         "detection.window_seconds",
		"detection_max_window_events":      "detection.max_window_events",
		"detection_out_of_order_tolerance": "detection.out_of_order_tolerance",
		"detection_idle_timeout":           "detection.idle_timeout",
		"detection_sweep_interval":         "detection.sweep_interval",
		"detection_max_clock_skew":         "detection.max_clock_skew",
		"detection_burst_threshold":        "detection.burst_threshold",
		"detection_scan_threshold":         "detection.scan_threshold",
		"detection_auth_threshold":         "detection.auth_threshold",
		"detection_coalescing_window":      "detection.coalescing_window",
		"detection_confidence_threshold":   "detection.confidence_threshold",
		"detection_queue_capacity":         "detection.alert_queue_capacity",
		"detection_shards":                 "detection.shards",
		"detection_duplicate_suppression":  "detection.duplicate_suppression",

		// Classifier mappings
		"classifier_enabled":           "classifier.enabled",
		"classifier_url":               "classifier.url",
		"classifier_timeout":           "classifier.timeout",
		"classifier_max_rate":          "classifier.max_rate_per_second",
		"classifier_breaker_threshold": "classifier.breaker_threshold",
		"classifier_breaker_timeout":   "classifier.breaker_timeout",

		// Store mappings
		"duckdb_path":       "store.path",
		"checkpoint_path":   "store.checkpoint_path",
		"duckdb_max_memory": "store.max_memory",

		// Report mappings
		"report_enabled": "report.enabled",
		"report_path":    "report.path",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped so random environment variables do not
	// pollute the config.
	return ""
}
