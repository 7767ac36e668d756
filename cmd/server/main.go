// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

// Package main is the entry point for the apiwarden server.
//
// Apiwarden consumes API gateway access logs, tracks per-client session
// windows, and raises abuse alerts from rule detectors and an optional
// external ML classifier. Alerts are persisted to DuckDB, appended to a
// CSV live report, published to NATS, and pushed to websocket clients;
// a REST API serves stored alerts and aggregate statistics.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, environment (Koanf v2)
//  2. Alert store: DuckDB with upsert-by-alert-id persistence
//  3. Delivery checkpoint: BadgerDB revision tracking per sink
//  4. NATS (optional): embedded or external JetStream event feed
//  5. WebSocket hub: real-time alert broadcast
//  6. Detection pipeline: normalizer, session tracker, detectors,
//     classifier adapter, alert engine, sink fan-out
//  7. HTTP server: read API with health, metrics, and live websocket
//
// All long-running components run under a suture supervisor tree with
// pipeline, messaging, and API layers isolated from each other.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (NATS_URL, DETECTION_BURST_THRESHOLD, ...)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// External-feed deployment:
//
//	export NATS_ENABLED=true
//	export NATS_EMBEDDED=false
//	export NATS_URL=nats://localhost:4222
//	export DUCKDB_PATH=/data/apiwarden.duckdb
//	./apiwarden
//
// Self-contained deployment with embedded JetStream:
//
//	export NATS_ENABLED=true
//	export NATS_EMBEDDED=true
//	export NATS_STORE_DIR=/data/nats/jetstream
//	./apiwarden
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops consuming new events
//   - Flushes queued alerts to all sinks
//   - Closes NATS components, checkpoint, and database
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/apiwarden/apiwarden/internal/api"
	"github.com/apiwarden/apiwarden/internal/config"
	"github.com/apiwarden/apiwarden/internal/detection"
	"github.com/apiwarden/apiwarden/internal/eventprocessor"
	"github.com/apiwarden/apiwarden/internal/logging"
	"github.com/apiwarden/apiwarden/internal/supervisor"
	ws "github.com/apiwarden/apiwarden/internal/websocket"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting apiwarden with supervisor tree")
	logging.Info().
		Str("store_path", cfg.Store.Path).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Bool("classifier_enabled", cfg.Classifier.Enabled).
		Bool("report_enabled", cfg.Report.Enabled).
		Msg("Configuration loaded")

	// Alert store
	db, err := openStore(&cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open alert store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing alert store")
		}
	}()

	store := detection.NewDuckDBStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize alert schema")
	}
	logging.Info().Msg("Alert store initialized")

	// Delivery checkpoint for exactly-once sink replay across restarts
	checkpoint, err := eventprocessor.OpenCheckpoint(cfg.Store.CheckpointPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open delivery checkpoint")
	}
	defer func() {
		if err := checkpoint.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing delivery checkpoint")
		}
	}()

	// NATS event feed (optional)
	natsComponents, err := InitNATS(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize NATS event feed")
	}
	if natsComponents != nil {
		defer natsComponents.Shutdown(context.Background())
	}

	// WebSocket hub, created before the sink fan-out that feeds it
	wsHub := ws.NewHub()

	// Alert sinks: store always, report/NATS/websocket per configuration
	sinks := []detection.AlertSink{detection.NewStoreSink(store)}

	var reportSink *detection.ReportSink
	if cfg.Report.Enabled {
		reportSink, err = detection.NewReportSink(cfg.Report.Path)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open live report")
		}
		defer func() {
			if err := reportSink.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing live report")
			}
		}()
		sinks = append(sinks, reportSink)
		logging.Info().Str("path", cfg.Report.Path).Msg("Live report enabled")
	}

	if natsComponents != nil {
		sinks = append(sinks, detection.NewNATSSink(natsComponents.Publisher(), eventprocessor.AlertsTopic))
	}
	sinks = append(sinks, ws.NewSink(wsHub))

	// Detection pipeline
	coordinator := buildCoordinator(cfg, sinks, checkpoint)

	if natsComponents != nil {
		natsComponents.RegisterConsumer(cfg, coordinator)
		logging.Info().Str("subject", cfg.NATS.Subject).Msg("Detection coordinator consuming event feed")
	}

	// HTTP read API
	wsHandler := ws.NewHandler(wsHub, cfg.Server.CORSOrigins)
	apiHandler := api.NewHandler(store, coordinator)
	apiMiddleware := api.NewMiddleware(&api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		RateLimitRequests:  cfg.Server.RateLimitReqs,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
	})
	apiRouter := api.NewRouter(apiHandler, apiMiddleware, wsHandler.ServeHTTP)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(addr, apiRouter.Setup(), cfg.Server.Timeout)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Supervisor tree: zerolog bridged to slog for sutureslog
	slogLogger := logging.NewSlogLogger()
	tree := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())

	tree.AddPipelineService(coordinator)
	if natsComponents != nil {
		tree.AddMessagingService(supervisor.NewRouterService(natsComponents.Router()))
	}
	tree.AddMessagingService(wsHub)
	tree.AddAPIService(server)
	logging.Info().Str("addr", addr).Msg("HTTP server service added")

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}

// openStore opens the DuckDB alert database, creating parent directories
// as needed.
func openStore(cfg *config.StoreConfig) (*sql.DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := cfg.Path + "?access_mode=read_write"
	if cfg.MaxMemory != "" {
		dsn += "&max_memory=" + cfg.MaxMemory
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Alert writes are serialized through the sink; a small pool covers
	// the read API.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// buildCoordinator assembles the detection pipeline from configuration.
func buildCoordinator(cfg *config.Config, sinks []detection.AlertSink, checkpoint *eventprocessor.DeliveryCheckpoint) *detection.Coordinator {
	normalizer := eventprocessor.NewNormalizer(cfg.Detection.MaxClockSkew)

	tracker := detection.NewSessionTracker(detection.TrackerConfig{
		Window: detection.WindowConfig{
			Horizon:             time.Duration(cfg.Detection.WindowSeconds) * time.Second,
			MaxEvents:           cfg.Detection.MaxWindowEvents,
			OutOfOrderTolerance: cfg.Detection.OutOfOrderTolerance,
		},
		IdleTimeout:   cfg.Detection.IdleTimeout,
		SweepInterval: cfg.Detection.SweepInterval,
		Shards:        cfg.Detection.Shards,
	})

	detectors := []detection.Detector{
		detection.NewBurstDetector(detection.BurstConfig{
			Threshold: cfg.Detection.BurstThreshold,
			Severity:  detection.SeverityMedium,
		}),
		detection.NewScanDetector(detection.ScanConfig{
			Threshold: cfg.Detection.ScanThreshold,
			Severity:  detection.SeverityMedium,
		}),
		detection.NewAuthAbuseDetector(detection.AuthAbuseConfig{
			Threshold: cfg.Detection.AuthThreshold,
			Severity:  detection.SeverityHigh,
		}),
	}

	var classifier detection.Classifier
	if cfg.Classifier.Enabled {
		classifier = detection.NewHTTPClassifier(detection.ClassifierConfig{
			URL:              cfg.Classifier.URL,
			Timeout:          cfg.Classifier.Timeout,
			MaxRatePerSecond: cfg.Classifier.MaxRatePerSecond,
			BreakerThreshold: cfg.Classifier.BreakerThreshold,
			BreakerTimeout:   cfg.Classifier.BreakerTimeout,
		})
		logging.Info().Str("url", cfg.Classifier.URL).Msg("ML classifier enabled")
	} else {
		logging.Info().Msg("ML classifier disabled, rule detectors only")
	}

	engine := detection.NewAlertEngine(detection.AlertEngineConfig{
		CoalescingWindow:    cfg.Detection.CoalescingWindow,
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
	})

	return detection.NewCoordinator(
		detection.CoordinatorConfig{
			AlertQueueCapacity:   cfg.Detection.AlertQueueCapacity,
			DuplicateSuppression: cfg.Detection.DuplicateSuppression,
		},
		normalizer,
		tracker,
		detectors,
		classifier,
		engine,
		sinks,
		checkpoint,
	)
}
