// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

// Package metrics provides Prometheus instrumentation for the detection
// pipeline. Every non-fatal drop in the error taxonomy (malformed events,
// clock-skew rejections, classifier failures, shed alerts) is counted here
// so that bounded loss is always observable.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics

	EventsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiwarden_events_ingested_total",
			Help: "Total number of raw log records received by the pipeline",
		},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiwarden_events_rejected_total",
			Help: "Total number of events dropped at the boundary",
		},
		[]string{"reason"}, // "malformed", "clock_skew", "out_of_order", "duplicate"
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiwarden_ingest_duration_seconds",
			Help:    "End-to-end duration of the per-event detection path",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// Session tracker metrics

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiwarden_active_sessions",
			Help: "Current number of tracked client session windows",
		},
	)

	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiwarden_sessions_evicted_total",
			Help: "Total number of session windows reclaimed by idle eviction",
		},
	)

	WindowEvents = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiwarden_window_events",
			Help:    "Number of events in a window at evaluation time",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)

	// Detection metrics

	DetectorTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiwarden_detector_triggers_total",
			Help: "Total number of rule trigger decisions",
		},
		[]string{"rule"}, // "burst", "scan", "auth_abuse"
	)

	ClassifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiwarden_classifier_calls_total",
			Help: "Total number of classifier invocations by outcome",
		},
		[]string{"outcome"}, // "ok", "unavailable", "breaker_open", "throttled"
	)

	ClassifierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiwarden_classifier_duration_seconds",
			Help:    "Duration of classifier adapter calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Alert pipeline metrics

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiwarden_alerts_emitted_total",
			Help: "Total number of new alerts published to sinks",
		},
		[]string{"severity"},
	)

	AlertsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiwarden_alerts_merged_total",
			Help: "Total number of triggers coalesced into an open alert",
		},
	)

	AlertsShed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiwarden_alerts_shed_total",
			Help: "Total number of buffered alerts dropped under backpressure",
		},
	)

	AlertQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiwarden_alert_queue_depth",
			Help: "Current number of alerts buffered for sink delivery",
		},
	)

	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiwarden_sink_deliveries_total",
			Help: "Total number of alert deliveries per sink by outcome",
		},
		[]string{"sink", "outcome"}, // outcome: "ok", "error", "duplicate"
	)

	SinkDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apiwarden_sink_delivery_duration_seconds",
			Help:    "Duration of alert sink deliveries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// API metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiwarden_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apiwarden_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	// WebSocket metrics

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiwarden_websocket_connections",
			Help: "Current number of connected WebSocket clients",
		},
	)

	WebSocketMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiwarden_websocket_messages_sent_total",
			Help: "Total number of messages broadcast to WebSocket clients",
		},
	)
)

// RecordAPIRequest records an API request with its duration.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSinkDelivery records a sink delivery outcome with its duration.
func RecordSinkDelivery(sink, outcome string, duration time.Duration) {
	SinkDeliveries.WithLabelValues(sink, outcome).Inc()
	SinkDeliveryDuration.WithLabelValues(sink).Observe(duration.Seconds())
}
