// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"errors"
	"time"
)

// RuleType identifies the type of detection rule.
type RuleType string

const (
	// RuleTypeBurst detects request floods from a single client.
	RuleTypeBurst RuleType = "burst"

	// RuleTypeScan detects endpoint enumeration from a single client.
	RuleTypeScan RuleType = "scan"

	// RuleTypeAuthAbuse detects repeated authentication rejections.
	RuleTypeAuthAbuse RuleType = "auth_abuse"
)

// Severity indicates the severity level of an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// severityRank orders severities for max-combination.
var severityRank = map[Severity]int{
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// MaxSeverity returns the higher of two severities. Combined alert severity
// is the max over triggered rules, never a sum.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// DetectionResult is the outcome of evaluating one rule against a window
// snapshot. Produced fresh per evaluation and consumed immediately by the
// alert engine; never persisted on its own.
type DetectionResult struct {
	RuleType  RuleType               `json:"rule_type"`
	ClientID  string                 `json:"client_id"`
	Triggered bool                   `json:"triggered"`
	Severity  Severity               `json:"severity"`
	Evidence  map[string]interface{} `json:"evidence,omitempty"`
}

// WindowSummary captures the state of a session window at alert time.
type WindowSummary struct {
	EventCount        int       `json:"event_count"`
	DistinctEndpoints int       `json:"distinct_endpoints"`
	AuthFailures      int       `json:"auth_failures"`
	ErrorCount        int       `json:"error_count"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
}

// SuggestedAction is the recommended operator response for an alert.
type SuggestedAction string

const (
	ActionBlock    SuggestedAction = "BLOCK"
	ActionThrottle SuggestedAction = "THROTTLE"
	ActionMonitor  SuggestedAction = "MONITOR"
)

// Alert represents a detection alert for one client. Alerts are mutable
// while the underlying session is hot (within the coalescing window):
// triggers are unioned, last_seen extended, and the revision bumped. Once
// the session goes cold the alert is immutable; later activity produces a
// new alert that supersedes it.
type Alert struct {
	AlertID              string          `json:"alert_id"`
	ClientID             string          `json:"client_id"`
	WindowSummary        WindowSummary   `json:"window_summary"`
	Triggers             []RuleType      `json:"triggers"`
	Severity             Severity        `json:"severity"`
	RiskScore            int             `json:"risk_score"`
	ClassifierLabel      string          `json:"classifier_label,omitempty"`
	ClassifierConfidence float64         `json:"classifier_confidence,omitempty"`
	SuggestedAction      SuggestedAction `json:"suggested_action"`
	FirstSeen            time.Time       `json:"first_seen"`
	LastSeen             time.Time       `json:"last_seen"`

	// Revision counts coalescing merges. Sinks use it to make at-least-once
	// redelivery idempotent: same alert_id and revision means no new data.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of the alert.
func (a *Alert) Clone() *Alert {
	clone := *a
	clone.Triggers = make([]RuleType, len(a.Triggers))
	copy(clone.Triggers, a.Triggers)
	return &clone
}

// HasTrigger reports whether the alert carries the given rule trigger.
func (a *Alert) HasTrigger(rule RuleType) bool {
	for _, t := range a.Triggers {
		if t == rule {
			return true
		}
	}
	return false
}

// Detector evaluates one rule against a window snapshot. Detectors are pure
// functions of the snapshot: order-insensitive, no shared state, never see
// each other's output.
type Detector interface {
	// Type returns the rule type this detector handles.
	Type() RuleType

	// Check evaluates the snapshot. The result always carries the rule type
	// and client ID; Triggered indicates whether the rule fired.
	Check(snapshot *WindowSnapshot) DetectionResult
}

// Classification is the output of the external abuse classifier.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ErrClassifierUnavailable is returned when the classifier cannot be
// reached, times out, is circuit-broken, or is rate limited. The pipeline
// degrades to rule-only alerting.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Classifier scores a feature vector. Implementations must not retain the
// vector past the call.
type Classifier interface {
	Classify(ctx context.Context, features FeatureVector) (*Classification, error)
}

// AlertStore defines the interface for alert persistence.
type AlertStore interface {
	// UpsertAlert inserts the alert or, when the alert_id exists, replaces
	// it with the newer revision. Idempotent under at-least-once delivery.
	UpsertAlert(ctx context.Context, alert *Alert) error

	// GetAlert retrieves an alert by ID.
	GetAlert(ctx context.Context, alertID string) (*Alert, error)

	// ListAlerts retrieves alerts with optional filtering.
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)

	// CountAlerts returns the count of alerts matching the filter.
	CountAlerts(ctx context.Context, filter AlertFilter) (int, error)

	// Stats aggregates alert statistics for the read API.
	Stats(ctx context.Context) (*AlertStats, error)
}

// AlertFilter defines filtering options for alert queries.
type AlertFilter struct {
	ClientID       string     `json:"client_id,omitempty"`
	RuleTypes      []RuleType `json:"rule_types,omitempty"`
	Severities     []Severity `json:"severities,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
	OrderBy        string     `json:"order_by,omitempty"`        // first_seen, last_seen, severity, risk_score
	OrderDirection string     `json:"order_direction,omitempty"` // asc, desc
}

// AlertStats is the aggregate shape served by the stats endpoint.
type AlertStats struct {
	TotalAlerts      int                     `json:"total_alerts"`
	AlertsBySeverity map[Severity]int        `json:"alerts_by_severity"`
	AlertsByRule     map[RuleType]int        `json:"alerts_by_rule"`
	AlertsByAction   map[SuggestedAction]int `json:"alerts_by_action"`
	UniqueClients    int                     `json:"unique_clients"`
	TopClients       []ClientCount           `json:"top_clients"`
	AlertsLast24h    int                     `json:"alerts_last_24h"`
}

// ClientCount pairs a client with its alert count.
type ClientCount struct {
	ClientID string `json:"client_id"`
	Count    int    `json:"count"`
}

// AlertSink receives emitted alerts. Sinks must treat alerts with an
// already-delivered (alert_id, revision) pair as no-ops.
type AlertSink interface {
	// Deliver sends one alert. Errors are logged and counted; delivery is
	// at-least-once and retried only through queue redelivery.
	Deliver(ctx context.Context, alert *Alert) error

	// Name returns the sink name for logging and metrics.
	Name() string
}
