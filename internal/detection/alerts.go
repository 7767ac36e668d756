// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apiwarden/apiwarden/internal/metrics"
)

// ClassifierLabelAttack is the classifier label that contributes to the
// alert decision.
const ClassifierLabelAttack = "Attack"

// Suggested action cutoffs, applied to the stronger of classifier
// confidence and normalized risk score.
const (
	actionBlockCutoff    = 0.95
	actionThrottleCutoff = 0.85
)

// AlertEngineConfig configures alert creation and coalescing.
type AlertEngineConfig struct {
	// CoalescingWindow is how long after last_seen an alert stays hot.
	// Triggers within it merge into the open alert instead of emitting a
	// new one.
	CoalescingWindow time.Duration

	// ConfidenceThreshold is the minimum classifier confidence for an
	// Attack label to raise an alert on its own.
	ConfidenceThreshold float64
}

// AlertEngine turns detection results and classifier verdicts into alerts,
// coalescing repeated triggers for the same client while the session stays
// hot. One sustained attack produces one open alert, not a storm.
type AlertEngine struct {
	cfg  AlertEngineConfig
	mu   sync.Mutex
	open map[string]*Alert
	now  func() time.Time
}

// NewAlertEngine creates an alert engine.
func NewAlertEngine(cfg AlertEngineConfig) *AlertEngine {
	return &AlertEngine{
		cfg:  cfg,
		open: make(map[string]*Alert),
		now:  time.Now,
	}
}

// Evaluate decides whether the given rule results and classifier verdict
// raise or update an alert for the client.
//
// Returns (nil, false) when nothing fires. Returns (alert, true) when a new
// alert was created and must be emitted to sinks. Returns (alert, false)
// when an open alert absorbed the triggers: merged alerts are not re-emitted.
func (e *AlertEngine) Evaluate(snapshot *WindowSnapshot, results []DetectionResult, classification *Classification) (*Alert, bool) {
	triggers := make([]RuleType, 0, len(results))
	severity := Severity("")
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		triggers = append(triggers, r.RuleType)
		if severity == "" {
			severity = r.Severity
		} else {
			severity = MaxSeverity(severity, r.Severity)
		}
	}

	classifierFired := classification != nil &&
		classification.Label == ClassifierLabelAttack &&
		classification.Confidence >= e.cfg.ConfidenceThreshold

	if len(triggers) == 0 && !classifierFired {
		return nil, false
	}

	// Classifier-only alerts carry no rule severity
	if severity == "" {
		severity = SeverityMedium
	}

	riskScore := RiskScore(results)
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.open[snapshot.ClientID]; ok {
		if now.Sub(existing.LastSeen) <= e.cfg.CoalescingWindow {
			e.merge(existing, triggers, severity, riskScore, snapshot, classification, now)
			metrics.AlertsMerged.Inc()
			return existing.Clone(), false
		}
		// Cold: the open alert is final, a fresh one supersedes it
		delete(e.open, snapshot.ClientID)
	}

	alert := &Alert{
		AlertID:       uuid.New().String(),
		ClientID:      snapshot.ClientID,
		WindowSummary: snapshot.Summary(),
		Triggers:      triggers,
		Severity:      severity,
		RiskScore:     riskScore,
		FirstSeen:     now,
		LastSeen:      now,
		Revision:      1,
	}
	if classification != nil {
		alert.ClassifierLabel = classification.Label
		alert.ClassifierConfidence = classification.Confidence
	}
	alert.SuggestedAction = suggestAction(alert)

	e.open[snapshot.ClientID] = alert
	metrics.AlertsEmitted.WithLabelValues(string(alert.Severity)).Inc()

	// The map entry keeps mutating under merges; emit a detached copy so
	// sink goroutines never race with coalescing.
	return alert.Clone(), true
}

// merge folds new triggers into an open alert: union triggers, keep max
// severity and risk, extend last_seen, bump revision.
func (e *AlertEngine) merge(alert *Alert, triggers []RuleType, severity Severity, riskScore int, snapshot *WindowSnapshot, classification *Classification, now time.Time) {
	for _, trigger := range triggers {
		if !alert.HasTrigger(trigger) {
			alert.Triggers = append(alert.Triggers, trigger)
		}
	}
	alert.Severity = MaxSeverity(alert.Severity, severity)
	if riskScore > alert.RiskScore {
		alert.RiskScore = riskScore
	}
	if classification != nil && classification.Confidence > alert.ClassifierConfidence {
		alert.ClassifierLabel = classification.Label
		alert.ClassifierConfidence = classification.Confidence
	}
	alert.WindowSummary = snapshot.Summary()
	alert.LastSeen = now
	alert.Revision++
	alert.SuggestedAction = suggestAction(alert)
}

// suggestAction maps the alert's strongest signal to an operator action.
func suggestAction(alert *Alert) SuggestedAction {
	score := float64(alert.RiskScore) / float64(riskScoreMax)
	if alert.ClassifierLabel == ClassifierLabelAttack && alert.ClassifierConfidence > score {
		score = alert.ClassifierConfidence
	}

	switch {
	case score >= actionBlockCutoff:
		return ActionBlock
	case score >= actionThrottleCutoff:
		return ActionThrottle
	default:
		return ActionMonitor
	}
}

// OpenAlert returns a copy of the open alert for a client, or nil.
func (e *AlertEngine) OpenAlert(clientID string) *Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	if alert, ok := e.open[clientID]; ok {
		return alert.Clone()
	}
	return nil
}

// OpenCount returns the number of currently open alerts.
func (e *AlertEngine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// PruneCold drops open alerts whose sessions have gone cold. The alerts
// are immutable from this point on; dropping the reference frees the map.
func (e *AlertEngine) PruneCold() int {
	now := e.now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()

	pruned := 0
	for clientID, alert := range e.open {
		if now.Sub(alert.LastSeen) > e.cfg.CoalescingWindow {
			delete(e.open, clientID)
			pruned++
		}
	}
	return pruned
}
