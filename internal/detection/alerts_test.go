// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"testing"
	"time"
)

func newTestEngine() (*AlertEngine, *time.Time) {
	now := testBase
	engine := NewAlertEngine(AlertEngineConfig{
		CoalescingWindow:    2 * time.Minute,
		ConfidenceThreshold: 0.80,
	})
	engine.now = func() time.Time { return now }
	return engine, &now
}

func ruleResult(rule RuleType, severity Severity, fired bool) DetectionResult {
	return DetectionResult{
		RuleType:  rule,
		ClientID:  "client-a",
		Triggered: fired,
		Severity:  severity,
	}
}

func TestEvaluateNothingFires(t *testing.T) {
	engine, _ := newTestEngine()
	snap := buildSnapshot(t, 10, 2, 0)

	results := []DetectionResult{
		ruleResult(RuleTypeBurst, SeverityMedium, false),
		ruleResult(RuleTypeScan, SeverityMedium, false),
	}

	alert, isNew := engine.Evaluate(snap, results, nil)
	if alert != nil || isNew {
		t.Errorf("Evaluate() = (%v, %v), want (nil, false)", alert, isNew)
	}
	if engine.OpenCount() != 0 {
		t.Errorf("OpenCount() = %d, want 0", engine.OpenCount())
	}
}

func TestEvaluateRuleTriggerCreatesAlert(t *testing.T) {
	engine, _ := newTestEngine()
	snap := buildSnapshot(t, 150, 1, 0)

	results := []DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, true)}
	alert, isNew := engine.Evaluate(snap, results, nil)

	if alert == nil || !isNew {
		t.Fatalf("Evaluate() = (%v, %v), want new alert", alert, isNew)
	}
	if alert.AlertID == "" {
		t.Error("alert has no ID")
	}
	if alert.ClientID != "client-a" {
		t.Errorf("ClientID = %s, want client-a", alert.ClientID)
	}
	if !alert.HasTrigger(RuleTypeBurst) || len(alert.Triggers) != 1 {
		t.Errorf("Triggers = %v, want [burst]", alert.Triggers)
	}
	if alert.Severity != SeverityMedium {
		t.Errorf("Severity = %v, want medium", alert.Severity)
	}
	if alert.RiskScore != 40 {
		t.Errorf("RiskScore = %d, want 40", alert.RiskScore)
	}
	if alert.Revision != 1 {
		t.Errorf("Revision = %d, want 1", alert.Revision)
	}
	if alert.WindowSummary.EventCount != 150 {
		t.Errorf("WindowSummary.EventCount = %d, want 150", alert.WindowSummary.EventCount)
	}
}

func TestEvaluateClassifierOnlyDecision(t *testing.T) {
	snap := buildSnapshot(t, 10, 2, 0)
	quiet := []DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, false)}

	tests := []struct {
		name           string
		classification *Classification
		wantAlert      bool
	}{
		{"nil classification", nil, false},
		{"normal label", &Classification{Label: "Normal", Confidence: 0.99}, false},
		{"attack below threshold", &Classification{Label: "Attack", Confidence: 0.79}, false},
		{"attack exactly at threshold", &Classification{Label: "Attack", Confidence: 0.80}, true},
		{"attack above threshold", &Classification{Label: "Attack", Confidence: 0.93}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine()
			alert, isNew := engine.Evaluate(snap, quiet, tt.classification)
			if (alert != nil) != tt.wantAlert {
				t.Fatalf("alert = %v, wantAlert %v", alert, tt.wantAlert)
			}
			if tt.wantAlert {
				if !isNew {
					t.Error("expected a new alert")
				}
				if len(alert.Triggers) != 0 {
					t.Errorf("Triggers = %v, want none for classifier-only alert", alert.Triggers)
				}
				if alert.Severity != SeverityMedium {
					t.Errorf("Severity = %v, want medium", alert.Severity)
				}
				if alert.RiskScore != 0 {
					t.Errorf("RiskScore = %d, want 0", alert.RiskScore)
				}
			}
		})
	}
}

func TestEvaluateCoalescesHotSession(t *testing.T) {
	engine, now := newTestEngine()

	first, isNew := engine.Evaluate(buildSnapshot(t, 150, 1, 0),
		[]DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, true)}, nil)
	if first == nil || !isNew {
		t.Fatal("expected a new alert")
	}

	// A different rule fires for the same client within the coalescing
	// window: merged, not re-emitted
	*now = testBase.Add(time.Minute)
	second, isNew := engine.Evaluate(buildSnapshot(t, 160, 1, 12),
		[]DetectionResult{
			ruleResult(RuleTypeBurst, SeverityMedium, true),
			ruleResult(RuleTypeAuthAbuse, SeverityHigh, true),
		}, nil)

	if second == nil {
		t.Fatal("expected the merged alert back")
	}
	if isNew {
		t.Error("merged alert must not be re-emitted")
	}
	if second.AlertID != first.AlertID {
		t.Errorf("AlertID changed on merge: %s vs %s", second.AlertID, first.AlertID)
	}
	if !second.HasTrigger(RuleTypeBurst) || !second.HasTrigger(RuleTypeAuthAbuse) {
		t.Errorf("Triggers = %v, want union of burst and auth_abuse", second.Triggers)
	}
	if second.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want high (max, not sum)", second.Severity)
	}
	if second.RiskScore != 65 {
		t.Errorf("RiskScore = %d, want 65", second.RiskScore)
	}
	if second.Revision != 2 {
		t.Errorf("Revision = %d, want 2", second.Revision)
	}
	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Error("FirstSeen changed on merge")
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Error("LastSeen not extended on merge")
	}
	if engine.OpenCount() != 1 {
		t.Errorf("OpenCount() = %d, want 1", engine.OpenCount())
	}
}

func TestEvaluateRepeatTriggersNeverDuplicate(t *testing.T) {
	engine, now := newTestEngine()
	results := []DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, true)}

	first, _ := engine.Evaluate(buildSnapshot(t, 150, 1, 0), results, nil)
	for i := 1; i <= 5; i++ {
		*now = testBase.Add(time.Duration(i) * 10 * time.Second)
		alert, isNew := engine.Evaluate(buildSnapshot(t, 150, 1, 0), results, nil)
		if isNew {
			t.Fatalf("merge %d emitted a duplicate alert", i)
		}
		if alert.AlertID != first.AlertID {
			t.Fatalf("merge %d changed alert ID", i)
		}
		if len(alert.Triggers) != 1 {
			t.Fatalf("merge %d duplicated the trigger: %v", i, alert.Triggers)
		}
	}
}

func TestEvaluateColdSessionGetsFreshAlert(t *testing.T) {
	engine, now := newTestEngine()
	results := []DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, true)}

	first, _ := engine.Evaluate(buildSnapshot(t, 150, 1, 0), results, nil)

	// Beyond the coalescing window the session is cold: a later trigger
	// opens a fresh alert with its own identity
	*now = testBase.Add(3 * time.Minute)
	second, isNew := engine.Evaluate(buildSnapshot(t, 150, 1, 0), results, nil)

	if !isNew {
		t.Fatal("expected a fresh alert after the session went cold")
	}
	if second.AlertID == first.AlertID {
		t.Error("cold session reused the old alert ID")
	}
	if second.Revision != 1 {
		t.Errorf("Revision = %d, want 1", second.Revision)
	}
}

func TestSuggestedActionMapping(t *testing.T) {
	tests := []struct {
		name       string
		riskScore  int
		label      string
		confidence float64
		want       SuggestedAction
	}{
		{"low risk", 40, "", 0, ActionMonitor},
		{"throttle from risk", 90, "", 0, ActionThrottle},
		{"block from risk", 100, "", 0, ActionBlock},
		{"block from classifier", 40, "Attack", 0.97, ActionBlock},
		{"throttle from classifier", 40, "Attack", 0.88, ActionThrottle},
		{"normal label ignored", 40, "Normal", 0.99, ActionMonitor},
		{"risk wins over weaker classifier", 100, "Attack", 0.90, ActionBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := &Alert{
				RiskScore:            tt.riskScore,
				ClassifierLabel:      tt.label,
				ClassifierConfidence: tt.confidence,
			}
			if got := suggestAction(alert); got != tt.want {
				t.Errorf("suggestAction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeKeepsHigherConfidence(t *testing.T) {
	engine, now := newTestEngine()
	results := []DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, true)}

	engine.Evaluate(buildSnapshot(t, 150, 1, 0), results,
		&Classification{Label: "Attack", Confidence: 0.91})

	*now = testBase.Add(30 * time.Second)
	merged, _ := engine.Evaluate(buildSnapshot(t, 150, 1, 0), results,
		&Classification{Label: "Attack", Confidence: 0.85})

	if merged.ClassifierConfidence != 0.91 {
		t.Errorf("ClassifierConfidence = %v, want 0.91", merged.ClassifierConfidence)
	}
}

func TestOpenAlertReturnsCopy(t *testing.T) {
	engine, _ := newTestEngine()
	results := []DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, true)}
	engine.Evaluate(buildSnapshot(t, 150, 1, 0), results, nil)

	alert := engine.OpenAlert("client-a")
	if alert == nil {
		t.Fatal("expected an open alert")
	}
	alert.Triggers = append(alert.Triggers, RuleTypeScan)

	if len(engine.OpenAlert("client-a").Triggers) != 1 {
		t.Error("mutating the returned alert affected engine state")
	}
}

func TestPruneCold(t *testing.T) {
	engine, now := newTestEngine()
	results := []DetectionResult{ruleResult(RuleTypeBurst, SeverityMedium, true)}
	engine.Evaluate(buildSnapshot(t, 150, 1, 0), results, nil)

	if pruned := engine.PruneCold(); pruned != 0 {
		t.Errorf("PruneCold() = %d while hot, want 0", pruned)
	}

	*now = testBase.Add(5 * time.Minute)
	if pruned := engine.PruneCold(); pruned != 1 {
		t.Errorf("PruneCold() = %d, want 1", pruned)
	}
	if engine.OpenCount() != 0 {
		t.Errorf("OpenCount() = %d, want 0", engine.OpenCount())
	}
}
