// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

// BurstConfig configures the burst detector.
type BurstConfig struct {
	// Threshold is the request count above which the rule fires. The
	// comparison is strict: exactly Threshold requests do not trigger.
	Threshold int `json:"threshold"`

	// Severity for generated alerts.
	Severity Severity `json:"severity"`
}

// DefaultBurstConfig returns sensible defaults.
func DefaultBurstConfig() BurstConfig {
	return BurstConfig{
		Threshold: 100,
		Severity:  SeverityMedium,
	}
}

// BurstDetector flags DDoS-style floods: a sustained high request rate from
// one client within the window horizon.
type BurstDetector struct {
	cfg BurstConfig
}

// NewBurstDetector creates a burst detector.
func NewBurstDetector(cfg BurstConfig) *BurstDetector {
	return &BurstDetector{cfg: cfg}
}

// Type returns the rule type this detector handles.
func (d *BurstDetector) Type() RuleType {
	return RuleTypeBurst
}

// Check evaluates the snapshot.
func (d *BurstDetector) Check(snapshot *WindowSnapshot) DetectionResult {
	count := snapshot.Count()

	result := DetectionResult{
		RuleType: RuleTypeBurst,
		ClientID: snapshot.ClientID,
		Severity: d.cfg.Severity,
	}

	if count > d.cfg.Threshold {
		result.Triggered = true
		result.Evidence = map[string]interface{}{
			"request_count": count,
			"threshold":     d.cfg.Threshold,
			"window_start":  snapshot.Start(),
			"window_end":    snapshot.HighWaterMark,
		}
	}

	return result
}
