// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

// AuthAbuseConfig configures the auth-abuse detector.
type AuthAbuseConfig struct {
	// Threshold is the 401/403 count above which the rule fires (strict
	// comparison).
	Threshold int `json:"threshold"`

	// Severity for generated alerts.
	Severity Severity `json:"severity"`
}

// DefaultAuthAbuseConfig returns sensible defaults.
func DefaultAuthAbuseConfig() AuthAbuseConfig {
	return AuthAbuseConfig{
		Threshold: 10,
		Severity:  SeverityHigh,
	}
}

// AuthAbuseDetector flags credential stuffing and brute force: repeated
// authentication rejections rather than raw volume.
type AuthAbuseDetector struct {
	cfg AuthAbuseConfig
}

// NewAuthAbuseDetector creates an auth-abuse detector.
func NewAuthAbuseDetector(cfg AuthAbuseConfig) *AuthAbuseDetector {
	return &AuthAbuseDetector{cfg: cfg}
}

// Type returns the rule type this detector handles.
func (d *AuthAbuseDetector) Type() RuleType {
	return RuleTypeAuthAbuse
}

// Check evaluates the snapshot.
func (d *AuthAbuseDetector) Check(snapshot *WindowSnapshot) DetectionResult {
	failures := snapshot.AuthFailures()

	result := DetectionResult{
		RuleType: RuleTypeAuthAbuse,
		ClientID: snapshot.ClientID,
		Severity: d.cfg.Severity,
	}

	if failures > d.cfg.Threshold {
		result.Triggered = true
		result.Evidence = map[string]interface{}{
			"auth_failures": failures,
			"threshold":     d.cfg.Threshold,
			"request_count": snapshot.Count(),
		}
	}

	return result
}
