// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

// ScanConfig configures the scan detector.
type ScanConfig struct {
	// Threshold is the distinct endpoint count above which the rule fires
	// (strict comparison).
	Threshold int `json:"threshold"`

	// Severity for generated alerts.
	Severity Severity `json:"severity"`
}

// DefaultScanConfig returns sensible defaults.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Threshold: 20,
		Severity:  SeverityMedium,
	}
}

// ScanDetector flags endpoint enumeration: one client touching many
// distinct endpoints in a short span. Distinct-endpoint count is robust to
// request-rate variance, so slow scans still trip it.
type ScanDetector struct {
	cfg ScanConfig
}

// NewScanDetector creates a scan detector.
func NewScanDetector(cfg ScanConfig) *ScanDetector {
	return &ScanDetector{cfg: cfg}
}

// Type returns the rule type this detector handles.
func (d *ScanDetector) Type() RuleType {
	return RuleTypeScan
}

// Check evaluates the snapshot.
func (d *ScanDetector) Check(snapshot *WindowSnapshot) DetectionResult {
	distinct := snapshot.DistinctEndpoints()

	result := DetectionResult{
		RuleType: RuleTypeScan,
		ClientID: snapshot.ClientID,
		Severity: d.cfg.Severity,
	}

	if distinct > d.cfg.Threshold {
		result.Triggered = true
		result.Evidence = map[string]interface{}{
			"distinct_endpoints": distinct,
			"threshold":          d.cfg.Threshold,
			"request_count":      snapshot.Count(),
		}
	}

	return result
}
