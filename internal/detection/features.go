// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

// FeatureCount is the fixed length of the classifier feature vector.
const FeatureCount = 8

// FeatureNames lists the vector positions in order. The classifier service
// is trained against exactly this shape; order changes are breaking.
var FeatureNames = [FeatureCount]string{
	"request_count",
	"distinct_endpoints",
	"auth_failures",
	"error_ratio",
	"request_rate",
	"mean_latency_ms",
	"mean_payload_bytes",
	"risk_score",
}

// FeatureVector is a fixed-shape numeric vector derived deterministically
// from a window snapshot. Passed by value; ephemeral.
type FeatureVector [FeatureCount]float64

// Risk score weights per rule. Flags are weighted, summed, and clamped to
// 100; auth abuse weighs less per flag but escalates severity instead.
const (
	riskWeightBurst     = 40
	riskWeightScan      = 35
	riskWeightAuthAbuse = 25
	riskScoreMax        = 100
)

// RiskScore folds triggered rules into a 0-100 score.
func RiskScore(results []DetectionResult) int {
	score := 0
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		switch r.RuleType {
		case RuleTypeBurst:
			score += riskWeightBurst
		case RuleTypeScan:
			score += riskWeightScan
		case RuleTypeAuthAbuse:
			score += riskWeightAuthAbuse
		}
	}
	if score > riskScoreMax {
		score = riskScoreMax
	}
	return score
}

// ExtractFeatures derives the feature vector from a snapshot and the rule
// results for the same snapshot. Deterministic: equal snapshots and results
// produce equal vectors.
func ExtractFeatures(snapshot *WindowSnapshot, results []DetectionResult) FeatureVector {
	var v FeatureVector

	count := snapshot.Count()
	v[0] = float64(count)
	v[1] = float64(snapshot.DistinctEndpoints())
	v[2] = float64(snapshot.AuthFailures())

	if count > 0 {
		v[3] = float64(snapshot.ErrorCount()) / float64(count)

		span := snapshot.HighWaterMark.Sub(snapshot.Start()).Seconds()
		if span > 0 {
			v[4] = float64(count) / span
		} else {
			// Single-instant window: treat the whole count as the rate
			v[4] = float64(count)
		}

		var latencySum, payloadSum float64
		for i := range snapshot.Events {
			latencySum += snapshot.Events[i].LatencyMS
			payloadSum += float64(snapshot.Events[i].PayloadBytes)
		}
		v[5] = latencySum / float64(count)
		v[6] = payloadSum / float64(count)
	}

	v[7] = float64(RiskScore(results))

	return v
}
