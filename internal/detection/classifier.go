// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/apiwarden/apiwarden/internal/logging"
	"github.com/apiwarden/apiwarden/internal/metrics"
)

// ClassifierConfig configures the HTTP classifier adapter.
type ClassifierConfig struct {
	URL              string
	Timeout          time.Duration
	MaxRatePerSecond float64
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultClassifierConfig returns sensible defaults.
func DefaultClassifierConfig(url string) ClassifierConfig {
	return ClassifierConfig{
		URL:              url,
		Timeout:          2 * time.Second,
		MaxRatePerSecond: 50,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// classifyRequest is the wire format of the classifier service.
type classifyRequest struct {
	Features []float64 `json:"features"`
	Names    []string  `json:"feature_names"`
	SentAt   time.Time `json:"sent_at"`
}

type classifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// HTTPClassifier calls an external model service over HTTP. Failures never
// propagate as pipeline errors: every failure mode maps to
// ErrClassifierUnavailable so the caller can fall back to rule-only
// alerting.
//
// Two guards protect the detection hot path from a slow or dead service:
// a token-bucket rate limit on outbound calls and a circuit breaker that
// opens after consecutive failures.
type HTTPClassifier struct {
	cfg     ClassifierConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*Classification]
	limiter *rate.Limiter
}

// NewHTTPClassifier creates the adapter.
func NewHTTPClassifier(cfg ClassifierConfig) *HTTPClassifier {
	settings := gobreaker.Settings{
		Name:    "classifier",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Classifier circuit breaker state change")
		},
	}

	return &HTTPClassifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*Classification](settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRatePerSecond), int(cfg.MaxRatePerSecond)),
	}
}

// Classify scores a feature vector against the external model.
func (c *HTTPClassifier) Classify(ctx context.Context, features FeatureVector) (*Classification, error) {
	if !c.limiter.Allow() {
		metrics.ClassifierCalls.WithLabelValues("throttled").Inc()
		return nil, fmt.Errorf("%w: rate limited", ErrClassifierUnavailable)
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (*Classification, error) {
		return c.call(ctx, features)
	})
	metrics.ClassifierDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ClassifierCalls.WithLabelValues("breaker_open").Inc()
		} else {
			metrics.ClassifierCalls.WithLabelValues("unavailable").Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}

	metrics.ClassifierCalls.WithLabelValues("ok").Inc()
	return result, nil
}

func (c *HTTPClassifier) call(ctx context.Context, features FeatureVector) (*Classification, error) {
	reqBody := classifyRequest{
		Features: features[:],
		Names:    FeatureNames[:],
		SentAt:   time.Now().UTC(),
	}

	data, err := json.Marshal(&reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var body classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}

	if body.Confidence < 0 || body.Confidence > 1 {
		return nil, fmt.Errorf("classifier confidence %f out of range", body.Confidence)
	}

	return &Classification{Label: body.Label, Confidence: body.Confidence}, nil
}

// BreakerState exposes the circuit breaker state for the status endpoint.
func (c *HTTPClassifier) BreakerState() string {
	return c.breaker.State().String()
}
