// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package eventprocessor

import (
	"errors"
	"testing"
	"time"
)

func newTestNormalizer(now time.Time) *Normalizer {
	n := NewNormalizer(30 * time.Second)
	n.now = func() time.Time { return now }
	return n
}

func TestNormalizeValidEvent(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	n := newTestNormalizer(now)

	raw := []byte(`{
		"client_ip": "203.0.113.7",
		"api_key": "key-abc",
		"method": "get",
		"endpoint": "/api/v1/users?page=2",
		"status_code": 200,
		"timestamp": "2026-08-01T11:59:58Z",
		"user_agent": "curl/8.0",
		"latency_ms": 12.5,
		"payload_size": 512
	}`)

	event, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}

	if event.ClientID != "key-abc" {
		t.Errorf("ClientID = %q, want api_key to win over client_ip", event.ClientID)
	}
	if event.Method != "GET" {
		t.Errorf("Method = %q, want GET", event.Method)
	}
	if event.Endpoint != "/api/v1/users" {
		t.Errorf("Endpoint = %q, want query string stripped", event.Endpoint)
	}
	if event.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", event.StatusCode)
	}
	if event.EventID == "" {
		t.Error("EventID should be generated when absent")
	}
	if event.LatencyMS != 12.5 {
		t.Errorf("LatencyMS = %v, want 12.5", event.LatencyMS)
	}
	if err := event.Validate(); err != nil {
		t.Errorf("normalized event failed validation: %v", err)
	}
}

func TestNormalizeFieldAliases(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	n := newTestNormalizer(now)

	raw := []byte(`{
		"ip": "198.51.100.4",
		"method": "POST",
		"path": "/login/",
		"status": 401,
		"timestamp": 1785585598.5,
		"response_time": 0.25
	}`)

	event, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}

	if event.ClientID != "198.51.100.4" {
		t.Errorf("ClientID = %q, want ip fallback", event.ClientID)
	}
	if event.Endpoint != "/login" {
		t.Errorf("Endpoint = %q, want trailing slash trimmed", event.Endpoint)
	}
	if event.StatusCode != 401 {
		t.Errorf("StatusCode = %d, want 401 from status alias", event.StatusCode)
	}
	if !event.IsAuthFailure() {
		t.Error("IsAuthFailure() = false for 401")
	}
	if event.LatencyMS != 250 {
		t.Errorf("LatencyMS = %v, want 250 from response_time seconds", event.LatencyMS)
	}
	if event.Timestamp.Unix() != 1785585598 {
		t.Errorf("Timestamp = %v, want epoch 1785585598", event.Timestamp)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	n := newTestNormalizer(now)
	ts := `"2026-08-01T11:59:00Z"`

	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"missing client identity", `{"endpoint": "/a", "status_code": 200, "timestamp": ` + ts + `}`},
		{"missing endpoint", `{"client_ip": "1.2.3.4", "status_code": 200, "timestamp": ` + ts + `}`},
		{"missing status", `{"client_ip": "1.2.3.4", "endpoint": "/a", "timestamp": ` + ts + `}`},
		{"status below range", `{"client_ip": "1.2.3.4", "endpoint": "/a", "status_code": 99, "timestamp": ` + ts + `}`},
		{"status above range", `{"client_ip": "1.2.3.4", "endpoint": "/a", "status_code": 600, "timestamp": ` + ts + `}`},
		{"missing timestamp", `{"client_ip": "1.2.3.4", "endpoint": "/a", "status_code": 200}`},
		{"unparseable timestamp", `{"client_ip": "1.2.3.4", "endpoint": "/a", "status_code": 200, "timestamp": "yesterday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("Normalize() error = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestNormalizeClockSkewGuard(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	n := newTestNormalizer(now)

	// 31s ahead of local clock with 30s tolerance
	raw := []byte(`{"client_ip": "1.2.3.4", "endpoint": "/a", "status_code": 200, "timestamp": "2026-08-01T12:00:31Z"}`)
	_, err := n.Normalize(raw)
	if !errors.Is(err, ErrClockSkew) {
		t.Errorf("Normalize() error = %v, want ErrClockSkew", err)
	}

	// Exactly at the tolerance boundary is accepted
	raw = []byte(`{"client_ip": "1.2.3.4", "endpoint": "/a", "status_code": 200, "timestamp": "2026-08-01T12:00:30Z"}`)
	if _, err := n.Normalize(raw); err != nil {
		t.Errorf("Normalize() at skew boundary failed: %v", err)
	}
}

func TestSerializerRoundTrip(t *testing.T) {
	event := NewAccessEvent("client-1")
	event.Method = "GET"
	event.Endpoint = "/api/v1/orders"
	event.StatusCode = 503
	event.LatencyMS = 88

	s := NewSerializer()
	data, err := s.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	decoded, err := s.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	if decoded.EventID != event.EventID {
		t.Errorf("EventID = %q, want %q", decoded.EventID, event.EventID)
	}
	if decoded.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", decoded.StatusCode)
	}
	if !decoded.IsError() {
		t.Error("IsError() = false for 503")
	}
}

func TestSerializerRejectsInvalidEvent(t *testing.T) {
	event := &AccessEvent{EventID: "x"} // Missing client, endpoint, status
	if _, err := NewSerializer().Marshal(event); err == nil {
		t.Error("Marshal() should reject an invalid event")
	}

	var valErr *ValidationError
	_, err := NewSerializer().Marshal(event)
	if !errors.As(err, &valErr) {
		t.Errorf("error chain should contain *ValidationError, got %v", err)
	}
}
