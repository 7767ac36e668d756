// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package eventprocessor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// rawAccessLog mirrors the loose shape of upstream gateway log records.
// Gateways disagree on field names, so common aliases are accepted.
type rawAccessLog struct {
	EventID      string          `json:"event_id"`
	Timestamp    json.RawMessage `json:"timestamp"`
	ClientIP     string          `json:"client_ip"`
	IP           string          `json:"ip"` // day-one gateway logs
	APIKey       string          `json:"api_key"`
	Method       string          `json:"method"`
	Endpoint     string          `json:"endpoint"`
	Path         string          `json:"path"` // alias for endpoint
	StatusCode   *int            `json:"status_code"`
	Status       *int            `json:"status"` // alias for status_code
	UserAgent    string          `json:"user_agent"`
	LatencyMS    float64         `json:"latency_ms"`
	ResponseTime float64         `json:"response_time"` // seconds
	PayloadBytes int64           `json:"payload_size"`
}

// Normalizer converts raw gateway log records into canonical AccessEvents.
// Normalization is a pure function of the input and the local clock: it has
// no side effects and holds no state beyond configuration.
type Normalizer struct {
	maxClockSkew time.Duration
	now          func() time.Time
}

// NewNormalizer creates a normalizer with the given clock skew tolerance.
func NewNormalizer(maxClockSkew time.Duration) *Normalizer {
	return &Normalizer{
		maxClockSkew: maxClockSkew,
		now:          time.Now,
	}
}

// Normalize parses and validates a raw access log record.
//
// Failures are classified: ErrMalformedEvent for unparseable or incomplete
// records, ErrClockSkew for events stamped too far ahead of the local clock.
// Both wrap the sentinel so callers can match with errors.Is.
func (n *Normalizer) Normalize(raw []byte) (*AccessEvent, error) {
	var rec rawAccessLog
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	event := &AccessEvent{
		SchemaVersion: SchemaVersion,
		EventID:       rec.EventID,
		ClientIP:      firstNonEmpty(rec.ClientIP, rec.IP),
		APIKey:        rec.APIKey,
		Method:        strings.ToUpper(strings.TrimSpace(rec.Method)),
		Endpoint:      normalizeEndpoint(firstNonEmpty(rec.Endpoint, rec.Path)),
		UserAgent:     rec.UserAgent,
		PayloadBytes:  rec.PayloadBytes,
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}

	// Client identity: the API key, when present, identifies the caller more
	// precisely than the source address.
	event.ClientID = firstNonEmpty(event.APIKey, event.ClientIP)
	if event.ClientID == "" {
		return nil, fmt.Errorf("%w: missing client identity (api_key or client_ip)", ErrMalformedEvent)
	}

	if event.Endpoint == "" {
		return nil, fmt.Errorf("%w: missing endpoint", ErrMalformedEvent)
	}

	status := 0
	switch {
	case rec.StatusCode != nil:
		status = *rec.StatusCode
	case rec.Status != nil:
		status = *rec.Status
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("%w: status code %d out of range 100..599", ErrMalformedEvent, status)
	}
	event.StatusCode = status

	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	event.Timestamp = ts

	// Clock skew guard: events stamped in the future would poison windows
	// that have not opened yet.
	if skew := ts.Sub(n.now()); skew > n.maxClockSkew {
		return nil, fmt.Errorf("%w: timestamp %s ahead of local clock", ErrClockSkew, skew)
	}

	// Latency aliases: latency_ms wins, response_time is in seconds.
	event.LatencyMS = rec.LatencyMS
	if event.LatencyMS == 0 && rec.ResponseTime > 0 {
		event.LatencyMS = rec.ResponseTime * 1000
	}

	return event, nil
}

// parseTimestamp accepts RFC3339 strings and numeric epoch seconds
// (fractional seconds allowed).
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return ts.UTC(), nil
		}
		if ts, err := time.Parse(time.RFC3339, str); err == nil {
			return ts.UTC(), nil
		}
		// Some gateways log epoch seconds as a quoted string
		if epoch, err := strconv.ParseFloat(str, 64); err == nil {
			return epochToTime(epoch), nil
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", str)
	}

	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil {
		return epochToTime(epoch), nil
	}

	return time.Time{}, fmt.Errorf("unparseable timestamp %s", string(raw))
}

func epochToTime(epoch float64) time.Time {
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// normalizeEndpoint strips the query string and trailing slash so the scan
// detector counts logical endpoints, not URL variants.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	if len(endpoint) > 1 {
		endpoint = strings.TrimRight(endpoint, "/")
	}
	return endpoint
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
