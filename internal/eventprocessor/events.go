// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package eventprocessor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to AccessEvent.
const SchemaVersion = 1

// AccessEventsTopic is the NATS subject access events are consumed from.
const AccessEventsTopic = "access.events"

// AlertsTopic is the NATS subject detection alerts are published to.
const AlertsTopic = "abuse.alerts"

// AccessEvent is the canonical form of a gateway access log record. It is
// immutable once produced by the Normalizer and retained only inside the
// owning session window until expiry.
type AccessEvent struct {
	// Schema version for forward/backward compatibility
	SchemaVersion int `json:"schema_version,omitempty"`

	// Identification
	EventID   string    `json:"event_id"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`

	// Request
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`
	ClientIP string `json:"client_ip,omitempty"`
	APIKey   string `json:"api_key,omitempty"`

	// Response
	StatusCode int `json:"status_code"`

	// Request context (optional in upstream gateway logs)
	UserAgent    string  `json:"user_agent,omitempty"`
	LatencyMS    float64 `json:"latency_ms,omitempty"`
	PayloadBytes int64   `json:"payload_bytes,omitempty"`
}

// NewAccessEvent creates an event with a unique ID, timestamp, and schema version.
func NewAccessEvent(clientID string) *AccessEvent {
	return &AccessEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		ClientID:      clientID,
		Timestamp:     time.Now().UTC(),
	}
}

// GetSchemaVersion returns the schema version, defaulting to 1 for legacy events.
func (e *AccessEvent) GetSchemaVersion() int {
	if e.SchemaVersion == 0 {
		return 1
	}
	return e.SchemaVersion
}

// EnsureSchemaVersion sets the schema version if not already set.
func (e *AccessEvent) EnsureSchemaVersion() {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
}

// Validate checks required fields and returns an error if validation fails.
func (e *AccessEvent) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.ClientID == "" {
		return &ValidationError{Field: "client_id", Message: "required"}
	}
	if e.Endpoint == "" {
		return &ValidationError{Field: "endpoint", Message: "required"}
	}
	if e.StatusCode < 100 || e.StatusCode > 599 {
		return &ValidationError{Field: "status_code", Message: "must be in 100..599"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	return nil
}

// IsAuthFailure reports whether the event is an authentication rejection.
func (e *AccessEvent) IsAuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsError reports whether the event has a 4xx or 5xx status.
func (e *AccessEvent) IsError() bool {
	return e.StatusCode >= 400
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}
