// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"errors"
	"time"

	"github.com/apiwarden/apiwarden/internal/eventprocessor"
)

// ErrOutOfOrder is returned when an event's timestamp precedes the window's
// high-water mark by more than the out-of-order tolerance. Such events are
// dropped, never inserted: the window stays timestamp-monotonic modulo the
// tolerance.
var ErrOutOfOrder = errors.New("event older than out-of-order tolerance")

// WindowConfig bounds a session window in time and count.
type WindowConfig struct {
	// Horizon is the sliding time horizon W. Events older than the
	// high-water mark minus Horizon are evicted from the front.
	Horizon time.Duration

	// MaxEvents caps retained events per window. When full, the oldest
	// event is evicted to admit the newest.
	MaxEvents int

	// OutOfOrderTolerance bounds accepted timestamp regression below the
	// high-water mark.
	OutOfOrderTolerance time.Duration
}

// SessionWindow is a per-client, time-and-count-bounded FIFO of events.
// It is owned exclusively by the session tracker shard that created it and
// must only be touched while holding that shard's entry lock.
type SessionWindow struct {
	clientID      string
	cfg           WindowConfig
	events        []eventprocessor.AccessEvent
	highWaterMark time.Time
}

// NewSessionWindow creates an empty window for a client.
func NewSessionWindow(clientID string, cfg WindowConfig) *SessionWindow {
	return &SessionWindow{
		clientID: clientID,
		cfg:      cfg,
		events:   make([]eventprocessor.AccessEvent, 0, 64),
	}
}

// ClientID returns the owning client.
func (w *SessionWindow) ClientID() string {
	return w.clientID
}

// Len returns the number of retained events.
func (w *SessionWindow) Len() int {
	return len(w.events)
}

// HighWaterMark returns the newest event timestamp seen.
func (w *SessionWindow) HighWaterMark() time.Time {
	return w.highWaterMark
}

// Append admits an event into the window.
//
// Events whose timestamp precedes the high-water mark by more than the
// tolerance are rejected with ErrOutOfOrder. Admission then evicts events
// older than the horizon from the front and enforces the count cap before
// updating the high-water mark.
func (w *SessionWindow) Append(event *eventprocessor.AccessEvent) error {
	if !w.highWaterMark.IsZero() {
		cutoff := w.highWaterMark.Add(-w.cfg.OutOfOrderTolerance)
		if event.Timestamp.Before(cutoff) {
			return ErrOutOfOrder
		}
	}

	w.events = append(w.events, *event)

	if event.Timestamp.After(w.highWaterMark) {
		w.highWaterMark = event.Timestamp
	}

	w.evictExpired()

	// Count cap: shed from the front, the oldest events first
	if over := len(w.events) - w.cfg.MaxEvents; over > 0 {
		w.events = w.events[over:]
	}

	return nil
}

// evictExpired drops events older than the horizon relative to the
// high-water mark. Events are near-sorted (bounded tolerance) so a single
// front scan suffices.
func (w *SessionWindow) evictExpired() {
	cutoff := w.highWaterMark.Add(-w.cfg.Horizon)
	i := 0
	for i < len(w.events) && w.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}

// WindowSnapshot is an immutable copy of a window's state, safe to hand to
// detectors and the feature extractor without holding any tracker locks.
type WindowSnapshot struct {
	ClientID      string
	Events        []eventprocessor.AccessEvent
	HighWaterMark time.Time
	Horizon       time.Duration
	TakenAt       time.Time
}

// Snapshot copies the window state out. The returned snapshot shares no
// memory with the live window.
func (w *SessionWindow) Snapshot() *WindowSnapshot {
	events := make([]eventprocessor.AccessEvent, len(w.events))
	copy(events, w.events)

	return &WindowSnapshot{
		ClientID:      w.clientID,
		Events:        events,
		HighWaterMark: w.highWaterMark,
		Horizon:       w.cfg.Horizon,
		TakenAt:       time.Now().UTC(),
	}
}

// Count returns the number of events in the snapshot.
func (s *WindowSnapshot) Count() int {
	return len(s.Events)
}

// DistinctEndpoints returns the number of distinct endpoints touched.
func (s *WindowSnapshot) DistinctEndpoints() int {
	seen := make(map[string]struct{}, len(s.Events))
	for i := range s.Events {
		seen[s.Events[i].Endpoint] = struct{}{}
	}
	return len(seen)
}

// AuthFailures returns the number of 401/403 responses.
func (s *WindowSnapshot) AuthFailures() int {
	n := 0
	for i := range s.Events {
		if s.Events[i].IsAuthFailure() {
			n++
		}
	}
	return n
}

// ErrorCount returns the number of 4xx/5xx responses.
func (s *WindowSnapshot) ErrorCount() int {
	n := 0
	for i := range s.Events {
		if s.Events[i].IsError() {
			n++
		}
	}
	return n
}

// Start returns the oldest event timestamp, or zero for an empty snapshot.
func (s *WindowSnapshot) Start() time.Time {
	if len(s.Events) == 0 {
		return time.Time{}
	}
	start := s.Events[0].Timestamp
	for i := range s.Events {
		if s.Events[i].Timestamp.Before(start) {
			start = s.Events[i].Timestamp
		}
	}
	return start
}

// Summary derives the persisted window summary.
func (s *WindowSnapshot) Summary() WindowSummary {
	return WindowSummary{
		EventCount:        s.Count(),
		DistinctEndpoints: s.DistinctEndpoints(),
		AuthFailures:      s.AuthFailures(),
		ErrorCount:        s.ErrorCount(),
		WindowStart:       s.Start(),
		WindowEnd:         s.HighWaterMark,
	}
}
