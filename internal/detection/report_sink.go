// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var reportHeader = []string{
	"detected_at", "alert_id", "client_id", "triggers", "severity",
	"risk_score", "classifier_label", "classifier_confidence",
	"suggested_action", "request_count", "distinct_endpoints",
	"auth_failures", "revision",
}

// ReportSink appends alerts to a CSV file for live tailing by operators.
// Each delivery appends one row; coalesced revisions of the same alert_id
// appear as separate rows, so replays are harmless.
type ReportSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	closed bool
}

// NewReportSink opens (or creates) the report file and writes the header
// row when the file is empty.
func NewReportSink(path string) (*ReportSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open report file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat report file: %w", err)
	}

	sink := &ReportSink{
		file:   file,
		writer: csv.NewWriter(file),
	}

	if info.Size() == 0 {
		if err := sink.writer.Write(reportHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write report header: %w", err)
		}
		sink.writer.Flush()
		if err := sink.writer.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to flush report header: %w", err)
		}
	}

	return sink, nil
}

// Name returns the sink name.
func (s *ReportSink) Name() string {
	return "report"
}

// Deliver appends one CSV row for the alert and flushes to disk.
func (s *ReportSink) Deliver(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("report sink is closed")
	}

	triggers := make([]string, 0, len(alert.Triggers))
	for _, t := range alert.Triggers {
		triggers = append(triggers, string(t))
	}

	row := []string{
		time.Now().UTC().Format(time.RFC3339),
		alert.AlertID,
		alert.ClientID,
		strings.Join(triggers, "|"),
		string(alert.Severity),
		strconv.Itoa(alert.RiskScore),
		alert.ClassifierLabel,
		strconv.FormatFloat(alert.ClassifierConfidence, 'f', 4, 64),
		string(alert.SuggestedAction),
		strconv.Itoa(alert.WindowSummary.EventCount),
		strconv.Itoa(alert.WindowSummary.DistinctEndpoints),
		strconv.Itoa(alert.WindowSummary.AuthFailures),
		strconv.FormatInt(alert.Revision, 10),
	}

	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write report row: %w", err)
	}

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush report row: %w", err)
	}
	return nil
}

// Close flushes and closes the report file.
func (s *ReportSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush report file: %w", err)
	}
	return s.file.Close()
}
