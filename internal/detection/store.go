// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/apiwarden/apiwarden/internal/logging"
)

// ErrAlertNotFound is returned when an alert ID does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// DuckDBStore implements AlertStore using DuckDB as the backend storage.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates a new DuckDB-backed store.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// InitSchema creates the alert tables if they don't exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS abuse_alerts (
			alert_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			triggers JSON NOT NULL,
			severity TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			classifier_label TEXT,
			classifier_confidence DOUBLE,
			suggested_action TEXT NOT NULL,
			window_summary JSON,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			revision BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_alerts_client_id ON abuse_alerts(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_severity ON abuse_alerts(severity)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_first_seen ON abuse_alerts(first_seen DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_last_seen ON abuse_alerts(last_seen DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	// Force a checkpoint after creating tables to flush the WAL.
	// This prevents DuckDB WAL replay issues on restart.
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after alert schema initialization")
	}

	return nil
}

// UpsertAlert inserts the alert, replacing any existing row with the same
// alert_id. Replaying an already-stored revision converges to the same row,
// making at-least-once delivery idempotent.
func (s *DuckDBStore) UpsertAlert(ctx context.Context, alert *Alert) error {
	triggers, err := json.Marshal(alert.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	summary, err := json.Marshal(alert.WindowSummary)
	if err != nil {
		return fmt.Errorf("marshal window summary: %w", err)
	}

	query := `INSERT INTO abuse_alerts (
		alert_id, client_id, triggers, severity, risk_score,
		classifier_label, classifier_confidence, suggested_action,
		window_summary, first_seen, last_seen, revision
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (alert_id) DO UPDATE SET
		triggers = excluded.triggers,
		severity = excluded.severity,
		risk_score = excluded.risk_score,
		classifier_label = excluded.classifier_label,
		classifier_confidence = excluded.classifier_confidence,
		suggested_action = excluded.suggested_action,
		window_summary = excluded.window_summary,
		last_seen = excluded.last_seen,
		revision = excluded.revision`

	_, err = s.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.ClientID,
		string(triggers),
		string(alert.Severity),
		alert.RiskScore,
		alert.ClassifierLabel,
		alert.ClassifierConfidence,
		string(alert.SuggestedAction),
		string(summary),
		alert.FirstSeen,
		alert.LastSeen,
		alert.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert alert: %w", err)
	}
	return nil
}

const alertSelectColumns = `alert_id, client_id, triggers, severity, risk_score,
	classifier_label, classifier_confidence, suggested_action,
	window_summary, first_seen, last_seen, revision`

// scanAlertRow scans a single alert row with nullable fields handling.
func scanAlertRow(scanner interface {
	Scan(dest ...interface{}) error
}, alert *Alert) error {
	// DuckDB returns JSON columns as decoded values, not strings
	var (
		triggers   interface{}
		summary    interface{}
		label      sql.NullString
		confidence sql.NullFloat64
	)

	if err := scanner.Scan(
		&alert.AlertID,
		&alert.ClientID,
		&triggers,
		&alert.Severity,
		&alert.RiskScore,
		&label,
		&confidence,
		&alert.SuggestedAction,
		&summary,
		&alert.FirstSeen,
		&alert.LastSeen,
		&alert.Revision,
	); err != nil {
		return err
	}

	if triggers != nil {
		raw, err := json.Marshal(triggers)
		if err != nil {
			return fmt.Errorf("marshal triggers: %w", err)
		}
		if err := json.Unmarshal(raw, &alert.Triggers); err != nil {
			return fmt.Errorf("unmarshal triggers: %w", err)
		}
	}
	if summary != nil {
		raw, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal window summary: %w", err)
		}
		if err := json.Unmarshal(raw, &alert.WindowSummary); err != nil {
			return fmt.Errorf("unmarshal window summary: %w", err)
		}
	}
	if label.Valid {
		alert.ClassifierLabel = label.String
	}
	if confidence.Valid {
		alert.ClassifierConfidence = confidence.Float64
	}

	return nil
}

// GetAlert retrieves an alert by ID.
func (s *DuckDBStore) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	query := fmt.Sprintf("SELECT %s FROM abuse_alerts WHERE alert_id = ?", alertSelectColumns)

	alert := &Alert{}
	err := scanAlertRow(s.db.QueryRowContext(ctx, query, alertID), alert)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// ListAlerts retrieves alerts with optional filtering.
// Security: values use parameterized queries (?) and ORDER BY columns are
// whitelisted via validAlertOrderColumns.
func (s *DuckDBStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	query, args := s.buildAlertQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var alert Alert
		if err := scanAlertRow(rows, &alert); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// buildAlertQuery constructs the SQL query and args for alert filtering.
func (s *DuckDBStore) buildAlertQuery(filter AlertFilter) (string, []interface{}) {
	query := fmt.Sprintf("SELECT %s FROM abuse_alerts WHERE 1=1", alertSelectColumns)
	args := make([]interface{}, 0)

	query, args = s.applyAlertFilters(query, args, filter)
	query = s.applyAlertOrdering(query, filter)
	query, args = s.applyAlertPagination(query, args, filter)

	return query, args
}

// applyAlertFilters adds WHERE clauses for alert filtering.
func (s *DuckDBStore) applyAlertFilters(query string, args []interface{}, filter AlertFilter) (string, []interface{}) {
	if filter.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}

	if len(filter.RuleTypes) > 0 {
		// Triggers are stored as a JSON array; match by containment
		clauses := make([]string, 0, len(filter.RuleTypes))
		for _, rt := range filter.RuleTypes {
			clauses = append(clauses, "triggers::VARCHAR LIKE ?")
			args = append(args, "%\""+string(rt)+"\"%")
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	}

	if len(filter.Severities) > 0 {
		placeholders := s.buildPlaceholders(len(filter.Severities))
		query += fmt.Sprintf(" AND severity IN (%s)", placeholders)
		for _, sev := range filter.Severities {
			args = append(args, string(sev))
		}
	}

	if filter.StartDate != nil {
		query += " AND last_seen >= ?"
		args = append(args, *filter.StartDate)
	}

	if filter.EndDate != nil {
		query += " AND first_seen <= ?"
		args = append(args, *filter.EndDate)
	}

	return query, args
}

// validAlertOrderColumns is a whitelist of columns that can be used for
// ordering alerts. Prevents SQL injection through the order_by parameter.
var validAlertOrderColumns = map[string]bool{
	"alert_id":   true,
	"client_id":  true,
	"severity":   true,
	"risk_score": true,
	"first_seen": true,
	"last_seen":  true,
	"revision":   true,
}

// severityRankExpr orders severities high > medium > low instead of the
// alphabetical order a TEXT sort would give.
const severityRankExpr = "CASE severity WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END"

func (s *DuckDBStore) applyAlertOrdering(query string, filter AlertFilter) string {
	// Default to last_seen if not specified or invalid
	orderBy := "last_seen"
	if filter.OrderBy != "" && validAlertOrderColumns[filter.OrderBy] {
		orderBy = filter.OrderBy
	}
	if orderBy == "severity" {
		orderBy = severityRankExpr
	}

	orderDir := "DESC"
	if filter.OrderDirection != "" {
		upperDir := strings.ToUpper(filter.OrderDirection)
		if upperDir == "ASC" || upperDir == "DESC" {
			orderDir = upperDir
		}
	}

	return query + fmt.Sprintf(" ORDER BY %s %s", orderBy, orderDir)
}

// applyAlertPagination adds LIMIT and OFFSET clauses.
func (s *DuckDBStore) applyAlertPagination(query string, args []interface{}, filter AlertFilter) (string, []interface{}) {
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return query, args
}

func (s *DuckDBStore) buildPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// CountAlerts returns the count of alerts matching the filter.
func (s *DuckDBStore) CountAlerts(ctx context.Context, filter AlertFilter) (int, error) {
	query := "SELECT COUNT(*) FROM abuse_alerts WHERE 1=1"
	args := make([]interface{}, 0)
	query, args = s.applyAlertFilters(query, args, filter)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

// Stats aggregates alert statistics for the read API.
func (s *DuckDBStore) Stats(ctx context.Context) (*AlertStats, error) {
	stats := &AlertStats{
		AlertsBySeverity: make(map[Severity]int),
		AlertsByRule:     make(map[RuleType]int),
		AlertsByAction:   make(map[SuggestedAction]int),
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT client_id) FROM abuse_alerts`)
	if err := row.Scan(&stats.TotalAlerts, &stats.UniqueClients); err != nil {
		return nil, fmt.Errorf("failed to query alert totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM abuse_alerts GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to query severity counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var severity Severity
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		stats.AlertsBySeverity[severity] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rule := range []RuleType{RuleTypeBurst, RuleTypeScan, RuleTypeAuthAbuse} {
		var count int
		row := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM abuse_alerts WHERE triggers::VARCHAR LIKE ?`,
			"%\""+string(rule)+"\"%")
		if err := row.Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to query rule count: %w", err)
		}
		if count > 0 {
			stats.AlertsByRule[rule] = count
		}
	}

	actionRows, err := s.db.QueryContext(ctx,
		`SELECT suggested_action, COUNT(*) FROM abuse_alerts GROUP BY suggested_action`)
	if err != nil {
		return nil, fmt.Errorf("failed to query action counts: %w", err)
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var action SuggestedAction
		var count int
		if err := actionRows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		stats.AlertsByAction[action] = count
	}
	if err := actionRows.Err(); err != nil {
		return nil, err
	}

	topRows, err := s.db.QueryContext(ctx,
		`SELECT client_id, COUNT(*) AS n FROM abuse_alerts
		GROUP BY client_id ORDER BY n DESC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("failed to query top clients: %w", err)
	}
	defer topRows.Close()
	for topRows.Next() {
		var cc ClientCount
		if err := topRows.Scan(&cc.ClientID, &cc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top client: %w", err)
		}
		stats.TopClients = append(stats.TopClients, cc)
	}
	if err := topRows.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM abuse_alerts WHERE last_seen >= ?`, cutoff)
	if err := row.Scan(&stats.AlertsLast24h); err != nil {
		return nil, fmt.Errorf("failed to query recent alert count: %w", err)
	}

	return stats, nil
}

// StoreSink adapts the DuckDB store to the AlertSink interface.
type StoreSink struct {
	store AlertStore
}

// NewStoreSink creates a sink that persists alerts to the store.
func NewStoreSink(store AlertStore) *StoreSink {
	return &StoreSink{store: store}
}

// Name returns the sink name.
func (s *StoreSink) Name() string {
	return "store"
}

// Deliver persists the alert.
func (s *StoreSink) Deliver(ctx context.Context, alert *Alert) error {
	return s.store.UpsertAlert(ctx, alert)
}
