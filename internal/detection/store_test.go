// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *DuckDBStore {
	t.Helper()
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		t.Fatalf("failed to open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewDuckDBStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return store
}

func sampleAlert(clientID string, severity Severity, triggers ...RuleType) *Alert {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &Alert{
		AlertID:         uuid.New().String(),
		ClientID:        clientID,
		Triggers:        triggers,
		Severity:        severity,
		RiskScore:       40,
		SuggestedAction: ActionMonitor,
		WindowSummary: WindowSummary{
			EventCount:        150,
			DistinctEndpoints: 3,
			WindowStart:       now.Add(-time.Minute),
			WindowEnd:         now,
		},
		FirstSeen: now,
		LastSeen:  now,
		Revision:  1,
	}
}

func TestStoreUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alert := sampleAlert("client-a", SeverityMedium, RuleTypeBurst)
	alert.ClassifierLabel = "Attack"
	alert.ClassifierConfidence = 0.91

	if err := store.UpsertAlert(ctx, alert); err != nil {
		t.Fatalf("UpsertAlert() error: %v", err)
	}

	got, err := store.GetAlert(ctx, alert.AlertID)
	if err != nil {
		t.Fatalf("GetAlert() error: %v", err)
	}
	if got.ClientID != "client-a" || got.Severity != SeverityMedium {
		t.Errorf("got %+v", got)
	}
	if len(got.Triggers) != 1 || got.Triggers[0] != RuleTypeBurst {
		t.Errorf("Triggers = %v, want [burst]", got.Triggers)
	}
	if got.ClassifierLabel != "Attack" || got.ClassifierConfidence != 0.91 {
		t.Errorf("classifier fields = %s/%v", got.ClassifierLabel, got.ClassifierConfidence)
	}
	if got.WindowSummary.EventCount != 150 {
		t.Errorf("WindowSummary.EventCount = %d, want 150", got.WindowSummary.EventCount)
	}
}

func TestStoreGetAlertNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetAlert(context.Background(), uuid.New().String())
	if !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("GetAlert() error = %v, want ErrAlertNotFound", err)
	}
}

func TestStoreUpsertReplacesRevision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alert := sampleAlert("client-a", SeverityMedium, RuleTypeBurst)
	if err := store.UpsertAlert(ctx, alert); err != nil {
		t.Fatalf("UpsertAlert() error: %v", err)
	}

	// Coalescing merge arrives as a later revision of the same alert_id
	alert.Triggers = append(alert.Triggers, RuleTypeAuthAbuse)
	alert.Severity = SeverityHigh
	alert.Revision = 2
	alert.LastSeen = alert.LastSeen.Add(time.Minute)
	if err := store.UpsertAlert(ctx, alert); err != nil {
		t.Fatalf("UpsertAlert() revision 2 error: %v", err)
	}

	count, err := store.CountAlerts(ctx, AlertFilter{})
	if err != nil {
		t.Fatalf("CountAlerts() error: %v", err)
	}
	if count != 1 {
		t.Errorf("CountAlerts() = %d, want 1 after replace", count)
	}

	got, err := store.GetAlert(ctx, alert.AlertID)
	if err != nil {
		t.Fatalf("GetAlert() error: %v", err)
	}
	if got.Revision != 2 || got.Severity != SeverityHigh || len(got.Triggers) != 2 {
		t.Errorf("got %+v, want revision 2 replacement", got)
	}
}

func TestStoreUpsertIdempotentReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alert := sampleAlert("client-a", SeverityMedium, RuleTypeBurst)
	for i := 0; i < 3; i++ {
		if err := store.UpsertAlert(ctx, alert); err != nil {
			t.Fatalf("replay %d error: %v", i, err)
		}
	}

	count, err := store.CountAlerts(ctx, AlertFilter{})
	if err != nil {
		t.Fatalf("CountAlerts() error: %v", err)
	}
	if count != 1 {
		t.Errorf("CountAlerts() = %d, want 1 after replays", count)
	}
}

func seedAlerts(t *testing.T, store *DuckDBStore) {
	t.Helper()
	ctx := context.Background()

	alerts := []*Alert{
		sampleAlert("client-a", SeverityMedium, RuleTypeBurst),
		sampleAlert("client-a", SeverityHigh, RuleTypeAuthAbuse),
		sampleAlert("client-b", SeverityMedium, RuleTypeScan),
		sampleAlert("client-c", SeverityHigh, RuleTypeBurst, RuleTypeScan),
	}
	for i, alert := range alerts {
		alert.LastSeen = alert.LastSeen.Add(time.Duration(i) * time.Minute)
		if err := store.UpsertAlert(ctx, alert); err != nil {
			t.Fatalf("seed %d error: %v", i, err)
		}
	}
}

func TestStoreListAlertsFilters(t *testing.T) {
	store := newTestStore(t)
	seedAlerts(t, store)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter AlertFilter
		want   int
	}{
		{"no filter", AlertFilter{}, 4},
		{"by client", AlertFilter{ClientID: "client-a"}, 2},
		{"by severity", AlertFilter{Severities: []Severity{SeverityHigh}}, 2},
		{"by rule", AlertFilter{RuleTypes: []RuleType{RuleTypeScan}}, 2},
		{"by rule union", AlertFilter{RuleTypes: []RuleType{RuleTypeScan, RuleTypeAuthAbuse}}, 3},
		{"client and severity", AlertFilter{ClientID: "client-a", Severities: []Severity{SeverityMedium}}, 1},
		{"no match", AlertFilter{ClientID: "client-z"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts, err := store.ListAlerts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListAlerts() error: %v", err)
			}
			if len(alerts) != tt.want {
				t.Errorf("ListAlerts() returned %d, want %d", len(alerts), tt.want)
			}
		})
	}
}

func TestStoreListAlertsOrderingAndPagination(t *testing.T) {
	store := newTestStore(t)
	seedAlerts(t, store)
	ctx := context.Background()

	alerts, err := store.ListAlerts(ctx, AlertFilter{OrderBy: "last_seen", OrderDirection: "desc"})
	if err != nil {
		t.Fatalf("ListAlerts() error: %v", err)
	}
	for i := 1; i < len(alerts); i++ {
		if alerts[i].LastSeen.After(alerts[i-1].LastSeen) {
			t.Fatal("alerts not ordered by last_seen descending")
		}
	}

	// An ORDER BY column outside the whitelist silently falls back,
	// never reaches the SQL
	if _, err := store.ListAlerts(ctx, AlertFilter{OrderBy: "last_seen; DROP TABLE abuse_alerts"}); err != nil {
		t.Fatalf("ListAlerts() with hostile order_by error: %v", err)
	}
	if count, _ := store.CountAlerts(ctx, AlertFilter{}); count != 4 {
		t.Fatalf("table damaged by hostile order_by")
	}

	page, err := store.ListAlerts(ctx, AlertFilter{Limit: 2, Offset: 2, OrderBy: "last_seen"})
	if err != nil {
		t.Fatalf("ListAlerts() pagination error: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}
}

func TestStoreListAlertsSeverityRankOrdering(t *testing.T) {
	store := newTestStore(t)
	for _, a := range []*Alert{
		sampleAlert("client-low", SeverityLow, RuleTypeBurst),
		sampleAlert("client-high", SeverityHigh, RuleTypeBurst),
		sampleAlert("client-medium", SeverityMedium, RuleTypeBurst),
	} {
		if err := store.UpsertAlert(context.Background(), a); err != nil {
			t.Fatalf("UpsertAlert() error: %v", err)
		}
	}

	alerts, err := store.ListAlerts(context.Background(), AlertFilter{
		OrderBy:        "severity",
		OrderDirection: "DESC",
	})
	if err != nil {
		t.Fatalf("ListAlerts() error: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("len(alerts) = %d, want 3", len(alerts))
	}
	// Severity sorts by rank, not alphabetically
	want := []Severity{SeverityHigh, SeverityMedium, SeverityLow}
	for i, sev := range want {
		if alerts[i].Severity != sev {
			t.Errorf("alerts[%d].Severity = %s, want %s", i, alerts[i].Severity, sev)
		}
	}
}

func TestStoreStats(t *testing.T) {
	store := newTestStore(t)
	seedAlerts(t, store)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}

	if stats.TotalAlerts != 4 {
		t.Errorf("TotalAlerts = %d, want 4", stats.TotalAlerts)
	}
	if stats.UniqueClients != 3 {
		t.Errorf("UniqueClients = %d, want 3", stats.UniqueClients)
	}
	if stats.AlertsBySeverity[SeverityHigh] != 2 || stats.AlertsBySeverity[SeverityMedium] != 2 {
		t.Errorf("AlertsBySeverity = %v", stats.AlertsBySeverity)
	}
	if stats.AlertsByRule[RuleTypeBurst] != 2 || stats.AlertsByRule[RuleTypeScan] != 2 || stats.AlertsByRule[RuleTypeAuthAbuse] != 1 {
		t.Errorf("AlertsByRule = %v", stats.AlertsByRule)
	}
	if stats.AlertsByAction[ActionMonitor] != 4 {
		t.Errorf("AlertsByAction = %v", stats.AlertsByAction)
	}
	if len(stats.TopClients) == 0 || stats.TopClients[0].ClientID != "client-a" || stats.TopClients[0].Count != 2 {
		t.Errorf("TopClients = %v", stats.TopClients)
	}
}

func TestStoreSinkDelivers(t *testing.T) {
	store := newTestStore(t)
	sink := NewStoreSink(store)

	if sink.Name() != "store" {
		t.Errorf("Name() = %s, want store", sink.Name())
	}

	alert := sampleAlert("client-a", SeverityMedium, RuleTypeBurst)
	if err := sink.Deliver(context.Background(), alert); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}

	got, err := store.GetAlert(context.Background(), alert.AlertID)
	if err != nil {
		t.Fatalf("GetAlert() error: %v", err)
	}
	if got.ClientID != alert.ClientID {
		t.Errorf("stored alert client = %s, want %s", got.ClientID, alert.ClientID)
	}
}
