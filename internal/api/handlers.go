// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

// Package api provides the HTTP read surface: alert queries, aggregate
// statistics, and pipeline status.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/apiwarden/apiwarden/internal/detection"
	"github.com/apiwarden/apiwarden/internal/logging"
)

// writeJSON encodes data as JSON and writes to the response.
// Logs errors but doesn't fail since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// Handler serves the read API over the alert store and coordinator.
type Handler struct {
	store       detection.AlertStore
	coordinator *detection.Coordinator
}

// NewHandler creates the API handler.
func NewHandler(store detection.AlertStore, coordinator *detection.Coordinator) *Handler {
	return &Handler{store: store, coordinator: coordinator}
}

const maxPageSize = 1000

// alertListResponse wraps a page of alerts with its total match count.
type alertListResponse struct {
	Alerts []detection.Alert `json:"alerts"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// ListAlerts handles GET /api/v1/alerts
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := detection.AlertFilter{
		Limit: 100,
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 && limit <= maxPageSize {
			filter.Limit = limit
		}
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}

	filter.ClientID = r.URL.Query().Get("client_id")

	if v := r.URL.Query().Get("severity"); v != "" {
		for _, s := range strings.Split(v, ",") {
			filter.Severities = append(filter.Severities, detection.Severity(s))
		}
	}

	if v := r.URL.Query().Get("rule_type"); v != "" {
		for _, rt := range strings.Split(v, ",") {
			filter.RuleTypes = append(filter.RuleTypes, detection.RuleType(rt))
		}
	}

	if v := r.URL.Query().Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "start_date must be RFC3339")
			return
		}
		filter.StartDate = &t
	}

	if v := r.URL.Query().Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "end_date must be RFC3339")
			return
		}
		filter.EndDate = &t
	}

	filter.OrderBy = r.URL.Query().Get("order_by")
	filter.OrderDirection = r.URL.Query().Get("order_dir")

	alerts, err := h.store.ListAlerts(ctx, filter)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list alerts")
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query alerts")
		return
	}

	total, err := h.store.CountAlerts(ctx, filter)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to count alerts")
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to count alerts")
		return
	}

	if alerts == nil {
		alerts = []detection.Alert{}
	}
	writeJSON(w, http.StatusOK, alertListResponse{
		Alerts: alerts,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// GetAlert handles GET /api/v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "id")
	if alertID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "alert id is required")
		return
	}

	alert, err := h.store.GetAlert(r.Context(), alertID)
	if errors.Is(err, detection.ErrAlertNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "alert not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("alert_id", alertID).Msg("Failed to get alert")
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query alert")
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to aggregate alert stats")
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to aggregate stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// DetectionStatus handles GET /api/v1/detection/status
func (h *Handler) DetectionStatus(w http.ResponseWriter, _ *http.Request) {
	if h.coordinator == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_RUNNING", "detection pipeline is not wired")
		return
	}
	writeJSON(w, http.StatusOK, h.coordinator.Status())
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.coordinator != nil && !h.coordinator.Status().Running {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}
