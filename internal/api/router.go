// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires handlers and middleware into the HTTP surface.
type Router struct {
	handler    *Handler
	middleware *Middleware
	wsHandler  http.HandlerFunc
}

// NewRouter creates a router. wsHandler is optional; when nil the /ws
// endpoint is not registered.
func NewRouter(handler *Handler, middleware *Middleware, wsHandler http.HandlerFunc) *Router {
	return &Router{
		handler:    handler,
		middleware: middleware,
		wsHandler:  wsHandler,
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS())

	r.Get("/healthz", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())
		r.Use(Metrics())

		r.Get("/alerts", router.handler.ListAlerts)
		r.Get("/alerts/{id}", router.handler.GetAlert)
		r.Get("/stats", router.handler.Stats)
		r.Get("/detection/status", router.handler.DetectionStatus)

		if router.wsHandler != nil {
			r.Get("/ws", router.wsHandler)
		}
	})

	return r
}
