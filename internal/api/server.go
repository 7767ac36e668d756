// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apiwarden/apiwarden/internal/logging"
)

// Server runs the HTTP listener as a supervisable service.
type Server struct {
	srv *http.Server
}

// NewServer creates an HTTP server for the given handler.
func NewServer(addr string, handler http.Handler, timeout time.Duration) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Serve runs the listener until the context is canceled, then shuts down
// gracefully. Compatible with suture's Service interface.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("HTTP server shutdown incomplete, closing")
		s.srv.Close()
	}
	<-errCh
	return ctx.Err()
}
