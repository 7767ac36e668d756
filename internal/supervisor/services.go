// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package supervisor

import (
	"context"
	"fmt"

	"github.com/apiwarden/apiwarden/internal/eventprocessor"
	"github.com/apiwarden/apiwarden/internal/logging"
)

// RouterService wraps the Watermill router as a supervised service. The
// router's Run blocks until the context is canceled; failures are returned
// to suture for restart with backoff.
type RouterService struct {
	router *eventprocessor.Router
}

// NewRouterService creates the wrapper.
func NewRouterService(router *eventprocessor.Router) *RouterService {
	return &RouterService{router: router}
}

// Serve implements suture.Service.
func (s *RouterService) Serve(ctx context.Context) error {
	logging.Info().Msg("Message router starting")
	if err := s.router.Run(ctx); err != nil {
		return fmt.Errorf("message router failed: %w", err)
	}
	return ctx.Err()
}

func (s *RouterService) String() string {
	return "message-router"
}
