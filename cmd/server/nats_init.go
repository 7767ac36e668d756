// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/apiwarden/apiwarden/internal/config"
	"github.com/apiwarden/apiwarden/internal/detection"
	"github.com/apiwarden/apiwarden/internal/eventprocessor"
	"github.com/apiwarden/apiwarden/internal/logging"
)

// NATSComponents holds the messaging components for lifecycle management.
type NATSComponents struct {
	server     *eventprocessor.EmbeddedServer
	natsConn   *natsgo.Conn
	streamMgr  *eventprocessor.StreamManager
	publisher  *eventprocessor.Publisher
	subscriber *eventprocessor.Subscriber
	router     *eventprocessor.Router
}

// InitNATS brings up the inbound event feed: optionally an embedded
// JetStream server, then the stream, publisher, subscriber, and router.
// Returns nil, nil when the feed is disabled; the read API still works
// against previously stored alerts.
func InitNATS(cfg *config.Config) (*NATSComponents, error) {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("NATS event feed disabled (NATS_ENABLED=false)")
		return nil, nil
	}

	logging.Info().Msg("Initializing NATS event feed...")
	components := &NATSComponents{}

	var natsURL string
	if cfg.NATS.EmbeddedServer {
		serverCfg := eventprocessor.DefaultServerConfig()
		serverCfg.StoreDir = cfg.NATS.StoreDir

		server, err := eventprocessor.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return nil, err
		}
		components.server = server
		natsURL = server.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	} else {
		natsURL = cfg.NATS.URL
		logging.Info().Str("url", natsURL).Msg("Using external NATS server")
	}

	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.NATS.MaxReconnects),
		natsgo.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	components.natsConn = nc

	streamCfg := eventprocessor.DefaultStreamConfig()
	if cfg.NATS.StreamName != "" {
		streamCfg.Name = cfg.NATS.StreamName
	}

	streamMgr, err := eventprocessor.NewStreamManager(nc, &streamCfg)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("create stream manager: %w", err)
	}
	components.streamMgr = streamMgr

	stream, err := streamMgr.EnsureStream(context.Background())
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("ensure stream exists: %w", err)
	}
	streamInfo := stream.CachedInfo()
	logging.Info().
		Str("name", streamInfo.Config.Name).
		Strs("subjects", streamInfo.Config.Subjects).
		Dur("max_age", streamInfo.Config.MaxAge).
		Msg("JetStream stream ready")

	wmLogger := eventprocessor.NewWatermillLogger()

	publisher, err := eventprocessor.NewPublisher(eventprocessor.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, err
	}
	components.publisher = publisher

	subscriberCfg := eventprocessor.DefaultSubscriberConfig(natsURL)
	subscriberCfg.StreamName = streamCfg.Name
	if cfg.NATS.DurableName != "" {
		subscriberCfg.DurableName = cfg.NATS.DurableName
	}
	if cfg.NATS.QueueGroup != "" {
		subscriberCfg.QueueGroup = cfg.NATS.QueueGroup
	}
	if cfg.NATS.Subscribers > 0 {
		subscriberCfg.SubscribersCount = cfg.NATS.Subscribers
	}
	if cfg.NATS.AckWaitTimeout > 0 {
		subscriberCfg.AckWaitTimeout = cfg.NATS.AckWaitTimeout
	}
	if cfg.NATS.CloseTimeout > 0 {
		subscriberCfg.CloseTimeout = cfg.NATS.CloseTimeout
	}
	subscriberCfg.MaxReconnects = cfg.NATS.MaxReconnects
	if cfg.NATS.ReconnectWait > 0 {
		subscriberCfg.ReconnectWait = cfg.NATS.ReconnectWait
	}

	subscriber, err := eventprocessor.NewSubscriber(&subscriberCfg, wmLogger)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, err
	}
	components.subscriber = subscriber

	routerCfg := eventprocessor.DefaultRouterConfig()
	routerCfg.RetryMaxRetries = cfg.NATS.RetryMaxRetries
	if cfg.NATS.RetryInitialInterval > 0 {
		routerCfg.RetryInitialInterval = cfg.NATS.RetryInitialInterval
	}
	routerCfg.PoisonQueueTopic = cfg.NATS.PoisonQueueTopic

	var poisonPub message.Publisher
	if routerCfg.PoisonQueueTopic != "" {
		poisonPub = publisher.WatermillPublisher()
	}

	router, err := eventprocessor.NewRouter(&routerCfg, poisonPub, wmLogger)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("create router: %w", err)
	}
	components.router = router

	logging.Info().
		Str("subject", cfg.NATS.Subject).
		Str("durable", subscriberCfg.DurableName).
		Int("subscribers", subscriberCfg.SubscribersCount).
		Msg("NATS event feed initialized")

	return components, nil
}

// RegisterConsumer wires the detection coordinator into the router as the
// consumer of the inbound access event subject.
func (c *NATSComponents) RegisterConsumer(cfg *config.Config, coordinator *detection.Coordinator) {
	c.router.AddConsumerHandler(
		"abuse-detection",
		cfg.NATS.Subject,
		c.subscriber.Unwrap(),
		coordinator.HandleMessage,
	)
}

// Router returns the message router, for supervisor registration.
func (c *NATSComponents) Router() *eventprocessor.Router {
	return c.router
}

// Publisher returns the resilient publisher, for the alert sink.
func (c *NATSComponents) Publisher() *eventprocessor.Publisher {
	return c.publisher
}

// Shutdown stops messaging components in reverse dependency order. Safe to
// call on a partially initialized struct.
func (c *NATSComponents) Shutdown(ctx context.Context) {
	if c.router != nil {
		if err := c.router.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing router")
		}
	}
	if c.subscriber != nil {
		if err := c.subscriber.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing subscriber")
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}
	if c.natsConn != nil {
		c.natsConn.Close()
	}
	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
		}
	}
}
