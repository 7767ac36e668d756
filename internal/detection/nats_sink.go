// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/apiwarden/apiwarden/internal/eventprocessor"
)

// NATSSink publishes alerts to the alert subject for dashboard consumers.
// The watermill UUID is derived from alert_id and revision so JetStream
// duplicate tracking absorbs redeliveries.
type NATSSink struct {
	publisher *eventprocessor.Publisher
	topic     string
}

// NewNATSSink creates a sink publishing to the given topic.
func NewNATSSink(publisher *eventprocessor.Publisher, topic string) *NATSSink {
	if topic == "" {
		topic = eventprocessor.AlertsTopic
	}
	return &NATSSink{publisher: publisher, topic: topic}
}

// Name returns the sink name.
func (s *NATSSink) Name() string {
	return "nats"
}

// Deliver publishes the alert as a JSON message.
func (s *NATSSink) Deliver(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msgID := uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte(fmt.Sprintf("%s:%d", alert.AlertID, alert.Revision))).String()

	msg := message.NewMessage(msgID, payload)
	msg.Metadata.Set("client_id", alert.ClientID)
	msg.Metadata.Set("severity", string(alert.Severity))

	return s.publisher.Publish(ctx, s.topic, msg)
}
