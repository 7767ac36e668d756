// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

// Package eventprocessor provides common error definitions.
package eventprocessor

import "errors"

// ErrMalformedEvent is returned when a raw access log record cannot be
// normalized into a canonical event.
var ErrMalformedEvent = errors.New("malformed access event")

// ErrClockSkew is returned when an event timestamp is too far ahead of the
// local clock to be trusted.
var ErrClockSkew = errors.New("event timestamp exceeds clock skew tolerance")

// ErrNilPublisher is returned when attempting to create a publisher with nil input.
var ErrNilPublisher = errors.New("publisher cannot be nil")

// ErrStreamNotFound is returned when the NATS stream doesn't exist.
var ErrStreamNotFound = errors.New("stream not found")

// ErrInvalidConfig is returned when configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrCheckpointClosed is returned when the delivery checkpoint store is used
// after Close.
var ErrCheckpointClosed = errors.New("checkpoint store is closed")
