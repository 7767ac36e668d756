// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/apiwarden/apiwarden/internal/cache"
	"github.com/apiwarden/apiwarden/internal/eventprocessor"
	"github.com/apiwarden/apiwarden/internal/logging"
	"github.com/apiwarden/apiwarden/internal/metrics"
)

// ErrCoordinatorStopped is returned when events arrive after shutdown began.
var ErrCoordinatorStopped = errors.New("coordinator is stopped")

// CoordinatorConfig configures the stream coordinator.
type CoordinatorConfig struct {
	// AlertQueueCapacity bounds the emit queue between detection and sink
	// delivery. When full, the oldest buffered alert is shed, never the
	// newest.
	AlertQueueCapacity int

	// DuplicateSuppression is how long event IDs are remembered for
	// duplicate detection on the inbound feed.
	DuplicateSuppression time.Duration
}

// CoordinatorStatus is the runtime view served by the status endpoint.
type CoordinatorStatus struct {
	Running        bool   `json:"running"`
	ActiveSessions int    `json:"active_sessions"`
	OpenAlerts     int    `json:"open_alerts"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	ClassifierOn   bool   `json:"classifier_enabled"`
	BreakerState   string `json:"classifier_breaker_state,omitempty"`
}

// Coordinator drives the detection pipeline over the live event feed:
// normalize, ingest into the session window, run detectors and classifier
// over the shared snapshot, evaluate alerts, and hand emitted alerts to an
// asynchronous sink drain.
//
// Ingestion never blocks on sink I/O. The ingest path only enqueues; a
// separate drain goroutine delivers to sinks.
type Coordinator struct {
	cfg        CoordinatorConfig
	normalizer *eventprocessor.Normalizer
	tracker    *SessionTracker
	detectors  []Detector
	classifier Classifier
	engine     *AlertEngine
	sinks      []AlertSink
	checkpoint *eventprocessor.DeliveryCheckpoint
	seen       *cache.LRUCache

	queue    chan *Alert
	mu       sync.Mutex
	stopped  bool
	running  bool
	inflight sync.WaitGroup
	wg       sync.WaitGroup
}

// NewCoordinator wires the pipeline. Classifier, checkpoint, and sinks are
// optional: a nil classifier means rule-only operation, a nil checkpoint
// disables cross-restart delivery dedup.
func NewCoordinator(
	cfg CoordinatorConfig,
	normalizer *eventprocessor.Normalizer,
	tracker *SessionTracker,
	detectors []Detector,
	classifier Classifier,
	engine *AlertEngine,
	sinks []AlertSink,
	checkpoint *eventprocessor.DeliveryCheckpoint,
) *Coordinator {
	if cfg.AlertQueueCapacity <= 0 {
		cfg.AlertQueueCapacity = 1024
	}
	if cfg.DuplicateSuppression <= 0 {
		cfg.DuplicateSuppression = 5 * time.Minute
	}

	return &Coordinator{
		cfg:        cfg,
		normalizer: normalizer,
		tracker:    tracker,
		detectors:  detectors,
		classifier: classifier,
		engine:     engine,
		sinks:      sinks,
		checkpoint: checkpoint,
		seen:       cache.NewLRUCache(100000, cfg.DuplicateSuppression),
		queue:      make(chan *Alert, cfg.AlertQueueCapacity),
	}
}

// IngestRaw normalizes one raw gateway log record and runs detection.
// Malformed and clock-skewed records are dropped and counted, never fatal.
func (c *Coordinator) IngestRaw(ctx context.Context, raw []byte) error {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	event, err := c.normalizer.Normalize(raw)
	if err != nil {
		switch {
		case errors.Is(err, eventprocessor.ErrClockSkew):
			metrics.EventsRejected.WithLabelValues("clock_skew").Inc()
			logging.Warn().Err(err).Msg("Event rejected by clock skew guard")
		default:
			metrics.EventsRejected.WithLabelValues("malformed").Inc()
			logging.Debug().Err(err).Msg("Malformed event dropped")
		}
		return nil
	}

	return c.Ingest(ctx, event)
}

// Ingest runs detection for one canonical event.
func (c *Coordinator) Ingest(ctx context.Context, event *eventprocessor.AccessEvent) error {
	// The in-flight count is registered under the same lock as the stopped
	// check so shutdown can wait for every admitted event, including ones
	// still blocked in the classifier, before flushing the queue.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrCoordinatorStopped
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	if c.seen.IsDuplicate(event.EventID) {
		metrics.EventsRejected.WithLabelValues("duplicate").Inc()
		return nil
	}

	snapshot, err := c.tracker.Ingest(event)
	if err != nil {
		if errors.Is(err, ErrOutOfOrder) {
			metrics.EventsRejected.WithLabelValues("out_of_order").Inc()
			return nil
		}
		return err
	}
	metrics.EventsIngested.Inc()

	// Detectors and classifier reason about the identical snapshot. The
	// snapshot is already copied out, so no window lock is held past here.
	results := make([]DetectionResult, 0, len(c.detectors))
	for _, d := range c.detectors {
		result := d.Check(snapshot)
		if result.Triggered {
			metrics.DetectorTriggers.WithLabelValues(string(result.RuleType)).Inc()
		}
		results = append(results, result)
	}

	var classification *Classification
	if c.classifier != nil {
		features := ExtractFeatures(snapshot, results)
		classification, err = c.classifier.Classify(ctx, features)
		if err != nil {
			// Rule-only fallback: classifier absence removes the
			// supplementary signal, never blocks detection
			if !errors.Is(err, ErrClassifierUnavailable) {
				logging.Error().Err(err).Msg("Unexpected classifier error")
			}
			classification = nil
		}
	}

	alert, isNew := c.engine.Evaluate(snapshot, results, classification)
	if alert != nil && isNew {
		c.enqueue(alert)
	}

	return nil
}

// enqueue adds an alert to the bounded queue, shedding the oldest buffered
// alert when full. The newest alert is never dropped.
func (c *Coordinator) enqueue(alert *Alert) {
	for {
		select {
		case c.queue <- alert:
			metrics.AlertQueueDepth.Set(float64(len(c.queue)))
			return
		default:
		}

		select {
		case shed := <-c.queue:
			metrics.AlertsShed.Inc()
			logging.Warn().
				Str("alert_id", shed.AlertID).
				Str("client_id", shed.ClientID).
				Msg("Alert shed: sink backlog exceeded queue capacity")
		default:
		}
	}
}

// Serve runs the sink drain, idle sweeper, and coalescing prune loops until
// the context is canceled, then performs a clean shutdown: stop accepting
// events, flush buffered alerts, return. Compatible with suture's Service
// interface.
func (c *Coordinator) Serve(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.stopped = false
	c.mu.Unlock()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.tracker.RunSweeper(sweepCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.runPruner(sweepCtx)
	}()

	c.drain(ctx)

	// Shutdown: refuse new events, wait for admitted events still in the
	// pipeline to enqueue their alerts, then flush what is buffered
	c.mu.Lock()
	c.stopped = true
	c.running = false
	c.mu.Unlock()

	c.inflight.Wait()
	c.flush()

	cancelSweep()
	c.wg.Wait()
	return ctx.Err()
}

// drain delivers queued alerts to sinks until the context is canceled.
func (c *Coordinator) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-c.queue:
			metrics.AlertQueueDepth.Set(float64(len(c.queue)))
			c.deliver(alert)
		}
	}
}

// flush empties the remaining queue during shutdown.
func (c *Coordinator) flush() {
	for {
		select {
		case alert := <-c.queue:
			c.deliver(alert)
		default:
			metrics.AlertQueueDepth.Set(0)
			return
		}
	}
}

const (
	// sinkMaxAttempts bounds per-sink delivery retries. A sink that stays
	// down through all attempts loses that alert for that sink only, and
	// the loss is counted.
	sinkMaxAttempts  = 3
	sinkRetryBackoff = 250 * time.Millisecond
)

// deliver fans one alert out to all sinks with bounded per-sink retry.
// Sink errors are never propagated: delivery is at-least-once and sinks
// dedup by (alert_id, revision). Retry backoff slows the drain, which
// pushes sustained sink outages into the queue's shed-oldest policy.
func (c *Coordinator) deliver(alert *Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, sink := range c.sinks {
		if c.checkpoint != nil {
			ok, err := c.checkpoint.ShouldDeliver(ctx, sink.Name(), alert.AlertID, alert.Revision)
			if err != nil {
				logging.Warn().Err(err).Str("sink", sink.Name()).Msg("Checkpoint lookup failed, delivering anyway")
			} else if !ok {
				continue
			}
		}

		var err error
		for attempt := 1; attempt <= sinkMaxAttempts; attempt++ {
			start := time.Now()
			err = sink.Deliver(ctx, alert)
			if err == nil {
				metrics.RecordSinkDelivery(sink.Name(), "ok", time.Since(start))
				break
			}
			metrics.RecordSinkDelivery(sink.Name(), "error", time.Since(start))
			if attempt < sinkMaxAttempts && ctx.Err() == nil {
				time.Sleep(sinkRetryBackoff)
			}
		}
		if err != nil {
			metrics.RecordSinkDelivery(sink.Name(), "dropped", 0)
			logging.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("alert_id", alert.AlertID).
				Int("attempts", sinkMaxAttempts).
				Msg("Alert delivery failed after retries")
			continue
		}

		if c.checkpoint != nil {
			if err := c.checkpoint.MarkDelivered(ctx, sink.Name(), alert.AlertID, alert.Revision); err != nil {
				logging.Warn().Err(err).Str("sink", sink.Name()).Msg("Checkpoint write failed")
			}
		}
	}
}

// runPruner drops cold open alerts on the coalescing cadence.
func (c *Coordinator) runPruner(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.engine.PruneCold()
		}
	}
}

// HandleMessage adapts the coordinator to a Watermill consumer handler.
// Malformed events return nil so the broker never redelivers them.
func (c *Coordinator) HandleMessage(msg *message.Message) error {
	return c.IngestRaw(msg.Context(), msg.Payload)
}

// Status returns the coordinator's runtime state.
func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	status := CoordinatorStatus{
		Running:        running,
		ActiveSessions: c.tracker.ActiveSessions(),
		OpenAlerts:     c.engine.OpenCount(),
		QueueDepth:     len(c.queue),
		QueueCapacity:  cap(c.queue),
		ClassifierOn:   c.classifier != nil,
	}
	if hc, ok := c.classifier.(*HTTPClassifier); ok {
		status.BreakerState = hc.BreakerState()
	}
	return status
}
