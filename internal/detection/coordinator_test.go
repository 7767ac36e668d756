// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apiwarden/apiwarden/internal/eventprocessor"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []*Alert
	err       error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, alert)
	return nil
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

type stubClassifier struct {
	result *Classification
	err    error
	calls  int
}

func (c *stubClassifier) Classify(_ context.Context, _ FeatureVector) (*Classification, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func newTestCoordinator(classifier Classifier, sinks ...AlertSink) *Coordinator {
	tracker := NewSessionTracker(TrackerConfig{
		Window:        testWindowConfig(),
		IdleTimeout:   300 * time.Second,
		SweepInterval: 30 * time.Second,
		Shards:        4,
	})
	detectors := []Detector{
		NewBurstDetector(BurstConfig{Threshold: 5, Severity: SeverityMedium}),
		NewScanDetector(DefaultScanConfig()),
		NewAuthAbuseDetector(DefaultAuthAbuseConfig()),
	}
	engine := NewAlertEngine(AlertEngineConfig{
		CoalescingWindow:    2 * time.Minute,
		ConfidenceThreshold: 0.80,
	})

	return NewCoordinator(
		CoordinatorConfig{AlertQueueCapacity: 16},
		eventprocessor.NewNormalizer(30*time.Second),
		tracker,
		detectors,
		classifier,
		engine,
		sinks,
		nil,
	)
}

func ingestBurst(t *testing.T, c *Coordinator, clientID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := makeEvent(clientID, "/api/items", 200, time.Now().UTC().Add(time.Duration(i)*time.Millisecond))
		if err := c.Ingest(context.Background(), ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestCoordinatorEmitsBurstAlert(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCoordinator(nil, sink)

	ingestBurst(t, c, "client-a", 10)
	c.flush()

	if sink.Count() != 1 {
		t.Fatalf("delivered %d alerts, want 1 (coalesced)", sink.Count())
	}
	alert := sink.delivered[0]
	if !alert.HasTrigger(RuleTypeBurst) {
		t.Errorf("Triggers = %v, want burst", alert.Triggers)
	}
	if alert.ClientID != "client-a" {
		t.Errorf("ClientID = %s, want client-a", alert.ClientID)
	}
}

func TestCoordinatorIngestRawMalformedDropped(t *testing.T) {
	c := newTestCoordinator(nil)

	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{"endpoint": "/a"}`),
		[]byte(`{"client_ip": "1.2.3.4", "endpoint": "/a", "status_code": 200, "timestamp": "garbage"}`),
	}
	for _, raw := range cases {
		if err := c.IngestRaw(context.Background(), raw); err != nil {
			t.Errorf("IngestRaw(%q) = %v, want nil (drop, never fatal)", raw, err)
		}
	}
	if c.tracker.ActiveSessions() != 0 {
		t.Errorf("malformed records created sessions: %d", c.tracker.ActiveSessions())
	}
}

func TestCoordinatorIngestRawValid(t *testing.T) {
	c := newTestCoordinator(nil)

	raw := []byte(fmt.Sprintf(
		`{"client_ip": "10.0.0.1", "method": "GET", "endpoint": "/api/items", "status_code": 200, "timestamp": %q}`,
		time.Now().UTC().Format(time.RFC3339)))
	if err := c.IngestRaw(context.Background(), raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.tracker.ActiveSessions() != 1 {
		t.Errorf("ActiveSessions() = %d, want 1", c.tracker.ActiveSessions())
	}
}

func TestCoordinatorDuplicateEventsSuppressed(t *testing.T) {
	c := newTestCoordinator(nil)

	ev := makeEvent("client-a", "/api/items", 200, time.Now().UTC())
	for i := 0; i < 5; i++ {
		if err := c.Ingest(context.Background(), ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if got := c.tracker.SnapshotFor("client-a").Count(); got != 1 {
		t.Errorf("window count = %d, want 1 after duplicate suppression", got)
	}
}

func TestCoordinatorClassifierUnavailableFallsBackToRules(t *testing.T) {
	sink := &recordingSink{}
	classifier := &stubClassifier{err: fmt.Errorf("%w: connection refused", ErrClassifierUnavailable)}
	c := newTestCoordinator(classifier, sink)

	ingestBurst(t, c, "client-a", 10)
	c.flush()

	if classifier.calls == 0 {
		t.Error("classifier never called")
	}
	// Rule alerts still flow without the classifier
	if sink.Count() != 1 {
		t.Fatalf("delivered %d alerts, want 1", sink.Count())
	}
	if sink.delivered[0].ClassifierLabel != "" {
		t.Errorf("ClassifierLabel = %s, want empty on fallback", sink.delivered[0].ClassifierLabel)
	}
}

func TestCoordinatorClassifierVerdictAttached(t *testing.T) {
	sink := &recordingSink{}
	classifier := &stubClassifier{result: &Classification{Label: "Attack", Confidence: 0.9}}
	c := newTestCoordinator(classifier, sink)

	ingestBurst(t, c, "client-a", 10)
	c.flush()

	if sink.Count() != 1 {
		t.Fatalf("delivered %d alerts, want 1", sink.Count())
	}
	alert := sink.delivered[0]
	if alert.ClassifierLabel != "Attack" || alert.ClassifierConfidence != 0.9 {
		t.Errorf("classifier verdict = %s/%v, want Attack/0.9", alert.ClassifierLabel, alert.ClassifierConfidence)
	}
	if alert.SuggestedAction != ActionThrottle {
		t.Errorf("SuggestedAction = %v, want THROTTLE", alert.SuggestedAction)
	}
}

func TestCoordinatorShedsOldestNeverNewest(t *testing.T) {
	c := newTestCoordinator(nil)
	c.queue = make(chan *Alert, 2)

	a1 := &Alert{AlertID: "a1"}
	a2 := &Alert{AlertID: "a2"}
	a3 := &Alert{AlertID: "a3"}
	c.enqueue(a1)
	c.enqueue(a2)
	c.enqueue(a3)

	if len(c.queue) != 2 {
		t.Fatalf("queue depth = %d, want 2", len(c.queue))
	}
	first := <-c.queue
	second := <-c.queue
	if first.AlertID != "a2" || second.AlertID != "a3" {
		t.Errorf("queue = [%s, %s], want [a2, a3]: oldest shed, newest kept", first.AlertID, second.AlertID)
	}
}

func TestCoordinatorSinkErrorDoesNotStopOthers(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	healthy := &recordingSink{}
	c := newTestCoordinator(nil, failing, healthy)

	ingestBurst(t, c, "client-a", 10)
	c.flush()

	if healthy.Count() != 1 {
		t.Errorf("healthy sink delivered %d, want 1", healthy.Count())
	}
}

func TestCoordinatorServeShutdownFlushes(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCoordinator(nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	// Wait until the coordinator reports running
	deadline := time.After(2 * time.Second)
	for !c.Status().Running {
		select {
		case <-deadline:
			t.Fatal("coordinator never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ingestBurst(t, c, "client-a", 10)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	if sink.Count() != 1 {
		t.Errorf("delivered %d alerts after shutdown flush, want 1", sink.Count())
	}
	if err := c.Ingest(context.Background(), makeEvent("client-b", "/a", 200, time.Now().UTC())); !errors.Is(err, ErrCoordinatorStopped) {
		t.Errorf("Ingest() after stop = %v, want ErrCoordinatorStopped", err)
	}
}

// blockingClassifier parks inside Classify until released, so a test can
// hold an Ingest mid-pipeline across a shutdown.
type blockingClassifier struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingClassifier() *blockingClassifier {
	return &blockingClassifier{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (c *blockingClassifier) Classify(_ context.Context, features FeatureVector) (*Classification, error) {
	// Park only once the window is over the burst threshold, so earlier
	// events pass straight through.
	if features[0] >= 6 {
		select {
		case c.entered <- struct{}{}:
		default:
		}
		<-c.release
	}
	return nil, fmt.Errorf("%w: backend timeout", ErrClassifierUnavailable)
}

func TestCoordinatorShutdownDrainsInflightDetections(t *testing.T) {
	sink := &recordingSink{}
	classifier := newBlockingClassifier()
	c := newTestCoordinator(classifier, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for !c.Status().Running {
		select {
		case <-deadline:
			t.Fatal("coordinator never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	go func() {
		base := time.Now().UTC()
		for i := 0; i < 10; i++ {
			ev := makeEvent("client-a", "/api/items", 200, base.Add(time.Duration(i)*time.Millisecond))
			// Late events race the shutdown; rejection is fine once the
			// threshold-crossing event is in the classifier.
			_ = c.Ingest(context.Background(), ev)
		}
	}()

	select {
	case <-classifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("classifier never entered")
	}

	// Stop while the detection is parked in the classifier
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(classifier.release)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	if sink.Count() != 1 {
		t.Errorf("delivered %d alerts, want 1: in-flight detection lost at shutdown", sink.Count())
	}
	if len(c.queue) != 0 {
		t.Errorf("queue depth = %d after shutdown, want 0", len(c.queue))
	}
}

// flakySink fails the first failures attempts per alert, then delivers.
type flakySink struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	delivered []*Alert
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Deliver(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("connection reset")
	}
	s.delivered = append(s.delivered, alert)
	return nil
}

func TestCoordinatorRetriesTransientSinkFailure(t *testing.T) {
	sink := &flakySink{failures: 2}
	c := newTestCoordinator(nil, sink)

	ingestBurst(t, c, "client-a", 10)
	c.flush()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.attempts != 3 {
		t.Errorf("attempts = %d, want 3", sink.attempts)
	}
	if len(sink.delivered) != 1 {
		t.Errorf("delivered %d alerts, want 1 after retries", len(sink.delivered))
	}
}

func TestCoordinatorStatus(t *testing.T) {
	c := newTestCoordinator(&stubClassifier{result: &Classification{Label: "Normal", Confidence: 0.1}})

	ingestBurst(t, c, "client-a", 3)
	status := c.Status()

	if status.Running {
		t.Error("Running = true before Serve")
	}
	if status.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", status.ActiveSessions)
	}
	if status.QueueCapacity != 16 {
		t.Errorf("QueueCapacity = %d, want 16", status.QueueCapacity)
	}
	if !status.ClassifierOn {
		t.Error("ClassifierOn = false with a classifier wired")
	}
}
