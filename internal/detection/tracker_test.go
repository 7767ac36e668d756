// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestTracker() (*SessionTracker, *time.Time) {
	now := testBase
	tracker := NewSessionTracker(TrackerConfig{
		Window:        testWindowConfig(),
		IdleTimeout:   300 * time.Second,
		SweepInterval: 30 * time.Second,
		Shards:        8,
	})
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestTrackerIngestCreatesSession(t *testing.T) {
	tracker, _ := newTestTracker()

	snap, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap == nil || snap.Count() != 1 {
		t.Fatalf("expected snapshot with 1 event, got %+v", snap)
	}
	if tracker.ActiveSessions() != 1 {
		t.Errorf("ActiveSessions() = %d, want 1", tracker.ActiveSessions())
	}
}

func TestTrackerIndependentClients(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 3; i++ {
		if _, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := tracker.Ingest(makeEvent("client-b", "/b", 200, testBase)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := tracker.SnapshotFor("client-a").Count(); got != 3 {
		t.Errorf("client-a window count = %d, want 3", got)
	}
	if got := tracker.SnapshotFor("client-b").Count(); got != 1 {
		t.Errorf("client-b window count = %d, want 1", got)
	}
}

func TestTrackerSnapshotForUnknownClient(t *testing.T) {
	tracker, _ := newTestTracker()
	if snap := tracker.SnapshotFor("nobody"); snap != nil {
		t.Errorf("expected nil snapshot for unknown client, got %+v", snap)
	}
}

func TestTrackerOutOfOrderRejected(t *testing.T) {
	tracker, _ := newTestTracker()

	if _, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := tracker.Ingest(makeEvent("client-a", "/b", 200, testBase.Add(-10*time.Second)))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Ingest() error = %v, want ErrOutOfOrder", err)
	}

	// The rejected event must not have entered the window
	if got := tracker.SnapshotFor("client-a").Count(); got != 1 {
		t.Errorf("window count = %d, want 1", got)
	}
}

func TestTrackerSweepIdle(t *testing.T) {
	tracker, now := newTestTracker()

	if _, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tracker.Ingest(makeEvent("client-b", "/b", 200, testBase)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// client-b stays active, client-a goes idle
	*now = testBase.Add(200 * time.Second)
	if _, err := tracker.Ingest(makeEvent("client-b", "/b", 200, testBase.Add(200*time.Second))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	*now = testBase.Add(400 * time.Second)
	evicted := tracker.SweepIdle()
	if evicted != 1 {
		t.Fatalf("SweepIdle() = %d, want 1", evicted)
	}
	if tracker.SnapshotFor("client-a") != nil {
		t.Error("idle session survived sweep")
	}
	if tracker.SnapshotFor("client-b") == nil {
		t.Error("active session was evicted")
	}
}

func TestTrackerFreshWindowAfterEviction(t *testing.T) {
	tracker, now := newTestTracker()

	for i := 0; i < 5; i++ {
		if _, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	*now = testBase.Add(600 * time.Second)
	if evicted := tracker.SweepIdle(); evicted != 1 {
		t.Fatalf("SweepIdle() = %d, want 1", evicted)
	}

	// Re-ingestion after eviction starts from an empty window: no
	// carried-over history
	snap, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase.Add(600*time.Second)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Count() != 1 {
		t.Errorf("fresh window count = %d, want 1", snap.Count())
	}
}

func TestTrackerSweepMarksEvictedEntry(t *testing.T) {
	tracker, now := newTestTracker()

	if _, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Hold a reference to the entry, the way a concurrent Ingest that
	// resolved it just before the sweep would
	shard := tracker.shardFor("client-a")
	shard.mu.RLock()
	stale := shard.sessions["client-a"]
	shard.mu.RUnlock()
	if stale == nil {
		t.Fatal("entry missing after ingest")
	}

	*now = testBase.Add(301 * time.Second)
	if evicted := tracker.SweepIdle(); evicted != 1 {
		t.Fatalf("SweepIdle() = %d, want 1", evicted)
	}

	stale.mu.Lock()
	evictedFlag := stale.evicted
	stale.mu.Unlock()
	if !evictedFlag {
		t.Error("swept entry not marked evicted: a held reference could still be appended to")
	}

	// The next ingest lands in a fresh, visible window rather than the
	// orphaned one
	snap, err := tracker.Ingest(makeEvent("client-a", "/a", 200, testBase.Add(301*time.Second)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Count() != 1 {
		t.Errorf("fresh window count = %d, want 1", snap.Count())
	}
	if tracker.SnapshotFor("client-a") == nil {
		t.Error("ingested session not visible via SnapshotFor")
	}
}

func TestTrackerConcurrentIngestAndSweep(t *testing.T) {
	// Real clock with an immediate idle timeout, so every sweep evicts
	// whatever it finds while ingestion is running.
	tracker := NewSessionTracker(TrackerConfig{
		Window:        testWindowConfig(),
		IdleTimeout:   time.Nanosecond,
		SweepInterval: time.Hour,
		Shards:        2,
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				tracker.SweepIdle()
			}
		}
	}()

	base := time.Now().UTC()
	for i := 0; i < 5000; i++ {
		ev := makeEvent("client-a", "/a", 200, base.Add(time.Duration(i)*time.Millisecond))
		snap, err := tracker.Ingest(ev)
		if err != nil {
			t.Fatalf("ingest %d: unexpected error: %v", i, err)
		}
		// An ingest racing the sweep must land in a live window, never a
		// freshly orphaned one
		if snap == nil || snap.Count() == 0 {
			t.Fatalf("ingest %d: event landed in an orphaned window", i)
		}
	}

	close(stop)
	wg.Wait()
}

func TestTrackerConcurrentIngest(t *testing.T) {
	tracker, _ := newTestTracker()

	const clients = 20
	const perClient = 50

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", n)
			for j := 0; j < perClient; j++ {
				ev := makeEvent(clientID, "/a", 200, testBase.Add(time.Duration(j)*time.Millisecond))
				if _, err := tracker.Ingest(ev); err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if tracker.ActiveSessions() != clients {
		t.Errorf("ActiveSessions() = %d, want %d", tracker.ActiveSessions(), clients)
	}
	for i := 0; i < clients; i++ {
		clientID := fmt.Sprintf("client-%d", i)
		if got := tracker.SnapshotFor(clientID).Count(); got != perClient {
			t.Errorf("%s window count = %d, want %d", clientID, got, perClient)
		}
	}
}
