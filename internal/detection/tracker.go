// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package detection

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/apiwarden/apiwarden/internal/eventprocessor"
	"github.com/apiwarden/apiwarden/internal/logging"
	"github.com/apiwarden/apiwarden/internal/metrics"
)

// TrackerConfig configures the session tracker.
type TrackerConfig struct {
	Window WindowConfig

	// IdleTimeout evicts a client's window after this long with no
	// ingested events. Mandatory: client cardinality is unbounded.
	IdleTimeout time.Duration

	// SweepInterval is how often the background sweep scans for idle
	// sessions.
	SweepInterval time.Duration

	// Shards spreads clients across independently locked shards.
	Shards int
}

// sessionEntry holds one client's window. The entry mutex serializes all
// access to the window: exactly one goroutine mutates a given client's
// state at a time.
type sessionEntry struct {
	mu         sync.Mutex
	window     *SessionWindow
	lastIngest time.Time

	// evicted marks an entry the sweeper has removed from the shard map.
	// A goroutine that resolved the entry before the sweep must not append
	// to it; it retries against a fresh entry instead.
	evicted bool
}

type trackerShard struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// SessionTracker owns all session windows, sharded by client ID. Windows
// move through Absent, Active, and Idle-Evicted states; re-ingestion after
// eviction creates a fresh window with no carried-over history.
type SessionTracker struct {
	cfg    TrackerConfig
	shards []*trackerShard
	now    func() time.Time
}

// NewSessionTracker creates a tracker with the given configuration.
func NewSessionTracker(cfg TrackerConfig) *SessionTracker {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}

	shards := make([]*trackerShard, cfg.Shards)
	for i := range shards {
		shards[i] = &trackerShard{sessions: make(map[string]*sessionEntry)}
	}

	return &SessionTracker{
		cfg:    cfg,
		shards: shards,
		now:    time.Now,
	}
}

func (t *SessionTracker) shardFor(clientID string) *trackerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Ingest admits an event into its client's window and returns an immutable
// snapshot of the window afterwards. Out-of-order events beyond tolerance
// are rejected with ErrOutOfOrder; the window is unchanged and no snapshot
// is returned.
func (t *SessionTracker) Ingest(event *eventprocessor.AccessEvent) (*WindowSnapshot, error) {
	shard := t.shardFor(event.ClientID)

	for {
		shard.mu.RLock()
		entry, ok := shard.sessions[event.ClientID]
		shard.mu.RUnlock()

		if !ok {
			shard.mu.Lock()
			entry, ok = shard.sessions[event.ClientID]
			if !ok {
				entry = &sessionEntry{window: NewSessionWindow(event.ClientID, t.cfg.Window)}
				shard.sessions[event.ClientID] = entry
				metrics.ActiveSessions.Inc()
			}
			shard.mu.Unlock()
		}

		entry.mu.Lock()
		if entry.evicted {
			// The sweep removed this entry between lookup and lock.
			// Appending here would write to an orphaned window, so retry
			// against the shard map.
			entry.mu.Unlock()
			continue
		}

		if err := entry.window.Append(event); err != nil {
			entry.mu.Unlock()
			return nil, err
		}
		entry.lastIngest = t.now()

		snapshot := entry.window.Snapshot()
		entry.mu.Unlock()

		metrics.WindowEvents.Observe(float64(snapshot.Count()))
		return snapshot, nil
	}
}

// SnapshotFor returns a snapshot of a client's current window, or nil if
// the client has no active session.
func (t *SessionTracker) SnapshotFor(clientID string) *WindowSnapshot {
	shard := t.shardFor(clientID)

	shard.mu.RLock()
	entry, ok := shard.sessions[clientID]
	shard.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.evicted {
		return nil
	}
	return entry.window.Snapshot()
}

// ActiveSessions returns the current number of tracked clients.
func (t *SessionTracker) ActiveSessions() int {
	total := 0
	for _, shard := range t.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

// SweepIdle evicts sessions with no ingested events for IdleTimeout and
// returns how many were evicted.
func (t *SessionTracker) SweepIdle() int {
	cutoff := t.now().Add(-t.cfg.IdleTimeout)
	evicted := 0

	for _, shard := range t.shards {
		shard.mu.Lock()
		for clientID, entry := range shard.sessions {
			entry.mu.Lock()
			idle := entry.lastIngest.Before(cutoff)
			if idle {
				// Marked under entry.mu so an Ingest that resolved this
				// entry before the sweep sees the eviction and retries.
				entry.evicted = true
			}
			entry.mu.Unlock()
			if idle {
				delete(shard.sessions, clientID)
				evicted++
			}
		}
		shard.mu.Unlock()
	}

	if evicted > 0 {
		metrics.ActiveSessions.Sub(float64(evicted))
		metrics.SessionsEvicted.Add(float64(evicted))
		logging.Debug().Int("evicted", evicted).Msg("Idle sessions swept")
	}
	return evicted
}

// RunSweeper runs the idle sweep loop until the context is canceled.
func (t *SessionTracker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepIdle()
		}
	}
}
