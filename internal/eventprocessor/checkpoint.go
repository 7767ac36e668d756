// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// checkpointRetention bounds how long delivery records are kept. Alerts are
// immutable once their session goes cold, so redeliveries older than this
// cannot occur through the normal pipeline.
const checkpointRetention = 7 * 24 * time.Hour

// checkpointEntry records the last delivered revision of an alert for one sink.
type checkpointEntry struct {
	AlertID     string    `json:"alert_id"`
	Sink        string    `json:"sink"`
	Revision    int64     `json:"revision"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// DeliveryCheckpoint is a BadgerDB-backed record of alert deliveries. Sinks
// consult it to make at-least-once redelivery idempotent across restarts:
// an alert revision that has already been delivered to a sink is skipped.
type DeliveryCheckpoint struct {
	db     *badger.DB
	closed bool
	mu     sync.RWMutex
}

// OpenCheckpoint opens (or creates) the checkpoint store at the given path.
func OpenCheckpoint(path string) (*DeliveryCheckpoint, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	return &DeliveryCheckpoint{db: db}, nil
}

func checkpointKey(sink, alertID string) []byte {
	return []byte("delivery:" + sink + ":" + alertID)
}

// MarkDelivered records that the given alert revision was delivered to the
// sink. Later revisions overwrite earlier ones.
func (c *DeliveryCheckpoint) MarkDelivered(ctx context.Context, sink, alertID string, revision int64) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrCheckpointClosed
	}
	c.mu.RUnlock()

	entry := checkpointEntry{
		AlertID:     alertID,
		Sink:        sink,
		Revision:    revision,
		DeliveredAt: time.Now().UTC(),
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal checkpoint entry: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(checkpointKey(sink, alertID), data).WithTTL(checkpointRetention)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// DeliveredRevision returns the last revision of the alert delivered to the
// sink, and whether any delivery has been recorded.
func (c *DeliveryCheckpoint) DeliveredRevision(ctx context.Context, sink, alertID string) (int64, bool, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return 0, false, ErrCheckpointClosed
	}
	c.mu.RUnlock()

	var (
		revision int64
		found    bool
	)

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(sink, alertID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			var entry checkpointEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				return err
			}
			revision = entry.Revision
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint: %w", err)
	}

	return revision, found, nil
}

// ShouldDeliver reports whether the given alert revision still needs to be
// delivered to the sink.
func (c *DeliveryCheckpoint) ShouldDeliver(ctx context.Context, sink, alertID string, revision int64) (bool, error) {
	delivered, found, err := c.DeliveredRevision(ctx, sink, alertID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return revision > delivered, nil
}

// RunGC runs Badger value log garbage collection. Call periodically from a
// background worker.
func (c *DeliveryCheckpoint) RunGC() error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrCheckpointClosed
	}
	c.mu.RUnlock()

	err := c.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close releases the underlying database.
func (c *DeliveryCheckpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
