// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// QueueSink receives outbound operations produced by the owned cache. The
// Client binds it to the durable sync queue with the current user/client ids.
type QueueSink interface {
	Enqueue(ctx context.Context, op Operation) error
}

// OwnedCacheOptions configures a cache instance. Store may be nil (memory-only
// from the start); Queue may be nil (no remote sync, local persistence only).
type OwnedCacheOptions struct {
	Store            *Store
	Queue            QueueSink
	Snapshot         *snapshotStore
	Policy           FlushPolicy
	Logger           *slog.Logger
	Clock            func() time.Time
	FailureThreshold int // consecutive flush failures before degrading; min 3
}

// OwnedCache is the synchronous read/write surface over owned quantities.
// Reads never touch storage; writes land in memory immediately and are
// persisted by a debounced, per-set coalesced flush.
type OwnedCache struct {
	store  *Store
	queue  QueueSink
	snap   *snapshotStore
	policy FlushPolicy
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	owned      map[string]map[string]int      // set -> part key -> quantity
	hydrated   map[string]bool                // sets merged from storage
	dirty      map[string]map[string]struct{} // keys changed since last flush
	cleared    map[string]bool                // sets cleared since last flush
	epoch      int64
	visibility Visibility
	flushTimer *time.Timer
	flushing   bool

	consecutiveFailures int
	degraded            bool
	reconciled          bool

	version     atomic.Int64
	subMu       sync.Mutex
	subscribers map[int]func()
	nextSubID   int

	hydrateGroup singleflight.Group
	threshold    int
}

// NewOwnedCache builds a cache with explicit dependencies. Multiple isolated
// instances can coexist, there is no package-level state.
func NewOwnedCache(opts OwnedCacheOptions) *OwnedCache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Policy == nil {
		opts.Policy = DefaultFlushPolicy(0, 0)
	}
	threshold := opts.FailureThreshold
	if threshold < 3 {
		threshold = 3
	}
	return &OwnedCache{
		store:       opts.Store,
		queue:       opts.Queue,
		snap:        opts.Snapshot,
		policy:      opts.Policy,
		logger:      opts.Logger,
		now:         opts.Clock,
		owned:       make(map[string]map[string]int),
		hydrated:    make(map[string]bool),
		dirty:       make(map[string]map[string]struct{}),
		cleared:     make(map[string]bool),
		subscribers: make(map[int]func()),
		degraded:    opts.Store == nil,
		threshold:   threshold,
	}
}

// GetOwned returns the in-memory quantity, 0 when the set is not hydrated or
// the key is absent. Never blocks on storage.
func (c *OwnedCache) GetOwned(setID, partKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned[setID][partKey]
}

// OwnedForSet returns a copy of the in-memory rows for one set.
func (c *OwnedCache) OwnedForSet(setID string) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.owned[setID]))
	for k, v := range c.owned[setID] {
		out[k] = v
	}
	return out
}

// SetOwned updates one quantity synchronously. Quantity <= 0 removes the key.
// The persisted write is scheduled, not performed here.
func (c *OwnedCache) SetOwned(setID, partKey string, quantity int) {
	c.mu.Lock()
	c.applyLocked(setID, partKey, quantity)
	c.scheduleFlushLocked()
	c.mu.Unlock()
	c.bumpVersion()
}

// MarkAllAsOwned applies a batch of quantities to one set in a single pass.
// keys and quantities are parallel slices; extra keys get quantity 1.
func (c *OwnedCache) MarkAllAsOwned(setID string, keys []string, quantities []int) {
	c.mu.Lock()
	for i, key := range keys {
		qty := 1
		if i < len(quantities) {
			qty = quantities[i]
		}
		c.applyLocked(setID, key, qty)
	}
	c.scheduleFlushLocked()
	c.mu.Unlock()
	c.bumpVersion()
}

// ClearAll removes every owned row for one set.
func (c *OwnedCache) ClearAll(setID string) {
	c.mu.Lock()
	delete(c.owned, setID)
	delete(c.dirty, setID)
	c.cleared[setID] = true
	c.scheduleFlushLocked()
	c.mu.Unlock()
	c.bumpVersion()
}

func (c *OwnedCache) applyLocked(setID, partKey string, quantity int) {
	if quantity > 0 {
		if c.owned[setID] == nil {
			c.owned[setID] = make(map[string]int)
		}
		c.owned[setID][partKey] = quantity
	} else {
		delete(c.owned[setID], partKey)
		if len(c.owned[setID]) == 0 {
			delete(c.owned, setID)
		}
	}
	if c.dirty[setID] == nil {
		c.dirty[setID] = make(map[string]struct{})
	}
	c.dirty[setID][partKey] = struct{}{}
}

// IsHydrated reports whether storage rows for the set were merged in.
func (c *OwnedCache) IsHydrated(setID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated[setID]
}

// StorageAvailable is false when the store failed to open or the cache gave up
// after repeated flush failures; memory is the system of record then.
func (c *OwnedCache) StorageAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.degraded && c.store != nil
}

// Version is a monotonically increasing change counter for observers.
func (c *OwnedCache) Version() int64 { return c.version.Load() }

// Subscribe registers a change callback and returns an unsubscribe func.
func (c *OwnedCache) Subscribe(fn func()) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *OwnedCache) bumpVersion() {
	c.version.Add(1)
	c.subMu.Lock()
	subs := make([]func(), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Reset bumps the epoch and drops all in-memory state (sign-out path). Any
// in-flight hydrate or flush started under the previous epoch discards its
// result instead of mutating the fresh state.
func (c *OwnedCache) Reset() {
	c.mu.Lock()
	c.epoch++
	c.owned = make(map[string]map[string]int)
	c.hydrated = make(map[string]bool)
	c.dirty = make(map[string]map[string]struct{})
	c.cleared = make(map[string]bool)
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()
	c.bumpVersion()
}

// SetVisibility feeds the foreground state into the flush policy. Going hidden
// takes a synchronous crash-safety snapshot and reschedules any pending flush
// with the shorter window.
func (c *OwnedCache) SetVisibility(v Visibility) {
	c.mu.Lock()
	c.visibility = v
	pending := len(c.dirty) > 0 || len(c.cleared) > 0
	if pending && c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
		c.scheduleFlushLocked()
	}
	c.mu.Unlock()
	if v == Hidden && pending {
		if err := c.SnapshotNow(); err != nil {
			c.logger.Warn("failed to take fallback snapshot", "error", err)
		}
	}
}

// Hydrate merges storage rows for one set into memory. Idempotent and
// de-duplicated: concurrent calls for the same set share one storage read.
func (c *OwnedCache) Hydrate(ctx context.Context, setID string) error {
	c.mu.Lock()
	if c.hydrated[setID] {
		c.mu.Unlock()
		return nil
	}
	if c.store == nil || c.degraded {
		// Nothing to read; memory is the whole truth.
		c.hydrated[setID] = true
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.ReconcileSnapshot(ctx); err != nil {
		c.logger.Warn("snapshot reconcile before hydrate failed", "error", err)
	}

	_, err, _ := c.hydrateGroup.Do(setID, func() (any, error) {
		stored, err := c.store.GetOwnedRows(ctx, setID)
		if err != nil {
			return nil, fmt.Errorf("failed to hydrate set %s: %w", setID, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			// Cache was reset while we were reading; result belongs to the old world.
			return nil, nil
		}
		if c.hydrated[setID] {
			return nil, nil
		}
		for key, qty := range stored {
			// In-memory writes win over storage: they may be newer than the
			// last flush. Only fill keys the session has not touched.
			if _, changed := c.dirty[setID][key]; changed {
				continue
			}
			if c.cleared[setID] {
				continue
			}
			if _, exists := c.owned[setID][key]; exists {
				continue
			}
			if c.owned[setID] == nil {
				c.owned[setID] = make(map[string]int)
			}
			c.owned[setID][key] = qty
		}
		c.hydrated[setID] = true
		return nil, nil
	})
	if err != nil {
		return err
	}
	c.bumpVersion()
	return nil
}

// --- Flushing ---

func (c *OwnedCache) scheduleFlushLocked() {
	if c.flushTimer != nil || c.flushing {
		return
	}
	delay := c.policy(c.visibility)
	epoch := c.epoch
	c.flushTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.flushTimer = nil
		stale := c.epoch != epoch
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.FlushNow(context.Background()); err != nil {
			c.logger.Warn("scheduled flush failed", "error", err)
		}
	})
}

// FlushNow persists every dirty set. With nothing pending it issues no storage
// transaction at all. A failed set stays pending and is retried on the next
// scheduled flush; after the configured threshold of consecutive failures the
// cache degrades to memory-only for the rest of the session.
func (c *OwnedCache) FlushNow(ctx context.Context) error {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return nil
	}
	if len(c.dirty) == 0 && len(c.cleared) == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.store == nil || c.degraded {
		// Memory-only mode: accept the writes as final.
		c.dirty = make(map[string]map[string]struct{})
		c.cleared = make(map[string]bool)
		c.mu.Unlock()
		return nil
	}
	c.flushing = true
	epoch := c.epoch

	type setFlush struct {
		setID   string
		rows    map[string]int
		changed map[string]struct{}
		cleared bool
	}
	var work []setFlush
	for setID, keys := range c.dirty {
		rows := make(map[string]int, len(c.owned[setID]))
		for k, v := range c.owned[setID] {
			rows[k] = v
		}
		changed := make(map[string]struct{}, len(keys))
		for k := range keys {
			changed[k] = struct{}{}
		}
		work = append(work, setFlush{setID: setID, rows: rows, changed: changed, cleared: c.cleared[setID]})
	}
	for setID := range c.cleared {
		if _, dirtyToo := c.dirty[setID]; !dirtyToo {
			work = append(work, setFlush{setID: setID, rows: map[string]int{}, cleared: true})
		}
	}
	c.mu.Unlock()

	var firstErr error
	succeeded := make([]setFlush, 0, len(work))
	for _, w := range work {
		if err := c.store.ReplaceOwnedForSet(ctx, w.setID, w.rows); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.enqueueFlushedOps(ctx, w.setID, w.rows, w.changed, w.cleared)
		succeeded = append(succeeded, w)
	}

	c.mu.Lock()
	c.flushing = false
	if c.epoch == epoch {
		for _, w := range succeeded {
			// Only clear dirt the flush actually covered; writes that landed
			// mid-flush stay pending for the next cycle.
			if keys, ok := c.dirty[w.setID]; ok {
				for k := range w.changed {
					delete(keys, k)
				}
				if len(keys) == 0 {
					delete(c.dirty, w.setID)
				}
			}
			delete(c.cleared, w.setID)
		}
		if firstErr != nil {
			c.consecutiveFailures++
			if c.consecutiveFailures >= c.threshold {
				c.degraded = true
				c.logger.Error("storage degraded after repeated flush failures",
					"failures", c.consecutiveFailures)
			}
		} else {
			c.consecutiveFailures = 0
		}
		if (len(c.dirty) > 0 || len(c.cleared) > 0) && firstErr != nil && !c.degraded {
			c.scheduleFlushLocked()
		}
	}
	degraded := c.degraded
	drained := firstErr == nil && c.epoch == epoch &&
		len(c.dirty) == 0 && len(c.cleared) == 0
	c.mu.Unlock()

	if degraded {
		c.bumpVersion()
	}
	if drained && c.snap != nil {
		// Everything pending is now in the store; a stale snapshot would
		// resurrect rows deleted after it was taken.
		if err := c.snap.Clear(); err != nil {
			c.logger.Warn("failed to clear fallback snapshot", "error", err)
		}
	}
	return firstErr
}

// enqueueFlushedOps mirrors a flushed set into the outbound sync queue, one
// coalesced operation per changed key. Upserts are idempotent on the server so
// a retried enqueue after a partial failure is harmless.
func (c *OwnedCache) enqueueFlushedOps(ctx context.Context, setID string, rows map[string]int, changed map[string]struct{}, cleared bool) {
	if c.queue == nil {
		return
	}
	if cleared {
		// Clear first so re-added keys survive as upserts on the remote side.
		if err := c.queue.Enqueue(ctx, OwnedClear{SetID: setID}); err != nil {
			c.logger.Warn("failed to enqueue clear", "set", setID, "error", err)
		}
	}
	for key := range changed {
		var op Operation
		if qty, ok := rows[key]; ok && qty > 0 {
			op = OwnedUpsert{SetID: setID, PartKey: key, Quantity: qty}
		} else {
			op = OwnedDelete{SetID: setID, PartKey: key}
		}
		if err := c.queue.Enqueue(ctx, op); err != nil {
			c.logger.Warn("failed to enqueue operation", "set", setID, "key", key, "error", err)
		}
	}
}

// --- Crash safety ---

// SnapshotNow synchronously writes all pending (not yet flushed) set data to
// the fallback store. Safe to call from teardown handlers.
func (c *OwnedCache) SnapshotNow() error {
	if c.snap == nil {
		return nil
	}
	c.mu.Lock()
	if len(c.dirty) == 0 && len(c.cleared) == 0 {
		c.mu.Unlock()
		return nil
	}
	snap := fallbackSnapshot{TakenAt: c.now(), Epoch: c.epoch, Sets: make(map[string]map[string]int)}
	for setID := range c.dirty {
		rows := make(map[string]int, len(c.owned[setID]))
		for k, v := range c.owned[setID] {
			rows[k] = v
		}
		snap.Sets[setID] = rows
	}
	for setID := range c.cleared {
		if _, ok := snap.Sets[setID]; !ok {
			snap.Sets[setID] = map[string]int{}
		}
	}
	c.mu.Unlock()
	return c.snap.Write(snap)
}

// ReconcileSnapshot replays a fallback snapshot left by an abrupt termination
// into the persistent store, then clears it. Runs at most once per instance,
// before any set is hydrated.
func (c *OwnedCache) ReconcileSnapshot(ctx context.Context) error {
	c.mu.Lock()
	if c.reconciled || c.snap == nil || c.store == nil || c.degraded {
		c.reconciled = true
		c.mu.Unlock()
		return nil
	}
	c.reconciled = true
	epoch := c.epoch
	c.mu.Unlock()

	snap, ok, err := c.snap.Read()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for setID, rows := range snap.Sets {
		if err := c.store.ReplaceOwnedForSet(ctx, setID, rows); err != nil {
			return fmt.Errorf("failed to replay snapshot for set %s: %w", setID, err)
		}
	}

	c.mu.Lock()
	stale := c.epoch != epoch
	c.mu.Unlock()
	if stale {
		return nil
	}
	c.logger.Info("replayed crash-safety snapshot", "sets", len(snap.Sets), "taken_at", snap.TakenAt)
	return c.snap.Clear()
}

// PendingSets reports the sets with unflushed writes (status surface).
func (c *OwnedCache) PendingSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.dirty)
	for setID := range c.cleared {
		if _, ok := c.dirty[setID]; !ok {
			n++
		}
	}
	return n
}
