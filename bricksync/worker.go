// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// metaLastSyncAt is the meta key recording the last successful sync.
const metaLastSyncAt = "last_sync_at"

// ErrStoreNotReady is returned when sync is requested before the persistent
// store is usable.
var ErrStoreNotReady = errors.New("persistent store not ready")

// LeaderGate is the slice of the leader coordinator the worker consumes.
type LeaderGate interface {
	ShouldSync() bool
	NotifySyncComplete(success bool)
}

// OnlineProbe reports whether the runtime believes it has connectivity.
// A nil probe means "assume online".
type OnlineProbe func() bool

// SyncOptions modify a single sync pass.
type SyncOptions struct {
	// Force bypasses the leadership gate. Used on teardown, where the closing
	// leader must still flush even though it is relinquishing the lease.
	Force bool
	// Keepalive switches to the one-way best-effort transport. Submitted ids
	// are removed optimistically; a dropped delivery will not be retried.
	Keepalive bool
}

// SyncWorker drains the durable queue to the remote endpoint. Only one pass is
// logically in flight per worker; overlapping triggers no-op instead of
// double-submitting a batch.
type SyncWorker struct {
	store     *Store
	transport Transport
	leader    LeaderGate
	online    OnlineProbe
	logger    *slog.Logger
	clientID  string
	userID    func() string
	batchSize int
	interval  time.Duration

	inProgress atomic.Bool

	mu         sync.Mutex
	lastError  string
	syncing    bool
	onStatus   func()
	stopCh     chan struct{}
	loopActive bool
	wg         sync.WaitGroup
}

// SyncWorkerOptions wires a worker's collaborators.
type SyncWorkerOptions struct {
	Store     *Store
	Transport Transport
	Leader    LeaderGate
	Online    OnlineProbe
	Logger    *slog.Logger
	ClientID  string
	UserID    func() string // current signed-in user, "" when anonymous
	BatchSize int
	Interval  time.Duration
}

// NewSyncWorker builds a worker. Store may be nil (degraded mode): every sync
// pass then reports ErrStoreNotReady.
func NewSyncWorker(opts SyncWorkerOptions) *SyncWorker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.UserID == nil {
		opts.UserID = func() string { return "" }
	}
	return &SyncWorker{
		store:     opts.Store,
		transport: opts.Transport,
		leader:    opts.Leader,
		online:    opts.Online,
		logger:    opts.Logger,
		clientID:  opts.ClientID,
		userID:    opts.UserID,
		batchSize: opts.BatchSize,
		interval:  opts.Interval,
		stopCh:    make(chan struct{}),
	}
}

// SetStatusFunc registers the status-change callback (client facade).
func (w *SyncWorker) SetStatusFunc(fn func()) {
	w.mu.Lock()
	w.onStatus = fn
	w.mu.Unlock()
}

// IsSyncing reports whether a pass is currently in flight.
func (w *SyncWorker) IsSyncing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncing
}

// LastError returns the most recent sync error, "" when the last pass was clean.
func (w *SyncWorker) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

// Start launches the periodic trigger loop.
func (w *SyncWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.loopActive {
		w.mu.Unlock()
		return
	}
	w.loopActive = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				// Periodic trigger only applies while a user is identified.
				if w.userID() == "" {
					continue
				}
				if err := w.PerformSync(ctx, SyncOptions{}); err != nil {
					w.logger.Debug("periodic sync failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the trigger loop.
func (w *SyncWorker) Stop() {
	w.mu.Lock()
	if !w.loopActive {
		w.mu.Unlock()
		return
	}
	w.loopActive = false
	w.mu.Unlock()
	close(w.stopCh)
	w.wg.Wait()
}

// OnVisibilityChange maps foreground transitions to sync triggers: becoming
// visible attempts an ordinary pass, becoming hidden fires a forced
// best-effort pass before the instance may be terminated.
func (w *SyncWorker) OnVisibilityChange(ctx context.Context, v Visibility) {
	var err error
	if v == Visible {
		err = w.PerformSync(ctx, SyncOptions{})
	} else {
		err = w.PerformSync(ctx, SyncOptions{Force: true, Keepalive: true})
	}
	if err != nil {
		w.logger.Debug("visibility sync failed", "visibility", v.String(), "error", err)
	}
}

// PerformSync runs one queue drain pass. Preconditions: store ready; leadership
// (unless forced); online probe. Overlapping calls no-op.
func (w *SyncWorker) PerformSync(ctx context.Context, opts SyncOptions) error {
	if w.store == nil {
		return ErrStoreNotReady
	}
	userID := w.userID()
	if userID == "" {
		return nil
	}
	if !opts.Force && w.leader != nil && !w.leader.ShouldSync() {
		return nil
	}
	if w.online != nil && !w.online() {
		return nil
	}
	if !w.inProgress.CompareAndSwap(false, true) {
		return nil
	}
	defer w.inProgress.Store(false)

	w.setSyncing(true)
	defer w.setSyncing(false)

	items, err := w.store.PendingOperations(ctx, userID, w.batchSize)
	if err != nil {
		w.setLastError(err.Error())
		return err
	}
	if len(items) == 0 {
		return nil
	}

	req := &SyncRequest{ClientID: w.clientID, Operations: make([]SyncOperation, 0, len(items))}
	for _, item := range items {
		req.Operations = append(req.Operations, SyncOperation{
			ID:        item.ID,
			Table:     item.TargetTable,
			Operation: item.Op,
			Payload:   item.Payload,
		})
	}

	if opts.Keepalive {
		return w.submitBestEffort(ctx, req, items)
	}
	return w.submitConfirmed(ctx, req, items, userID)
}

func (w *SyncWorker) submitConfirmed(ctx context.Context, req *SyncRequest, items []SyncQueueItem, userID string) error {
	resp, err := w.transport.Submit(ctx, req)
	if err != nil {
		// Network failure: everything stays queued for the next trigger.
		w.setLastError(err.Error())
		if w.leader != nil {
			w.leader.NotifySyncComplete(false)
		}
		return err
	}

	if !resp.Success && len(resp.Failed) == 0 {
		// A batch-level rejection carries no per-item detail, so nothing was
		// confirmed and nothing may be removed.
		err := fmt.Errorf("server rejected batch: processed %d of %d", resp.Processed, len(items))
		w.setLastError(err.Error())
		if w.leader != nil {
			w.leader.NotifySyncComplete(false)
		}
		return err
	}

	failed := make(map[int64]string, len(resp.Failed))
	for _, f := range resp.Failed {
		failed[f.ID] = f.Error
	}

	var acked []int64
	var failures []QueueFailure
	for _, item := range items {
		if msg, bad := failed[item.ID]; bad {
			failures = append(failures, QueueFailure{ID: item.ID, Error: msg})
		} else {
			acked = append(acked, item.ID)
		}
	}
	if resp.Processed != len(acked) {
		w.logger.Warn("processed count does not match acknowledged rows",
			"processed", resp.Processed, "acked", len(acked))
	}

	if err := w.store.AckQueueItems(ctx, acked); err != nil {
		w.setLastError(err.Error())
		return err
	}
	if err := w.store.FailQueueItems(ctx, failures); err != nil {
		w.setLastError(err.Error())
		return err
	}

	success := resp.Success && len(failures) == 0
	if len(failures) > 0 {
		w.setLastError(failures[0].Error)
		w.logger.Warn("sync batch partially failed",
			"acked", len(acked), "failed", len(failures))
	} else {
		w.setLastError("")
	}
	if err := w.store.SetMeta(ctx, metaLastSyncAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		w.logger.Debug("failed to record last sync time", "error", err)
	}
	if w.leader != nil {
		w.leader.NotifySyncComplete(success)
	}
	w.logger.Info("sync pass complete", "user", userID, "acked", len(acked), "failed", len(failures))
	return nil
}

// submitBestEffort delivers one-way and assumes success. The at-most-once
// tradeoff is deliberate: a teardown path must not wait on the server.
func (w *SyncWorker) submitBestEffort(ctx context.Context, req *SyncRequest, items []SyncQueueItem) error {
	if err := w.transport.SubmitBeacon(ctx, req); err != nil {
		// Delivery never started; keep the queue intact for the next session.
		w.setLastError(err.Error())
		return err
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if err := w.store.AckQueueItems(ctx, ids); err != nil {
		w.setLastError(err.Error())
		return err
	}
	w.setLastError("")
	return nil
}

func (w *SyncWorker) setSyncing(v bool) {
	w.mu.Lock()
	w.syncing = v
	fn := w.onStatus
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *SyncWorker) setLastError(msg string) {
	w.mu.Lock()
	w.lastError = msg
	fn := w.onStatus
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}
