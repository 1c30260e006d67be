// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestWorker(store *Store, transport Transport, leader LeaderGate) *SyncWorker {
	return NewSyncWorker(SyncWorkerOptions{
		Store:     store,
		Transport: transport,
		Leader:    leader,
		Logger:    testLogger(),
		ClientID:  "client-1",
		UserID:    func() string { return "user-1" },
		BatchSize: 10,
	})
}

func enqueueN(t *testing.T, store *Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, store.EnqueueOperation(ctx, "user-1", "client-1",
			OwnedUpsert{SetID: "75192-1", PartKey: "3001-5", Quantity: i + 1}))
	}
}

func TestNonLeaderDoesNotSubmit(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 2)
	transport := &fakeTransport{}
	leader := &fakeLeader{leader: false}
	worker := newTestWorker(store, transport, leader)

	require.NoError(t, worker.PerformSync(context.Background(), SyncOptions{}))
	require.Zero(t, transport.submitCount(), "non-leader must not issue a network request")

	// Force bypasses the leadership gate.
	require.NoError(t, worker.PerformSync(context.Background(), SyncOptions{Force: true}))
	require.Equal(t, 1, transport.submitCount())
}

func TestConfirmedSyncDrainsQueue(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 3)
	transport := &fakeTransport{}
	leader := &fakeLeader{leader: true}
	worker := newTestWorker(store, transport, leader)
	ctx := context.Background()

	require.NoError(t, worker.PerformSync(ctx, SyncOptions{}))

	count, err := store.PendingCount(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, count)
	require.Equal(t, 1, transport.submitCount())
	require.Len(t, transport.submits[0].Operations, 3)
	require.Equal(t, []bool{true}, leader.completions)
	require.Empty(t, worker.LastError())

	// Last sync time is recorded.
	_, ok, err := store.GetMeta(ctx, metaLastSyncAt)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPartialBatchFailureRetainsFailedIDs(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 3)
	ctx := context.Background()

	items, err := store.PendingOperations(ctx, "user-1", 10)
	require.NoError(t, err)

	transport := &fakeTransport{response: &SyncResponse{
		Success:   false,
		Processed: 2,
		Failed:    []SyncFailure{{ID: items[1].ID, Error: "conflict: newer value on server"}},
	}}
	worker := newTestWorker(store, transport, &fakeLeader{leader: true})

	require.NoError(t, worker.PerformSync(ctx, SyncOptions{}))

	remaining, err := store.PendingOperations(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, items[1].ID, remaining[0].ID)
	require.Equal(t, 1, remaining[0].RetryCount)
	require.Equal(t, "conflict: newer value on server", remaining[0].LastError)
	require.Equal(t, "conflict: newer value on server", worker.LastError())
}

func TestWholeBatchRejectionKeepsQueueIntact(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 3)
	// A batch-level rejection: success false with no per-item failure detail.
	transport := &fakeTransport{response: &SyncResponse{Success: false, Processed: 0}}
	leader := &fakeLeader{leader: true}
	worker := newTestWorker(store, transport, leader)
	ctx := context.Background()

	err := worker.PerformSync(ctx, SyncOptions{})
	require.Error(t, err)

	count, countErr := store.PendingCount(ctx, "user-1")
	require.NoError(t, countErr)
	require.Equal(t, 3, count, "unacknowledged rows must stay queued")
	require.Contains(t, worker.LastError(), "rejected batch")
	require.Equal(t, []bool{false}, leader.completions)
}

func TestNetworkFailureKeepsQueueIntact(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 2)
	transport := &fakeTransport{err: errors.New("connection refused")}
	leader := &fakeLeader{leader: true}
	worker := newTestWorker(store, transport, leader)
	ctx := context.Background()

	err := worker.PerformSync(ctx, SyncOptions{})
	require.Error(t, err)

	count, countErr := store.PendingCount(ctx, "user-1")
	require.NoError(t, countErr)
	require.Equal(t, 2, count)
	require.Contains(t, worker.LastError(), "connection refused")
	require.Equal(t, []bool{false}, leader.completions)
}

func TestKeepaliveRemovesOptimistically(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 2)
	transport := &fakeTransport{}
	worker := newTestWorker(store, transport, &fakeLeader{leader: false})
	ctx := context.Background()

	// Keepalive implies a teardown path: forced, one-way, no response read.
	require.NoError(t, worker.PerformSync(ctx, SyncOptions{Force: true, Keepalive: true}))

	require.Equal(t, 1, transport.beaconCount())
	require.Zero(t, transport.submitCount())
	count, err := store.PendingCount(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, count, "submitted ids are removed optimistically")
}

func TestOverlappingTriggersDoNotDoubleSubmit(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 2)
	block := make(chan struct{})
	transport := &fakeTransport{block: block}
	worker := newTestWorker(store, transport, &fakeLeader{leader: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = worker.PerformSync(ctx, SyncOptions{})
	}()

	// Wait until the first pass is inside the transport.
	require.Eventually(t, worker.IsSyncing, waitLong, waitTick)

	// A second trigger while one is in flight must no-op, not double-submit.
	require.NoError(t, worker.PerformSync(ctx, SyncOptions{}))

	close(block)
	wg.Wait()
	require.Equal(t, 1, transport.submitCount())
}

func TestOfflineProbeSkipsSync(t *testing.T) {
	store := openTestStore(t)
	enqueueN(t, store, 1)
	transport := &fakeTransport{}
	worker := NewSyncWorker(SyncWorkerOptions{
		Store:     store,
		Transport: transport,
		Leader:    &fakeLeader{leader: true},
		Online:    func() bool { return false },
		Logger:    testLogger(),
		ClientID:  "client-1",
		UserID:    func() string { return "user-1" },
	})

	require.NoError(t, worker.PerformSync(context.Background(), SyncOptions{Force: true}))
	require.Zero(t, transport.submitCount())
}

func TestAnonymousUserSkipsSync(t *testing.T) {
	store := openTestStore(t)
	transport := &fakeTransport{}
	worker := NewSyncWorker(SyncWorkerOptions{
		Store:     store,
		Transport: transport,
		Leader:    &fakeLeader{leader: true},
		Logger:    testLogger(),
		ClientID:  "client-1",
		UserID:    func() string { return "" },
	})

	require.NoError(t, worker.PerformSync(context.Background(), SyncOptions{Force: true}))
	require.Zero(t, transport.submitCount())
}

func TestNilStoreReportsNotReady(t *testing.T) {
	worker := newTestWorker(nil, &fakeTransport{}, &fakeLeader{leader: true})
	err := worker.PerformSync(context.Background(), SyncOptions{Force: true})
	require.ErrorIs(t, err, ErrStoreNotReady)
}
