// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCoordinator(dir, id string, ttl time.Duration) *LeaderCoordinator {
	return NewLeaderCoordinator(LeaderOptions{Dir: dir, ID: id, TTL: ttl, Logger: testLogger()})
}

func TestSingleInstanceBecomesLeader(t *testing.T) {
	dir := t.TempDir()
	coord := newTestCoordinator(dir, "instance-a", 500*time.Millisecond)
	require.NoError(t, coord.Start())
	defer coord.Stop()

	require.Eventually(t, coord.ShouldSync, waitLong, waitTick)
}

func TestSecondInstanceFollowsThenTakesOver(t *testing.T) {
	dir := t.TempDir()
	a := newTestCoordinator(dir, "instance-a", 300*time.Millisecond)
	require.NoError(t, a.Start())
	require.Eventually(t, a.ShouldSync, waitLong, waitTick)

	b := newTestCoordinator(dir, "instance-b", 300*time.Millisecond)
	require.NoError(t, b.Start())
	defer b.Stop()

	// While a holds a live lease, b must stay a follower.
	time.Sleep(150 * time.Millisecond)
	require.False(t, b.ShouldSync())
	require.True(t, a.ShouldSync())

	// a releases on stop; b takes over within a heartbeat or two.
	a.Stop()
	require.Eventually(t, b.ShouldSync, waitLong, waitTick)
}

func TestLeaderChangeCallback(t *testing.T) {
	dir := t.TempDir()
	coord := newTestCoordinator(dir, "instance-a", 500*time.Millisecond)

	var mu sync.Mutex
	var transitions []bool
	unsubscribe := coord.OnLeaderChange(func(isLeader bool) {
		mu.Lock()
		transitions = append(transitions, isLeader)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, coord.Start())
	defer coord.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) > 0 && transitions[0]
	}, waitLong, waitTick)
}

func TestNotifySyncCompleteReachesFollowers(t *testing.T) {
	dir := t.TempDir()
	a := newTestCoordinator(dir, "instance-a", 500*time.Millisecond)
	b := newTestCoordinator(dir, "instance-b", 500*time.Millisecond)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	var mu sync.Mutex
	var got []bool
	unsubscribe := b.OnSyncComplete(func(success bool) {
		mu.Lock()
		got = append(got, success)
		mu.Unlock()
	})
	defer unsubscribe()

	a.NotifySyncComplete(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0]
	}, waitLong, waitTick)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	dir := t.TempDir()

	// A crashed holder leaves a lease behind; without release, takeover must
	// happen once the lease expires.
	crashed := newTestCoordinator(dir, "crashed", 200*time.Millisecond)
	require.NoError(t, crashed.writeLease(leaderLease{
		Holder:     "crashed",
		AcquiredAt: time.Now().Add(-time.Minute),
		ExpiresAt:  time.Now().Add(-time.Second),
	}))

	coord := newTestCoordinator(dir, "instance-a", 200*time.Millisecond)
	require.NoError(t, coord.Start())
	defer coord.Stop()

	require.Eventually(t, coord.ShouldSync, waitLong, waitTick)
}

func TestExpiredLeaseTakeoverWithInjectedClock(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	current := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	a := NewLeaderCoordinator(LeaderOptions{
		Dir: dir, ID: "instance-a", TTL: time.Minute, Logger: testLogger(), Clock: clock,
	})
	require.NoError(t, a.Start())
	defer a.Stop()
	require.Eventually(t, a.ShouldSync, waitLong, waitTick)

	// The minute-long lease expires without a single real second passing.
	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	b := NewLeaderCoordinator(LeaderOptions{
		Dir: dir, ID: "instance-b", TTL: time.Minute, Logger: testLogger(), Clock: clock,
	})
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Eventually(t, b.ShouldSync, waitLong, waitTick)
	require.Eventually(t, func() bool { return !a.ShouldSync() }, waitLong, waitTick)
}

func TestCorruptLeaseIsTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	coord := newTestCoordinator(dir, "instance-a", 200*time.Millisecond)
	require.NoError(t, writeFile(t, dir, leaseFileName, "{not json"))

	require.NoError(t, coord.Start())
	defer coord.Stop()
	require.Eventually(t, coord.ShouldSync, waitLong, waitTick)
}
