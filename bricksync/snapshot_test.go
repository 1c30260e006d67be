// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.snapshot.json")
	snap := newSnapshotStore(path)

	_, ok, err := snap.Read()
	require.NoError(t, err)
	require.False(t, ok, "missing file is not an error")

	want := fallbackSnapshot{
		TakenAt: time.Now().UTC().Truncate(time.Millisecond),
		Epoch:   3,
		Sets: map[string]map[string]int{
			"75192-1": {"3001-5": 4},
			"10295-1": {},
		},
	}
	require.NoError(t, snap.Write(want))

	got, ok, err := snap.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.Epoch, got.Epoch)
	require.Equal(t, want.Sets, got.Sets)

	require.NoError(t, snap.Clear())
	_, ok, err = snap.Read()
	require.NoError(t, err)
	require.False(t, ok)

	// Clearing twice is fine.
	require.NoError(t, snap.Clear())
}

func TestCorruptSnapshotIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))

	snap := newSnapshotStore(path)
	_, ok, err := snap.Read()
	require.NoError(t, err, "a corrupt snapshot must not surface as an error")
	require.False(t, ok)

	// The file is gone, so reconcile will not loop on it forever.
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}
