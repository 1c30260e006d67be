// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// fallbackSnapshot is the crash-safety snapshot written synchronously at
// teardown (or on hide) for every set whose in-memory state has not yet been
// flushed to SQLite. It covers the window between an accepted write and the
// debounced asynchronous flush.
type fallbackSnapshot struct {
	TakenAt time.Time                 `json:"taken_at"`
	Epoch   int64                     `json:"epoch"`
	Sets    map[string]map[string]int `json:"sets"`
}

// snapshotStore persists the fallback snapshot as a single JSON file, written
// with a temp-file rename so a torn write never leaves a half snapshot.
type snapshotStore struct {
	path string
}

func newSnapshotStore(path string) *snapshotStore {
	return &snapshotStore{path: path}
}

// Write persists the snapshot synchronously. Called from teardown paths, so it
// must not depend on any event loop or goroutine surviving the caller.
func (f *snapshotStore) Write(snap fallbackSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Read loads a previously written snapshot. A missing file returns ok=false; a
// corrupt file is treated the same way (the snapshot is best-effort, looping on
// a parse error would be worse than losing it) and removed.
func (f *snapshotStore) Read() (fallbackSnapshot, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fallbackSnapshot{}, false, nil
	}
	if err != nil {
		return fallbackSnapshot{}, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap fallbackSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = os.Remove(f.path)
		return fallbackSnapshot{}, false, nil
	}
	return snap, true, nil
}

// Clear removes the snapshot file after a committed replay.
func (f *snapshotStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}

func defaultSnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "pending.snapshot.json")
}
