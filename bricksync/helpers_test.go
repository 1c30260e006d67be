// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) error {
	t.Helper()
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)
}

const (
	waitLong = 3 * time.Second
	waitTick = 10 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// neverFlush is a policy that keeps scheduled flushes from firing during a
// test, so FlushNow timing stays deterministic.
func neverFlush(Visibility) time.Duration { return time.Hour }

// countingQueue records enqueued operations.
type countingQueue struct {
	mu  sync.Mutex
	ops []Operation
	err error
}

func (q *countingQueue) Enqueue(ctx context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ops = append(q.ops, op)
	return nil
}

func (q *countingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// fakeLeader is a controllable leadership gate.
type fakeLeader struct {
	mu          sync.Mutex
	leader      bool
	completions []bool
}

func (f *fakeLeader) ShouldSync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeLeader) NotifySyncComplete(success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, success)
}

func (f *fakeLeader) setLeader(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = v
}

// fakeTransport records submitted batches and serves canned responses.
type fakeTransport struct {
	mu       sync.Mutex
	submits  []*SyncRequest
	beacons  []*SyncRequest
	response *SyncResponse
	err      error
	block    chan struct{} // when set, Submit waits until closed
}

func (t *fakeTransport) Submit(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	t.mu.Lock()
	block := t.block
	t.mu.Unlock()
	if block != nil {
		<-block
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.submits = append(t.submits, req)
	if t.err != nil {
		return nil, t.err
	}
	if t.response != nil {
		return t.response, nil
	}
	return &SyncResponse{Success: true, Processed: len(req.Operations)}, nil
}

func (t *fakeTransport) SubmitBeacon(ctx context.Context, req *SyncRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beacons = append(t.beacons, req)
	return t.err
}

func (t *fakeTransport) submitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.submits)
}

func (t *fakeTransport) beaconCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.beacons)
}
