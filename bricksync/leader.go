// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	leaseFileName    = "leader.lease"
	syncDoneFileName = "sync.done"
)

// leaderLease is the on-disk lease record shared by all instances opening the
// same coordination directory.
type leaderLease struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// syncDoneEvent is broadcast by the leader after each sync attempt.
type syncDoneEvent struct {
	Holder  string    `json:"holder"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

// LeaderCoordinator elects exactly one instance to perform network sync.
// Election is a lease file with heartbeat renewal and expiry takeover; change
// notifications ride on an fsnotify watch of the coordination directory, with
// the heartbeat ticker as the fallback when watch events are lost.
type LeaderCoordinator struct {
	dir    string
	id     string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	isLeader  bool
	leaderSub map[int]func(isLeader bool)
	doneSub   map[int]func(success bool)
	nextSubID int
	started   bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// LeaderOptions configures a coordinator instance. ID must be unique per
// instance (the client's source id is a good choice).
type LeaderOptions struct {
	Dir    string
	ID     string
	TTL    time.Duration
	Logger *slog.Logger
	Clock  func() time.Time // nil means time.Now
}

// NewLeaderCoordinator creates a coordinator for one instance.
func NewLeaderCoordinator(opts LeaderOptions) *LeaderCoordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &LeaderCoordinator{
		dir:       opts.Dir,
		id:        opts.ID,
		ttl:       opts.TTL,
		logger:    opts.Logger,
		now:       opts.Clock,
		leaderSub: make(map[int]func(bool)),
		doneSub:   make(map[int]func(bool)),
		stopCh:    make(chan struct{}),
	}
}

// Start attempts an initial acquisition and begins the heartbeat/watch loop.
func (l *LeaderCoordinator) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create coordination dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch coordination dir: %w", err)
	}
	l.watcher = watcher

	l.tryAcquire()

	l.wg.Add(1)
	go l.loop()
	return nil
}

// Stop releases the lease when held and ends the loop.
func (l *LeaderCoordinator) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	wasLeader := l.isLeader
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	if wasLeader {
		l.release()
	}
}

// ShouldSync reports whether this instance currently holds the lease.
func (l *LeaderCoordinator) ShouldSync() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLeader
}

// OnLeaderChange registers a callback fired whenever this instance gains or
// loses leadership. Returns an unsubscribe func.
func (l *LeaderCoordinator) OnLeaderChange(cb func(isLeader bool)) func() {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.leaderSub[id] = cb
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.leaderSub, id)
		l.mu.Unlock()
	}
}

// OnSyncComplete registers a callback fired when any instance broadcasts a
// finished sync. Followers use it to refresh derived views.
func (l *LeaderCoordinator) OnSyncComplete(cb func(success bool)) func() {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.doneSub[id] = cb
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.doneSub, id)
		l.mu.Unlock()
	}
}

// NotifySyncComplete broadcasts sync completion to every instance watching the
// coordination directory (including this one).
func (l *LeaderCoordinator) NotifySyncComplete(success bool) {
	event := syncDoneEvent{Holder: l.id, Success: success, At: l.now()}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	path := filepath.Join(l.dir, syncDoneFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		l.logger.Warn("failed to write sync-done event", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		l.logger.Warn("failed to publish sync-done event", "error", err)
	}
}

func (l *LeaderCoordinator) loop() {
	defer l.wg.Done()
	heartbeat := time.NewTicker(l.ttl / 3)
	defer heartbeat.Stop()

	var lastDone time.Time
	for {
		select {
		case <-l.stopCh:
			return
		case <-heartbeat.C:
			l.tryAcquire()
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			switch filepath.Base(event.Name) {
			case leaseFileName:
				l.refreshLeadership()
			case syncDoneFileName:
				if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
					lastDone = l.dispatchSyncDone(lastDone)
				}
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("coordination watch error", "error", err)
		}
	}
}

// tryAcquire renews the lease when held, takes over when expired, and observes
// the current holder otherwise.
func (l *LeaderCoordinator) tryAcquire() {
	lease, ok := l.readLease()
	now := l.now()

	switch {
	case ok && lease.Holder != l.id && now.Before(lease.ExpiresAt):
		l.setLeader(false)
		return
	case ok && lease.Holder == l.id:
		// Renew our own lease.
	default:
		// No lease, or the holder's lease expired.
	}

	next := leaderLease{Holder: l.id, AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}
	if ok && lease.Holder == l.id {
		next.AcquiredAt = lease.AcquiredAt
	}
	if err := l.writeLease(next); err != nil {
		l.logger.Warn("failed to write lease", "error", err)
		l.setLeader(false)
		return
	}
	// Confirm after the write: with concurrent takeovers the last rename wins.
	confirmed, ok := l.readLease()
	l.setLeader(ok && confirmed.Holder == l.id)
}

// refreshLeadership re-reads the lease after a watch event.
func (l *LeaderCoordinator) refreshLeadership() {
	lease, ok := l.readLease()
	now := l.now()
	l.setLeader(ok && lease.Holder == l.id && now.Before(lease.ExpiresAt))
}

func (l *LeaderCoordinator) setLeader(isLeader bool) {
	l.mu.Lock()
	changed := l.isLeader != isLeader
	l.isLeader = isLeader
	var subs []func(bool)
	if changed {
		for _, cb := range l.leaderSub {
			subs = append(subs, cb)
		}
	}
	l.mu.Unlock()
	if changed {
		l.logger.Info("leadership changed", "leader", isLeader, "id", l.id)
		for _, cb := range subs {
			cb(isLeader)
		}
	}
}

func (l *LeaderCoordinator) dispatchSyncDone(lastSeen time.Time) time.Time {
	data, err := os.ReadFile(filepath.Join(l.dir, syncDoneFileName))
	if err != nil {
		return lastSeen
	}
	var event syncDoneEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return lastSeen
	}
	if !event.At.After(lastSeen) {
		return lastSeen
	}
	l.mu.Lock()
	var subs []func(bool)
	for _, cb := range l.doneSub {
		subs = append(subs, cb)
	}
	l.mu.Unlock()
	for _, cb := range subs {
		cb(event.Success)
	}
	return event.At
}

func (l *LeaderCoordinator) leasePath() string {
	return filepath.Join(l.dir, leaseFileName)
}

func (l *LeaderCoordinator) readLease() (leaderLease, bool) {
	data, err := os.ReadFile(l.leasePath())
	if errors.Is(err, fs.ErrNotExist) {
		return leaderLease{}, false
	}
	if err != nil {
		return leaderLease{}, false
	}
	var lease leaderLease
	if err := json.Unmarshal(data, &lease); err != nil {
		// A torn or corrupt lease is treated as absent so takeover can proceed.
		return leaderLease{}, false
	}
	return lease, true
}

func (l *LeaderCoordinator) writeLease(lease leaderLease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%s.tmp", l.leasePath(), l.id)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.leasePath())
}

// release drops the lease on shutdown so followers can take over without
// waiting out the TTL.
func (l *LeaderCoordinator) release() {
	lease, ok := l.readLease()
	if !ok || lease.Holder != l.id {
		return
	}
	if err := os.Remove(l.leasePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("failed to release lease", "error", err)
	}
}
