// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

// Package bricksync is a client-resident, local-first data layer for
// recording ownership of catalog items. Writes land in an in-memory cache
// backed by SQLite, survive abrupt termination through a synchronous fallback
// snapshot, and reach the remote store through a durable outbound queue
// drained by a single elected leader instance.
package bricksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const metaClientID = "client_id"

// Config holds the tunables of the engine.
type Config struct {
	DataDir            string        `envconfig:"DATA_DIR" default:"./bricksync-data"`
	BaseURL            string        `envconfig:"BASE_URL"`
	BatchSize          int           `envconfig:"BATCH_SIZE" default:"50"`
	SyncInterval       time.Duration `envconfig:"SYNC_INTERVAL" default:"30s"`
	VisibleFlushWindow time.Duration `envconfig:"VISIBLE_FLUSH_WINDOW" default:"800ms"`
	HiddenFlushWindow  time.Duration `envconfig:"HIDDEN_FLUSH_WINDOW" default:"50ms"`
	LeaseTTL           time.Duration `envconfig:"LEASE_TTL" default:"10s"`
	CatalogTTL         time.Duration `envconfig:"CATALOG_TTL" default:"168h"`
	FailureThreshold   int           `envconfig:"FAILURE_THRESHOLD" default:"3"`
}

// DefaultConfig returns the stock configuration for one data directory.
func DefaultConfig(dataDir, baseURL string) *Config {
	return &Config{
		DataDir:            dataDir,
		BaseURL:            baseURL,
		BatchSize:          50,
		SyncInterval:       30 * time.Second,
		VisibleFlushWindow: 800 * time.Millisecond,
		HiddenFlushWindow:  50 * time.Millisecond,
		LeaseTTL:           10 * time.Second,
		CatalogTTL:         168 * time.Hour,
		FailureThreshold:   3,
	}
}

// LoadConfig reads BRICKSYNC_* environment variables, honoring a .env file
// when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("bricksync", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}

// Status is the observable steady-state of the engine. The UI watches these
// flags; sync problems never propagate as exceptions.
type Status struct {
	IsReady      bool   `json:"is_ready"`
	IsAvailable  bool   `json:"is_available"`
	PendingCount int    `json:"pending_count"`
	IsSyncing    bool   `json:"is_syncing"`
	LastError    string `json:"last_error,omitempty"`
	IsLeader     bool   `json:"is_leader"`
}

// Client is the engine facade: the command surface exposed to view-model
// callers, wiring the store, owned cache, sync queue/worker and leader
// coordination behind one lifecycle.
type Client struct {
	cfg       *Config
	logger    *slog.Logger
	store     *Store // nil when storage is unavailable
	cache     *OwnedCache
	worker    *SyncWorker
	leader    *LeaderCoordinator
	transport Transport
	cloud     CloudQuery
	clientID  string

	mu          sync.Mutex
	userID      string
	started     bool
	subscribers map[int]func(Status)
	nextSubID   int
	unsubscribe []func()
}

// ClientOptions carries optional collaborators; zero values get defaults.
type ClientOptions struct {
	Logger    *slog.Logger
	Token     TokenProvider
	Transport Transport   // overrides the HTTP transport (tests)
	Cloud     CloudQuery  // remote query collaborator, may be nil
	Online    OnlineProbe // nil assumes online
}

// NewClient opens the shared data directory and assembles the engine. A store
// that fails to open is not fatal: the client starts in memory-only mode and
// reports IsAvailable=false.
func NewClient(cfg *Config, opts ClientOptions) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := OpenStore(filepath.Join(cfg.DataDir, "bricksync.db"), logger)
	if err != nil {
		logger.Warn("persistent store unavailable, running memory-only", "error", err)
		store = nil
	}

	clientID, err := ensureClientID(context.Background(), store)
	if err != nil {
		logger.Warn("failed to persist client id, using ephemeral", "error", err)
		clientID = uuid.New().String()
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		clientID:    clientID,
		cloud:       opts.Cloud,
		subscribers: make(map[int]func(Status)),
	}

	c.transport = opts.Transport
	if c.transport == nil {
		c.transport = NewHTTPTransport(cfg.BaseURL, opts.Token)
	}

	c.cache = NewOwnedCache(OwnedCacheOptions{
		Store:            store,
		Queue:            boundQueue{c},
		Snapshot:         newSnapshotStore(defaultSnapshotPath(cfg.DataDir)),
		Policy:           DefaultFlushPolicy(cfg.VisibleFlushWindow, cfg.HiddenFlushWindow),
		Logger:           logger,
		FailureThreshold: cfg.FailureThreshold,
	})

	c.leader = NewLeaderCoordinator(LeaderOptions{
		Dir:    cfg.DataDir,
		ID:     clientID,
		TTL:    cfg.LeaseTTL,
		Logger: logger,
	})

	c.worker = NewSyncWorker(SyncWorkerOptions{
		Store:     store,
		Transport: c.transport,
		Leader:    c.leader,
		Online:    opts.Online,
		Logger:    logger,
		ClientID:  clientID,
		UserID:    c.currentUserID,
		BatchSize: cfg.BatchSize,
		Interval:  cfg.SyncInterval,
	})
	c.worker.SetStatusFunc(c.notifyStatus)

	if store != nil {
		if userID, ok, err := store.GetMeta(context.Background(), metaUserID); err == nil && ok {
			c.userID = userID
		}
	}
	return c, nil
}

// ensureClientID loads or creates the persisted per-installation id, in the
// manner of a source id: generated once, stable across sessions.
func ensureClientID(ctx context.Context, store *Store) (string, error) {
	if store == nil {
		return uuid.New().String(), nil
	}
	if id, ok, err := store.GetMeta(ctx, metaClientID); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	id := uuid.New().String()
	if err := store.SetMeta(ctx, metaClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Start replays any crash-safety snapshot, joins leader election and launches
// the periodic sync loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	// Snapshot replay must precede any hydration.
	if err := c.cache.ReconcileSnapshot(ctx); err != nil {
		c.logger.Warn("snapshot reconcile failed", "error", err)
	}

	// Register before Start so the initial acquisition also triggers a pass.
	unsub := c.leader.OnLeaderChange(func(isLeader bool) {
		c.notifyStatus()
		if isLeader {
			go func() {
				if err := c.worker.PerformSync(context.Background(), SyncOptions{}); err != nil {
					c.logger.Debug("on-leader sync failed", "error", err)
				}
			}()
		}
	})
	unsubDone := c.leader.OnSyncComplete(func(success bool) {
		c.notifyStatus()
	})
	c.mu.Lock()
	c.unsubscribe = append(c.unsubscribe, unsub, unsubDone)
	c.mu.Unlock()

	if err := c.leader.Start(); err != nil {
		c.logger.Warn("leader election unavailable, this instance will not sync unforced", "error", err)
	}

	c.worker.Start(ctx)

	unsubCache := c.cache.Subscribe(func() { c.notifyStatus() })
	c.mu.Lock()
	c.unsubscribe = append(c.unsubscribe, unsubCache)
	c.mu.Unlock()
	return nil
}

// Shutdown is the teardown path: synchronous snapshot, final flush, forced
// best-effort sync (bypassing the leadership gate so a closing leader does not
// strand unsynced data), lease release, store close.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.cache.SnapshotNow(); err != nil {
		c.logger.Warn("teardown snapshot failed", "error", err)
	}
	flushErr := c.cache.FlushNow(ctx)
	if err := c.worker.PerformSync(ctx, SyncOptions{Force: true, Keepalive: true}); err != nil &&
		!errors.Is(err, ErrStoreNotReady) {
		c.logger.Debug("teardown sync failed", "error", err)
	}
	c.worker.Stop()
	c.leader.Stop()
	c.mu.Lock()
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return err
		}
	}
	return flushErr
}

// --- Session ---

// SetSessionToken records the signed-in user derived from the session token.
// Switching users resets the in-memory cache so slow reads for the previous
// user cannot leak into the new session.
func (c *Client) SetSessionToken(ctx context.Context, token string) error {
	userID, err := UserIDFromToken(token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	changed := c.userID != "" && c.userID != userID
	c.userID = userID
	c.mu.Unlock()

	if changed {
		c.cache.Reset()
	}
	if c.store != nil {
		if err := c.store.SetMeta(ctx, metaUserID, userID); err != nil {
			c.logger.Warn("failed to persist user id", "error", err)
		}
	}
	c.notifyStatus()
	return nil
}

// SignOut clears the session and resets the cache (epoch bump).
func (c *Client) SignOut(ctx context.Context) {
	c.mu.Lock()
	c.userID = ""
	c.mu.Unlock()
	c.cache.Reset()
	if c.store != nil {
		if err := c.store.DeleteMeta(ctx, metaUserID); err != nil {
			c.logger.Warn("failed to clear user id", "error", err)
		}
	}
	c.notifyStatus()
}

func (c *Client) currentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// --- Command surface ---

// GetOwned returns the in-memory owned quantity (0 before hydration).
func (c *Client) GetOwned(setID, partKey string) int { return c.cache.GetOwned(setID, partKey) }

// SetOwned records an owned quantity; <= 0 removes the row.
func (c *Client) SetOwned(setID, partKey string, quantity int) {
	c.cache.SetOwned(setID, partKey, quantity)
}

// ClearAll removes every owned row of one set.
func (c *Client) ClearAll(setID string) { c.cache.ClearAll(setID) }

// MarkAllAsOwned applies a batch of quantities to one set.
func (c *Client) MarkAllAsOwned(setID string, keys []string, quantities []int) {
	c.cache.MarkAllAsOwned(setID, keys, quantities)
}

// Hydrate merges persisted rows for one set into memory (idempotent,
// de-duplicated).
func (c *Client) Hydrate(ctx context.Context, setID string) error {
	return c.cache.Hydrate(ctx, setID)
}

// IsHydrated reports whether a set has been hydrated.
func (c *Client) IsHydrated(setID string) bool { return c.cache.IsHydrated(setID) }

// StorageAvailable reports whether persistence is currently guaranteed.
func (c *Client) StorageAvailable() bool { return c.cache.StorageAvailable() }

// Version exposes the cache's re-render counter.
func (c *Client) Version() int64 { return c.cache.Version() }

// SetVisibility feeds the embedding application's foreground state into the
// flush policy and the sync triggers.
func (c *Client) SetVisibility(ctx context.Context, v Visibility) {
	c.cache.SetVisibility(v)
	c.worker.OnVisibilityChange(ctx, v)
}

// SyncNow flushes pending writes and forces one sync pass from this instance,
// regardless of leadership (the user asked this instance explicitly).
func (c *Client) SyncNow(ctx context.Context) error {
	if err := c.cache.FlushNow(ctx); err != nil {
		c.logger.Warn("pre-sync flush failed", "error", err)
	}
	return c.worker.PerformSync(ctx, SyncOptions{Force: true})
}

// Status assembles the observable engine state.
func (c *Client) Status(ctx context.Context) Status {
	st := Status{
		IsReady:     true,
		IsAvailable: c.cache.StorageAvailable(),
		IsSyncing:   c.worker.IsSyncing(),
		LastError:   c.worker.LastError(),
		IsLeader:    c.leader.ShouldSync(),
	}
	if c.store != nil {
		if count, err := c.store.PendingCount(ctx, c.currentUserID()); err == nil {
			st.PendingCount = count
		}
	}
	st.PendingCount += c.cache.PendingSets()
	return st
}

// Subscribe registers a status observer; returns an unsubscribe func.
func (c *Client) Subscribe(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Client) notifyStatus() {
	c.mu.Lock()
	subs := make([]func(Status), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	st := c.Status(context.Background())
	for _, fn := range subs {
		fn(st)
	}
}

// --- Derived completion view ---

// CompletionStats computes the merged partial-completion view: local
// aggregates joined with the remote owned counts and enriched with display
// metadata. With no remote collaborator configured the view is local-only.
func (c *Client) CompletionStats(ctx context.Context) ([]CompletionStat, error) {
	if c.store == nil {
		return nil, ErrStoreNotReady
	}
	sets, err := c.store.OwnedSets(ctx)
	if err != nil {
		return nil, err
	}
	local, err := AggregateLocalStats(ctx, c.store, sets)
	if err != nil {
		return nil, err
	}

	localTotals := make(map[string]int, len(local))
	for _, stat := range local {
		if stat.TotalParts > 0 {
			localTotals[stat.ID] = stat.TotalParts
		}
	}

	cloudOwned := map[string]int{}
	cloudMeta := map[string]CloudItemMeta{}
	if c.cloud != nil {
		userID := c.currentUserID()
		if userID != "" {
			if cloudOwned, err = c.cloud.FetchOwnedAggregates(ctx, userID); err != nil {
				// Remote unavailability degrades to the local view.
				c.logger.Warn("cloud owned aggregates unavailable", "error", err)
				cloudOwned = map[string]int{}
			}
			var cloudOnly []string
			for id := range cloudOwned {
				if _, ok := localTotals[id]; !ok {
					cloudOnly = append(cloudOnly, id)
				}
			}
			allIDs := make([]string, 0, len(cloudOnly)+len(local))
			allIDs = append(allIDs, cloudOnly...)
			for _, stat := range local {
				allIDs = append(allIDs, stat.ID)
			}
			if cloudMeta, err = c.cloud.FetchItemMeta(ctx, allIDs); err != nil {
				c.logger.Warn("cloud item metadata unavailable", "error", err)
				cloudMeta = map[string]CloudItemMeta{}
			}
		}
	}

	merged := MergeCompletionStats(local, cloudOwned, cloudMeta, localTotals)

	recent, err := c.recentDisplayMeta(ctx)
	if err != nil {
		c.logger.Debug("recently-viewed metadata unavailable", "error", err)
		recent = map[string]DisplayMeta{}
	}
	catalog := make(map[string]DisplayMeta, len(merged))
	for _, stat := range merged {
		meta, err := CatalogDisplayMeta(ctx, c.store, stat.ID)
		if err != nil {
			continue
		}
		for id, m := range meta {
			catalog[id] = m
		}
	}
	return EnrichStats(merged, cloudMeta, recent, catalog), nil
}

// CatalogFresh reports whether the cached catalog rows for one scope are
// still inside the configured TTL. Callers refetch before trusting stale rows.
func (c *Client) CatalogFresh(ctx context.Context, kind CatalogKind, scopeID string) (bool, error) {
	if c.store == nil {
		return false, ErrStoreNotReady
	}
	return c.store.CatalogFresh(ctx, kind, scopeID, c.cfg.CatalogTTL, time.Now())
}

// RecordView notes that the user looked at a set, feeding the recently-viewed
// cache that the completion view uses for display metadata.
func (c *Client) RecordView(ctx context.Context, set SetPayload) error {
	if c.store == nil {
		return ErrStoreNotReady
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal viewed set: %w", err)
	}
	return c.store.PutRecentlyViewed(ctx, RecentItem{
		ItemID:  set.SetID,
		Kind:    KindSet,
		Payload: payload,
	})
}

func (c *Client) recentDisplayMeta(ctx context.Context) (map[string]DisplayMeta, error) {
	items, err := c.store.RecentlyViewed(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]DisplayMeta, len(items))
	for _, item := range items {
		var set SetPayload
		if err := json.Unmarshal(item.Payload, &set); err != nil {
			continue
		}
		out[item.ItemID] = DisplayMeta{Name: set.Name, Year: set.Year, ImageURL: set.ImageURL}
	}
	return out, nil
}

// boundQueue adapts the durable queue to the owned cache, binding the current
// user and client ids at enqueue time. Anonymous sessions persist locally but
// enqueue nothing; there is no user to sync as.
type boundQueue struct{ c *Client }

func (b boundQueue) Enqueue(ctx context.Context, op Operation) error {
	if b.c.store == nil {
		return ErrStoreNotReady
	}
	userID := b.c.currentUserID()
	if userID == "" {
		return nil
	}
	return b.c.store.EnqueueOperation(ctx, userID, b.c.clientID, op)
}
