// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func testToken(t *testing.T, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func newTestClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	cfg := DefaultConfig(t.TempDir(), "http://remote.example")
	// Long windows keep scheduled flushes out of the way; tests flush
	// explicitly through SyncNow/Shutdown.
	cfg.VisibleFlushWindow = time.Hour
	cfg.HiddenFlushWindow = time.Hour
	cfg.SyncInterval = time.Hour

	client, err := NewClient(cfg, ClientOptions{Logger: testLogger(), Transport: transport})
	require.NoError(t, err)
	return client
}

func TestUserIDFromToken(t *testing.T) {
	sub, err := UserIDFromToken(testToken(t, "user-42"))
	require.NoError(t, err)
	require.Equal(t, "user-42", sub)

	_, err = UserIDFromToken("not-a-token")
	require.Error(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = UserIDFromToken(noSub)
	require.Error(t, err)
}

func TestClientEndToEndSync(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport)
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	require.NoError(t, client.SetSessionToken(ctx, testToken(t, "user-1")))
	require.NoError(t, client.Hydrate(ctx, "75192-1"))

	client.SetOwned("75192-1", "3001-5", 4)
	client.SetOwned("75192-1", "3002-1", 2)
	require.Equal(t, 4, client.GetOwned("75192-1", "3001-5"))

	require.NoError(t, client.SyncNow(ctx))

	require.Equal(t, 1, transport.submitCount())
	require.Len(t, transport.submits[0].Operations, 2)
	require.Equal(t, "owned_parts", transport.submits[0].Operations[0].Table)

	st := client.Status(ctx)
	require.True(t, st.IsReady)
	require.True(t, st.IsAvailable)
	require.Zero(t, st.PendingCount)
	require.Empty(t, st.LastError)
	require.False(t, st.IsSyncing)
}

func TestClientPersistsAcrossSessions(t *testing.T) {
	cfg := DefaultConfig(t.TempDir(), "http://remote.example")
	cfg.VisibleFlushWindow = time.Hour
	cfg.SyncInterval = time.Hour
	transport := &fakeTransport{}
	ctx := context.Background()

	client1, err := NewClient(cfg, ClientOptions{Logger: testLogger(), Transport: transport})
	require.NoError(t, err)
	require.NoError(t, client1.Start(ctx))
	require.NoError(t, client1.SetSessionToken(ctx, testToken(t, "user-1")))
	client1.SetOwned("75192-1", "3001-5", 4)
	require.NoError(t, client1.Shutdown(ctx))

	// Teardown uses the one-way transport for whatever was still queued.
	require.Equal(t, 1, transport.beaconCount())

	client2, err := NewClient(cfg, ClientOptions{Logger: testLogger(), Transport: transport})
	require.NoError(t, err)
	require.NoError(t, client2.Start(ctx))
	defer client2.Shutdown(ctx)

	// The stored user id survives the restart.
	require.Equal(t, "user-1", client2.currentUserID())

	require.NoError(t, client2.Hydrate(ctx, "75192-1"))
	require.Equal(t, 4, client2.GetOwned("75192-1", "3001-5"))
}

func TestClientStatusSubscription(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	statusCh := make(chan Status, 16)
	unsubscribe := client.Subscribe(func(st Status) {
		select {
		case statusCh <- st:
		default:
		}
	})
	defer unsubscribe()

	client.SetOwned("75192-1", "3001-5", 1)

	select {
	case <-statusCh:
	case <-time.After(waitLong):
		t.Fatal("expected a status notification after a write")
	}
}

func TestClientSignOutResetsCache(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	require.NoError(t, client.SetSessionToken(ctx, testToken(t, "user-1")))
	client.SetOwned("75192-1", "3001-5", 4)
	client.SignOut(ctx)

	require.Equal(t, 0, client.GetOwned("75192-1", "3001-5"))
	require.Empty(t, client.currentUserID())
}

func TestClientHiddenVisibilityFlushesBestEffort(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport)
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	require.NoError(t, client.SetSessionToken(ctx, testToken(t, "user-1")))
	client.SetOwned("75192-1", "3001-5", 4)
	// Queue rows only exist after a flush; hide paths snapshot first and the
	// forced keepalive pass picks up whatever is durable.
	require.NoError(t, client.cache.FlushNow(ctx))

	client.SetVisibility(ctx, Hidden)
	require.Equal(t, 1, transport.beaconCount(), "hidden transition fires a forced best-effort pass")
	require.Zero(t, transport.submitCount())
}

func TestCompletionStatsLocalOnly(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	store := client.store
	partPayload, err := json.Marshal(SetPartPayload{PartKey: "3001-5", QuantityRequired: 10})
	require.NoError(t, err)
	require.NoError(t, store.PutCatalogRows(ctx, KindSetPart, "75192-1", []CatalogRow{
		{ItemKey: "3001-5", Payload: partPayload},
	}))
	setPayload, err := json.Marshal(SetPayload{SetID: "75192-1", Name: "Millennium Falcon", Year: 2017})
	require.NoError(t, err)
	require.NoError(t, store.PutCatalogRows(ctx, KindSet, "75192-1", []CatalogRow{
		{ItemKey: "75192-1", Payload: setPayload},
	}))

	require.NoError(t, client.SetSessionToken(ctx, testToken(t, "user-1")))
	require.NoError(t, client.Hydrate(ctx, "75192-1"))
	client.SetOwned("75192-1", "3001-5", 3)
	require.NoError(t, client.cache.FlushNow(ctx))

	stats, err := client.CompletionStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "75192-1", stats[0].ID)
	require.Equal(t, 3, stats[0].OwnedCount)
	require.Equal(t, 10, stats[0].TotalParts)
	require.Equal(t, "Millennium Falcon", stats[0].Name)
}

// fakeCloud serves canned remote aggregates and metadata.
type fakeCloud struct {
	owned map[string]int
	meta  map[string]CloudItemMeta
}

func (f *fakeCloud) FetchOwnedAggregates(context.Context, string) (map[string]int, error) {
	return f.owned, nil
}

func (f *fakeCloud) FetchItemMeta(context.Context, []string) (map[string]CloudItemMeta, error) {
	return f.meta, nil
}

func TestCompletionStatsResolvesUncataloguedSetFromCloud(t *testing.T) {
	cloud := &fakeCloud{
		owned: map[string]int{"10295-1": 50},
		meta:  map[string]CloudItemMeta{"10295-1": {TotalParts: 1400, Name: "Creator Bookshop"}},
	}
	cfg := DefaultConfig(t.TempDir(), "http://remote.example")
	cfg.VisibleFlushWindow = time.Hour
	cfg.SyncInterval = time.Hour
	client, err := NewClient(cfg, ClientOptions{
		Logger:    testLogger(),
		Transport: &fakeTransport{},
		Cloud:     cloud,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	require.NoError(t, client.SetSessionToken(ctx, testToken(t, "user-1")))
	require.NoError(t, client.Hydrate(ctx, "10295-1"))

	// Owned locally but never catalogued: the set's size is only known remotely.
	client.SetOwned("10295-1", "3001-5", 3)
	require.NoError(t, client.cache.FlushNow(ctx))

	stats, err := client.CompletionStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "10295-1", stats[0].ID)
	require.Equal(t, 1400, stats[0].TotalParts)
	require.Equal(t, 50, stats[0].OwnedCount)
	require.Equal(t, "Creator Bookshop", stats[0].Name)
}

func TestRecordViewFeedsEnrichment(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	partPayload, err := json.Marshal(SetPartPayload{PartKey: "3001-5", QuantityRequired: 10})
	require.NoError(t, err)
	require.NoError(t, client.store.PutCatalogRows(ctx, KindSetPart, "75192-1", []CatalogRow{
		{ItemKey: "3001-5", Payload: partPayload},
	}))

	require.NoError(t, client.RecordView(ctx, SetPayload{SetID: "75192-1", Name: "Millennium Falcon", Year: 2017}))

	require.NoError(t, client.SetSessionToken(ctx, testToken(t, "user-1")))
	require.NoError(t, client.Hydrate(ctx, "75192-1"))
	client.SetOwned("75192-1", "3001-5", 3)
	require.NoError(t, client.cache.FlushNow(ctx))

	stats, err := client.CompletionStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "Millennium Falcon", stats[0].Name)
	require.Equal(t, 2017, stats[0].Year)
}

func TestCatalogFreshUsesConfiguredTTL(t *testing.T) {
	client := newTestClient(t, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	payload, err := json.Marshal(SetPartPayload{PartKey: "3001-5", QuantityRequired: 4})
	require.NoError(t, err)
	require.NoError(t, client.store.PutCatalogRows(ctx, KindSetPart, "75192-1", []CatalogRow{
		{ItemKey: "3001-5", Payload: payload},
	}))

	fresh, err := client.CatalogFresh(ctx, KindSetPart, "75192-1")
	require.NoError(t, err)
	require.True(t, fresh)

	// The same rows go stale once the configured TTL shrinks under their age.
	client.cfg.CatalogTTL = time.Nanosecond
	fresh, err = client.CatalogFresh(ctx, KindSetPart, "75192-1")
	require.NoError(t, err)
	require.False(t, fresh)

	fresh, err = client.CatalogFresh(ctx, KindSetPart, "00000-0")
	require.NoError(t, err)
	require.False(t, fresh, "a scope never cached is never fresh")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BRICKSYNC_DATA_DIR", "/tmp/bricks")
	t.Setenv("BRICKSYNC_BATCH_SIZE", "7")
	t.Setenv("BRICKSYNC_SYNC_INTERVAL", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "/tmp/bricks", cfg.DataDir)
	require.Equal(t, 7, cfg.BatchSize)
	require.Equal(t, 5*time.Second, cfg.SyncInterval)
	require.Equal(t, 3, cfg.FailureThreshold)
}
