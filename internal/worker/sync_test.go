package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
	"github.com/game-progress/internal/memstore"
	"github.com/game-progress/internal/redis"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedStore(t *testing.T, store *memstore.Store, scores ...int64) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, score := range scores {
		p := domain.NewPlayerProgress(string(rune('A'+i)), now)
		p.TotalScore = score
		require.NoError(t, store.Insert(context.Background(), p))
	}
}

func newCache(t *testing.T) (*redis.LeaderboardService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redis.NewLeaderboardServiceWithClient(client, discardLogger()), mr
}

func TestSyncFromStore_PagesEveryEntry(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seedStore(t, store, 10, 50, 30, 20, 40)
	cache, _ := newCache(t)

	w := NewSyncWorker(cache, store, &config.SyncConfig{BatchSize: 2, Interval: time.Minute}, discardLogger())
	synced, err := w.SyncFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, synced)

	count, err := cache.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	leaders, err := store.TopScores(ctx, 1)
	require.NoError(t, err)
	top, err := cache.GetPlayerRank(ctx, leaders[0].PlayerID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), top.Rank)
	assert.Equal(t, int64(50), top.TotalScore)
	assert.Equal(t, "B", top.PlayerName)
}

func TestSyncFromStore_DropsPlayersMissingFromStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seedStore(t, store, 10, 20)
	cache, _ := newCache(t)

	require.NoError(t, cache.SetEntry(ctx, domain.LeaderboardEntry{PlayerID: "from-before-restart", PlayerName: "Old", TotalScore: 999}))

	w := NewSyncWorker(cache, store, &config.SyncConfig{BatchSize: 10}, discardLogger())
	synced, err := w.SyncFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, synced)

	count, err := cache.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = cache.GetPlayerRank(ctx, "from-before-restart")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}

func TestSyncFromStore_EmptyStore(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)
	require.NoError(t, cache.SetEntry(ctx, domain.LeaderboardEntry{PlayerID: "stale", TotalScore: 5}))

	w := NewSyncWorker(cache, memstore.New(), &config.SyncConfig{}, discardLogger())
	synced, err := w.SyncFromStore(ctx)
	require.NoError(t, err)
	assert.Zero(t, synced)

	count, err := cache.GetCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

type failingSource struct{}

func (failingSource) ListEntries(context.Context, int, int) ([]domain.LeaderboardEntry, error) {
	return nil, domain.StoreError("listing entries", errors.New("connection refused"))
}

func TestSyncFromStore_SourceError(t *testing.T) {
	cache, _ := newCache(t)
	w := NewSyncWorker(cache, failingSource{}, &config.SyncConfig{BatchSize: 10}, discardLogger())

	_, err := w.SyncFromStore(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsUnavailableError(err))
}

func TestSyncFromStore_CacheDown(t *testing.T) {
	store := memstore.New()
	seedStore(t, store, 10)
	cache, mr := newCache(t)
	mr.Close()

	w := NewSyncWorker(cache, store, &config.SyncConfig{BatchSize: 10}, discardLogger())
	synced, err := w.SyncFromStore(context.Background())
	require.Error(t, err)
	assert.Zero(t, synced)
}

func TestSyncWorker_StartStop(t *testing.T) {
	store := memstore.New()
	seedStore(t, store, 10, 20)
	cache, _ := newCache(t)

	w := NewSyncWorker(cache, store, &config.SyncConfig{BatchSize: 10, Interval: 10 * time.Millisecond}, discardLogger())
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	require.Eventually(t, func() bool {
		count, err := cache.GetCount(context.Background())
		return err == nil && count == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}
