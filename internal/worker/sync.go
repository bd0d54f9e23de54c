package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
)

// EntrySource pages through every stored player as leaderboard entries
type EntrySource interface {
	ListEntries(ctx context.Context, offset, limit int) ([]domain.LeaderboardEntry, error)
}

// EntryCache is rebuilt from the full set of entries on every sync
type EntryCache interface {
	ReplaceEntries(ctx context.Context, entries []domain.LeaderboardEntry) error
	GetCount(ctx context.Context) (int64, error)
}

// SyncWorker rebuilds the Redis leaderboard cache from the progress store
type SyncWorker struct {
	cache   EntryCache
	source  EntrySource
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	cache EntryCache,
	source EntrySource,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		cache:  cache,
		source: source,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// SyncFromStore pages through every stored player and replaces the cache
// with exactly that set. It returns the number of entries written.
func (w *SyncWorker) SyncFromStore(ctx context.Context) (int, error) {
	batchSize := w.config.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var all []domain.LeaderboardEntry
	for offset := 0; ; offset += batchSize {
		entries, err := w.source.ListEntries(ctx, offset, batchSize)
		if err != nil {
			return 0, fmt.Errorf("listing entries at offset %d: %w", offset, err)
		}
		all = append(all, entries...)
		if len(entries) < batchSize {
			break
		}
	}

	if err := w.cache.ReplaceEntries(ctx, all); err != nil {
		return 0, fmt.Errorf("writing entries to cache: %w", err)
	}
	return len(all), nil
}

// RunOnce runs a single sync cycle (useful for manual triggers)
func (w *SyncWorker) RunOnce(ctx context.Context) {
	w.logger.Info("starting sync cycle")
	startTime := time.Now()

	synced, err := w.SyncFromStore(ctx)
	if err != nil {
		w.logger.Error("sync cycle failed", "synced", synced, "error", err)
		return
	}

	cached, err := w.cache.GetCount(ctx)
	if err != nil {
		w.logger.Warn("failed to count cached entries", "error", err)
	}

	w.logger.Info("sync cycle completed",
		"duration", time.Since(startTime),
		"synced", synced,
		"cached", cached,
	)
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
