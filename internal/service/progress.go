package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
)

// statusCheckLimit caps how many status checks are listed
const statusCheckLimit = 1000

// Store is the document store holding player progress
type Store interface {
	Ping(ctx context.Context) error
	FindByName(ctx context.Context, playerName string) (*domain.PlayerProgress, error)
	FindByID(ctx context.Context, playerID string) (*domain.PlayerProgress, error)
	Insert(ctx context.Context, progress *domain.PlayerProgress) error
	UpdateFields(ctx context.Context, playerID string, update domain.ProgressUpdate, updatedAt time.Time) error
	TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	RecordCompletion(ctx context.Context, completion domain.LevelCompletion, totalScore int64, at time.Time) error
	CreateStatusCheck(ctx context.Context, check domain.StatusCheck) error
	ListStatusChecks(ctx context.Context, limit int) ([]domain.StatusCheck, error)
}

// LeaderboardCache is a realtime copy of the leaderboard used for rank
// lookups. It is never read in place of the store.
type LeaderboardCache interface {
	SetEntry(ctx context.Context, entry domain.LeaderboardEntry) error
	GetPlayerRank(ctx context.Context, playerID string) (*domain.LeaderboardEntry, error)
}

// Broadcaster pushes progress changes to connected clients
type Broadcaster interface {
	BroadcastProgressUpdate(progress *domain.PlayerProgress, unlocked []string)
	BroadcastLeaderboardUpdate(entry domain.LeaderboardEntry)
}

// ProgressService provides business logic for player progress
type ProgressService struct {
	store  Store
	cache  LeaderboardCache
	hub    Broadcaster
	config *config.LeaderboardConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewProgressService creates a new progress service
func NewProgressService(store Store, cfg *config.LeaderboardConfig, logger *slog.Logger) *ProgressService {
	return &ProgressService{
		store:  store,
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetCache enables the realtime leaderboard cache
func (s *ProgressService) SetCache(cache LeaderboardCache) {
	s.cache = cache
}

// SetHub sets the broadcaster notified after each level completion
func (s *ProgressService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// Ping checks that the store is reachable
func (s *ProgressService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreatePlayer returns the existing progress for playerName, or creates it.
// Calling it again with the same name never resets progress.
func (s *ProgressService) CreatePlayer(ctx context.Context, playerName string) (*domain.PlayerProgress, error) {
	existing, err := s.store.FindByName(ctx, playerName)
	if err == nil {
		return existing, nil
	}
	if !domain.IsNotFoundError(err) {
		return nil, fmt.Errorf("finding player: %w", err)
	}

	progress := domain.NewPlayerProgress(playerName, s.now())
	if err := s.store.Insert(ctx, progress); err != nil {
		return nil, fmt.Errorf("creating player: %w", err)
	}

	s.logger.Info("player created", "player_id", progress.ID, "player_name", playerName)
	s.cacheEntry(ctx, progress)
	return progress, nil
}

// GetProgress returns the progress stored for playerName
func (s *ProgressService) GetProgress(ctx context.Context, playerName string) (*domain.PlayerProgress, error) {
	progress, err := s.store.FindByName(ctx, playerName)
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}
	return progress, nil
}

// UpdateProgress merges the present fields of update into the player's
// record and refreshes updated_at
func (s *ProgressService) UpdateProgress(ctx context.Context, playerID string, update domain.ProgressUpdate) error {
	if err := s.store.UpdateFields(ctx, playerID, update, s.now()); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}

	if s.cache != nil {
		progress, err := s.store.FindByID(ctx, playerID)
		if err != nil {
			s.logger.Warn("failed to reload progress for cache", "player_id", playerID, "error", err)
			return nil
		}
		s.cacheEntry(ctx, progress)
	}
	return nil
}

// CompleteLevel applies a level completion to the player's progress and
// persists every derived field in one update.
//
// The read and the write are not synchronized: two concurrent completions
// for the same player may interleave and the last write wins.
func (s *ProgressService) CompleteLevel(ctx context.Context, completion domain.LevelCompletion) (*domain.CompletionResult, error) {
	progress, err := s.store.FindByID(ctx, completion.PlayerID)
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	unlocked := progress.ApplyCompletion(completion)
	now := s.now()
	if err := s.store.UpdateFields(ctx, progress.ID, progress.CompletionUpdate(), now); err != nil {
		return nil, fmt.Errorf("saving progress: %w", err)
	}
	progress.UpdatedAt = now

	s.logger.Info("level completed",
		"player_id", progress.ID,
		"level_number", completion.LevelNumber,
		"score", completion.Score,
		"total_score", progress.TotalScore,
		"new_achievements", unlocked,
	)

	if err := s.store.RecordCompletion(ctx, completion, progress.TotalScore, now); err != nil {
		// Don't fail the request if audit recording fails
		s.logger.Warn("failed to record completion", "player_id", progress.ID, "error", err)
	}

	entry := progress.LeaderboardEntry()
	if s.cacheEntry(ctx, progress) {
		if ranked, err := s.cache.GetPlayerRank(ctx, progress.ID); err == nil {
			entry.Rank = ranked.Rank
		}
	}
	if s.hub != nil {
		s.hub.BroadcastProgressUpdate(progress, unlocked)
		s.hub.BroadcastLeaderboardUpdate(entry)
	}

	return &domain.CompletionResult{
		TotalScore:      progress.TotalScore,
		NewAchievements: unlocked,
		Progress:        progress,
	}, nil
}

// Leaderboard returns up to limit players by total score, highest first,
// read from the store. A non-positive limit uses the configured default.
func (s *ProgressService) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	// Validate limit
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}

	entries, err := s.store.TopScores(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("getting top scores: %w", err)
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	return entries, nil
}

// CreateStatusCheck records a client status check
func (s *ProgressService) CreateStatusCheck(ctx context.Context, clientName string) (*domain.StatusCheck, error) {
	check := domain.NewStatusCheck(clientName, s.now())
	if err := s.store.CreateStatusCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("creating status check: %w", err)
	}
	return &check, nil
}

// ListStatusChecks returns stored status checks
func (s *ProgressService) ListStatusChecks(ctx context.Context) ([]domain.StatusCheck, error) {
	checks, err := s.store.ListStatusChecks(ctx, statusCheckLimit)
	if err != nil {
		return nil, fmt.Errorf("listing status checks: %w", err)
	}
	if checks == nil {
		checks = []domain.StatusCheck{}
	}
	return checks, nil
}

// cacheEntry writes the player's leaderboard entry to the cache, if one is
// configured. It reports whether the write happened.
func (s *ProgressService) cacheEntry(ctx context.Context, progress *domain.PlayerProgress) bool {
	if s.cache == nil {
		return false
	}
	if err := s.cache.SetEntry(ctx, progress.LeaderboardEntry()); err != nil {
		s.logger.Warn("failed to update leaderboard cache", "player_id", progress.ID, "error", err)
		return false
	}
	return true
}
