package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
)

const (
	leaderboardKey = "leaderboard:progress:realtime"
	rebuildKey     = leaderboardKey + ":rebuild"
)

// LeaderboardService keeps a realtime copy of the progress leaderboard in a
// Redis sorted set, with a per-player hash holding display fields
type LeaderboardService struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLeaderboardService creates a new Redis leaderboard service
func NewLeaderboardService(cfg *config.RedisConfig, logger *slog.Logger) (*LeaderboardService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewLeaderboardServiceWithClient(client, logger), nil
}

// NewLeaderboardServiceWithClient wraps an existing client
func NewLeaderboardServiceWithClient(client *redis.Client, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *LeaderboardService) Close() error {
	return s.client.Close()
}

// playerInfoKey returns the Redis key for the player display cache
func (s *LeaderboardService) playerInfoKey(playerID string) string {
	return fmt.Sprintf("player:%s:info", playerID)
}

// SetEntry writes a player's total score and display fields
func (s *LeaderboardService) SetEntry(ctx context.Context, entry domain.LeaderboardEntry) error {
	return s.BatchSetEntries(ctx, []domain.LeaderboardEntry{entry})
}

// BatchSetEntries writes several entries using one pipeline
func (s *LeaderboardService) BatchSetEntries(ctx context.Context, entries []domain.LeaderboardEntry) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.addEntries(ctx, pipe, leaderboardKey, entries)
	})
	if err != nil {
		return fmt.Errorf("setting leaderboard entries: %w", err)
	}
	return nil
}

// ReplaceEntries rebuilds the leaderboard from entries under a scratch key
// and renames it over the live key in one transaction. Players missing from
// entries drop out of the leaderboard.
func (s *LeaderboardService) ReplaceEntries(ctx context.Context, entries []domain.LeaderboardEntry) error {
	if len(entries) == 0 {
		if err := s.client.Del(ctx, leaderboardKey).Err(); err != nil {
			return fmt.Errorf("clearing leaderboard: %w", err)
		}
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rebuildKey)
		if err := s.addEntries(ctx, pipe, rebuildKey, entries); err != nil {
			return err
		}
		pipe.Rename(ctx, rebuildKey, leaderboardKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replacing leaderboard: %w", err)
	}
	return nil
}

// addEntries queues the sorted set member and info hash of each entry
func (s *LeaderboardService) addEntries(ctx context.Context, pipe redis.Pipeliner, key string, entries []domain.LeaderboardEntry) error {
	for _, entry := range entries {
		levels, err := json.Marshal(levelsOrEmpty(entry.LevelsCompleted))
		if err != nil {
			return fmt.Errorf("marshaling levels: %w", err)
		}
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(entry.TotalScore),
			Member: entry.PlayerID,
		})
		pipe.HSet(ctx, s.playerInfoKey(entry.PlayerID),
			"player_name", entry.PlayerName,
			"levels_completed", string(levels),
		)
	}
	return nil
}

// GetPlayerRank returns a player's rank and score
func (s *LeaderboardService) GetPlayerRank(ctx context.Context, playerID string) (*domain.LeaderboardEntry, error) {
	// Use pipeline to get both rank and score
	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, leaderboardKey, playerID)
	scoreCmd := pipe.ZScore(ctx, leaderboardKey, playerID)
	nameCmd := pipe.HGet(ctx, s.playerInfoKey(playerID), "player_name")
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting player rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}

	return &domain.LeaderboardEntry{
		Rank:       rank + 1, // Convert 0-indexed to 1-indexed
		PlayerID:   playerID,
		PlayerName: nameCmd.Val(),
		TotalScore: int64(scoreCmd.Val()),
	}, nil
}

// GetCount returns the number of players in the cached leaderboard
func (s *LeaderboardService) GetCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, leaderboardKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

func levelsOrEmpty(levels []int) []int {
	if levels == nil {
		return []int{}
	}
	return levels
}
