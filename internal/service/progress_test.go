package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
	"github.com/game-progress/internal/memstore"
	"github.com/game-progress/internal/redis"
)

type recordingHub struct {
	mu          sync.Mutex
	progress    []*domain.PlayerProgress
	unlocked    [][]string
	leaderboard []domain.LeaderboardEntry
}

func (h *recordingHub) BroadcastProgressUpdate(progress *domain.PlayerProgress, unlocked []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, progress)
	h.unlocked = append(h.unlocked, unlocked)
}

func (h *recordingHub) BroadcastLeaderboardUpdate(entry domain.LeaderboardEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaderboard = append(h.leaderboard, entry)
}

// failingStore makes every call fail as if the database were down
type failingStore struct {
	*memstore.Store
}

var errDown = domain.StoreError("dial", errors.New("connection refused"))

func (failingStore) FindByName(context.Context, string) (*domain.PlayerProgress, error) {
	return nil, errDown
}

func (failingStore) FindByID(context.Context, string) (*domain.PlayerProgress, error) {
	return nil, errDown
}

func (failingStore) TopScores(context.Context, int) ([]domain.LeaderboardEntry, error) {
	return nil, errDown
}

type ProgressServiceTestSuite struct {
	suite.Suite
	ctx     context.Context
	store   *memstore.Store
	hub     *recordingHub
	service *ProgressService
	clock   time.Time
}

func (s *ProgressServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memstore.New()
	s.hub = &recordingHub{}
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.service = NewProgressService(s.store, &config.LeaderboardConfig{DefaultLimit: 10, MaxLimit: 100}, discardLogger())
	s.service.now = func() time.Time {
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}
	s.service.SetHub(s.hub)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProgressServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ProgressServiceTestSuite))
}

func (s *ProgressServiceTestSuite) TestCreatePlayerIsIdempotent() {
	first, err := s.service.CreatePlayer(s.ctx, "Killa")
	s.Require().NoError(err)

	_, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: first.ID, LevelNumber: 1, Score: 60})
	s.Require().NoError(err)

	second, err := s.service.CreatePlayer(s.ctx, "Killa")
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(int64(60), second.TotalScore)
	s.Equal(2, second.CurrentLevel)
	s.Equal([]string{domain.AchievementFirstLevel}, second.Achievements)
}

func (s *ProgressServiceTestSuite) TestGetProgressNotFound() {
	_, err := s.service.GetProgress(s.ctx, "ghost")
	s.ErrorIs(err, domain.ErrPlayerNotFound)
}

func (s *ProgressServiceTestSuite) TestCompleteLevelUnlocksAchievements() {
	p, err := s.service.CreatePlayer(s.ctx, "Inti")
	s.Require().NoError(err)

	result, err := s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: p.ID, LevelNumber: 1, Score: 50})
	s.Require().NoError(err)
	s.Equal(int64(50), result.TotalScore)
	s.Equal([]string{domain.AchievementFirstLevel}, result.NewAchievements)

	result, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: p.ID, LevelNumber: 1, Score: 150})
	s.Require().NoError(err)
	s.Equal(int64(150), result.TotalScore)
	s.Equal([]string{domain.AchievementHighScorer}, result.NewAchievements)

	stored, err := s.service.GetProgress(s.ctx, "Inti")
	s.Require().NoError(err)
	s.ElementsMatch([]string{domain.AchievementFirstLevel, domain.AchievementHighScorer}, stored.Achievements)
	s.Equal(int64(150), stored.LevelScores[1])
	s.Equal([]int{1}, stored.LevelsCompleted)
	s.True(stored.UpdatedAt.After(stored.CreatedAt))

	s.Len(s.hub.progress, 2)
	s.Len(s.hub.leaderboard, 2)
	s.Equal(int64(150), s.hub.leaderboard[1].TotalScore)
	s.Len(s.store.Completions(), 2)
}

func (s *ProgressServiceTestSuite) TestCompleteLevelGameMaster() {
	p, err := s.service.CreatePlayer(s.ctx, "Sami")
	s.Require().NoError(err)

	for level := 1; level <= 5; level++ {
		_, err := s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: p.ID, LevelNumber: level, Score: 20})
		s.Require().NoError(err)
	}

	stored, err := s.service.GetProgress(s.ctx, "Sami")
	s.Require().NoError(err)
	s.Contains(stored.Achievements, domain.AchievementGameMaster)
	s.Len(stored.LevelsCompleted, 5)
	s.Equal(int64(100), stored.TotalScore)
	s.Equal(6, stored.CurrentLevel)
}

func (s *ProgressServiceTestSuite) TestCompleteLevelUnknownPlayer() {
	before := s.store.Mutations()

	_, err := s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: "nope", LevelNumber: 1, Score: 10})
	s.ErrorIs(err, domain.ErrPlayerNotFound)
	s.Equal(before, s.store.Mutations())
	s.Empty(s.store.Completions())
	s.Empty(s.hub.progress)
}

func (s *ProgressServiceTestSuite) TestUpdateProgress() {
	p, err := s.service.CreatePlayer(s.ctx, "Yaku")
	s.Require().NoError(err)

	level := 4
	achievements := []string{"custom"}
	err = s.service.UpdateProgress(s.ctx, p.ID, domain.ProgressUpdate{
		CurrentLevel: &level,
		Achievements: &achievements,
	})
	s.Require().NoError(err)

	stored, err := s.service.GetProgress(s.ctx, "Yaku")
	s.Require().NoError(err)
	s.Equal(4, stored.CurrentLevel)
	s.Equal([]string{"custom"}, stored.Achievements)
	s.Equal(int64(0), stored.TotalScore)
	s.True(stored.UpdatedAt.After(p.UpdatedAt))

	err = s.service.UpdateProgress(s.ctx, "nope", domain.ProgressUpdate{CurrentLevel: &level})
	s.ErrorIs(err, domain.ErrPlayerNotFound)
}

func (s *ProgressServiceTestSuite) TestLeaderboardOrdering() {
	for name, score := range map[string]int64{"a": 300, "b": 100, "c": 200} {
		p, err := s.service.CreatePlayer(s.ctx, name)
		s.Require().NoError(err)
		total := score
		s.Require().NoError(s.service.UpdateProgress(s.ctx, p.ID, domain.ProgressUpdate{TotalScore: &total}))
	}

	entries, err := s.service.Leaderboard(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal(int64(300), entries[0].TotalScore)
	s.Equal(int64(200), entries[1].TotalScore)
	s.Equal(int64(100), entries[2].TotalScore)

	entries, err = s.service.Leaderboard(s.ctx, 1)
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *ProgressServiceTestSuite) TestLeaderboardEmpty() {
	entries, err := s.service.Leaderboard(s.ctx, 10)
	s.Require().NoError(err)
	s.NotNil(entries)
	s.Empty(entries)
}

func (s *ProgressServiceTestSuite) TestStoreUnavailable() {
	svc := NewProgressService(failingStore{memstore.New()}, s.service.config, discardLogger())

	_, err := svc.CreatePlayer(s.ctx, "x")
	s.True(domain.IsUnavailableError(err))
	s.False(domain.IsNotFoundError(err))

	_, err = svc.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: "x", LevelNumber: 1})
	s.True(domain.IsUnavailableError(err))

	_, err = svc.Leaderboard(s.ctx, 10)
	s.True(domain.IsUnavailableError(err))
}

func (s *ProgressServiceTestSuite) TestStatusChecks() {
	check, err := s.service.CreateStatusCheck(s.ctx, "frontend")
	s.Require().NoError(err)
	s.NotEmpty(check.ID)

	checks, err := s.service.ListStatusChecks(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(checks, 1)
	s.Equal("frontend", checks[0].ClientName)
}

func (s *ProgressServiceTestSuite) newCache() *miniredis.Miniredis {
	mr := miniredis.RunT(s.T())
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s.T().Cleanup(func() { client.Close() })
	s.service.SetCache(redis.NewLeaderboardServiceWithClient(client, discardLogger()))
	return mr
}

func (s *ProgressServiceTestSuite) TestCompleteLevelWritesCache() {
	mr := s.newCache()

	a, err := s.service.CreatePlayer(s.ctx, "a")
	s.Require().NoError(err)
	b, err := s.service.CreatePlayer(s.ctx, "b")
	s.Require().NoError(err)

	_, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: a.ID, LevelNumber: 1, Score: 30})
	s.Require().NoError(err)
	_, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: b.ID, LevelNumber: 2, Score: 90})
	s.Require().NoError(err)

	s.Equal(int64(1), s.hub.leaderboard[1].Rank)

	score, err := mr.ZScore("leaderboard:progress:realtime", b.ID)
	s.Require().NoError(err)
	s.Equal(float64(90), score)

	// Completions still succeed when Redis is gone
	mr.Close()
	_, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: a.ID, LevelNumber: 2, Score: 10})
	s.Require().NoError(err)
}

func (s *ProgressServiceTestSuite) TestLeaderboardFollowsStoreThroughCacheOutage() {
	mr := s.newCache()

	a, err := s.service.CreatePlayer(s.ctx, "a")
	s.Require().NoError(err)
	_, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: a.ID, LevelNumber: 1, Score: 50})
	s.Require().NoError(err)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	b, err := s.service.CreatePlayer(s.ctx, "b")
	s.Require().NoError(err)
	_, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: b.ID, LevelNumber: 1, Score: 300})
	s.Require().NoError(err)
	mr.SetError("")

	stored, err := s.store.TopScores(s.ctx, 10)
	s.Require().NoError(err)

	entries, err := s.service.Leaderboard(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(stored, entries)
	s.Equal("b", entries[0].PlayerName)
	s.Equal(int64(300), entries[0].TotalScore)
	s.Equal("a", entries[1].PlayerName)
	s.Equal(int64(50), entries[1].TotalScore)
}

func (s *ProgressServiceTestSuite) TestLeaderboardTiesKeepStoreOrder() {
	s.newCache()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		p, err := s.service.CreatePlayer(s.ctx, name)
		s.Require().NoError(err)
		_, err = s.service.CompleteLevel(s.ctx, domain.LevelCompletion{PlayerID: p.ID, LevelNumber: 1, Score: 40})
		s.Require().NoError(err)
	}

	entries, err := s.service.Leaderboard(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal([]string{"zeta", "alpha", "mid"},
		[]string{entries[0].PlayerName, entries[1].PlayerName, entries[2].PlayerName})
}
