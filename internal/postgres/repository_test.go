package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/game-progress/internal/domain"
)

// newTestRepository starts a Postgres container, runs the migrations and
// returns a repository bound to it. The container is terminated when the
// test ends.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("game_progress_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "starting postgres container")

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := &Repository{
		pool:   pool,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	require.NoError(t, repo.RunMigrations(ctx))
	return repo
}

func testNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func TestRepository_InsertAndFind(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	p := domain.NewPlayerProgress("quinua", testNow())
	require.NoError(t, repo.Insert(ctx, p))

	got, err := repo.FindByName(ctx, "quinua")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.Equal(t, []int{}, got.LevelsCompleted)
	assert.Equal(t, map[int]int64{}, got.LevelScores)
	assert.Equal(t, []string{}, got.Achievements)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))

	got, err = repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "quinua", got.PlayerName)

	_, err = repo.FindByName(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}

func TestRepository_UpdateFields(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	p := domain.NewPlayerProgress("maca", testNow())
	require.NoError(t, repo.Insert(ctx, p))

	p.ApplyCompletion(domain.LevelCompletion{PlayerID: p.ID, LevelNumber: 1, Score: 120})
	later := p.CreatedAt.Add(time.Minute)
	require.NoError(t, repo.UpdateFields(ctx, p.ID, p.CompletionUpdate(), later))

	got, err := repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.Equal(t, []int{1}, got.LevelsCompleted)
	assert.Equal(t, map[int]int64{1: 120}, got.LevelScores)
	assert.Equal(t, int64(120), got.TotalScore)
	assert.ElementsMatch(t, []string{domain.AchievementFirstLevel, domain.AchievementHighScorer}, got.Achievements)
	assert.True(t, later.Equal(got.UpdatedAt))

	// Partial update leaves the other fields alone
	level := 9
	require.NoError(t, repo.UpdateFields(ctx, p.ID, domain.ProgressUpdate{CurrentLevel: &level}, later))
	got, err = repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.CurrentLevel)
	assert.Equal(t, int64(120), got.TotalScore)

	err = repo.UpdateFields(ctx, "missing", domain.ProgressUpdate{CurrentLevel: &level}, later)
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}

func TestRepository_TopScores(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, seed := range []struct {
		name  string
		score int64
	}{{"a", 300}, {"b", 100}, {"c", 200}} {
		p := domain.NewPlayerProgress(seed.name, testNow())
		p.TotalScore = seed.score
		require.NoError(t, repo.Insert(ctx, p))
	}

	top, err := repo.TopScores(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "a", top[0].PlayerName)
	assert.Equal(t, "c", top[1].PlayerName)
	assert.Equal(t, "b", top[2].PlayerName)
	assert.Equal(t, int64(3), top[2].Rank)

	page, err := repo.ListEntries(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].PlayerName)
}

func TestRepository_CompletionsAndStatusChecks(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	seconds := 42
	err := repo.RecordCompletion(ctx, domain.LevelCompletion{
		PlayerID:       "p1",
		LevelNumber:    2,
		Score:          80,
		CompletionTime: &seconds,
	}, 80, testNow())
	require.NoError(t, err)

	require.NoError(t, repo.CreateStatusCheck(ctx, domain.NewStatusCheck("frontend", testNow())))
	checks, err := repo.ListStatusChecks(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "frontend", checks[0].ClientName)

	require.NoError(t, repo.Ping(ctx))
}
