package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
)

const progressColumns = `id, player_name, current_level, levels_completed, total_score,
	level_scores, achievements, created_at, updated_at`

// Repository provides PostgreSQL-based access to player progress documents
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, domain.StoreError("connecting to database", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return domain.StoreError("pinging database", r.pool.Ping(ctx))
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS game_progress (
			seq BIGSERIAL,
			id VARCHAR(64) PRIMARY KEY,
			player_name VARCHAR(255) NOT NULL,
			current_level BIGINT NOT NULL DEFAULT 1,
			levels_completed JSONB NOT NULL DEFAULT '[]',
			total_score BIGINT NOT NULL DEFAULT 0,
			level_scores JSONB NOT NULL DEFAULT '{}',
			achievements JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS level_completions (
			id BIGSERIAL PRIMARY KEY,
			player_id VARCHAR(64) NOT NULL,
			level_number INT NOT NULL,
			score BIGINT NOT NULL,
			completion_time INT,
			total_score BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS status_checks (
			id VARCHAR(64) PRIMARY KEY,
			client_name VARCHAR(255) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_progress_player_name ON game_progress(player_name)`,
		`CREATE INDEX IF NOT EXISTS idx_game_progress_total_score ON game_progress(total_score DESC, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_level_completions_player ON level_completions(player_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return domain.StoreError("executing migration", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// FindByName retrieves the earliest stored progress for a player name
func (r *Repository) FindByName(ctx context.Context, playerName string) (*domain.PlayerProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM game_progress
		WHERE player_name = $1
		ORDER BY seq
		LIMIT 1`
	return r.findOne(ctx, query, playerName)
}

// FindByID retrieves progress by player ID
func (r *Repository) FindByID(ctx context.Context, playerID string) (*domain.PlayerProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM game_progress WHERE id = $1`
	return r.findOne(ctx, query, playerID)
}

func (r *Repository) findOne(ctx context.Context, query string, arg string) (*domain.PlayerProgress, error) {
	progress, err := scanProgress(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, domain.StoreError("getting progress", err)
	}
	return progress, nil
}

// Insert stores a new progress document
func (r *Repository) Insert(ctx context.Context, progress *domain.PlayerProgress) error {
	levels, scores, achievements, err := marshalCollections(progress)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO game_progress (` + progressColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		progress.ID,
		progress.PlayerName,
		progress.CurrentLevel,
		levels,
		progress.TotalScore,
		scores,
		achievements,
		progress.CreatedAt,
		progress.UpdatedAt,
	)
	if err != nil {
		return domain.StoreError("inserting progress", err)
	}
	return nil
}

// UpdateFields sets only the present fields of update plus updated_at in a
// single statement
func (r *Repository) UpdateFields(ctx context.Context, playerID string, update domain.ProgressUpdate, updatedAt time.Time) error {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	setJSON := func(column string, value any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", column, err)
		}
		set(column, data)
		return nil
	}

	if update.CurrentLevel != nil {
		set("current_level", *update.CurrentLevel)
	}
	if update.LevelsCompleted != nil {
		if err := setJSON("levels_completed", nonNil(*update.LevelsCompleted)); err != nil {
			return err
		}
	}
	if update.TotalScore != nil {
		set("total_score", *update.TotalScore)
	}
	if update.LevelScores != nil {
		if err := setJSON("level_scores", *update.LevelScores); err != nil {
			return err
		}
	}
	if update.Achievements != nil {
		if err := setJSON("achievements", nonNil(*update.Achievements)); err != nil {
			return err
		}
	}
	set("updated_at", updatedAt)

	args = append(args, playerID)
	query := fmt.Sprintf(`UPDATE game_progress SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return domain.StoreError("updating progress", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// TopScores returns the highest total scores. Ties keep insertion order.
func (r *Repository) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT id, player_name, total_score, levels_completed,
			   ROW_NUMBER() OVER (ORDER BY total_score DESC, seq) AS rank
		FROM game_progress
		ORDER BY total_score DESC, seq
		LIMIT $1
	`
	return r.queryEntries(ctx, "getting top scores", query, limit)
}

// ListEntries pages through all players in insertion order (for sync)
func (r *Repository) ListEntries(ctx context.Context, offset, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT id, player_name, total_score, levels_completed, 0 AS rank
		FROM game_progress
		ORDER BY seq
		LIMIT $1 OFFSET $2
	`
	return r.queryEntries(ctx, "listing entries", query, limit, offset)
}

func (r *Repository) queryEntries(ctx context.Context, op, query string, args ...any) ([]domain.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.StoreError(op, err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var (
			entry  domain.LeaderboardEntry
			levels []byte
		)
		if err := rows.Scan(&entry.PlayerID, &entry.PlayerName, &entry.TotalScore, &levels, &entry.Rank); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		if err := json.Unmarshal(levels, &entry.LevelsCompleted); err != nil {
			return nil, fmt.Errorf("decoding levels_completed: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError(op, err)
	}
	return entries, nil
}

// RecordCompletion records a processed level completion for auditing
func (r *Repository) RecordCompletion(ctx context.Context, completion domain.LevelCompletion, totalScore int64, at time.Time) error {
	query := `
		INSERT INTO level_completions (player_id, level_number, score, completion_time, total_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		completion.PlayerID,
		completion.LevelNumber,
		completion.Score,
		completion.CompletionTime,
		totalScore,
		at,
	)
	if err != nil {
		return domain.StoreError("recording completion", err)
	}
	return nil
}

// CreateStatusCheck stores a status check
func (r *Repository) CreateStatusCheck(ctx context.Context, check domain.StatusCheck) error {
	query := `INSERT INTO status_checks (id, client_name, timestamp) VALUES ($1, $2, $3)`
	if _, err := r.pool.Exec(ctx, query, check.ID, check.ClientName, check.Timestamp); err != nil {
		return domain.StoreError("creating status check", err)
	}
	return nil
}

// ListStatusChecks returns up to limit status checks, oldest first
func (r *Repository) ListStatusChecks(ctx context.Context, limit int) ([]domain.StatusCheck, error) {
	query := `SELECT id, client_name, timestamp FROM status_checks ORDER BY timestamp LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, domain.StoreError("listing status checks", err)
	}
	defer rows.Close()

	var checks []domain.StatusCheck
	for rows.Next() {
		var check domain.StatusCheck
		if err := rows.Scan(&check.ID, &check.ClientName, &check.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning status check: %w", err)
		}
		checks = append(checks, check)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("listing status checks", err)
	}
	return checks, nil
}

func scanProgress(row pgx.Row) (*domain.PlayerProgress, error) {
	var (
		p                            domain.PlayerProgress
		levels, scores, achievements []byte
	)
	err := row.Scan(
		&p.ID,
		&p.PlayerName,
		&p.CurrentLevel,
		&levels,
		&p.TotalScore,
		&scores,
		&achievements,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levels, &p.LevelsCompleted); err != nil {
		return nil, fmt.Errorf("decoding levels_completed: %w", err)
	}
	if err := json.Unmarshal(scores, &p.LevelScores); err != nil {
		return nil, fmt.Errorf("decoding level_scores: %w", err)
	}
	if err := json.Unmarshal(achievements, &p.Achievements); err != nil {
		return nil, fmt.Errorf("decoding achievements: %w", err)
	}
	return &p, nil
}

func marshalCollections(p *domain.PlayerProgress) (levels, scores, achievements []byte, err error) {
	if levels, err = json.Marshal(nonNil(p.LevelsCompleted)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling levels_completed: %w", err)
	}
	levelScores := p.LevelScores
	if levelScores == nil {
		levelScores = map[int]int64{}
	}
	if scores, err = json.Marshal(levelScores); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling level_scores: %w", err)
	}
	if achievements, err = json.Marshal(nonNil(p.Achievements)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling achievements: %w", err)
	}
	return levels, scores, achievements, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
