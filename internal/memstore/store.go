// Package memstore keeps player progress in process memory. It backs local
// runs without a database and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/game-progress/internal/domain"
)

// CompletionRecord is an audit row for one processed level completion
type CompletionRecord struct {
	Completion domain.LevelCompletion
	TotalScore int64
	RecordedAt time.Time
}

// Store implements the progress store using in-memory maps
type Store struct {
	mu          sync.RWMutex
	progress    map[string]*domain.PlayerProgress
	order       []string // insertion order of ids
	completions []CompletionRecord
	statuses    []domain.StatusCheck
	mutations   int
}

// New creates an empty store
func New() *Store {
	return &Store{
		progress: make(map[string]*domain.PlayerProgress),
	}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// FindByName returns the first inserted record with the given player name
func (s *Store) FindByName(ctx context.Context, playerName string) (*domain.PlayerProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		if p := s.progress[id]; p.PlayerName == playerName {
			return p.Clone(), nil
		}
	}
	return nil, domain.ErrPlayerNotFound
}

// FindByID returns the record with the given id
func (s *Store) FindByID(ctx context.Context, playerID string) (*domain.PlayerProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[playerID]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	return p.Clone(), nil
}

// Insert stores a copy of a new record
func (s *Store) Insert(ctx context.Context, progress *domain.PlayerProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.progress[progress.ID]; !exists {
		s.order = append(s.order, progress.ID)
	}
	s.progress[progress.ID] = progress.Clone()
	s.mutations++
	return nil
}

// UpdateFields merges the present fields of update into the record
func (s *Store) UpdateFields(ctx context.Context, playerID string, update domain.ProgressUpdate, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[playerID]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	update.ApplyTo(p, updatedAt)
	s.mutations++
	return nil
}

// TopScores returns up to limit entries by total score, highest first.
// Equal scores keep insertion order.
func (s *Store) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	entries := s.entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalScore > entries[j].TotalScore
	})
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries, nil
}

// ListEntries pages through every record in insertion order
func (s *Store) ListEntries(ctx context.Context, offset, limit int) ([]domain.LeaderboardEntry, error) {
	entries := s.entries()
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) entries() []domain.LeaderboardEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LeaderboardEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.progress[id].LeaderboardEntry())
	}
	return entries
}

// RecordCompletion appends an audit record
func (s *Store) RecordCompletion(ctx context.Context, completion domain.LevelCompletion, totalScore int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completions = append(s.completions, CompletionRecord{
		Completion: completion,
		TotalScore: totalScore,
		RecordedAt: at,
	})
	return nil
}

// Completions returns the recorded completion audit rows
func (s *Store) Completions() []CompletionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]CompletionRecord(nil), s.completions...)
}

// Mutations counts inserts and updates applied to progress records
func (s *Store) Mutations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mutations
}

// CreateStatusCheck stores a status check
func (s *Store) CreateStatusCheck(ctx context.Context, check domain.StatusCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses = append(s.statuses, check)
	return nil
}

// ListStatusChecks returns up to limit status checks, oldest first
func (s *Store) ListStatusChecks(ctx context.Context, limit int) ([]domain.StatusCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(limit, len(s.statuses))
	return append([]domain.StatusCheck(nil), s.statuses[:n]...), nil
}
