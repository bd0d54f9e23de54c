package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// PlayerProgress is one player's cumulative game state
type PlayerProgress struct {
	ID              string        `json:"id"`
	PlayerName      string        `json:"player_name"`
	CurrentLevel    int           `json:"current_level"`
	LevelsCompleted []int         `json:"levels_completed"`
	TotalScore      int64         `json:"total_score"`
	LevelScores     map[int]int64 `json:"level_scores"`
	Achievements    []string      `json:"achievements"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewPlayerProgress builds a fresh record with default values and a new ID
func NewPlayerProgress(playerName string, now time.Time) *PlayerProgress {
	return &PlayerProgress{
		ID:              uuid.New().String(),
		PlayerName:      playerName,
		CurrentLevel:    1,
		LevelsCompleted: []int{},
		TotalScore:      0,
		LevelScores:     map[int]int64{},
		Achievements:    []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy of the record
func (p *PlayerProgress) Clone() *PlayerProgress {
	if p == nil {
		return nil
	}
	c := *p
	c.LevelsCompleted = slices.Clone(p.LevelsCompleted)
	c.Achievements = slices.Clone(p.Achievements)
	c.LevelScores = make(map[int]int64, len(p.LevelScores))
	for level, score := range p.LevelScores {
		c.LevelScores[level] = score
	}
	return &c
}

// LeaderboardEntry returns the leaderboard view of this record
func (p *PlayerProgress) LeaderboardEntry() LeaderboardEntry {
	return LeaderboardEntry{
		PlayerID:        p.ID,
		PlayerName:      p.PlayerName,
		TotalScore:      p.TotalScore,
		LevelsCompleted: slices.Clone(p.LevelsCompleted),
	}
}

// ProgressUpdate carries the fields of a partial progress update.
// A nil field is absent and leaves the stored value untouched.
type ProgressUpdate struct {
	CurrentLevel    *int           `json:"current_level,omitempty"`
	LevelsCompleted *[]int         `json:"levels_completed,omitempty"`
	TotalScore      *int64         `json:"total_score,omitempty"`
	LevelScores     *map[int]int64 `json:"level_scores,omitempty"`
	Achievements    *[]string      `json:"achievements,omitempty"`
}

// IsEmpty reports whether no field is present
func (u ProgressUpdate) IsEmpty() bool {
	return u.CurrentLevel == nil &&
		u.LevelsCompleted == nil &&
		u.TotalScore == nil &&
		u.LevelScores == nil &&
		u.Achievements == nil
}

// ApplyTo merges the present fields into p and stamps updatedAt
func (u ProgressUpdate) ApplyTo(p *PlayerProgress, updatedAt time.Time) {
	if u.CurrentLevel != nil {
		p.CurrentLevel = *u.CurrentLevel
	}
	if u.LevelsCompleted != nil {
		p.LevelsCompleted = slices.Clone(*u.LevelsCompleted)
	}
	if u.TotalScore != nil {
		p.TotalScore = *u.TotalScore
	}
	if u.LevelScores != nil {
		scores := make(map[int]int64, len(*u.LevelScores))
		for level, score := range *u.LevelScores {
			scores[level] = score
		}
		p.LevelScores = scores
	}
	if u.Achievements != nil {
		p.Achievements = slices.Clone(*u.Achievements)
	}
	p.UpdatedAt = updatedAt
}

// LeaderboardEntry is a single ranked row of the leaderboard
type LeaderboardEntry struct {
	Rank            int64  `json:"rank"`
	PlayerID        string `json:"-"`
	PlayerName      string `json:"player_name"`
	TotalScore      int64  `json:"total_score"`
	LevelsCompleted []int  `json:"levels_completed"`
}

// StatusCheck records a client check-in against the API
type StatusCheck struct {
	ID         string    `json:"id"`
	ClientName string    `json:"client_name"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewStatusCheck builds a status check with a new ID
func NewStatusCheck(clientName string, now time.Time) StatusCheck {
	return StatusCheck{
		ID:         uuid.New().String(),
		ClientName: clientName,
		Timestamp:  now,
	}
}
