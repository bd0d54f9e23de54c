package domain

import (
	"math"
	"slices"
)

// Achievement codes
const (
	AchievementFirstLevel = "first_level"
	AchievementGameMaster = "game_master"
	AchievementHighScorer = "high_scorer"
)

const (
	// GameMasterLevelCount is the number of distinct completed levels that
	// unlocks game_master. It is not tied to how many levels the game ships.
	GameMasterLevelCount = 5

	// HighScoreThreshold is the single-completion score that unlocks high_scorer
	HighScoreThreshold = 100
)

// LevelCompletion is one reported completion of a level. It is not stored
// as its own record.
type LevelCompletion struct {
	PlayerID       string `json:"player_id"`
	LevelNumber    int    `json:"level_number"`
	Score          int64  `json:"score"`
	CompletionTime *int   `json:"completion_time,omitempty"`
}

// CompletionResult is the outcome of applying a LevelCompletion
type CompletionResult struct {
	TotalScore      int64           `json:"new_total_score"`
	NewAchievements []string        `json:"new_achievements,omitempty"`
	Progress        *PlayerProgress `json:"-"`
}

// AchievementRule unlocks Code when Unlocked returns true. Rules see the
// progress after levels, scores and current level have been recomputed.
type AchievementRule struct {
	Code     string
	Unlocked func(p *PlayerProgress, c LevelCompletion) bool
}

// AchievementRules are evaluated in order on every completion
var AchievementRules = []AchievementRule{
	{
		Code: AchievementFirstLevel,
		Unlocked: func(_ *PlayerProgress, c LevelCompletion) bool {
			return c.LevelNumber == 1
		},
	},
	{
		Code: AchievementGameMaster,
		Unlocked: func(p *PlayerProgress, _ LevelCompletion) bool {
			return len(p.LevelsCompleted) == GameMasterLevelCount
		},
	},
	{
		Code: AchievementHighScorer,
		Unlocked: func(_ *PlayerProgress, c LevelCompletion) bool {
			return c.Score >= HighScoreThreshold
		},
	},
}

// ApplyCompletion recomputes the derived fields of p for completion c and
// returns the achievement codes unlocked by it. UpdatedAt is left to the
// caller.
func (p *PlayerProgress) ApplyCompletion(c LevelCompletion) []string {
	if !slices.Contains(p.LevelsCompleted, c.LevelNumber) {
		p.LevelsCompleted = append(p.LevelsCompleted, c.LevelNumber)
	}

	if p.LevelScores == nil {
		p.LevelScores = make(map[int]int64)
	}
	p.LevelScores[c.LevelNumber] = max(p.LevelScores[c.LevelNumber], c.Score)

	var total int64
	for _, score := range p.LevelScores {
		total += score
	}
	p.TotalScore = total

	p.CurrentLevel = max(p.CurrentLevel, nextLevel(c.LevelNumber))

	var unlocked []string
	for _, rule := range AchievementRules {
		if slices.Contains(p.Achievements, rule.Code) {
			continue
		}
		if rule.Unlocked(p, c) {
			p.Achievements = append(p.Achievements, rule.Code)
			unlocked = append(unlocked, rule.Code)
		}
	}
	return unlocked
}

// CompletionUpdate returns the update that persists every field derived by
// ApplyCompletion
func (p *PlayerProgress) CompletionUpdate() ProgressUpdate {
	levels := slices.Clone(p.LevelsCompleted)
	achievements := slices.Clone(p.Achievements)
	scores := make(map[int]int64, len(p.LevelScores))
	for level, score := range p.LevelScores {
		scores[level] = score
	}
	currentLevel := p.CurrentLevel
	total := p.TotalScore

	return ProgressUpdate{
		CurrentLevel:    &currentLevel,
		LevelsCompleted: &levels,
		TotalScore:      &total,
		LevelScores:     &scores,
		Achievements:    &achievements,
	}
}

// nextLevel returns the level after level, saturating at math.MaxInt
func nextLevel(level int) int {
	if level == math.MaxInt {
		return level
	}
	return level + 1
}
