// Package trackers provides per-account state tracking for the hybrid
// strategy.
package trackers

import (
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
)

// HealthRecord stores the health state for one account.
type HealthRecord struct {
	Score               float64
	LastUpdated         time.Time
	ConsecutiveFailures int
}

// HealthTracker scores accounts on request outcomes. Success nudges the score
// up, rate limits and failures push it down, and passive recovery over time
// lets a troubled account climb back above the usable floor.
type HealthTracker struct {
	mu     sync.RWMutex
	scores map[string]*HealthRecord
	config config.HealthScoreConfig
}

// DefaultHealthConfig returns the default health scoring parameters.
func DefaultHealthConfig() config.HealthScoreConfig {
	return config.HealthScoreConfig{
		Initial:          70,
		SuccessReward:    1,
		RateLimitPenalty: -10,
		FailurePenalty:   -20,
		RecoveryPerHour:  2,
		MinUsable:        50,
		MaxScore:         100,
	}
}

// NewHealthTracker creates a HealthTracker, filling unset fields with
// defaults.
func NewHealthTracker(cfg config.HealthScoreConfig) *HealthTracker {
	defaults := DefaultHealthConfig()
	if cfg.Initial == 0 {
		cfg.Initial = defaults.Initial
	}
	if cfg.SuccessReward == 0 {
		cfg.SuccessReward = defaults.SuccessReward
	}
	if cfg.RateLimitPenalty == 0 {
		cfg.RateLimitPenalty = defaults.RateLimitPenalty
	}
	if cfg.FailurePenalty == 0 {
		cfg.FailurePenalty = defaults.FailurePenalty
	}
	if cfg.RecoveryPerHour == 0 {
		cfg.RecoveryPerHour = defaults.RecoveryPerHour
	}
	if cfg.MinUsable == 0 {
		cfg.MinUsable = defaults.MinUsable
	}
	if cfg.MaxScore == 0 {
		cfg.MaxScore = defaults.MaxScore
	}

	return &HealthTracker{
		scores: make(map[string]*HealthRecord),
		config: cfg,
	}
}

// GetScore returns the account's health score with passive recovery applied.
func (t *HealthTracker) GetScore(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getScoreLocked(email)
}

func (t *HealthTracker) getScoreLocked(email string) float64 {
	record, ok := t.scores[email]
	if !ok {
		return t.config.Initial
	}

	recovered := record.Score + time.Since(record.LastUpdated).Hours()*t.config.RecoveryPerHour
	if recovered > t.config.MaxScore {
		return t.config.MaxScore
	}
	return recovered
}

// RecordSuccess rewards a successful request and resets the failure streak.
func (t *HealthTracker) RecordSuccess(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := t.getScoreLocked(email) + t.config.SuccessReward
	if score > t.config.MaxScore {
		score = t.config.MaxScore
	}
	t.scores[email] = &HealthRecord{Score: score, LastUpdated: time.Now()}
}

// RecordRateLimit applies the rate-limit penalty.
func (t *HealthTracker) RecordRateLimit(email string) {
	t.record(email, t.config.RateLimitPenalty)
}

// RecordFailure applies the failure penalty.
func (t *HealthTracker) RecordFailure(email string) {
	t.record(email, t.config.FailurePenalty)
}

func (t *HealthTracker) record(email string, penalty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	failures := 0
	if record, ok := t.scores[email]; ok {
		failures = record.ConsecutiveFailures
	}

	score := t.getScoreLocked(email) + penalty
	if score < 0 {
		score = 0
	}
	t.scores[email] = &HealthRecord{
		Score:               score,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: failures + 1,
	}
}

// IsUsable reports whether the score is above the usable floor.
func (t *HealthTracker) IsUsable(email string) bool {
	return t.GetScore(email) >= t.config.MinUsable
}

// GetMinUsable returns the usable floor.
func (t *HealthTracker) GetMinUsable() float64 {
	return t.config.MinUsable
}

// GetMaxScore returns the score cap.
func (t *HealthTracker) GetMaxScore() float64 {
	return t.config.MaxScore
}

// GetConsecutiveFailures returns the failure streak for an account.
func (t *HealthTracker) GetConsecutiveFailures(email string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if record, ok := t.scores[email]; ok {
		return record.ConsecutiveFailures
	}
	return 0
}

// Reset restores an account to the initial score.
func (t *HealthTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[email] = &HealthRecord{Score: t.config.Initial, LastUpdated: time.Now()}
}

// Clear drops all tracked scores.
func (t *HealthTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores = make(map[string]*HealthRecord)
}

// GetAllRecords returns a snapshot of all health records.
func (t *HealthTracker) GetAllRecords() map[string]*HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*HealthRecord, len(t.scores))
	for email, record := range t.scores {
		result[email] = &HealthRecord{
			Score:               t.getScoreLocked(email),
			LastUpdated:         record.LastUpdated,
			ConsecutiveFailures: record.ConsecutiveFailures,
		}
	}
	return result
}
