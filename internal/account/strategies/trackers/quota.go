package trackers

import (
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// QuotaTracker ranks accounts by remaining upstream quota, using the quota
// snapshots attached to each account. Snapshots go stale quickly, so critical
// exclusion only applies to fresh data.
type QuotaTracker struct {
	config config.QuotaConfig
}

// DefaultQuotaConfig returns the default quota parameters.
func DefaultQuotaConfig() config.QuotaConfig {
	return config.QuotaConfig{
		LowThreshold:      0.10,
		CriticalThreshold: 0.05,
		StaleMs:           300000,
		UnknownScore:      50,
	}
}

// NewQuotaTracker creates a QuotaTracker, filling unset fields with defaults.
func NewQuotaTracker(cfg config.QuotaConfig) *QuotaTracker {
	defaults := DefaultQuotaConfig()
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = defaults.LowThreshold
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = defaults.CriticalThreshold
	}
	if cfg.StaleMs == 0 {
		cfg.StaleMs = defaults.StaleMs
	}
	if cfg.UnknownScore == 0 {
		cfg.UnknownScore = defaults.UnknownScore
	}
	return &QuotaTracker{config: cfg}
}

// GetQuotaFraction returns the remaining fraction (0-1), or -1 when unknown.
func (t *QuotaTracker) GetQuotaFraction(account *redis.Account, modelID string) float64 {
	if account == nil || account.Quota == nil || account.Quota.Models == nil {
		return -1
	}
	modelQuota, ok := account.Quota.Models[modelID]
	if !ok || modelQuota == nil {
		return -1
	}
	return modelQuota.RemainingFraction
}

// IsQuotaFresh reports whether the snapshot is recent enough to act on.
func (t *QuotaTracker) IsQuotaFresh(account *redis.Account) bool {
	if account == nil || account.Quota == nil || account.Quota.LastChecked == 0 {
		return false
	}
	return time.Since(time.UnixMilli(account.Quota.LastChecked)) <
		time.Duration(t.config.StaleMs)*time.Millisecond
}

// IsQuotaCritical reports whether a fresh snapshot puts the account at or
// below the critical threshold for the model.
func (t *QuotaTracker) IsQuotaCritical(account *redis.Account, modelID string, thresholdOverride *float64) bool {
	fraction := t.GetQuotaFraction(account, modelID)
	if fraction < 0 {
		return false
	}
	if !t.IsQuotaFresh(account) {
		return false
	}

	threshold := t.config.CriticalThreshold
	if thresholdOverride != nil && *thresholdOverride > 0 {
		threshold = *thresholdOverride
	}
	return fraction <= threshold
}

// IsQuotaLow reports whether the account is low but not yet critical.
func (t *QuotaTracker) IsQuotaLow(account *redis.Account, modelID string) bool {
	fraction := t.GetQuotaFraction(account, modelID)
	if fraction < 0 {
		return false
	}
	return fraction <= t.config.LowThreshold && fraction > t.config.CriticalThreshold
}

// GetScore converts the quota fraction to a 0-100 score; unknown quota gets
// the middle score and stale data a small confidence penalty.
func (t *QuotaTracker) GetScore(account *redis.Account, modelID string) float64 {
	fraction := t.GetQuotaFraction(account, modelID)
	if fraction < 0 {
		return t.config.UnknownScore
	}

	score := fraction * 100
	if !t.IsQuotaFresh(account) {
		score *= 0.9
	}
	return score
}

// GetCriticalThreshold returns the critical threshold.
func (t *QuotaTracker) GetCriticalThreshold() float64 {
	return t.config.CriticalThreshold
}

// GetLowThreshold returns the low threshold.
func (t *QuotaTracker) GetLowThreshold() float64 {
	return t.config.LowThreshold
}
