// Package strategies provides account selection strategies.
package strategies

import (
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// AccountUsable is the single usability predicate shared by the pool and every
// strategy. An account is usable for a model when it is valid, enabled, not
// cooling down, under the concurrency cap, not rate-limited for the model's
// quota key, allowed to serve the model, and not known to be out of quota.
//
// Expired cooldowns and rate limits are cleared as a side effect.
func AccountUsable(account *redis.Account, modelID string) bool {
	if account == nil || account.IsInvalid || !account.Enabled {
		return false
	}

	if AccountCoolingDown(account) {
		return false
	}

	cfg := config.GetConfig()
	if account.ActiveRequests >= cfg.MaxConcurrentRequests {
		return false
	}

	if modelID != "" {
		if account.IsModelDisabled(modelID) {
			return false
		}
		if accountRateLimited(account, modelID, cfg.QuotaClass()) {
			return false
		}
		if quotaExhausted(account, modelID) {
			return false
		}
	}

	return true
}

// AccountCoolingDown reports whether the account is in a cooldown window,
// clearing the window once it has passed.
func AccountCoolingDown(account *redis.Account) bool {
	if account == nil || account.CoolingDownUntil == 0 {
		return false
	}
	if time.Now().UnixMilli() >= account.CoolingDownUntil {
		account.CoolingDownUntil = 0
		account.CooldownReason = ""
		return false
	}
	return true
}

// accountRateLimited checks the composite quota key and the legacy bare-model
// key. Expired entries are cleared in place.
func accountRateLimited(account *redis.Account, modelID string, class config.HeaderMode) bool {
	if account.ModelRateLimits == nil {
		return false
	}

	now := time.Now().UnixMilli()
	for _, key := range []string{config.QuotaKey(modelID, class), modelID} {
		info, ok := account.ModelRateLimits[key]
		if !ok || info == nil || !info.IsRateLimited {
			continue
		}
		if info.ResetTime > now {
			return true
		}
		delete(account.ModelRateLimits, key)
	}
	return false
}

// RemainingFraction returns the model's remaining quota fraction from a fresh
// snapshot, or -1 when no usable snapshot exists.
func RemainingFraction(account *redis.Account, modelID string) float64 {
	if account == nil || account.Quota == nil || account.Quota.Models == nil {
		return -1
	}
	// Stale snapshots are ignored; the account may have reset since.
	staleMs := config.GetConfig().AccountSelection.Quota.StaleMs
	if staleMs <= 0 {
		staleMs = 300000
	}
	if time.Now().UnixMilli()-account.Quota.LastChecked > staleMs {
		return -1
	}
	modelQuota, ok := account.Quota.Models[modelID]
	if !ok || modelQuota == nil {
		return -1
	}
	return modelQuota.RemainingFraction
}

// quotaExhausted rejects accounts whose fresh quota snapshot shows less than
// the minimum usable fraction for the model.
func quotaExhausted(account *redis.Account, modelID string) bool {
	fraction := RemainingFraction(account, modelID)
	return fraction >= 0 && fraction < config.MinQuotaFraction
}

// BaseStrategy provides the shared selection helpers.
type BaseStrategy struct {
	config *Config
}

// NewBaseStrategy creates a BaseStrategy.
func NewBaseStrategy(cfg *Config) *BaseStrategy {
	return &BaseStrategy{config: cfg}
}

// IsAccountUsable applies the shared usability predicate.
func (s *BaseStrategy) IsAccountUsable(account *redis.Account, modelID string) bool {
	return AccountUsable(account, modelID)
}

// GetUsableAccounts returns all usable accounts with their original indices.
func (s *BaseStrategy) GetUsableAccounts(accounts []*redis.Account, modelID string) []AccountWithIndex {
	result := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if AccountUsable(account, modelID) {
			result = append(result, AccountWithIndex{Account: account, Index: i})
		}
	}
	return result
}

// AccountWithIndex pairs an account with its index in the pool.
type AccountWithIndex struct {
	Account *redis.Account
	Index   int
}

// OnSuccess is a no-op by default.
func (s *BaseStrategy) OnSuccess(account *redis.Account, modelID string) {}

// OnRateLimit is a no-op by default.
func (s *BaseStrategy) OnRateLimit(account *redis.Account, modelID string) {}

// OnFailure is a no-op by default.
func (s *BaseStrategy) OnFailure(account *redis.Account, modelID string) {}
