package strategies

import (
	"context"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// StickyStrategy keeps using the same account until it becomes unavailable,
// preserving prompt-cache continuity. It switches only on failover and waits
// for the pinned account's rate limit when no alternative exists.
type StickyStrategy struct {
	*BaseStrategy
}

// NewStickyStrategy creates a StickyStrategy.
func NewStickyStrategy(cfg *Config) *StickyStrategy {
	return &StickyStrategy{BaseStrategy: NewBaseStrategy(cfg)}
}

// SelectAccount prefers the current account, fails over when others are free,
// and otherwise reports how long to wait for the pinned account.
func (s *StickyStrategy) SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: options.CurrentIndex, WaitMs: 0}
	}

	index := options.CurrentIndex
	if index < 0 || index >= len(accounts) {
		index = 0
	}

	current := accounts[index]
	if AccountUsable(current, modelID) {
		current.LastUsed = time.Now().UnixMilli()
		if options.OnSave != nil {
			options.OnSave()
		}
		return &SelectionResult{Account: current, Index: index, WaitMs: 0}
	}

	// Current account unusable; switch if anything else is free.
	if usable := s.GetUsableAccounts(accounts, modelID); len(usable) > 0 {
		next, nextIndex := s.pickNext(accounts, index, modelID, options.OnSave)
		if next != nil {
			utils.Info("[StickyStrategy] Failover to account: %s", utils.MaskEmail(next.Email))
			return &SelectionResult{Account: next, Index: nextIndex, WaitMs: 0}
		}
	}

	// Nothing else available; wait for the pinned account if the reset is
	// close enough.
	if shouldWait, waitMs := s.shouldWaitForAccount(current, modelID); shouldWait {
		utils.Info("[StickyStrategy] Waiting %s for sticky account: %s",
			utils.FormatDuration(waitMs), utils.MaskEmail(current.Email))
		return &SelectionResult{Account: nil, Index: index, WaitMs: waitMs}
	}

	next, nextIndex := s.pickNext(accounts, index, modelID, options.OnSave)
	return &SelectionResult{Account: next, Index: nextIndex, WaitMs: 0}
}

func (s *StickyStrategy) pickNext(accounts []*redis.Account, currentIndex int, modelID string, onSave func()) (*redis.Account, int) {
	for i := 1; i <= len(accounts); i++ {
		idx := (currentIndex + i) % len(accounts)
		account := accounts[idx]
		if AccountUsable(account, modelID) {
			account.LastUsed = time.Now().UnixMilli()
			if onSave != nil {
				onSave()
			}
			utils.Info("[StickyStrategy] Using account: %s (%d/%d)",
				utils.MaskEmail(account.Email), idx+1, len(accounts))
			return account, idx
		}
	}
	return nil, currentIndex
}

// shouldWaitForAccount reports whether the account's rate limit resets soon
// enough to be worth waiting for.
func (s *StickyStrategy) shouldWaitForAccount(account *redis.Account, modelID string) (bool, int64) {
	if account == nil || account.IsInvalid || !account.Enabled {
		return false, 0
	}

	var waitMs int64
	now := time.Now().UnixMilli()
	class := config.GetConfig().QuotaClass()

	if modelID != "" && account.ModelRateLimits != nil {
		for _, key := range []string{config.QuotaKey(modelID, class), modelID} {
			if info := account.ModelRateLimits[key]; info != nil && info.IsRateLimited && info.ResetTime > now {
				remaining := info.ResetTime - now
				if waitMs == 0 || remaining < waitMs {
					waitMs = remaining
				}
			}
		}
	}
	if account.CoolingDownUntil > now {
		remaining := account.CoolingDownUntil - now
		if waitMs == 0 || remaining < waitMs {
			waitMs = remaining
		}
	}

	if waitMs > 0 && waitMs <= config.MaxWaitBeforeErrorMs {
		return true, waitMs
	}
	return false, 0
}
