package strategies

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/poemonsense/claudegate/internal/account/strategies/trackers"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// FallbackLevel indicates how many filters were relaxed to find a candidate.
type FallbackLevel string

const (
	FallbackNormal     FallbackLevel = "normal"
	FallbackQuota      FallbackLevel = "quota"
	FallbackEmergency  FallbackLevel = "emergency"
	FallbackLastResort FallbackLevel = "lastResort"
)

// HybridStrategy scores accounts on health, client-side token budget, quota
// headroom, and recency:
//
//	score = health×2 + (tokens/max×100)×5 + quota×3 + lruSeconds×0.1
//
// Candidates are filtered in four tiers: the normal tier applies every check,
// then quota, health, and token checks are relaxed one at a time. The last two
// tiers throttle selection so a struggling pool is not hammered.
type HybridStrategy struct {
	*BaseStrategy
	healthTracker      *trackers.HealthTracker
	tokenBucketTracker *trackers.TokenBucketTracker
	quotaTracker       *trackers.QuotaTracker
	weights            *WeightConfig
	globalThreshold    *float64
}

// NewHybridStrategy creates a HybridStrategy.
func NewHybridStrategy(cfg *Config) *HybridStrategy {
	weights := DefaultWeights()
	s := &HybridStrategy{
		BaseStrategy: NewBaseStrategy(cfg),
		weights:      weights,
	}
	if cfg != nil {
		if cfg.Weights != nil {
			s.weights = cfg.Weights
		}
		s.healthTracker = trackers.NewHealthTracker(cfg.HealthScore)
		s.tokenBucketTracker = trackers.NewTokenBucketTracker(cfg.TokenBucket)
		s.quotaTracker = trackers.NewQuotaTracker(cfg.Quota)
	} else {
		s.healthTracker = trackers.NewHealthTracker(trackers.DefaultHealthConfig())
		s.tokenBucketTracker = trackers.NewTokenBucketTracker(trackers.DefaultTokenBucketConfig())
		s.quotaTracker = trackers.NewQuotaTracker(trackers.DefaultQuotaConfig())
	}
	return s
}

// SetGlobalThreshold sets the pool-wide quota threshold.
func (s *HybridStrategy) SetGlobalThreshold(threshold *float64) {
	s.globalThreshold = threshold
}

// SelectAccount picks the highest-scoring candidate.
func (s *HybridStrategy) SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: 0, WaitMs: 0}
	}

	candidates, fallbackLevel := s.getCandidates(accounts, modelID)
	if len(candidates) == 0 {
		reason, waitMs := s.diagnoseNoCandidates(accounts, modelID)
		utils.Warn("[HybridStrategy] No candidates available: %s", reason)
		return &SelectionResult{Account: nil, Index: 0, WaitMs: waitMs}
	}

	type scoredCandidate struct {
		account *redis.Account
		index   int
		score   float64
	}
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{
			account: c.Account,
			index:   c.Index,
			score:   s.calculateScore(c.Account, modelID),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	best := scored[0]
	best.account.LastUsed = time.Now().UnixMilli()

	// Last resort bypassed the token check; don't double-charge the bucket.
	if fallbackLevel != FallbackLastResort {
		s.tokenBucketTracker.Consume(best.account.Email)
	}

	if options.OnSave != nil {
		options.OnSave()
	}

	var waitMs int64
	switch fallbackLevel {
	case FallbackLastResort:
		waitMs = 500
	case FallbackEmergency:
		waitMs = 250
	}

	fallbackInfo := ""
	if fallbackLevel != FallbackNormal {
		fallbackInfo = fmt.Sprintf(", fallback: %s", fallbackLevel)
	}
	utils.Info("[HybridStrategy] Using account: %s (%d/%d, score: %.1f%s)",
		utils.MaskEmail(best.account.Email), best.index+1, len(accounts), best.score, fallbackInfo)

	return &SelectionResult{Account: best.account, Index: best.index, WaitMs: waitMs}
}

// OnSuccess rewards the account's health score.
func (s *HybridStrategy) OnSuccess(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordSuccess(account.Email)
	}
}

// OnRateLimit penalizes the account's health score.
func (s *HybridStrategy) OnRateLimit(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordRateLimit(account.Email)
	}
}

// OnFailure penalizes health and refunds the unconsumed token.
func (s *HybridStrategy) OnFailure(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordFailure(account.Email)
		s.tokenBucketTracker.Refund(account.Email)
	}
}

func (s *HybridStrategy) getCandidates(accounts []*redis.Account, modelID string) ([]AccountWithIndex, FallbackLevel) {
	candidates := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if !AccountUsable(account, modelID) {
			continue
		}
		if !s.healthTracker.IsUsable(account.Email) {
			continue
		}
		if !s.tokenBucketTracker.HasTokens(account.Email) {
			continue
		}
		threshold := s.getEffectiveThreshold(account, modelID)
		if s.quotaTracker.IsQuotaCritical(account, modelID, threshold) {
			utils.Debug("[HybridStrategy] Excluding %s: quota critically low for %s",
				utils.MaskEmail(account.Email), modelID)
			continue
		}
		candidates = append(candidates, AccountWithIndex{Account: account, Index: i})
	}
	if len(candidates) > 0 {
		return candidates, FallbackNormal
	}

	// Relax the quota check
	fallback := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if AccountUsable(account, modelID) &&
			s.healthTracker.IsUsable(account.Email) &&
			s.tokenBucketTracker.HasTokens(account.Email) {
			fallback = append(fallback, AccountWithIndex{Account: account, Index: i})
		}
	}
	if len(fallback) > 0 {
		utils.Warn("[HybridStrategy] All accounts have critical quota, using fallback")
		return fallback, FallbackQuota
	}

	// Relax the health check
	emergency := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if AccountUsable(account, modelID) && s.tokenBucketTracker.HasTokens(account.Email) {
			emergency = append(emergency, AccountWithIndex{Account: account, Index: i})
		}
	}
	if len(emergency) > 0 {
		utils.Warn("[HybridStrategy] All accounts unhealthy, using least bad account")
		return emergency, FallbackEmergency
	}

	// Relax the token check too
	lastResort := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if AccountUsable(account, modelID) {
			lastResort = append(lastResort, AccountWithIndex{Account: account, Index: i})
		}
	}
	if len(lastResort) > 0 {
		utils.Warn("[HybridStrategy] All accounts exhausted, using any usable account")
		return lastResort, FallbackLastResort
	}

	return nil, FallbackNormal
}

// getEffectiveThreshold resolves the quota threshold: per-model, then
// per-account, then global.
func (s *HybridStrategy) getEffectiveThreshold(account *redis.Account, modelID string) *float64 {
	if account.ModelQuotaThresholds != nil {
		if threshold, ok := account.ModelQuotaThresholds[modelID]; ok {
			return &threshold
		}
	}
	if account.QuotaThreshold != nil {
		return account.QuotaThreshold
	}
	return s.globalThreshold
}

func (s *HybridStrategy) calculateScore(account *redis.Account, modelID string) float64 {
	email := account.Email

	healthComponent := s.healthTracker.GetScore(email) * s.weights.Health

	tokens := s.tokenBucketTracker.GetTokens(email)
	tokenRatio := tokens / s.tokenBucketTracker.GetMaxTokens()
	tokenComponent := tokenRatio * 100 * s.weights.Tokens

	quotaComponent := s.quotaTracker.GetScore(account, modelID) * s.weights.Quota

	sinceLastUse := time.Now().UnixMilli() - account.LastUsed
	if sinceLastUse > 3600000 {
		sinceLastUse = 3600000
	}
	lruComponent := float64(sinceLastUse) / 1000 * s.weights.LRU

	return healthComponent + tokenComponent + quotaComponent + lruComponent
}

// diagnoseNoCandidates explains an empty candidate set and, when every
// account is only waiting on token refill, how long until one is available.
func (s *HybridStrategy) diagnoseNoCandidates(accounts []*redis.Account, modelID string) (string, int64) {
	var unusable, unhealthy, noTokens, criticalQuota int
	withoutTokens := make([]string, 0)

	for _, account := range accounts {
		switch {
		case !AccountUsable(account, modelID):
			unusable++
		case !s.healthTracker.IsUsable(account.Email):
			unhealthy++
		case !s.tokenBucketTracker.HasTokens(account.Email):
			noTokens++
			withoutTokens = append(withoutTokens, account.Email)
		case s.quotaTracker.IsQuotaCritical(account, modelID, s.getEffectiveThreshold(account, modelID)):
			criticalQuota++
		}
	}

	if noTokens > 0 && unusable == 0 && unhealthy == 0 {
		waitMs := s.tokenBucketTracker.GetMinTimeUntilToken(withoutTokens)
		return fmt.Sprintf("all %d account(s) exhausted token bucket, waiting for refill", noTokens), waitMs
	}

	parts := make([]string, 0)
	if unusable > 0 {
		parts = append(parts, fmt.Sprintf("%d unusable/disabled", unusable))
	}
	if unhealthy > 0 {
		parts = append(parts, fmt.Sprintf("%d unhealthy", unhealthy))
	}
	if noTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d no tokens", noTokens))
	}
	if criticalQuota > 0 {
		parts = append(parts, fmt.Sprintf("%d critical quota", criticalQuota))
	}
	if len(parts) == 0 {
		return "unknown", 0
	}
	return strings.Join(parts, ", "), 0
}

// GetHealthTracker exposes the health tracker for status reporting.
func (s *HybridStrategy) GetHealthTracker() *trackers.HealthTracker {
	return s.healthTracker
}

// GetTokenBucketTracker exposes the token bucket tracker for status reporting.
func (s *HybridStrategy) GetTokenBucketTracker() *trackers.TokenBucketTracker {
	return s.tokenBucketTracker
}

// GetQuotaTracker exposes the quota tracker for status reporting.
func (s *HybridStrategy) GetQuotaTracker() *trackers.QuotaTracker {
	return s.quotaTracker
}
