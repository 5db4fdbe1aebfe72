package strategies

import (
	"context"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// Strategy names
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

// SelectOptions carries per-request selection context.
type SelectOptions struct {
	// CurrentIndex is the pool's cursor / sticky index.
	CurrentIndex int
	// SessionID pins sticky selection to a conversation.
	SessionID string
	// OnSave is invoked when the strategy mutates persistent account state.
	OnSave func()
}

// SelectionResult is the outcome of account selection. A nil Account with a
// positive WaitMs means the caller should wait and retry; a nil Account with
// WaitMs zero means no account can serve the request.
type SelectionResult struct {
	Account *redis.Account
	Index   int
	WaitMs  int64
}

// Strategy selects accounts and receives request outcome feedback.
type Strategy interface {
	SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult

	OnSuccess(account *redis.Account, modelID string)
	OnRateLimit(account *redis.Account, modelID string)
	OnFailure(account *redis.Account, modelID string)
}

// Config holds strategy tuning, sourced from the account selection config.
type Config struct {
	HealthScore config.HealthScoreConfig
	TokenBucket config.TokenBucketConfig
	Quota       config.QuotaConfig
	Weights     *WeightConfig
}

// WeightConfig holds scoring weights for the hybrid strategy.
type WeightConfig struct {
	Health float64
	Tokens float64
	Quota  float64
	LRU    float64
}

// DefaultWeights returns the default scoring weights.
func DefaultWeights() *WeightConfig {
	return &WeightConfig{
		Health: 2.0,
		Tokens: 5.0,
		Quota:  3.0,
		LRU:    0.1,
	}
}

// ConfigFromSelection builds a strategy Config from the runtime account
// selection settings.
func ConfigFromSelection(sel config.AccountSelectionConfig) *Config {
	cfg := &Config{}
	if sel.HealthScore != nil {
		cfg.HealthScore = *sel.HealthScore
	}
	if sel.TokenBucket != nil {
		cfg.TokenBucket = *sel.TokenBucket
	}
	if sel.Quota != nil {
		cfg.Quota = *sel.Quota
	}
	if sel.Weights != nil {
		cfg.Weights = &WeightConfig{
			Health: sel.Weights.Health,
			Tokens: sel.Weights.Tokens,
			Quota:  sel.Weights.Quota,
			LRU:    sel.Weights.Lru,
		}
	}
	return cfg
}

// NewStrategy creates a strategy instance by name, falling back to the
// default strategy for unknown names.
func NewStrategy(strategyName string, cfg *Config) Strategy {
	name := strategyName
	if name == "" {
		name = config.DefaultSelectionStrategy
	}

	switch name {
	case StrategySticky:
		return NewStickyStrategy(cfg)
	case StrategyRoundRobin, "roundrobin":
		return NewRoundRobinStrategy(cfg)
	case StrategyHybrid:
		return NewHybridStrategy(cfg)
	default:
		utils.Warn("[Strategy] Unknown strategy %q, falling back to %s", strategyName, config.DefaultSelectionStrategy)
		return NewHybridStrategy(cfg)
	}
}

// IsValidStrategy reports whether a strategy name is recognized.
func IsValidStrategy(name string) bool {
	switch name {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid, "roundrobin":
		return true
	default:
		return false
	}
}

// GetStrategyLabel returns the display label for a strategy.
func GetStrategyLabel(name string) string {
	if name == "" {
		name = config.DefaultSelectionStrategy
	}
	if name == "roundrobin" {
		name = StrategyRoundRobin
	}
	if label, ok := config.StrategyLabels[name]; ok {
		return label
	}
	return config.StrategyLabels[config.DefaultSelectionStrategy]
}
