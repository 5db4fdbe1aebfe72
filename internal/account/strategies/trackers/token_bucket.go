package trackers

import (
	"math"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
)

// TokenBucket stores the bucket state for one account.
type TokenBucket struct {
	Tokens      float64
	LastUpdated time.Time
}

// TokenBucketTracker implements client-side throttling: each account holds a
// bucket of request tokens that regenerate over time. Accounts with an empty
// bucket are deprioritized until tokens refill.
type TokenBucketTracker struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  config.TokenBucketConfig
}

// DefaultTokenBucketConfig returns the default bucket parameters.
func DefaultTokenBucketConfig() config.TokenBucketConfig {
	return config.TokenBucketConfig{
		MaxTokens:       50,
		TokensPerMinute: 6,
		InitialTokens:   50,
	}
}

// NewTokenBucketTracker creates a TokenBucketTracker, filling unset fields
// with defaults.
func NewTokenBucketTracker(cfg config.TokenBucketConfig) *TokenBucketTracker {
	defaults := DefaultTokenBucketConfig()
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.TokensPerMinute == 0 {
		cfg.TokensPerMinute = defaults.TokensPerMinute
	}
	if cfg.InitialTokens == 0 {
		cfg.InitialTokens = defaults.InitialTokens
	}

	return &TokenBucketTracker{
		buckets: make(map[string]*TokenBucket),
		config:  cfg,
	}
}

// GetTokens returns the current token count with regeneration applied.
func (t *TokenBucketTracker) GetTokens(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getTokensLocked(email)
}

func (t *TokenBucketTracker) getTokensLocked(email string) float64 {
	bucket, ok := t.buckets[email]
	if !ok {
		return t.config.InitialTokens
	}

	regenerated := time.Since(bucket.LastUpdated).Minutes() * t.config.TokensPerMinute
	tokens := bucket.Tokens + regenerated
	if tokens > t.config.MaxTokens {
		return t.config.MaxTokens
	}
	return tokens
}

// HasTokens reports whether at least one full token is available.
func (t *TokenBucketTracker) HasTokens(email string) bool {
	return t.GetTokens(email) >= 1
}

// Consume takes one token. Returns false when the bucket is empty.
func (t *TokenBucketTracker) Consume(email string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := t.getTokensLocked(email)
	if tokens < 1 {
		return false
	}
	t.buckets[email] = &TokenBucket{Tokens: tokens - 1, LastUpdated: time.Now()}
	return true
}

// Refund returns one token, e.g. when the request failed before the upstream
// did any work.
func (t *TokenBucketTracker) Refund(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := t.getTokensLocked(email) + 1
	if tokens > t.config.MaxTokens {
		tokens = t.config.MaxTokens
	}
	t.buckets[email] = &TokenBucket{Tokens: tokens, LastUpdated: time.Now()}
}

// GetMaxTokens returns the bucket capacity.
func (t *TokenBucketTracker) GetMaxTokens() float64 {
	return t.config.MaxTokens
}

// Reset refills the bucket to the initial level.
func (t *TokenBucketTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[email] = &TokenBucket{Tokens: t.config.InitialTokens, LastUpdated: time.Now()}
}

// Clear drops all buckets.
func (t *TokenBucketTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[string]*TokenBucket)
}

// GetTimeUntilNextToken returns milliseconds until the account regenerates a
// full token; zero when one is already available.
func (t *TokenBucketTracker) GetTimeUntilNextToken(email string) int64 {
	tokens := t.GetTokens(email)
	if tokens >= 1 {
		return 0
	}
	minutesNeeded := (1 - tokens) / t.config.TokensPerMinute
	return int64(math.Ceil(minutesNeeded * 60 * 1000))
}

// GetMinTimeUntilToken returns the shortest refill wait across the accounts.
func (t *TokenBucketTracker) GetMinTimeUntilToken(emails []string) int64 {
	if len(emails) == 0 {
		return 0
	}

	minWait := int64(math.MaxInt64)
	for _, email := range emails {
		wait := t.GetTimeUntilNextToken(email)
		if wait == 0 {
			return 0
		}
		if wait < minWait {
			minWait = wait
		}
	}
	if minWait == int64(math.MaxInt64) {
		return 0
	}
	return minWait
}

// GetAllBuckets returns current token counts per account.
func (t *TokenBucketTracker) GetAllBuckets() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]float64, len(t.buckets))
	for email := range t.buckets {
		result[email] = t.getTokensLocked(email)
	}
	return result
}
