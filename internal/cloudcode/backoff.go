package cloudcode

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
)

// limitState tracks consecutive 429s per account+model.
type limitState struct {
	consecutive int
	lastAt      time.Time
}

// BackoffTracker deduplicates rate-limit hits and computes exponential
// backoff per account+model pair. Safe for concurrent use.
type BackoffTracker struct {
	mu     sync.Mutex
	states map[string]*limitState
	stop   chan struct{}
}

// Backoff is the outcome of a rate-limit hit.
type Backoff struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

func NewBackoffTracker() *BackoffTracker {
	return &BackoffTracker{states: make(map[string]*limitState)}
}

func backoffKey(email, model string) string {
	return email + ":" + model
}

// Next records a rate-limit hit and returns the backoff to apply. Hits inside
// the dedup window come back with IsDuplicate set so the caller switches
// accounts instead of sleeping again.
func (t *BackoffTracker) Next(email, model string, serverRetryAfterMs int64) *Backoff {
	now := time.Now()
	key := backoffKey(email, model)

	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.states[key]

	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		return &Backoff{
			Attempt:     previous.consecutive,
			DelayMs:     exponentialDelay(serverRetryAfterMs, previous.consecutive),
			IsDuplicate: true,
		}
	}

	// Streaks reset after a quiet period.
	attempt := 1
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.consecutive + 1
	}

	t.states[key] = &limitState{consecutive: attempt, lastAt: now}

	delay := exponentialDelay(serverRetryAfterMs, attempt)
	utils.Debug("[CloudCode] Rate limit backoff for %s:%s: attempt=%d, delayMs=%d",
		utils.MaskEmail(email), model, attempt, delay)
	return &Backoff{Attempt: attempt, DelayMs: delay, IsDuplicate: false}
}

func exponentialDelay(serverRetryAfterMs int64, attempt int) int64 {
	base := serverRetryAfterMs
	if base <= 0 {
		base = config.FirstRetryDelayMs
	}
	scaled := int64(math.Min(float64(base)*math.Pow(2, float64(attempt-1)), 60000))
	return utils.Max(base, scaled)
}

// Clear drops the streak after a successful request.
func (t *BackoffTracker) Clear(email, model string) {
	t.mu.Lock()
	delete(t.states, backoffKey(email, model))
	t.mu.Unlock()
}

// StartSweep prunes stale streaks once a minute until StopSweep is called.
func (t *BackoffTracker) StartSweep() {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

func (t *BackoffTracker) StopSweep() {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.mu.Unlock()
}

func (t *BackoffTracker) sweep() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)
	t.mu.Lock()
	for key, state := range t.states {
		if state.lastAt.Before(cutoff) {
			delete(t.states, key)
		}
	}
	t.mu.Unlock()
}

// CalculateSmartBackoff picks a cooldown for a throttled account. A
// server-provided reset time wins; otherwise the delay depends on why the
// request was throttled.
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return utils.Max(serverResetMs, config.MinBackoffMs)
	}

	switch ParseLimitReason(errorText, 0) {
	case LimitReasonQuotaExhausted:
		tier := utils.MinInt(consecutiveFailures, len(config.QuotaExhaustedBackoffTiersMs)-1)
		return config.QuotaExhaustedBackoffTiersMs[tier]
	case LimitReasonRateLimited:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case LimitReasonCapacityExhausted:
		// Jitter spreads retries from concurrent clients.
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case LimitReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

// limitTypeFor maps a throttling response to the cooldown class the account
// pool understands. Daily limits get a long cooldown floor.
func limitTypeFor(errorText string) string {
	lower := strings.ToLower(errorText)
	if strings.Contains(lower, "daily limit") || strings.Contains(lower, "per day") {
		return "daily"
	}
	switch ParseLimitReason(errorText, 0) {
	case LimitReasonQuotaExhausted:
		return "quota"
	case LimitReasonCapacityExhausted:
		return "capacity"
	default:
		return "rate"
	}
}
