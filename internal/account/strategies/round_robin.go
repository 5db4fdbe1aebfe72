package strategies

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// RoundRobinStrategy rotates to the next usable account on every request.
// Maximizes concurrency at the cost of prompt-cache continuity.
type RoundRobinStrategy struct {
	*BaseStrategy
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinStrategy creates a RoundRobinStrategy.
func NewRoundRobinStrategy(cfg *Config) *RoundRobinStrategy {
	return &RoundRobinStrategy{BaseStrategy: NewBaseStrategy(cfg)}
}

// SelectAccount picks the next usable account after the cursor.
func (s *RoundRobinStrategy) SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: 0, WaitMs: 0}
	}

	if s.cursor >= len(accounts) {
		s.cursor = 0
	}

	start := (s.cursor + 1) % len(accounts)
	for i := 0; i < len(accounts); i++ {
		idx := (start + i) % len(accounts)
		account := accounts[idx]

		if AccountUsable(account, modelID) {
			account.LastUsed = time.Now().UnixMilli()
			s.cursor = idx
			if options.OnSave != nil {
				options.OnSave()
			}
			utils.Info("[RoundRobinStrategy] Using account: %s (%d/%d)",
				utils.MaskEmail(account.Email), idx+1, len(accounts))
			return &SelectionResult{Account: account, Index: idx, WaitMs: 0}
		}
	}

	return &SelectionResult{Account: nil, Index: s.cursor, WaitMs: 0}
}

// ResetCursor resets the rotation cursor.
func (s *RoundRobinStrategy) ResetCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}
