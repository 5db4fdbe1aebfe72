package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/store"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// newTestManager builds an initialized manager over a temp accounts file.
func newTestManager(t *testing.T, strategy string, accounts ...*redis.Account) *Manager {
	t.Helper()

	oldPath := config.AccountConfigPath
	config.AccountConfigPath = filepath.Join(t.TempDir(), "accounts.json")
	t.Cleanup(func() { config.AccountConfigPath = oldPath })

	if len(accounts) > 0 {
		file := map[string]interface{}{"accounts": accounts}
		if err := store.SaveJSON(config.AccountConfigPath, file); err != nil {
			t.Fatalf("failed to seed accounts file: %v", err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.AccountSelection.Strategy = strategy

	m := NewManager(cfg, nil)
	if err := m.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return m
}

func testAccount(email string) *redis.Account {
	return &redis.Account{Email: email, Source: "oauth", Enabled: true, RefreshToken: "rt"}
}

func TestManagerInitializeLoadsAccounts(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"), testAccount("b@example.com"))

	if got := m.GetAccountCount(); got != 2 {
		t.Fatalf("expected 2 accounts, got %d", got)
	}
	if got := m.GetStrategyName(); got != "sticky" {
		t.Fatalf("expected sticky strategy, got %s", got)
	}
}

func TestManagerInitializeMissingFile(t *testing.T) {
	m := newTestManager(t, "hybrid")

	if got := m.GetAccountCount(); got != 0 {
		t.Fatalf("expected empty pool for missing file, got %d", got)
	}
	if _, err := m.SelectAccount(context.Background(), "gemini-3-pro-high", SelectOptions{}); err == nil {
		t.Fatal("expected an error with no accounts configured")
	}
}

func TestManagerBorrowRelease(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	acc, err := m.GetAccountByEmail("a@example.com")
	if err != nil {
		t.Fatal(err)
	}

	m.Borrow(acc)
	m.Borrow(acc)
	if acc.ActiveRequests != 2 {
		t.Fatalf("expected 2 active requests, got %d", acc.ActiveRequests)
	}

	m.Release(acc)
	m.Release(acc)
	m.Release(acc) // extra release must not go negative
	if acc.ActiveRequests != 0 {
		t.Fatalf("expected 0 active requests, got %d", acc.ActiveRequests)
	}
}

func TestManagerMarkRateLimited(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	acc, _ := m.GetAccountByEmail("a@example.com")
	model := "gemini-3-pro-high"
	key := config.QuotaKey(model, m.config.QuotaClass())

	m.MarkRateLimited(context.Background(), "a@example.com", model, 30000, "")

	info := acc.ModelRateLimits[key]
	if info == nil || !info.IsRateLimited {
		t.Fatal("expected a rate limit entry under the quota key")
	}
	if info.ActualResetMs != 30000 {
		t.Fatalf("expected server reset 30000, got %d", info.ActualResetMs)
	}
	remaining := info.ResetTime - time.Now().UnixMilli()
	if remaining < 25000 || remaining > 31000 {
		t.Fatalf("reset should be ~30s out, got %dms", remaining)
	}
	if acc.RateLimitFailures[key] != 1 {
		t.Fatalf("expected failure count 1, got %d", acc.RateLimitFailures[key])
	}
}

func TestManagerCooldownMultiplier(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	acc, _ := m.GetAccountByEmail("a@example.com")
	model := "gemini-3-pro-high"
	key := config.QuotaKey(model, m.config.QuotaClass())

	// No server reset: cooldown doubles per consecutive failure.
	for i := 0; i < 3; i++ {
		m.MarkRateLimited(context.Background(), "a@example.com", model, 0, "")
	}

	if acc.RateLimitFailures[key] != 3 {
		t.Fatalf("expected 3 failures, got %d", acc.RateLimitFailures[key])
	}
	remaining := acc.ModelRateLimits[key].ResetTime - time.Now().UnixMilli()
	// Third failure: 10s base × 2^2 = 40s
	if remaining < 35000 || remaining > 41000 {
		t.Fatalf("expected ~40s cooldown on third failure, got %dms", remaining)
	}
}

func TestManagerDailyLimitFloor(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	acc, _ := m.GetAccountByEmail("a@example.com")
	model := "gemini-3-pro-high"
	key := config.QuotaKey(model, m.config.QuotaClass())

	m.MarkRateLimited(context.Background(), "a@example.com", model, 30000, "daily")

	remaining := acc.ModelRateLimits[key].ResetTime - time.Now().UnixMilli()
	if remaining < config.DailyLimitCooldownFloorMs-5000 {
		t.Fatalf("daily limits must cool down at least an hour, got %dms", remaining)
	}
}

func TestManagerNotifySuccessClearsFailures(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	acc, _ := m.GetAccountByEmail("a@example.com")
	model := "gemini-3-pro-high"
	key := config.QuotaKey(model, m.config.QuotaClass())

	m.MarkRateLimited(context.Background(), "a@example.com", model, 0, "")
	if acc.RateLimitFailures[key] != 1 {
		t.Fatal("expected a failure recorded")
	}

	m.NotifySuccess(acc, model)
	if _, ok := acc.RateLimitFailures[key]; ok {
		t.Fatal("success should clear the failure streak")
	}
}

func TestManagerClearExpiredLimits(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	acc, _ := m.GetAccountByEmail("a@example.com")

	acc.ModelRateLimits = map[string]*redis.RateLimitInfo{
		"expired": {IsRateLimited: true, ResetTime: time.Now().Add(-time.Minute).UnixMilli()},
		"active":  {IsRateLimited: true, ResetTime: time.Now().Add(time.Minute).UnixMilli()},
	}
	acc.CoolingDownUntil = time.Now().Add(-time.Second).UnixMilli()

	cleared := m.ClearExpiredLimits()
	if cleared != 2 {
		t.Fatalf("expected 2 cleared entries, got %d", cleared)
	}
	if _, ok := acc.ModelRateLimits["active"]; !ok {
		t.Fatal("active limit should survive")
	}
	if _, ok := acc.ModelRateLimits["expired"]; ok {
		t.Fatal("expired limit should be removed")
	}
	if acc.CoolingDownUntil != 0 {
		t.Fatal("expired cooldown should be cleared")
	}
}

func TestManagerResetRateLimitsFor(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"), testAccount("b@example.com"))
	model := "gemini-3-pro-high"

	m.MarkRateLimited(context.Background(), "a@example.com", model, 60000, "")
	m.MarkRateLimited(context.Background(), "b@example.com", model, 60000, "")
	m.MarkRateLimited(context.Background(), "a@example.com", "claude-sonnet-4-5", 60000, "")

	cleared := m.ResetRateLimitsFor(model)
	if cleared != 2 {
		t.Fatalf("expected 2 cleared limits, got %d", cleared)
	}

	acc, _ := m.GetAccountByEmail("a@example.com")
	otherKey := config.QuotaKey("claude-sonnet-4-5", m.config.QuotaClass())
	if _, ok := acc.ModelRateLimits[otherKey]; !ok {
		t.Fatal("limits for other models must survive an optimistic reset")
	}
}

func TestManagerMinWaitTime(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"), testAccount("b@example.com"))
	model := "gemini-3-pro-high"

	if got := m.GetMinWaitTimeMs(model); got != 0 {
		t.Fatalf("expected zero wait with free accounts, got %d", got)
	}

	m.MarkRateLimited(context.Background(), "a@example.com", model, 60000, "")
	if got := m.GetMinWaitTimeMs(model); got != 0 {
		t.Fatalf("one account is still free, got %d", got)
	}

	m.MarkRateLimited(context.Background(), "b@example.com", model, 30000, "")
	got := m.GetMinWaitTimeMs(model)
	if got <= 0 || got > 30000 {
		t.Fatalf("expected the shortest reset (~30s), got %dms", got)
	}
	if !m.IsAllRateLimited(model) {
		t.Fatal("both accounts are limited")
	}
}

func TestManagerMarkInvalid(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	acc, _ := m.GetAccountByEmail("a@example.com")

	m.MarkInvalid(context.Background(), "a@example.com", "invalid_grant")
	if !acc.IsInvalid || acc.InvalidReason != "invalid_grant" {
		t.Fatal("expected the account to be marked invalid")
	}

	if _, err := m.SelectAccount(context.Background(), "gemini-3-pro-high", SelectOptions{}); err == nil {
		t.Fatal("invalid-only pool should fail selection")
	}

	m.ClearInvalid("a@example.com")
	if acc.IsInvalid {
		t.Fatal("expected the invalid flag to clear")
	}
}

func TestManagerSessionPinning(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"), testAccount("b@example.com"), testAccount("c@example.com"))

	first, err := m.SelectAccount(context.Background(), "gemini-3-pro-high", SelectOptions{SessionID: "conv-1"})
	if err != nil {
		t.Fatal(err)
	}

	// Cool the pinned account down so another session moves the pool cursor,
	// then lift the cooldown.
	m.SetCooldown(first.Account.Email, 60000, "test")
	second, err := m.SelectAccount(context.Background(), "gemini-3-pro-high", SelectOptions{SessionID: "conv-2"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Index == first.Index {
		t.Fatal("cooldown should move the cursor to another account")
	}
	first.Account.CoolingDownUntil = 0
	first.Account.CooldownReason = ""

	again, err := m.SelectAccount(context.Background(), "gemini-3-pro-high", SelectOptions{SessionID: "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Index != first.Index {
		t.Fatalf("session should stay pinned to index %d, got %d", first.Index, again.Index)
	}
}

func TestManagerAddRemoveAccounts(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))

	if err := m.AddOrUpdateAccount(testAccount("b@example.com")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if got := m.GetAccountCount(); got != 2 {
		t.Fatalf("expected 2 accounts, got %d", got)
	}

	// Updating an existing account must not grow the pool.
	updated := testAccount("b@example.com")
	updated.ProjectID = "proj-123"
	if err := m.AddOrUpdateAccount(updated); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := m.GetAccountCount(); got != 2 {
		t.Fatalf("update should not add, got %d accounts", got)
	}

	if err := m.RemoveAccount(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if got := m.GetAccountCount(); got != 1 {
		t.Fatalf("expected 1 account after removal, got %d", got)
	}
	if err := m.RemoveAccount(context.Background(), "missing@example.com"); err == nil {
		t.Fatal("removing an unknown account should fail")
	}
}

func TestManagerMaxAccounts(t *testing.T) {
	m := newTestManager(t, "sticky")

	for i := 0; i < m.config.MaxAccounts; i++ {
		acc := testAccount(string(rune('a'+i)) + "@example.com")
		if err := m.AddOrUpdateAccount(acc); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}

	if err := m.AddOrUpdateAccount(testAccount("overflow@example.com")); err == nil {
		t.Fatal("expected the account cap to be enforced")
	}
}

func TestManagerGetStatus(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("ok@example.com"), testAccount("bad@example.com"))
	m.MarkInvalid(context.Background(), "bad@example.com", "revoked")

	status := m.GetStatus()
	if status.Total != 2 || status.Available != 1 || status.Invalid != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Strategy != "sticky" {
		t.Fatalf("expected sticky strategy in status, got %s", status.Strategy)
	}
}

func TestManagerSetStrategy(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))

	if err := m.SetStrategy("hybrid"); err != nil {
		t.Fatalf("SetStrategy failed: %v", err)
	}
	if got := m.GetStrategyName(); got != "hybrid" {
		t.Fatalf("expected hybrid, got %s", got)
	}
	if err := m.SetStrategy("bogus"); err == nil {
		t.Fatal("unknown strategy should be rejected")
	}
}

func TestIsPermanentAuthError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"token refresh failed: invalid_grant", true},
		{"Token has been expired or revoked", true},
		{"oauth2: invalid_client", true},
		{"connection reset by peer", false},
		{"context deadline exceeded", false},
	}

	for _, tt := range tests {
		err := errorString(tt.msg)
		if got := IsPermanentAuthError(err); got != tt.want {
			t.Errorf("IsPermanentAuthError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}

	if IsPermanentAuthError(nil) {
		t.Fatal("nil error is not permanent")
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

func TestOptimisticResetIsScopedToModel(t *testing.T) {
	m := newTestManager(t, "sticky", testAccount("a@example.com"))
	gemini, claude := "gemini-3-pro-high", "claude-sonnet-4-5"

	m.MarkRateLimited(context.Background(), "a@example.com", gemini, 60000, "")
	m.MarkRateLimited(context.Background(), "a@example.com", claude, 60000, "")

	m.ResetRateLimitsFor(gemini)

	if m.IsAllRateLimited(gemini) {
		t.Fatal("the reset model should be usable again")
	}
	if !m.IsAllRateLimited(claude) {
		t.Fatal("limits for other models must survive a scoped reset")
	}
}

func TestSessionRotationTriggers(t *testing.T) {
	model := "gemini-3-pro-high"

	tests := []struct {
		name  string
		prime func(m *Manager, sessionID string, pinned, other *redis.Account)
	}{
		{
			"message budget exceeded",
			func(m *Manager, sessionID string, pinned, other *redis.Account) {
				for i := 0; i <= config.SessionRotateMaxMessages; i++ {
					m.RecordSessionUsage(sessionID, 100)
				}
			},
		},
		{
			"token budget exceeded",
			func(m *Manager, sessionID string, pinned, other *redis.Account) {
				m.RecordSessionUsage(sessionID, config.SessionRotateMaxTokens+1)
			},
		},
		{
			"pinned account drained while a peer has headroom",
			func(m *Manager, sessionID string, pinned, other *redis.Account) {
				now := time.Now().UnixMilli()
				pinned.Quota = &redis.QuotaInfo{
					Models:      map[string]*redis.ModelQuotaInfo{model: {RemainingFraction: 0.15}},
					LastChecked: now,
				}
				other.Quota = &redis.QuotaInfo{
					Models:      map[string]*redis.ModelQuotaInfo{model: {RemainingFraction: 0.90}},
					LastChecked: now,
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, "sticky", testAccount("a@example.com"), testAccount("b@example.com"))

			first, err := m.SelectAccount(context.Background(), model, SelectOptions{SessionID: "conv-1"})
			if err != nil {
				t.Fatal(err)
			}

			again, err := m.SelectAccount(context.Background(), model, SelectOptions{SessionID: "conv-1"})
			if err != nil {
				t.Fatal(err)
			}
			if again.Index != first.Index {
				t.Fatal("session should stay pinned before a trigger fires")
			}

			var other *redis.Account
			for _, acc := range m.GetAllAccounts() {
				if acc.Email != first.Account.Email {
					other = acc
				}
			}

			tt.prime(m, "conv-1", first.Account, other)

			rotated, err := m.SelectAccount(context.Background(), model, SelectOptions{SessionID: "conv-1"})
			if err != nil {
				t.Fatal(err)
			}
			if rotated.Index == first.Index {
				t.Fatal("trigger should rotate the session to another account")
			}
		})
	}
}

func TestSessionRotationResetsCounters(t *testing.T) {
	model := "gemini-3-pro-high"
	m := newTestManager(t, "sticky", testAccount("a@example.com"), testAccount("b@example.com"))

	first, err := m.SelectAccount(context.Background(), model, SelectOptions{SessionID: "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordSessionUsage("conv-1", config.SessionRotateMaxTokens+1)

	rotated, err := m.SelectAccount(context.Background(), model, SelectOptions{SessionID: "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if rotated.Index == first.Index {
		t.Fatal("token budget should rotate the session")
	}

	// The fresh pin starts from zero; the session stays put now.
	steady, err := m.SelectAccount(context.Background(), model, SelectOptions{SessionID: "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if steady.Index != rotated.Index {
		t.Fatal("rotated session should settle on the new account")
	}
}
