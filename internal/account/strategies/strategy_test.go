package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/pkg/redis"
)

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"sticky", "*strategies.StickyStrategy"},
		{"round-robin", "*strategies.RoundRobinStrategy"},
		{"roundrobin", "*strategies.RoundRobinStrategy"},
		{"hybrid", "*strategies.HybridStrategy"},
		{"", "*strategies.HybridStrategy"},
		{"bogus", "*strategies.HybridStrategy"},
	}

	for _, tt := range tests {
		s := NewStrategy(tt.name, nil)
		if s == nil {
			t.Fatalf("NewStrategy(%q) returned nil", tt.name)
		}
		switch tt.want {
		case "*strategies.StickyStrategy":
			if _, ok := s.(*StickyStrategy); !ok {
				t.Errorf("NewStrategy(%q) = %T, want StickyStrategy", tt.name, s)
			}
		case "*strategies.RoundRobinStrategy":
			if _, ok := s.(*RoundRobinStrategy); !ok {
				t.Errorf("NewStrategy(%q) = %T, want RoundRobinStrategy", tt.name, s)
			}
		case "*strategies.HybridStrategy":
			if _, ok := s.(*HybridStrategy); !ok {
				t.Errorf("NewStrategy(%q) = %T, want HybridStrategy", tt.name, s)
			}
		}
	}
}

func TestIsValidStrategy(t *testing.T) {
	for _, name := range []string{"sticky", "round-robin", "roundrobin", "hybrid"} {
		if !IsValidStrategy(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	for _, name := range []string{"", "random", "weighted"} {
		if IsValidStrategy(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestRoundRobinRotation(t *testing.T) {
	s := NewRoundRobinStrategy(nil)
	accounts := []*redis.Account{
		usableAccount("a@example.com"),
		usableAccount("b@example.com"),
		usableAccount("c@example.com"),
	}

	var order []int
	for i := 0; i < 4; i++ {
		result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
		if result.Account == nil {
			t.Fatalf("selection %d returned no account", i)
		}
		order = append(order, result.Index)
	}

	want := []int{1, 2, 0, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rotation order = %v, want %v", order, want)
		}
	}
}

func TestRoundRobinSkipsUnusable(t *testing.T) {
	s := NewRoundRobinStrategy(nil)
	accounts := []*redis.Account{
		usableAccount("a@example.com"),
		{Email: "b@example.com", Enabled: false},
		usableAccount("c@example.com"),
	}

	first := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
	if first.Index != 2 {
		t.Fatalf("expected index 2 (skipping disabled), got %d", first.Index)
	}

	second := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
	if second.Index != 0 {
		t.Fatalf("expected wrap to index 0, got %d", second.Index)
	}
}

func TestRoundRobinAllUnusable(t *testing.T) {
	s := NewRoundRobinStrategy(nil)
	accounts := []*redis.Account{
		{Email: "a@example.com", Enabled: false},
		{Email: "b@example.com", Enabled: true, IsInvalid: true},
	}

	result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
	if result.Account != nil {
		t.Fatal("expected no selection when every account is unusable")
	}
}

func TestStickyKeepsCurrentAccount(t *testing.T) {
	s := NewStickyStrategy(nil)
	accounts := []*redis.Account{
		usableAccount("a@example.com"),
		usableAccount("b@example.com"),
	}

	for i := 0; i < 3; i++ {
		result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{CurrentIndex: 1})
		if result.Account == nil || result.Index != 1 {
			t.Fatalf("sticky should keep index 1, got %+v", result)
		}
	}
}

func TestStickyFailover(t *testing.T) {
	s := NewStickyStrategy(nil)
	accounts := []*redis.Account{
		{Email: "a@example.com", Enabled: true, IsInvalid: true},
		usableAccount("b@example.com"),
	}

	result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{CurrentIndex: 0})
	if result.Account == nil || result.Index != 1 {
		t.Fatalf("expected failover to index 1, got %+v", result)
	}
}

func TestStickyWaitsForPinnedAccount(t *testing.T) {
	model := "gemini-3-pro-high"
	quotaKey := config.QuotaKey(model, config.GetConfig().QuotaClass())

	pinned := usableAccount("pinned@example.com")
	pinned.ModelRateLimits = map[string]*redis.RateLimitInfo{
		quotaKey: {IsRateLimited: true, ResetTime: time.Now().Add(30 * time.Second).UnixMilli()},
	}

	s := NewStickyStrategy(nil)
	result := s.SelectAccount(context.Background(), []*redis.Account{pinned}, model, SelectOptions{CurrentIndex: 0})

	if result.Account != nil {
		t.Fatal("expected no account while the pin is rate-limited")
	}
	if result.WaitMs <= 0 || result.WaitMs > 30*1000 {
		t.Fatalf("expected a wait within the reset window, got %dms", result.WaitMs)
	}
}

func TestStickyGivesUpOnLongWait(t *testing.T) {
	model := "gemini-3-pro-high"
	quotaKey := config.QuotaKey(model, config.GetConfig().QuotaClass())

	pinned := usableAccount("pinned@example.com")
	pinned.ModelRateLimits = map[string]*redis.RateLimitInfo{
		quotaKey: {IsRateLimited: true, ResetTime: time.Now().Add(2 * time.Hour).UnixMilli()},
	}

	s := NewStickyStrategy(nil)
	result := s.SelectAccount(context.Background(), []*redis.Account{pinned}, model, SelectOptions{CurrentIndex: 0})

	if result.Account != nil {
		t.Fatal("expected no account")
	}
	if result.WaitMs != 0 {
		t.Fatalf("a two-hour reset is past the wait cap, got %dms", result.WaitMs)
	}
}

func TestHybridPrefersHealthyAccount(t *testing.T) {
	s := NewHybridStrategy(nil)
	accounts := []*redis.Account{
		usableAccount("troubled@example.com"),
		usableAccount("healthy@example.com"),
	}

	// Knock the first account's health down but keep it above the floor.
	s.GetHealthTracker().RecordRateLimit("troubled@example.com")

	result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
	if result.Account == nil {
		t.Fatal("expected a selection")
	}
	if result.Index != 1 {
		t.Fatalf("expected the healthy account (index 1), got %d", result.Index)
	}
}

func TestHybridEmergencyFallback(t *testing.T) {
	s := NewHybridStrategy(nil)
	accounts := []*redis.Account{usableAccount("only@example.com")}

	// Push health below the usable floor; the emergency tier should still
	// serve the request, throttled.
	s.GetHealthTracker().RecordFailure("only@example.com")
	s.GetHealthTracker().RecordFailure("only@example.com")

	result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
	if result.Account == nil {
		t.Fatal("emergency tier should still select the account")
	}
	if result.WaitMs != 250 {
		t.Fatalf("emergency selection should throttle 250ms, got %d", result.WaitMs)
	}
}

func TestHybridLastResortSkipsTokenConsume(t *testing.T) {
	s := NewHybridStrategy(nil)
	email := "exhausted@example.com"
	accounts := []*redis.Account{usableAccount(email)}

	for i := 0; i < 50; i++ {
		s.GetTokenBucketTracker().Consume(email)
	}
	s.GetHealthTracker().RecordFailure(email)
	s.GetHealthTracker().RecordFailure(email)

	before := s.GetTokenBucketTracker().GetTokens(email)
	result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
	if result.Account == nil {
		t.Fatal("last resort should still select the account")
	}
	if result.WaitMs != 500 {
		t.Fatalf("last resort should throttle 500ms, got %d", result.WaitMs)
	}
	after := s.GetTokenBucketTracker().GetTokens(email)
	if after < before {
		t.Fatal("last resort must not consume a token")
	}
}

func TestHybridQuotaFallback(t *testing.T) {
	s := NewHybridStrategy(nil)
	model := "gemini-3-pro-high"

	critical := usableAccount("critical@example.com")
	critical.Quota = &redis.QuotaInfo{
		// Below the critical threshold but above the hard usability floor.
		Models:      map[string]*redis.ModelQuotaInfo{model: {RemainingFraction: 0.11}},
		LastChecked: time.Now().UnixMilli(),
	}
	critical.QuotaThreshold = floatPtr(0.15)

	result := s.SelectAccount(context.Background(), []*redis.Account{critical}, model, SelectOptions{})
	if result.Account == nil {
		t.Fatal("quota fallback should still select the account")
	}
}

func TestHybridFailureRefundsToken(t *testing.T) {
	s := NewHybridStrategy(nil)
	email := "refund@example.com"
	accounts := []*redis.Account{usableAccount(email)}

	result := s.SelectAccount(context.Background(), accounts, "gemini-3-pro-high", SelectOptions{})
	if result.Account == nil {
		t.Fatal("expected a selection")
	}
	afterSelect := s.GetTokenBucketTracker().GetTokens(email)

	s.OnFailure(result.Account, "gemini-3-pro-high")
	afterRefund := s.GetTokenBucketTracker().GetTokens(email)
	if afterRefund <= afterSelect {
		t.Fatalf("failure should refund the consumed token: %v -> %v", afterSelect, afterRefund)
	}
}

func floatPtr(f float64) *float64 { return &f }
