package trackers

import (
	"testing"
	"time"

	"github.com/poemonsense/claudegate/pkg/redis"
)

func quotaAccount(fraction float64, checkedAgo time.Duration) *redis.Account {
	return &redis.Account{
		Email: "quota@example.com",
		Quota: &redis.QuotaInfo{
			Models: map[string]*redis.ModelQuotaInfo{
				"gemini-3-pro-high": {RemainingFraction: fraction},
			},
			LastChecked: time.Now().Add(-checkedAgo).UnixMilli(),
		},
	}
}

func TestQuotaFraction(t *testing.T) {
	tracker := NewQuotaTracker(DefaultQuotaConfig())

	if got := tracker.GetQuotaFraction(nil, "gemini-3-pro-high"); got != -1 {
		t.Fatalf("nil account should be unknown, got %v", got)
	}
	if got := tracker.GetQuotaFraction(&redis.Account{}, "gemini-3-pro-high"); got != -1 {
		t.Fatalf("account without snapshot should be unknown, got %v", got)
	}

	acc := quotaAccount(0.42, time.Minute)
	if got := tracker.GetQuotaFraction(acc, "gemini-3-pro-high"); got != 0.42 {
		t.Fatalf("fraction = %v, want 0.42", got)
	}
	if got := tracker.GetQuotaFraction(acc, "other-model"); got != -1 {
		t.Fatalf("unlisted model should be unknown, got %v", got)
	}
}

func TestQuotaCritical(t *testing.T) {
	tracker := NewQuotaTracker(DefaultQuotaConfig())

	tests := []struct {
		name      string
		account   *redis.Account
		threshold *float64
		want      bool
	}{
		{"fresh and below threshold", quotaAccount(0.02, time.Minute), nil, true},
		{"fresh and above threshold", quotaAccount(0.5, time.Minute), nil, false},
		{"stale snapshot is ignored", quotaAccount(0.02, time.Hour), nil, false},
		{"unknown quota is not critical", &redis.Account{}, nil, false},
		{"override raises the threshold", quotaAccount(0.15, time.Minute), floatPtr(0.2), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tracker.IsQuotaCritical(tt.account, "gemini-3-pro-high", tt.threshold)
			if got != tt.want {
				t.Errorf("IsQuotaCritical = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuotaScore(t *testing.T) {
	tracker := NewQuotaTracker(DefaultQuotaConfig())

	if got := tracker.GetScore(&redis.Account{}, "gemini-3-pro-high"); got != 50 {
		t.Fatalf("unknown quota should score 50, got %v", got)
	}

	fresh := quotaAccount(0.8, time.Minute)
	if got := tracker.GetScore(fresh, "gemini-3-pro-high"); got != 80 {
		t.Fatalf("fresh score = %v, want 80", got)
	}

	stale := quotaAccount(0.8, time.Hour)
	if got := tracker.GetScore(stale, "gemini-3-pro-high"); got != 72 {
		t.Fatalf("stale score should carry a 0.9 penalty, got %v want 72", got)
	}
}

func TestQuotaFreshness(t *testing.T) {
	tracker := NewQuotaTracker(DefaultQuotaConfig())

	if tracker.IsQuotaFresh(quotaAccount(0.5, time.Hour)) {
		t.Fatal("hour-old snapshot should be stale")
	}
	if !tracker.IsQuotaFresh(quotaAccount(0.5, time.Minute)) {
		t.Fatal("minute-old snapshot should be fresh")
	}
}

func floatPtr(f float64) *float64 { return &f }
