package cloudcode

import (
	"net/http"
	"testing"
)

func TestParseResetTimeFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		body    string
		want    int64
	}{
		{
			name:    "retry-after seconds",
			headers: map[string]string{"Retry-After": "30"},
			want:    30000,
		},
		{
			name:    "x-ratelimit-reset-after",
			headers: map[string]string{"X-Ratelimit-Reset-After": "45"},
			want:    45000,
		},
		{
			name: "quotaResetDelay milliseconds in body",
			body: `{"error": {"message": "quotaResetDelay: 754ms"}}`,
			want: 754,
		},
		{
			name: "quotaResetDelay seconds in body",
			body: `quotaResetDelay: 1.5s`,
			want: 1500,
		},
		{
			name: "retryDelay seconds in body",
			body: `"retryDelay": "30s"`,
			want: 30000,
		},
		{
			name: "retry after phrase",
			body: "please retry after 60 seconds",
			want: 60000,
		},
		{
			name: "go duration",
			body: "quota will reset in 5m30s",
			want: 330000,
		},
		{
			name: "nothing found",
			body: "something went wrong",
			want: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}
			if got := ParseResetTime(headers, tt.body); got != tt.want {
				t.Errorf("ParseResetTime() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseResetTimePadsShortResets(t *testing.T) {
	headers := http.Header{}
	got := ParseResetTime(headers, "quotaResetDelay: 100ms")
	if got != 300 {
		t.Errorf("short reset should be padded by 200ms, got %d", got)
	}
}

func TestParseLimitReason(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		status int
		want   LimitReason
	}{
		{"529 is capacity", "whatever", 529, LimitReasonCapacityExhausted},
		{"503 is capacity", "", 503, LimitReasonCapacityExhausted},
		{"500 is server error", "", 500, LimitReasonServerError},
		{"quota exhausted", "QUOTA_EXHAUSTED for model", 429, LimitReasonQuotaExhausted},
		{"daily limit", "You hit your daily limit", 429, LimitReasonQuotaExhausted},
		{"capacity in body", "model is currently overloaded", 429, LimitReasonCapacityExhausted},
		{"rate limit in body", "Too many requests", 429, LimitReasonRateLimited},
		{"throttled", "request was throttled", 429, LimitReasonRateLimited},
		{"unknown", "mysterious failure", 429, LimitReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLimitReason(tt.text, tt.status); got != tt.want {
				t.Errorf("ParseLimitReason(%q, %d) = %s, want %s", tt.text, tt.status, got, tt.want)
			}
		})
	}
}

func TestIsModelCapacityExhausted(t *testing.T) {
	if !IsModelCapacityExhausted("MODEL_CAPACITY_EXHAUSTED") {
		t.Error("capacity marker should match")
	}
	if IsModelCapacityExhausted("quota exceeded") {
		t.Error("quota error is not a capacity issue")
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{`{"error": "invalid_grant"}`, true},
		{"Token has been expired or revoked", true},
		{"invalid_client: bad secret", true},
		{"temporary auth hiccup", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsPermanentAuthFailure(tt.text); got != tt.want {
			t.Errorf("IsPermanentAuthFailure(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestLimitTypeFor(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"you hit your daily limit", "daily"},
		{"QUOTA_EXHAUSTED", "quota"},
		{"model is currently overloaded", "capacity"},
		{"too many requests", "rate"},
		{"mystery", "rate"},
	}

	for _, tt := range tests {
		if got := limitTypeFor(tt.text); got != tt.want {
			t.Errorf("limitTypeFor(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
