package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"expired token", 401, `{"error": "token expired"}`, KindAuthExpired},
		{"revoked token", 401, `{"error": "invalid_grant"}`, KindAuthPermanentlyInvalid},
		{"permission denied", 403, `{"error": "PERMISSION_DENIED"}`, KindAuthPermanentlyInvalid},
		{"plain 403", 403, "forbidden", KindAuthExpired},
		{"user quota", 429, "RATE_LIMIT_EXCEEDED", KindRateLimitedUserQuota},
		{"daily quota", 429, "quota will reset after 04:00", KindRateLimitedDaily},
		{"capacity on 429", 429, "MODEL_CAPACITY_EXHAUSTED", KindRateLimitedCapacity},
		{"overloaded", 529, "", KindRateLimitedCapacity},
		{"capacity on 503", 503, "no capacity", KindRateLimitedCapacity},
		{"server error", 500, "internal error", KindServerTransient},
		{"bad request", 400, "INVALID_ARGUMENT", KindBadRequest},
		{"unclassifiable", 200, "", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.status, tt.body); got != tt.want {
				t.Errorf("ClassifyStatus(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"wrapped taxonomy error", fmt.Errorf("send: %w", NewBadRequest("nope")), KindBadRequest},
		{"connection refused", errors.New("dial tcp: connection refused"), KindNetworkTransient},
		{"timeout", errors.New("context deadline exceeded (Client.Timeout)"), KindNetworkTransient},
		{"revoked grant string", errors.New("oauth2: invalid_grant"), KindAuthPermanentlyInvalid},
		{"anything else", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestProxyErrorDecisions(t *testing.T) {
	if New(KindBadRequest, "bad").Retryable() {
		t.Error("bad requests must not retry")
	}
	if !New(KindServerTransient, "flaky").Retryable() {
		t.Error("transient server errors should retry")
	}
	if !NewAuthError("revoked", "a@example.com", true).SwitchesAccount() {
		t.Error("permanent auth failures should move to another account")
	}
	if New(KindRateLimitedCapacity, "full").SwitchesAccount() {
		t.Error("capacity exhaustion is model-wide, not per account")
	}
	if !NewRateLimited(KindRateLimitedDaily, "daily cap", nil, "a@example.com").IsRateLimit() {
		t.Error("daily limits are rate limits")
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	resetMs := int64(90000)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", NewAuthError("expired", "a@example.com", false), 401},
		{"bad request", NewBadRequest("nope"), 400},
		{"user quota", NewRateLimited(KindRateLimitedUserQuota, "slow down", &resetMs, "a@example.com"), 429},
		{"capacity", New(KindRateLimitedCapacity, "full"), 503},
		{"all accounts limited", NewNoAccountsError("", true, &resetMs), 429},
		{"no accounts configured", NewNoAccountsError("", false, nil), 503},
		// 400, not 429: a model dead on every account should stop client retries
		{"model exhausted", NewModelExhaustedError("gemini-3-pro-high", &resetMs, ""), 400},
		{"max retries", NewMaxRetriesError("", 7), 503},
		{"empty response", NewEmptyResponseError(""), 502},
		{"wrapped", fmt.Errorf("dispatch: %w", NewBadRequest("nope")), 400},
		{"plain error", errors.New("boom"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFromError(tt.err); got != tt.want {
				t.Errorf("HTTPStatusFromError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorTypeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{400, "invalid_request_error"},
		{401, "authentication_error"},
		{403, "permission_error"},
		{429, "rate_limit_error"},
		{502, "api_error"},
		{503, "api_error"},
		{529, "overloaded_error"},
		{500, "api_error"},
	}

	for _, tt := range tests {
		if got := ErrorTypeForStatus(tt.status); got != tt.want {
			t.Errorf("ErrorTypeForStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestUpstreamConstructor(t *testing.T) {
	pe := NewUpstream(429, "QUOTA_EXHAUSTED: per day limit")
	if pe.Kind != KindRateLimitedDaily {
		t.Errorf("kind = %s", pe.Kind)
	}
	if pe.StatusCode != 429 {
		t.Errorf("status = %d", pe.StatusCode)
	}

	empty := NewUpstream(502, "  ")
	if empty.Message == "" {
		t.Error("empty bodies should get a synthesized message")
	}
}
