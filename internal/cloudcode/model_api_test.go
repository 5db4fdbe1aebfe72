package cloudcode

import "testing"

func TestParseTierID(t *testing.T) {
	tests := []struct {
		tierID string
		want   string
	}{
		{"", "unknown"},
		{"free-tier", "free"},
		{"g1-pro-tier", "pro"},
		{"premium-tier", "pro"},
		{"standard-tier", "pro"},
		{"g1-ultra-tier", "ultra"},
		{"legacy-free", "free"},
		{"enterprise", "unknown"},
	}

	for _, tt := range tests {
		if got := ParseTierID(tt.tierID); got != tt.want {
			t.Errorf("ParseTierID(%q) = %q, want %q", tt.tierID, got, tt.want)
		}
	}
}

func TestIsSupportedModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-5", true},
		{"gemini-3-pro-high", true},
		{"chat-bison", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isSupportedModel(tt.model); got != tt.want {
			t.Errorf("isSupportedModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
