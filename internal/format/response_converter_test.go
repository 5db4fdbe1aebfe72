package format

import (
	"strings"
	"testing"
)

func TestConvertGoogleToAnthropicTextAndUsage(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content:      &GoogleContent{Role: "model", Parts: []GooglePart{{Text: "hello there"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{
			PromptTokenCount:        100,
			CandidatesTokenCount:    20,
			CachedContentTokenCount: 30,
		},
	}

	got := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5")
	if got.Role != "assistant" || got.Type != "message" {
		t.Errorf("envelope = %s/%s", got.Type, got.Role)
	}
	if len(got.Content) != 1 || got.Content[0].Text != "hello there" {
		t.Errorf("content = %+v", got.Content)
	}
	if got.StopReason != "end_turn" {
		t.Errorf("stopReason = %s, want end_turn", got.StopReason)
	}
	if got.Usage.InputTokens != 70 {
		t.Errorf("inputTokens = %d, want prompt minus cached", got.Usage.InputTokens)
	}
	if got.Usage.CacheReadInputTokens != 30 || got.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestConvertGoogleToAnthropicWrappedResponse(t *testing.T) {
	resp := &GoogleResponse{
		Response: &GoogleResponseInner{
			Candidates: []Candidate{{
				Content: &GoogleContent{Parts: []GooglePart{{Text: "wrapped"}}},
			}},
			UsageMetadata: &UsageMetadata{CandidatesTokenCount: 5},
		},
	}

	got := ConvertGoogleToAnthropic(resp, "gemini-3-flash")
	if len(got.Content) != 1 || got.Content[0].Text != "wrapped" {
		t.Errorf("wrapped candidates not unwrapped: %+v", got.Content)
	}
	if got.Usage.OutputTokens != 5 {
		t.Errorf("wrapped usage not unwrapped: %+v", got.Usage)
	}
}

func TestConvertGoogleToAnthropicToolCall(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{FunctionCall: &FunctionCall{
					Name: "get_weather",
					Args: map[string]interface{}{"city": "Oslo"},
					ID:   "toolu_xyz",
				}},
			}},
			FinishReason: "STOP",
		}},
	}

	got := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5")
	if got.StopReason != "tool_use" {
		t.Errorf("stopReason = %s, want tool_use", got.StopReason)
	}
	block := got.Content[0]
	if block.Type != "tool_use" || block.Name != "get_weather" || block.ID != "toolu_xyz" {
		t.Errorf("block = %+v", block)
	}
	if !strings.Contains(string(block.Input), "Oslo") {
		t.Errorf("input = %s", block.Input)
	}
}

func TestConvertGoogleToAnthropicToolCallGeneratesID(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{FunctionCall: &FunctionCall{Name: "run"}},
			}},
		}},
	}

	got := ConvertGoogleToAnthropic(resp, "gemini-3-flash")
	if !strings.HasPrefix(got.Content[0].ID, "toolu_") {
		t.Errorf("id = %q, want generated toolu_ id", got.Content[0].ID)
	}
}

func TestConvertGoogleToAnthropicThinking(t *testing.T) {
	cache := GetGlobalSignatureCache()
	defer cache.ClearAll()

	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{Text: "reasoning", Thought: true, ThoughtSignature: validSignature},
				{Text: "answer"},
			}},
			FinishReason: "STOP",
		}},
	}

	got := ConvertGoogleToAnthropic(resp, "gemini-3-pro-high")
	if got.Content[0].Type != "thinking" || got.Content[0].Signature != validSignature {
		t.Errorf("thinking block = %+v", got.Content[0])
	}
	if got.Content[1].Type != "text" {
		t.Errorf("second block = %+v", got.Content[1])
	}
	if cache.GetCachedSignatureFamily(validSignature) != "gemini" {
		t.Error("signature family should be cached from the response")
	}
}

func TestConvertGoogleToAnthropicRedactedThinking(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{Thought: true, ThoughtSignature: validSignature},
			}},
		}},
	}

	got := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5-thinking")
	if got.Content[0].Type != "redacted_thinking" || got.Content[0].Data != validSignature {
		t.Errorf("block = %+v, want redacted_thinking", got.Content[0])
	}
}

func TestConvertGoogleToAnthropicSafetyBlock(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			FinishReason: "SAFETY",
			SafetyRatings: []SafetyRating{
				{Category: "HARM_CATEGORY_DANGEROUS", Probability: "HIGH", Blocked: true},
			},
		}},
	}

	got := ConvertGoogleToAnthropic(resp, "gemini-3-flash")
	if len(got.Content) != 1 || got.Content[0].Type != "text" {
		t.Fatalf("content = %+v", got.Content)
	}
	if !strings.Contains(got.Content[0].Text, "HARM_CATEGORY_DANGEROUS") {
		t.Errorf("text = %q, want blocked category named", got.Content[0].Text)
	}
	if got.StopReason != "end_turn" {
		t.Errorf("stopReason = %s", got.StopReason)
	}
}

func TestConvertGoogleToAnthropicGroundingSources(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{{Text: "per the docs"}}},
			GroundingMetadata: &GroundingMetadata{
				GroundingChunks: []GroundingChunk{
					{Web: &GroundingWeb{URI: "https://go.dev", Title: "The Go site"}},
				},
			},
		}},
	}

	got := ConvertGoogleToAnthropic(resp, "gemini-3-flash")
	last := got.Content[len(got.Content)-1]
	if !strings.Contains(last.Text, "Sources:") || !strings.Contains(last.Text, "https://go.dev") {
		t.Errorf("sources block = %q", last.Text)
	}
}

func TestConvertGoogleToAnthropicEmptyResponse(t *testing.T) {
	got := ConvertGoogleToAnthropic(&GoogleResponse{}, "claude-sonnet-4-5")
	if len(got.Content) != 1 || got.Content[0].Type != "text" {
		t.Errorf("empty response should yield one empty text block, got %+v", got.Content)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct {
		finish   string
		hasTools bool
		want     string
	}{
		{"STOP", false, "end_turn"},
		{"STOP", true, "tool_use"},
		{"TOOL_USE", false, "tool_use"},
		{"MAX_TOKENS", false, "max_tokens"},
		{"", false, "end_turn"},
	}
	for _, tt := range tests {
		if got := MapStopReason(tt.finish, tt.hasTools); got != tt.want {
			t.Errorf("MapStopReason(%q, %v) = %q, want %q", tt.finish, tt.hasTools, got, tt.want)
		}
	}
}
