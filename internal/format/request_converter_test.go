package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

func TestConvertAnthropicToGoogleBasicShape(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    "You are helpful.",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "again"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")

	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "You are helpful." {
		t.Error("system instruction not extracted")
	}
	if len(got.Contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(got.Contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, want := range wantRoles {
		if got.Contents[i].Role != want {
			t.Errorf("content %d role = %s, want %s", i, got.Contents[i].Role, want)
		}
	}
	if got.GenerationConfig.MaxOutputTokens != 1024 {
		t.Errorf("maxOutputTokens = %d, want 1024", got.GenerationConfig.MaxOutputTokens)
	}
}

func TestConvertAnthropicToGoogleSystemBlocks(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-flash",
		MaxTokens: 100,
		System: []interface{}{
			map[string]interface{}{"type": "text", "text": "first"},
			map[string]interface{}{"type": "text", "text": "second"},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	if got.SystemInstruction == nil || len(got.SystemInstruction.Parts) != 2 {
		t.Fatalf("system parts = %+v, want 2", got.SystemInstruction)
	}
}

func TestConvertAnthropicToGoogleEmptyPartsPlaceholder(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: ""}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 1 {
		t.Fatalf("contents = %+v", got.Contents)
	}
	if got.Contents[0].Parts[0].Text != "." {
		t.Errorf("placeholder text = %q, want \".\"", got.Contents[0].Parts[0].Text)
	}
}

func TestFilterUnsignedThoughtParts(t *testing.T) {
	contents := filterUnsignedThoughtParts([]GoogleContent{
		{Role: "model", Parts: []GooglePart{
			{Text: "hm", Thought: true, ThoughtSignature: "short"},
			{Text: "kept", Thought: true, ThoughtSignature: strings.Repeat("s", config.MinSignatureLength)},
		}},
	})

	if len(contents[0].Parts) != 1 || contents[0].Parts[0].Text != "kept" {
		t.Fatalf("parts = %+v, want only the signed thought", contents[0].Parts)
	}
}

func TestConvertAnthropicToGoogleAllThinkingDroppedGetsPlaceholder(t *testing.T) {
	// An assistant turn consisting only of unsigned thinking loses every part
	// during filtering; the placeholder must be added after that, not before.
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "go on"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "thinking", Thinking: "half-formed", Signature: "short"},
			}},
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "and then"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	if len(got.Contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(got.Contents))
	}
	if len(got.Contents[1].Parts) != 1 || got.Contents[1].Parts[0].Text != "." {
		t.Errorf("assistant parts = %+v, want the placeholder", got.Contents[1].Parts)
	}
}

func TestConvertAnthropicToGoogleThinkingBudgetRaisesMaxTokens(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5-thinking",
		MaxTokens: 4096,
		Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 8192},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "think"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	gen := got.GenerationConfig
	if gen.ThinkingConfig == nil || gen.ThinkingConfig.ThinkingBudget != 8192 {
		t.Fatalf("thinkingConfig = %+v, want budget 8192", gen.ThinkingConfig)
	}
	if gen.MaxOutputTokens != 8192+8192 {
		t.Errorf("maxOutputTokens = %d, want raised above the budget", gen.MaxOutputTokens)
	}
}

func TestConvertAnthropicToGoogleGeminiOutputCap(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-flash",
		MaxTokens: 64000,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	if got.GenerationConfig.MaxOutputTokens != config.GeminiMaxOutputTokens {
		t.Errorf("maxOutputTokens = %d, want capped at %d",
			got.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
	}
}

func TestConvertAnthropicToGoogleGeminiThinkingBudget(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-pro-high",
		MaxTokens: 8192,
		Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 12000},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	tc := got.GenerationConfig.ThinkingConfig
	if tc == nil {
		t.Fatal("thinkingConfig missing for gemini thinking model")
	}
	if !tc.IncludeThoughtsGemini {
		t.Error("includeThoughts must be set")
	}
	if tc.ThinkingBudgetGemini != 12000 {
		t.Errorf("thinkingBudget = %d, want 12000", tc.ThinkingBudgetGemini)
	}
	if tc.ThinkingLevel != "" {
		t.Error("budget and level are mutually exclusive")
	}
}

func TestConvertAnthropicToGoogleToolDeclarations(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Tools: []anthropic.Tool{
			{
				Name:        "get weather!",
				Description: "look up the weather",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"],"additionalProperties":false}`),
			},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "weather?"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	if len(got.Tools) != 1 || len(got.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", got.Tools)
	}
	decl := got.Tools[0].FunctionDeclarations[0]
	if decl.Name != "get_weather_" {
		t.Errorf("tool name = %q, want sanitized", decl.Name)
	}
	if decl.Parameters["type"] != "OBJECT" {
		t.Errorf("parameters type = %v, want OBJECT", decl.Parameters["type"])
	}
	if _, ok := decl.Parameters["additionalProperties"]; ok {
		t.Error("additionalProperties must not reach the upstream")
	}
	if got.ToolConfig == nil || got.ToolConfig.FunctionCallingConfig.Mode != "VALIDATED" {
		t.Errorf("toolConfig = %+v, want VALIDATED for claude", got.ToolConfig)
	}
}

func TestConvertAnthropicToGoogleInterleavedHint(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-opus-4-6-thinking",
		MaxTokens: 1000,
		System:    "base prompt",
		Tools: []anthropic.Tool{
			{Name: "run", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	got := ConvertAnthropicToGoogle(req, "")
	text := got.SystemInstruction.Parts[len(got.SystemInstruction.Parts)-1].Text
	if !strings.Contains(text, "Interleaved thinking") {
		t.Errorf("system = %q, want interleaved thinking hint", text)
	}
}

func TestCleanToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"valid_name-1", "valid_name-1"},
		{"has spaces", "has_spaces"},
		{"", "tool"},
		{strings.Repeat("a", 80), strings.Repeat("a", 64)},
	}
	for _, tt := range tests {
		if got := CleanToolName(tt.in); got != tt.want {
			t.Errorf("CleanToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConvertRole(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user", "user"},
		{"assistant", "model"},
		{"model", "model"},
		{"system", "user"},
	}
	for _, tt := range tests {
		if got := ConvertRole(tt.in); got != tt.want {
			t.Errorf("ConvertRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
