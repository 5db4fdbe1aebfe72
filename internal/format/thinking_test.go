package format

import (
	"strings"
	"testing"

	"github.com/poemonsense/claudegate/pkg/anthropic"
)

var validSignature = strings.Repeat("s", 64)

func TestCleanCacheControl(t *testing.T) {
	messages := []anthropic.Message{
		{
			Role: "user",
			Content: []anthropic.ContentBlock{
				{Type: "text", Text: "hello", CacheControl: &anthropic.CacheControl{Type: "ephemeral"}},
				{Type: "text", Text: "world"},
			},
		},
	}

	got := CleanCacheControl(messages)
	for _, block := range got[0].Content {
		if block.CacheControl != nil {
			t.Error("cache_control should be stripped")
		}
	}
	// Input is untouched
	if messages[0].Content[0].CacheControl == nil {
		t.Error("original slice must not be mutated")
	}
}

func TestRemoveTrailingThinkingBlocks(t *testing.T) {
	tests := []struct {
		name    string
		content []anthropic.ContentBlock
		want    int
	}{
		{
			"trailing unsigned removed",
			[]anthropic.ContentBlock{
				{Type: "text", Text: "answer"},
				{Type: "thinking", Thinking: "hm"},
			},
			1,
		},
		{
			"signed tail kept",
			[]anthropic.ContentBlock{
				{Type: "text", Text: "answer"},
				{Type: "thinking", Thinking: "hm", Signature: validSignature},
			},
			2,
		},
		{
			"unsigned in the middle kept",
			[]anthropic.ContentBlock{
				{Type: "thinking", Thinking: "hm"},
				{Type: "text", Text: "answer"},
			},
			2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RemoveTrailingThinkingBlocks(tt.content)
			if len(got) != tt.want {
				t.Errorf("got %d blocks, want %d", len(got), tt.want)
			}
		})
	}
}

func TestReorderAssistantContent(t *testing.T) {
	content := []anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_1", Name: "run", Input: []byte(`{}`)},
		{Type: "text", Text: "calling the tool"},
		{Type: "thinking", Thinking: "plan", Signature: validSignature},
		{Type: "text", Text: ""},
	}

	got := ReorderAssistantContent(content)
	if len(got) != 3 {
		t.Fatalf("got %d blocks, want 3 (empty text dropped)", len(got))
	}
	if got[0].Type != "thinking" || got[1].Type != "text" || got[2].Type != "tool_use" {
		t.Errorf("order = %s, %s, %s; want thinking, text, tool_use",
			got[0].Type, got[1].Type, got[2].Type)
	}
}

func TestRestoreThinkingSignaturesFromSessionCache(t *testing.T) {
	cache := GetGlobalSignatureCache()
	cache.CacheSessionSignature("sess-restore", validSignature)
	defer cache.ClearAll()

	content := []anthropic.ContentBlock{
		{Type: "thinking", Thinking: "stripped by the client"},
		{Type: "text", Text: "answer"},
	}

	got := RestoreThinkingSignatures(content, "sess-restore")
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want restored thinking + text", len(got))
	}
	if got[0].Signature != validSignature {
		t.Errorf("signature = %q, want restored from session cache", got[0].Signature)
	}
}

func TestRestoreThinkingSignaturesDropsUnrestorable(t *testing.T) {
	content := []anthropic.ContentBlock{
		{Type: "thinking", Thinking: "no signature anywhere"},
		{Type: "text", Text: "answer"},
	}

	got := RestoreThinkingSignatures(content, "sess-unknown")
	if len(got) != 1 || got[0].Type != "text" {
		t.Errorf("unsigned thinking should be dropped, got %v", got)
	}
}

func TestHasGeminiHistory(t *testing.T) {
	withSig := []anthropic.Message{{
		Role: "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", ThoughtSignature: validSignature},
		},
	}}
	without := []anthropic.Message{{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "tool_use", ID: "toolu_1"}},
	}}

	if !HasGeminiHistory(withSig) {
		t.Error("tool_use with thoughtSignature is gemini history")
	}
	if HasGeminiHistory(without) {
		t.Error("plain tool_use is not gemini history")
	}
}

func TestNeedsThinkingRecovery(t *testing.T) {
	toolLoop := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "go"}}},
		{Role: "assistant", Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "run", Input: []byte(`{}`)},
		}},
		{Role: "user", Content: []anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"},
		}},
	}
	if !NeedsThinkingRecovery(toolLoop) {
		t.Error("open tool loop without thinking needs recovery")
	}

	anchored := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "go"}}},
		{Role: "assistant", Content: []anthropic.ContentBlock{
			{Type: "thinking", Thinking: "plan", Signature: validSignature},
			{Type: "tool_use", ID: "toolu_1", Name: "run", Input: []byte(`{}`)},
		}},
		{Role: "user", Content: []anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"},
		}},
	}
	if NeedsThinkingRecovery(anchored) {
		t.Error("valid thinking anchors the loop, no recovery needed")
	}

	plain := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
	}
	if NeedsThinkingRecovery(plain) {
		t.Error("no tool loop, no recovery")
	}
}

func TestCloseToolLoopForThinkingOpenLoop(t *testing.T) {
	messages := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "go"}}},
		{Role: "assistant", Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "run", Input: []byte(`{}`)},
		}},
		{Role: "user", Content: []anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"},
		}},
	}

	got := CloseToolLoopForThinking(messages, "gemini")
	if len(got) != 5 {
		t.Fatalf("got %d messages, want original 3 + synthetic assistant + user", len(got))
	}
	synthetic := got[3]
	if synthetic.Role != "assistant" || !strings.Contains(synthetic.Content[0].Text, "completed") {
		t.Errorf("synthetic assistant turn = %+v", synthetic)
	}
	if got[4].Role != "user" || got[4].Content[0].Text != "[Continue]" {
		t.Errorf("synthetic user turn = %+v", got[4])
	}
}

func TestCloseToolLoopForThinkingInterrupted(t *testing.T) {
	messages := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "go"}}},
		{Role: "assistant", Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "run", Input: []byte(`{}`)},
		}},
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "never mind"}}},
	}

	got := CloseToolLoopForThinking(messages, "claude")
	if len(got) != 4 {
		t.Fatalf("got %d messages, want interruption acknowledged", len(got))
	}
	if got[2].Role != "assistant" || !strings.Contains(got[2].Content[0].Text, "interrupted") {
		t.Errorf("expected interruption marker after the tool call, got %+v", got[2])
	}
	if got[3].Content[0].Text != "never mind" {
		t.Errorf("user message must stay last, got %+v", got[3])
	}
}

func TestCloseToolLoopCountsMultipleResults(t *testing.T) {
	messages := []anthropic.Message{
		{Role: "assistant", Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "a", Input: []byte(`{}`)},
			{Type: "tool_use", ID: "toolu_2", Name: "b", Input: []byte(`{}`)},
		}},
		{Role: "user", Content: []anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_1", Content: "x"},
		}},
		{Role: "user", Content: []anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_2", Content: "y"},
		}},
	}

	got := CloseToolLoopForThinking(messages, "gemini")
	synthetic := got[len(got)-2]
	if !strings.Contains(synthetic.Content[0].Text, "2 tool executions") {
		t.Errorf("synthetic text = %q, want result count", synthetic.Content[0].Text)
	}
}
