package format

import (
	"testing"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

func TestConvertContentToPartsText(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "text", Text: "hello"},
		{Type: "text", Text: ""},
	}, true, false)

	if len(parts) != 1 || parts[0].Text != "hello" {
		t.Errorf("parts = %+v, want single non-empty text part", parts)
	}
}

func TestConvertContentToPartsToolUse(t *testing.T) {
	blocks := []anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_abc", Name: "search", Input: []byte(`{"q":"go"}`)},
	}

	// Claude target keeps the id
	parts := ConvertContentToParts(blocks, true, false)
	fc := parts[0].FunctionCall
	if fc == nil || fc.Name != "search" || fc.ID != "toolu_abc" {
		t.Errorf("claude functionCall = %+v", fc)
	}
	if fc.Args["q"] != "go" {
		t.Errorf("args = %v", fc.Args)
	}

	// Gemini target gets the skip sentinel when no signature is cached
	parts = ConvertContentToParts(blocks, false, true)
	if parts[0].ThoughtSignature != config.GeminiSkipSignature {
		t.Errorf("thoughtSignature = %q, want skip sentinel", parts[0].ThoughtSignature)
	}
}

func TestConvertContentToPartsToolUseRestoresCachedSignature(t *testing.T) {
	cache := GetGlobalSignatureCache()
	cache.CacheSignature("toolu_cached", validSignature)
	defer cache.ClearAll()

	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_cached", Name: "run", Input: []byte(`{}`)},
	}, false, true)

	if parts[0].ThoughtSignature != validSignature {
		t.Errorf("thoughtSignature = %q, want restored from cache", parts[0].ThoughtSignature)
	}
}

func TestConvertContentToPartsToolResult(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_1", Content: "output"},
	}, true, false)

	fr := parts[0].FunctionResponse
	if fr == nil || fr.Name != "toolu_1" || fr.ID != "toolu_1" {
		t.Fatalf("functionResponse = %+v", fr)
	}
	if fr.Response["result"] != "output" {
		t.Errorf("response = %v", fr.Response)
	}
}

func TestConvertContentToPartsToolResultImagesDeferred(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{
			Type:      "tool_result",
			ToolUseID: "toolu_1",
			Content: []anthropic.ContentBlock{
				{Type: "image", Source: &anthropic.ImageSource{
					Type: "base64", MediaType: "image/png", Data: "abc",
				}},
			},
		},
		{Type: "tool_result", ToolUseID: "toolu_2", Content: "text result"},
	}, false, true)

	// Both functionResponses first, then the deferred image
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if parts[0].FunctionResponse == nil || parts[1].FunctionResponse == nil {
		t.Error("functionResponses must stay adjacent")
	}
	if parts[2].InlineData == nil || parts[2].InlineData.Data != "abc" {
		t.Errorf("deferred image = %+v", parts[2])
	}
}

func TestConvertContentToPartsThinking(t *testing.T) {
	blocks := []anthropic.ContentBlock{
		{Type: "thinking", Thinking: "signed", Signature: validSignature},
		{Type: "thinking", Thinking: "unsigned"},
	}

	parts := ConvertContentToParts(blocks, true, false)
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want only the signed thinking", len(parts))
	}
	if !parts[0].Thought || parts[0].ThoughtSignature != validSignature {
		t.Errorf("part = %+v", parts[0])
	}
}

func TestConvertContentToPartsThinkingGeminiFamilyCheck(t *testing.T) {
	cache := GetGlobalSignatureCache()
	defer cache.ClearAll()

	claudeSig := validSignature + "claude"
	geminiSig := validSignature + "gemini"
	cache.CacheThinkingSignature(claudeSig, "claude")
	cache.CacheThinkingSignature(geminiSig, "gemini")

	blocks := []anthropic.ContentBlock{
		{Type: "thinking", Thinking: "from claude", Signature: claudeSig},
		{Type: "thinking", Thinking: "from gemini", Signature: geminiSig},
	}

	parts := ConvertContentToParts(blocks, false, true)
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want only gemini-family thinking", len(parts))
	}
	if parts[0].ThoughtSignature != geminiSig {
		t.Errorf("kept signature = %q, want the gemini one", parts[0].ThoughtSignature)
	}
}

func TestConvertContentToPartsImages(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "image", Source: &anthropic.ImageSource{
			Type: "base64", MediaType: "image/png", Data: "data",
		}},
		{Type: "image", Source: &anthropic.ImageSource{
			Type: "url", URL: "https://example.com/pic.jpg",
		}},
		{Type: "document", Source: &anthropic.ImageSource{
			Type: "url", URL: "https://example.com/doc",
		}},
	}, true, false)

	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if parts[0].InlineData == nil || parts[0].InlineData.MimeType != "image/png" {
		t.Errorf("base64 image = %+v", parts[0])
	}
	if parts[1].FileData == nil || parts[1].FileData.MimeType != "image/jpeg" {
		t.Errorf("url image should default to image/jpeg, got %+v", parts[1])
	}
	if parts[2].FileData == nil || parts[2].FileData.MimeType != "application/pdf" {
		t.Errorf("url document should default to application/pdf, got %+v", parts[2])
	}
}

func TestConvertContentToPartsRedactedThinking(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "redacted_thinking", Data: validSignature},
		{Type: "redacted_thinking", Data: "short"},
	}, true, false)

	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if !parts[0].Thought || parts[0].ThoughtSignature != validSignature {
		t.Errorf("part = %+v", parts[0])
	}
}
