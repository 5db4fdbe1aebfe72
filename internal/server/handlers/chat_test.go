package handlers

import (
	"encoding/json"
	"testing"

	"github.com/poemonsense/claudegate/internal/cloudcode"
	"github.com/poemonsense/claudegate/pkg/anthropic"
	"github.com/poemonsense/claudegate/pkg/openai"
)

func TestConvertChatRequestSystemAndUser(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1000,
		Messages: []openai.Message{
			{Role: "system", Content: "Be terse."},
			{Role: "developer", Content: "Answer in French."},
			{Role: "user", Content: "Bonjour"},
		},
	}

	out, err := ConvertChatRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	system, ok := out.System.(string)
	if !ok {
		t.Fatalf("system should be a string, got %T", out.System)
	}
	if system != "Be terse.\n\nAnswer in French." {
		t.Errorf("system = %q", system)
	}

	if len(out.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out.Messages))
	}
	if out.Messages[0].Role != "user" {
		t.Errorf("role = %q", out.Messages[0].Role)
	}
	if out.Messages[0].Content[0].Text != "Bonjour" {
		t.Errorf("text = %q", out.Messages[0].Content[0].Text)
	}
	if out.MaxTokens != 1000 {
		t.Errorf("max_tokens = %d", out.MaxTokens)
	}
}

func TestConvertChatRequestDefaultMaxTokens(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []openai.Message{{Role: "user", Content: "hi"}},
	}

	out, err := ConvertChatRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.MaxTokens == 0 {
		t.Error("max_tokens should default to a non-zero value")
	}
}

func TestConvertChatRequestToolRoundTrip(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []openai.Message{
			{Role: "user", Content: "What's the weather in Paris?"},
			{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:   "call_123",
					Type: "function",
					Function: openai.FunctionCall{
						Name:      "get_weather",
						Arguments: `{"city":"Paris"}`,
					},
				}},
			},
			{Role: "tool", ToolCallID: "call_123", Content: "18C, sunny"},
		},
		Tools: []openai.Tool{{
			Type: "function",
			Function: openai.FunctionDef{
				Name:        "get_weather",
				Description: "Get current weather",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
		ToolChoice: "required",
	}

	out, err := ConvertChatRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(out.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out.Messages))
	}

	assistant := out.Messages[1]
	if assistant.Role != "assistant" {
		t.Errorf("role = %q", assistant.Role)
	}
	if len(assistant.Content) != 1 || assistant.Content[0].Type != "tool_use" {
		t.Fatalf("assistant content = %+v", assistant.Content)
	}
	if assistant.Content[0].ID != "call_123" || assistant.Content[0].Name != "get_weather" {
		t.Errorf("tool_use block = %+v", assistant.Content[0])
	}

	result := out.Messages[2]
	if result.Role != "user" {
		t.Errorf("tool result role = %q", result.Role)
	}
	if result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "call_123" {
		t.Errorf("tool_result block = %+v", result.Content[0])
	}

	if len(out.Tools) != 1 || out.Tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if out.ToolChoice == nil || out.ToolChoice.Type != "any" {
		t.Errorf("tool_choice = %+v", out.ToolChoice)
	}
}

func TestConvertChatRequestEmptyToolArguments(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []openai.Message{
			{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: openai.FunctionCall{Name: "list_files"},
				}},
			},
		},
	}

	out, err := ConvertChatRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out.Messages[0].Content[0].Input) != "{}" {
		t.Errorf("empty arguments should become {}, got %q", out.Messages[0].Content[0].Input)
	}
}

func TestConvertChatRequestToolDefaultSchema(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []openai.Message{{Role: "user", Content: "hi"}},
		Tools: []openai.Tool{{
			Type:     "function",
			Function: openai.FunctionDef{Name: "ping"},
		}},
	}

	out, err := ConvertChatRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(out.Tools[0].InputSchema, &schema); err != nil {
		t.Fatalf("invalid default schema: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("default schema type = %v", schema["type"])
	}
}

func TestConvertChatRequestUnsupportedRole(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []openai.Message{{Role: "function", Content: "old-style"}},
	}

	if _, err := ConvertChatRequest(req); err == nil {
		t.Error("expected error for unsupported role")
	}
}

func TestConvertChatRequestMultipartContent(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []openai.Message{{
			Role: "user",
			Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "What's in this image?"},
				map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": "data:image/png;base64,aGVsbG8=",
					},
				},
			},
		}},
	}

	out, err := ConvertChatRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	blocks := out.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[1].Type != "image" {
		t.Errorf("block types = %q, %q", blocks[0].Type, blocks[1].Type)
	}
	if blocks[1].Source.MediaType != "image/png" || blocks[1].Source.Data != "aGVsbG8=" {
		t.Errorf("image source = %+v", blocks[1].Source)
	}
}

func TestImageSourceFromURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid png", "data:image/png;base64,aGVsbG8=", false},
		{"valid jpeg", "data:image/jpeg;base64,d29ybGQ=", false},
		{"remote url", "https://example.com/cat.png", true},
		{"not base64 encoded", "data:image/png,rawbytes", true},
		{"invalid base64", "data:image/png;base64,!!!", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, err := imageSourceFromURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if source.Type != "base64" {
				t.Errorf("source type = %q", source.Type)
			}
		})
	}
}

func TestConvertToolChoice(t *testing.T) {
	if tc := convertToolChoice("auto"); tc == nil || tc.Type != "auto" {
		t.Errorf("auto -> %+v", tc)
	}
	if tc := convertToolChoice("required"); tc == nil || tc.Type != "any" {
		t.Errorf("required -> %+v", tc)
	}
	if tc := convertToolChoice("none"); tc != nil {
		t.Errorf("none -> %+v", tc)
	}
	if tc := convertToolChoice(nil); tc != nil {
		t.Errorf("nil -> %+v", tc)
	}

	named := map[string]interface{}{
		"type":     "function",
		"function": map[string]interface{}{"name": "get_weather"},
	}
	if tc := convertToolChoice(named); tc == nil || tc.Type != "tool" || tc.Name != "get_weather" {
		t.Errorf("named -> %+v", tc)
	}
}

func TestConvertStop(t *testing.T) {
	if got := convertStop("STOP"); len(got) != 1 || got[0] != "STOP" {
		t.Errorf("string stop = %v", got)
	}
	if got := convertStop([]interface{}{"a", "b"}); len(got) != 2 {
		t.Errorf("array stop = %v", got)
	}
	if got := convertStop(nil); got != nil {
		t.Errorf("nil stop = %v", got)
	}
}

func TestConvertChatResponse(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:   "msg_123",
		Role: "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "thinking", Thinking: "let me think"},
			{Type: "text", Text: "The answer is "},
			{Type: "text", Text: "42."},
			{Type: "tool_use", ID: "toolu_1", Name: "save", Input: json.RawMessage(`{"v":42}`)},
		},
		StopReason: "tool_use",
		Usage: &anthropic.Usage{
			InputTokens:          100,
			OutputTokens:         20,
			CacheReadInputTokens: 30,
		},
	}

	out := ConvertChatResponse(resp, "claude-sonnet-4-5")

	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %d", len(out.Choices))
	}

	choice := out.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if choice.Message.Content != "The answer is 42." {
		t.Errorf("content = %q", choice.Message.Content)
	}
	if choice.Message.ReasoningContent != "let me think" {
		t.Errorf("reasoning = %q", choice.Message.ReasoningContent)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Name != "save" {
		t.Errorf("tool_calls = %+v", choice.Message.ToolCalls)
	}

	if out.Usage == nil {
		t.Fatal("usage missing")
	}
	if out.Usage.PromptTokens != 130 {
		t.Errorf("prompt_tokens = %d", out.Usage.PromptTokens)
	}
	if out.Usage.TotalTokens != 150 {
		t.Errorf("total_tokens = %d", out.Usage.TotalTokens)
	}
	if out.Usage.PromptTokensDetails == nil || out.Usage.PromptTokensDetails.CachedTokens != 30 {
		t.Errorf("prompt_tokens_details = %+v", out.Usage.PromptTokensDetails)
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		stopReason string
		want       string
	}{
		{"end_turn", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"stop_sequence", "stop"},
		{"", "stop"},
	}
	for _, tt := range tests {
		if got := MapFinishReason(tt.stopReason); got != tt.want {
			t.Errorf("MapFinishReason(%q) = %q, want %q", tt.stopReason, got, tt.want)
		}
	}
}

func TestChatChunkRelaySequence(t *testing.T) {
	relay := newChatChunkRelay("claude-sonnet-4-5")

	events := []*cloudcode.SSEEvent{
		{Type: "message_start"},
		{Type: "content_block_start", Index: 0, ContentBlock: &anthropic.ContentBlock{Type: "text"}},
		{Type: "content_block_delta", Index: 0, Delta: map[string]interface{}{"type": "text_delta", "text": "Hello"}},
		{Type: "content_block_stop", Index: 0},
		{Type: "content_block_start", Index: 1, ContentBlock: &anthropic.ContentBlock{Type: "tool_use", ID: "toolu_1", Name: "get_weather"}},
		{Type: "content_block_delta", Index: 1, Delta: map[string]interface{}{"type": "input_json_delta", "partial_json": `{"city":`}},
		{Type: "content_block_delta", Index: 1, Delta: map[string]interface{}{"type": "input_json_delta", "partial_json": `"Paris"}`}},
		{Type: "content_block_stop", Index: 1},
		{Type: "message_delta", Delta: map[string]interface{}{"stop_reason": "tool_use"}, Usage: &anthropic.Usage{InputTokens: 10, OutputTokens: 5}},
		{Type: "message_stop"},
	}

	var chunks []*openai.ChatCompletionChunk
	for _, event := range events {
		chunks = append(chunks, relay.chunksFor(event)...)
	}

	if len(chunks) != 6 {
		t.Fatalf("expected 6 chunks, got %d", len(chunks))
	}

	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk role = %q", chunks[0].Choices[0].Delta.Role)
	}
	if chunks[1].Choices[0].Delta.Content != "Hello" {
		t.Errorf("text chunk = %q", chunks[1].Choices[0].Delta.Content)
	}

	toolStart := chunks[2].Choices[0].Delta.ToolCalls
	if len(toolStart) != 1 || toolStart[0].ID != "toolu_1" || toolStart[0].Function.Name != "get_weather" {
		t.Errorf("tool start chunk = %+v", toolStart)
	}
	if toolStart[0].Index != 0 {
		t.Errorf("first tool call should have index 0, got %d", toolStart[0].Index)
	}

	args1 := chunks[3].Choices[0].Delta.ToolCalls
	args2 := chunks[4].Choices[0].Delta.ToolCalls
	if args1[0].Function.Arguments+args2[0].Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("reassembled arguments = %q", args1[0].Function.Arguments+args2[0].Function.Arguments)
	}

	final := chunks[5]
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %v", final.Choices[0].FinishReason)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 15 {
		t.Errorf("final usage = %+v", final.Usage)
	}

	for i, chunk := range chunks {
		if chunk.ID != chunks[0].ID {
			t.Errorf("chunk %d has a different id", i)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("chunk %d object = %q", i, chunk.Object)
		}
	}
}

func TestChatChunkRelayThinkingDelta(t *testing.T) {
	relay := newChatChunkRelay("claude-sonnet-4-5")

	chunks := relay.chunksFor(&cloudcode.SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{"type": "thinking_delta", "thinking": "hmm"},
	})
	if len(chunks) != 1 || chunks[0].Choices[0].Delta.ReasoningContent != "hmm" {
		t.Errorf("thinking chunk = %+v", chunks)
	}

	// Unknown block index for tool args produces nothing rather than panicking.
	chunks = relay.chunksFor(&cloudcode.SSEEvent{
		Type:  "content_block_delta",
		Index: 7,
		Delta: map[string]interface{}{"type": "input_json_delta", "partial_json": "{}"},
	})
	if len(chunks) != 0 {
		t.Errorf("unexpected chunks for unknown tool index: %+v", chunks)
	}
}
