package format

import (
	"strings"
	"testing"

	"github.com/poemonsense/claudegate/pkg/anthropic"
)

func textMessage(role, text string) anthropic.Message {
	return anthropic.Message{
		Role:    role,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestEstimateMessageTokensGrowsWithContent(t *testing.T) {
	small := textMessage("user", "hi")
	large := textMessage("user", strings.Repeat("long content ", 100))

	if EstimateMessageTokens(small) >= EstimateMessageTokens(large) {
		t.Error("larger message should cost more tokens")
	}
	if EstimateMessageTokens(anthropic.Message{Role: "user"}) <= 0 {
		t.Error("empty message still carries overhead")
	}
}

func TestTruncateContextDisabled(t *testing.T) {
	messages := []anthropic.Message{
		textMessage("user", strings.Repeat("x", 10000)),
		textMessage("assistant", strings.Repeat("y", 10000)),
	}
	got := TruncateContext(messages, 0)
	if len(got) != 2 {
		t.Errorf("maxTokens=0 must not truncate, got %d messages", len(got))
	}
}

func TestTruncateContextDropsOldest(t *testing.T) {
	messages := []anthropic.Message{
		textMessage("user", strings.Repeat("a", 4000)), // ~1000 tokens
		textMessage("assistant", strings.Repeat("b", 4000)),
		textMessage("user", strings.Repeat("c", 4000)),
	}

	got := TruncateContext(messages, 1100)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Content[0].Text[0] != 'c' {
		t.Error("truncation must keep the newest message")
	}
}

func TestTruncateContextKeepsNewestEvenWhenOverBudget(t *testing.T) {
	messages := []anthropic.Message{
		textMessage("user", "old"),
		textMessage("user", strings.Repeat("z", 40000)),
	}
	got := TruncateContext(messages, 100)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want the newest kept", len(got))
	}
	if got[0].Content[0].Text[0] != 'z' {
		t.Error("wrong survivor")
	}
}

func TestTruncateContextToolResultRescue(t *testing.T) {
	padding := strings.Repeat("p", 4000)
	messages := []anthropic.Message{
		textMessage("user", padding),
		textMessage("user", "run the search"),
		{
			Role: "assistant",
			Content: []anthropic.ContentBlock{
				{Type: "text", Text: padding},
				{Type: "tool_use", ID: "toolu_1", Name: "search", Input: []byte(`{}`)},
			},
		},
		{
			Role: "user",
			Content: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_1", Content: "result"},
			},
		},
	}

	// Budget fits only the tool_result; the tool rescue pulls in its tool_use
	// and the user-first rescue pulls in the user turn before it. The oldest
	// message is still dropped.
	got := TruncateContext(messages, 100)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Role != "user" || got[0].Content[0].Text != "run the search" {
		t.Error("survivors should open with the user turn before the tool call")
	}
	if !messageHasToolUse(got[1]) {
		t.Error("second survivor should carry the tool_use")
	}
	if !messageHasToolResult(got[2]) {
		t.Error("third survivor should carry the tool_result")
	}
}

func TestTruncateContextUserFirstRescue(t *testing.T) {
	padding := strings.Repeat("q", 2000)
	messages := []anthropic.Message{
		textMessage("user", padding),
		textMessage("assistant", padding),
		textMessage("user", "latest"),
	}

	// Budget fits assistant + latest; the rescue pulls the user turn back in
	// so the conversation still opens with the user role.
	got := TruncateContext(messages, 600)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want all 3 via user-first rescue", len(got))
	}
	if got[0].Role != "user" {
		t.Errorf("first survivor role = %s, want user", got[0].Role)
	}
}

func TestRewriteOrphanedToolResults(t *testing.T) {
	messages := []anthropic.Message{
		textMessage("user", "hello"),
		{
			Role: "user",
			Content: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_gone", Content: "stale output"},
			},
		},
	}

	got := RewriteOrphanedToolResults(messages)
	block := got[1].Content[0]
	if block.Type != "text" {
		t.Fatalf("orphaned result type = %s, want text", block.Type)
	}
	if !strings.Contains(block.Text, "[Orphaned Tool Result: toolu_gone]") {
		t.Errorf("text = %q, want orphan marker", block.Text)
	}
	if !strings.Contains(block.Text, "stale output") {
		t.Errorf("text = %q, want original output preserved", block.Text)
	}
}

func TestRewriteOrphanedToolResultsKeepsPairedResults(t *testing.T) {
	messages := []anthropic.Message{
		{
			Role: "assistant",
			Content: []anthropic.ContentBlock{
				{Type: "tool_use", ID: "toolu_ok", Name: "run", Input: []byte(`{}`)},
			},
		},
		{
			Role: "user",
			Content: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_ok", Content: "fine"},
			},
		},
	}

	got := RewriteOrphanedToolResults(messages)
	if got[1].Content[0].Type != "tool_result" {
		t.Errorf("paired tool_result must survive, got %s", got[1].Content[0].Type)
	}
}

func TestRewriteOrphanedToolResultsPreservesImages(t *testing.T) {
	messages := []anthropic.Message{
		{
			Role: "user",
			Content: []anthropic.ContentBlock{
				{
					Type:      "tool_result",
					ToolUseID: "toolu_img",
					Content: []anthropic.ContentBlock{
						{Type: "text", Text: "screenshot"},
						{Type: "image", Source: &anthropic.ImageSource{
							Type: "base64", MediaType: "image/png", Data: "abc",
						}},
					},
				},
			},
		},
	}

	got := RewriteOrphanedToolResults(messages)
	if len(got[0].Content) != 2 {
		t.Fatalf("got %d blocks, want text + image", len(got[0].Content))
	}
	if got[0].Content[1].Type != "image" {
		t.Errorf("second block = %s, want image", got[0].Content[1].Type)
	}
}

func TestFlattenToolResultContent(t *testing.T) {
	text, images := flattenToolResultContent("plain")
	if text != "plain" || images != nil {
		t.Errorf("string content: got (%q, %v)", text, images)
	}

	text, images = flattenToolResultContent([]interface{}{
		map[string]interface{}{"type": "text", "text": "one"},
		map[string]interface{}{"type": "text", "text": "two"},
		map[string]interface{}{"type": "image", "source": map[string]interface{}{
			"type": "base64", "media_type": "image/png", "data": "xyz",
		}},
	})
	if text != "one\ntwo" {
		t.Errorf("text = %q, want joined lines", text)
	}
	if len(images) != 1 || images[0].Source.Data != "xyz" {
		t.Errorf("images = %v, want one decoded image", images)
	}
}
