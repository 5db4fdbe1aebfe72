package format

import (
	"encoding/json"
	"fmt"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// EstimateMessageTokens approximates the token cost of a message. Roughly
// four characters per token plus a small per-message overhead; this is a
// heuristic, not a tokenizer.
func EstimateMessageTokens(msg anthropic.Message) int {
	chars := 0
	for _, block := range msg.Content {
		chars += len(block.Text)
		chars += len(block.Thinking)
		chars += len(block.Data)
		chars += len(block.Name)
		chars += len(block.Input)
		switch c := block.Content.(type) {
		case string:
			chars += len(c)
		default:
			if c != nil {
				if data, err := json.Marshal(c); err == nil {
					chars += len(data)
				}
			}
		}
		if block.Source != nil {
			// Media is billed by the upstream independently of its base64
			// size; count a flat placeholder instead of the payload.
			chars += 256
		}
	}
	return chars/config.EstimateCharsPerToken + config.EstimateMessageOverhead
}

// EstimateConversationTokens sums EstimateMessageTokens over the history.
func EstimateConversationTokens(messages []anthropic.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessageTokens(msg)
	}
	return total
}

// TruncateContext drops the oldest messages until the estimated token count
// fits maxTokens (0 disables truncation). Two overrides keep the surviving
// history well-formed:
//   - a kept tool_result message pulls in the preceding tool_use message even
//     when that overflows the budget
//   - if the oldest survivor is an assistant turn, its preceding user message
//     is prepended so the conversation still opens with the user role
func TruncateContext(messages []anthropic.Message, maxTokens int) []anthropic.Message {
	if maxTokens <= 0 || len(messages) == 0 {
		return messages
	}

	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i])
		if used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}

	if start == 0 {
		return messages
	}
	if start == len(messages) {
		// Even the newest message overflows the budget; keep it anyway
		// rather than sending an empty conversation.
		start = len(messages) - 1
	}

	// Tool-result rescue: the cut must not separate a result from its call.
	for start > 0 && messageHasToolResult(messages[start]) && messageHasToolUse(messages[start-1]) {
		start--
	}

	// User-first rescue.
	if start > 0 && messages[start].Role == "assistant" && messages[start-1].Role == "user" {
		start--
	}

	if start > 0 {
		utils.Debug("[Truncation] Dropped %d of %d message(s) to fit ~%d tokens",
			start, len(messages), maxTokens)
	}
	return messages[start:]
}

// RewriteOrphanedToolResults converts tool_result blocks whose matching
// tool_use is missing from the preceding message into plain text, preserving
// any embedded images. The upstream rejects unpaired function responses.
func RewriteOrphanedToolResults(messages []anthropic.Message) []anthropic.Message {
	if len(messages) == 0 {
		return messages
	}

	rewritten := 0
	result := make([]anthropic.Message, 0, len(messages))

	for i, msg := range messages {
		needsRewrite := false
		for _, block := range msg.Content {
			if block.Type == "tool_result" && !precedingHasToolUse(messages, i, block.ToolUseID) {
				needsRewrite = true
				break
			}
		}
		if !needsRewrite {
			result = append(result, msg)
			continue
		}

		content := make([]anthropic.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type != "tool_result" || precedingHasToolUse(messages, i, block.ToolUseID) {
				content = append(content, block)
				continue
			}
			text, images := flattenToolResultContent(block.Content)
			content = append(content, anthropic.ContentBlock{
				Type: "text",
				Text: fmt.Sprintf("[Orphaned Tool Result: %s] %s", block.ToolUseID, text),
			})
			content = append(content, images...)
			rewritten++
		}
		result = append(result, anthropic.Message{Role: msg.Role, Content: content})
	}

	if rewritten > 0 {
		utils.Warn("[Truncation] Rewrote %d orphaned tool result(s) as text", rewritten)
	}
	return result
}

// precedingHasToolUse reports whether the message before index idx carries a
// tool_use with the given id.
func precedingHasToolUse(messages []anthropic.Message, idx int, toolUseID string) bool {
	if idx == 0 {
		return false
	}
	for _, block := range messages[idx-1].Content {
		if block.Type == "tool_use" && block.ID == toolUseID {
			return true
		}
	}
	return false
}

// flattenToolResultContent extracts the text and image blocks from a
// tool_result body, which may be a string, typed blocks, or decoded JSON.
func flattenToolResultContent(content any) (string, []anthropic.ContentBlock) {
	switch c := content.(type) {
	case string:
		return c, nil
	case []anthropic.ContentBlock:
		var text string
		var images []anthropic.ContentBlock
		for _, item := range c {
			switch item.Type {
			case "text":
				if text != "" {
					text += "\n"
				}
				text += item.Text
			case "image":
				images = append(images, item)
			}
		}
		return text, images
	case []interface{}:
		var text string
		var images []anthropic.ContentBlock
		for _, raw := range c {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			switch item["type"] {
			case "text":
				if t, ok := item["text"].(string); ok {
					if text != "" {
						text += "\n"
					}
					text += t
				}
			case "image":
				if source, ok := item["source"].(map[string]interface{}); ok {
					mediaType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					srcType, _ := source["type"].(string)
					url, _ := source["url"].(string)
					images = append(images, anthropic.ContentBlock{
						Type: "image",
						Source: &anthropic.ImageSource{
							Type:      srcType,
							MediaType: mediaType,
							Data:      data,
							URL:       url,
						},
					})
				}
			}
		}
		return text, images
	}
	return "", nil
}
