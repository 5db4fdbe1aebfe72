package format

import (
	"fmt"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// CleanCacheControl strips cache_control from every content block. The Cloud
// Code API rejects the field with "Extra inputs are not permitted".
func CleanCacheControl(messages []anthropic.Message) []anthropic.Message {
	if len(messages) == 0 {
		return messages
	}

	removed := 0
	cleaned := make([]anthropic.Message, 0, len(messages))

	for _, message := range messages {
		if len(message.Content) == 0 {
			cleaned = append(cleaned, message)
			continue
		}

		content := make([]anthropic.ContentBlock, 0, len(message.Content))
		for _, block := range message.Content {
			if block.CacheControl != nil {
				block.CacheControl = nil
				removed++
			}
			content = append(content, block)
		}

		cleaned = append(cleaned, anthropic.Message{Role: message.Role, Content: content})
	}

	if removed > 0 {
		utils.Debug("[Thinking] Removed cache_control from %d block(s)", removed)
	}
	return cleaned
}

func isThinkingBlock(block anthropic.ContentBlock) bool {
	return block.Type == "thinking" || block.Type == "redacted_thinking"
}

func hasValidSignature(block anthropic.ContentBlock) bool {
	return len(block.Signature) >= config.MinSignatureLength
}

// HasGeminiHistory reports whether the history contains Gemini-style turns.
// Gemini attaches thoughtSignature to tool_use blocks; Claude puts signature
// on thinking blocks.
func HasGeminiHistory(messages []anthropic.Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant turn carries a
// thinking block that would be dropped for lack of a signature.
func HasUnsignedThinkingBlocks(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "thinking" && !hasValidSignature(block) {
				return true
			}
		}
	}
	return false
}

// sanitizeThinkingBlock reduces a thinking block to its canonical fields.
func sanitizeThinkingBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	switch block.Type {
	case "thinking":
		return anthropic.ContentBlock{Type: "thinking", Thinking: block.Thinking, Signature: block.Signature}
	case "redacted_thinking":
		return anthropic.ContentBlock{Type: "redacted_thinking", Data: block.Data}
	}
	return block
}

func sanitizeTextBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "text" {
		return block
	}
	return anthropic.ContentBlock{Type: "text", Text: block.Text}
}

func sanitizeToolUseBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "tool_use" {
		return block
	}
	sanitized := anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    block.ID,
		Name:  block.Name,
		Input: block.Input,
	}
	// thoughtSignature must survive for Gemini targets
	sanitized.ThoughtSignature = block.ThoughtSignature
	return sanitized
}

// RestoreThinkingSignatures fills in missing signatures on thinking blocks
// from the session's cached signature, then drops any still-unsigned blocks.
// Clients routinely strip the signature field when replaying history; the
// session cache is the only way to get it back.
func RestoreThinkingSignatures(content []anthropic.ContentBlock, sessionID string) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	cache := GetGlobalSignatureCache()
	restored := 0
	dropped := 0
	filtered := make([]anthropic.ContentBlock, 0, len(content))

	for _, block := range content {
		if block.Type != "thinking" {
			filtered = append(filtered, block)
			continue
		}

		if !hasValidSignature(block) && sessionID != "" {
			if sig := cache.GetSessionSignature(sessionID); len(sig) >= config.MinSignatureLength {
				block.Signature = sig
				restored++
			}
		}

		if hasValidSignature(block) {
			filtered = append(filtered, sanitizeThinkingBlock(block))
		} else {
			dropped++
		}
	}

	if restored > 0 {
		utils.Debug("[Thinking] Restored %d signature(s) from session cache", restored)
	}
	if dropped > 0 {
		utils.Debug("[Thinking] Dropped %d unsigned thinking block(s)", dropped)
	}
	return filtered
}

// RemoveTrailingThinkingBlocks drops unsigned thinking blocks from the tail
// of an assistant message.
func RemoveTrailingThinkingBlocks(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	end := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		block := content[i]
		if !isThinkingBlock(block) {
			break
		}
		if hasValidSignature(block) {
			break
		}
		end = i
	}

	if end < len(content) {
		utils.Debug("[Thinking] Removed %d trailing unsigned thinking block(s)", len(content)-end)
		return content[:end]
	}
	return content
}

// ReorderAssistantContent orders assistant blocks as thinking, then text,
// then tool_use. The upstream requires thinking first when thinking is
// enabled and tool_use last so the tool_result can follow.
func ReorderAssistantContent(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) <= 1 {
		if len(content) == 1 && isThinkingBlock(content[0]) {
			return []anthropic.ContentBlock{sanitizeThinkingBlock(content[0])}
		}
		return content
	}

	var thinking, text, toolUse []anthropic.ContentBlock
	droppedEmpty := 0

	for _, block := range content {
		switch {
		case isThinkingBlock(block):
			thinking = append(thinking, sanitizeThinkingBlock(block))
		case block.Type == "tool_use":
			toolUse = append(toolUse, sanitizeToolUseBlock(block))
		case block.Type == "text":
			if block.Text != "" {
				text = append(text, sanitizeTextBlock(block))
			} else {
				droppedEmpty++
			}
		default:
			text = append(text, block)
		}
	}

	if droppedEmpty > 0 {
		utils.Debug("[Thinking] Dropped %d empty text block(s)", droppedEmpty)
	}

	reordered := make([]anthropic.ContentBlock, 0, len(thinking)+len(text)+len(toolUse))
	reordered = append(reordered, thinking...)
	reordered = append(reordered, text...)
	reordered = append(reordered, toolUse...)
	return reordered
}

// conversationState is the analyzed tail of a conversation.
type conversationState struct {
	InToolLoop       bool
	InterruptedTool  bool
	TurnHasThinking  bool
	ToolResultCount  int
	LastAssistantIdx int
}

func analyzeConversationState(messages []anthropic.Message) conversationState {
	state := conversationState{LastAssistantIdx: -1}
	if len(messages) == 0 {
		return state
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			state.LastAssistantIdx = i
			break
		}
	}
	if state.LastAssistantIdx == -1 {
		return state
	}

	lastAssistant := messages[state.LastAssistantIdx]
	hasToolUse := messageHasToolUse(lastAssistant)
	state.TurnHasThinking = messageHasValidThinking(lastAssistant)

	hasPlainUserAfter := false
	for i := state.LastAssistantIdx + 1; i < len(messages); i++ {
		if messageHasToolResult(messages[i]) {
			state.ToolResultCount++
		}
		if isPlainUserMessage(messages[i]) {
			hasPlainUserAfter = true
		}
	}

	state.InToolLoop = hasToolUse && state.ToolResultCount > 0
	state.InterruptedTool = hasToolUse && state.ToolResultCount == 0 && hasPlainUserAfter
	return state
}

func messageHasValidThinking(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "thinking" && hasValidSignature(block) {
			return true
		}
		if block.Type == "tool_use" && len(block.ThoughtSignature) >= config.MinSignatureLength {
			return true
		}
	}
	return false
}

func messageHasToolUse(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}

func messageHasToolResult(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_result" {
			return true
		}
	}
	return false
}

func isPlainUserMessage(message anthropic.Message) bool {
	if message.Role != "user" {
		return false
	}
	for _, block := range message.Content {
		if block.Type == "tool_result" {
			return false
		}
	}
	return true
}

// NeedsThinkingRecovery reports whether the conversation tail is an
// interrupted or open tool loop with no valid thinking to anchor it.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	state := analyzeConversationState(messages)
	if !state.InToolLoop && !state.InterruptedTool {
		return false
	}
	return !state.TurnHasThinking
}

// stripInvalidThinkingBlocks removes unsigned thinking blocks, and for Gemini
// targets additionally anything whose cached family does not match. Claude
// validates its own signatures, so family mismatches are left for it.
func stripInvalidThinkingBlocks(messages []anthropic.Message, targetFamily string) []anthropic.Message {
	stripped := 0
	cache := GetGlobalSignatureCache()
	result := make([]anthropic.Message, 0, len(messages))

	for _, msg := range messages {
		if len(msg.Content) == 0 {
			result = append(result, msg)
			continue
		}

		filtered := make([]anthropic.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if !isThinkingBlock(block) {
				filtered = append(filtered, block)
				continue
			}
			if block.Type == "thinking" && !hasValidSignature(block) {
				stripped++
				continue
			}
			if targetFamily == "gemini" && block.Type == "thinking" {
				family := cache.GetCachedSignatureFamily(block.Signature)
				if family == "" || family != targetFamily {
					stripped++
					continue
				}
			}
			filtered = append(filtered, block)
		}

		// Claude rejects empty text parts, so the placeholder is a period.
		if len(filtered) == 0 {
			filtered = []anthropic.ContentBlock{{Type: "text", Text: "."}}
		}

		result = append(result, anthropic.Message{Role: msg.Role, Content: filtered})
	}

	if stripped > 0 {
		utils.Debug("[Thinking] Stripped %d invalid/incompatible thinking block(s)", stripped)
	}
	return result
}

// CloseToolLoopForThinking injects synthetic turns so a corrupted tool loop
// satisfies the upstream's pairing rules and the model can start fresh.
func CloseToolLoopForThinking(messages []anthropic.Message, targetFamily string) []anthropic.Message {
	state := analyzeConversationState(messages)
	if !state.InToolLoop && !state.InterruptedTool {
		return messages
	}

	modified := stripInvalidThinkingBlocks(messages, targetFamily)

	if state.InterruptedTool {
		// Acknowledge the interruption before the user's new message.
		insertIdx := state.LastAssistantIdx + 1
		synthetic := anthropic.Message{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}
		withSynthetic := make([]anthropic.Message, 0, len(modified)+1)
		withSynthetic = append(withSynthetic, modified[:insertIdx]...)
		withSynthetic = append(withSynthetic, synthetic)
		withSynthetic = append(withSynthetic, modified[insertIdx:]...)
		modified = withSynthetic

		utils.Debug("[Thinking] Applied recovery for interrupted tool")
		return modified
	}

	syntheticText := "[Tool execution completed.]"
	if state.ToolResultCount > 1 {
		syntheticText = fmt.Sprintf("[%d tool executions completed.]", state.ToolResultCount)
	}

	modified = append(modified, anthropic.Message{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "text", Text: syntheticText}},
	})
	modified = append(modified, anthropic.Message{
		Role:    "user",
		Content: []anthropic.ContentBlock{{Type: "text", Text: "[Continue]"}},
	})

	utils.Debug("[Thinking] Applied recovery for tool loop")
	return modified
}
