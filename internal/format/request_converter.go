package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// ConvertAnthropicToGoogle translates a Messages API request into the
// upstream request body. The passes run in a fixed order:
//
//	system extraction → thinking recovery → context truncation → orphan
//	rewrite → signature restore/reorder → unsigned filter → empty-parts
//	guard → tool schema sanitization → generation config
//
// The session id and identity system instruction are attached later by the
// Cloud Code request builder.
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest, sessionID string) *GoogleRequest {
	cfg := config.GetConfig()

	messages := CleanCacheControl(req.Messages)

	modelFamily := config.GetModelFamily(req.Model)
	isClaudeModel := modelFamily == config.ModelFamilyClaude
	isGeminiModel := modelFamily == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	googleRequest := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	// System instruction
	if systemParts := extractSystemParts(req.System); len(systemParts) > 0 {
		googleRequest.SystemInstruction = &GoogleContent{Parts: systemParts}
	}
	if isClaudeModel && isThinking && len(req.Tools) > 0 {
		appendSystemHint(googleRequest,
			"Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer.")
	}

	// Thinking recovery for corrupted tool loops
	if isThinking {
		switch {
		case isGeminiModel && NeedsThinkingRecovery(messages):
			utils.Debug("[RequestConverter] Applying thinking recovery for gemini")
			messages = CloseToolLoopForThinking(messages, "gemini")
		case isClaudeModel && (HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)) && NeedsThinkingRecovery(messages):
			utils.Debug("[RequestConverter] Applying thinking recovery for claude")
			messages = CloseToolLoopForThinking(messages, "claude")
		}
	}

	// Context truncation, then orphan repair (truncation can strand results)
	messages = TruncateContext(messages, cfg.MaxContextTokens)
	messages = RewriteOrphanedToolResults(messages)

	for _, msg := range messages {
		msgContent := msg.Content

		if (msg.Role == "assistant" || msg.Role == "model") && len(msgContent) > 0 {
			msgContent = RestoreThinkingSignatures(msgContent, sessionID)
			msgContent = RemoveTrailingThinkingBlocks(msgContent)
			msgContent = ReorderAssistantContent(msgContent)
		}

		parts := ConvertContentToParts(msgContent, isClaudeModel, isGeminiModel)

		googleRequest.Contents = append(googleRequest.Contents, GoogleContent{
			Role:  ConvertRole(msg.Role),
			Parts: parts,
		})
	}

	if isClaudeModel {
		googleRequest.Contents = filterUnsignedThoughtParts(googleRequest.Contents)
	}

	// The upstream requires at least one part per content message. Runs after
	// the unsigned-thought filter, which can empty a message out entirely.
	for i := range googleRequest.Contents {
		if len(googleRequest.Contents[i].Parts) == 0 {
			utils.Warn("[RequestConverter] Empty parts after filtering, adding placeholder")
			googleRequest.Contents[i].Parts = []GooglePart{{Text: "."}}
		}
	}

	buildGenerationConfig(googleRequest, req, cfg, isClaudeModel, isGeminiModel, isThinking)

	// Tools
	if len(req.Tools) > 0 {
		declarations := make([]FunctionDeclaration, 0, len(req.Tools))
		for idx, tool := range req.Tools {
			name := tool.Name
			if name == "" {
				name = fmt.Sprintf("tool-%d", idx)
			}

			var schema map[string]interface{}
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					utils.Warn("[RequestConverter] Undecodable schema for tool %s: %v", name, err)
					schema = map[string]interface{}{"type": "object"}
				}
			}

			parameters := CleanSchema(SanitizeSchema(schema))

			declarations = append(declarations, FunctionDeclaration{
				Name:        CleanToolName(name),
				Description: tool.Description,
				Parameters:  parameters,
			})
		}
		googleRequest.Tools = []GoogleTool{{FunctionDeclarations: declarations}}

		if isClaudeModel {
			googleRequest.ToolConfig = &ToolConfig{
				FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
			}
		}
	}

	return googleRequest
}

// extractSystemParts flattens the system field (string or array of text
// blocks) into upstream parts.
func extractSystemParts(system anthropic.SystemContent) []GooglePart {
	parts := make([]GooglePart, 0)
	switch s := system.(type) {
	case string:
		if s != "" {
			parts = append(parts, GooglePart{Text: s})
		}
	case []interface{}:
		for _, raw := range s {
			block, ok := raw.(map[string]interface{})
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok && text != "" {
				parts = append(parts, GooglePart{Text: text})
			}
		}
	case []anthropic.ContentBlock:
		for _, block := range s {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}
		}
	}
	return parts
}

func appendSystemHint(req *GoogleRequest, hint string) {
	if req.SystemInstruction == nil {
		req.SystemInstruction = &GoogleContent{Parts: []GooglePart{{Text: hint}}}
		return
	}
	last := &req.SystemInstruction.Parts[len(req.SystemInstruction.Parts)-1]
	if last.Text != "" {
		last.Text += "\n\n" + hint
	} else {
		req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, GooglePart{Text: hint})
	}
}

// buildGenerationConfig maps sampling options and the thinking config.
func buildGenerationConfig(googleRequest *GoogleRequest, req *anthropic.MessagesRequest, cfg *config.Config, isClaudeModel, isGeminiModel, isThinking bool) {
	gen := googleRequest.GenerationConfig

	if req.MaxTokens > 0 {
		gen.MaxOutputTokens = req.MaxTokens
	}
	gen.Temperature = req.Temperature
	gen.TopP = req.TopP
	gen.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		gen.StopSequences = req.StopSequences
	}

	if isThinking {
		budget := 0
		if req.Thinking != nil {
			budget = req.Thinking.BudgetTokens
		}
		level := ""
		if budget == 0 {
			level = cfg.DefaultThinkingLevel
			if level == "" && cfg.DefaultThinkingBudget > 0 {
				budget = cfg.DefaultThinkingBudget
			}
		}

		if isClaudeModel {
			tc := &ThinkingConfig{IncludeThoughts: true}
			if budget > 0 {
				tc.ThinkingBudget = budget
				// The API requires max_tokens to exceed the thinking budget
				if gen.MaxOutputTokens > 0 && gen.MaxOutputTokens <= budget {
					adjusted := budget + 8192
					utils.Warn("[RequestConverter] max_tokens (%d) <= thinking budget (%d), raising to %d",
						gen.MaxOutputTokens, budget, adjusted)
					gen.MaxOutputTokens = adjusted
				}
			}
			gen.ThinkingConfig = tc
		} else if isGeminiModel {
			tc := &ThinkingConfig{IncludeThoughtsGemini: true}
			if level != "" {
				tc.ThinkingLevel = strings.ToUpper(level)
			} else {
				if budget == 0 {
					budget = config.GeminiDefaultThinkingBudget
				}
				tc.ThinkingBudgetGemini = budget
			}
			gen.ThinkingConfig = tc
		}
	}

	if isGeminiModel && gen.MaxOutputTokens > config.GeminiMaxOutputTokens {
		utils.Debug("[RequestConverter] Capping gemini max_tokens from %d to %d",
			gen.MaxOutputTokens, config.GeminiMaxOutputTokens)
		gen.MaxOutputTokens = config.GeminiMaxOutputTokens
	}
}

// filterUnsignedThoughtParts drops thought parts lacking a valid signature.
// Claude-family targets reject them.
func filterUnsignedThoughtParts(contents []GoogleContent) []GoogleContent {
	result := make([]GoogleContent, 0, len(contents))
	for _, content := range contents {
		filtered := make([]GooglePart, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part.Thought && len(part.ThoughtSignature) < config.MinSignatureLength {
				utils.Debug("[RequestConverter] Dropping unsigned thought part")
				continue
			}
			filtered = append(filtered, part)
		}
		result = append(result, GoogleContent{Role: content.Role, Parts: filtered})
	}
	return result
}

// CleanToolName normalizes a tool name to [A-Za-z0-9_-]{1,64}.
func CleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		cleaned = "tool"
	}
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
