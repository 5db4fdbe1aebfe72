package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// ConvertGoogleToAnthropic translates an upstream response into a Messages
// API response. Signatures seen on the way through are recorded in the
// signature cache so later turns can restore them.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model string) *anthropic.MessagesResponse {
	candidates, usageMetadata := googleResponse.Unwrap()

	var candidate Candidate
	if len(candidates) > 0 {
		candidate = candidates[0]
		if len(candidates) > 1 {
			utils.Warn("[ResponseConverter] Upstream returned %d candidates, using the first", len(candidates))
		}
	}

	usage := convertUsage(usageMetadata)

	// Safety blocks surface as an explanatory text block, not an error
	if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "RECITATION" {
		return anthropic.NewMessagesResponse(
			anthropic.GenerateMessageID(), model,
			[]anthropic.ContentBlock{{
				Type: "text",
				Text: fmt.Sprintf("[Content blocked by safety filter: %s]", blockedCategories(candidate)),
			}},
			"end_turn", usage)
	}

	var parts []GooglePart
	if candidate.Content != nil {
		parts = candidate.Content.Parts
	}

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false
	cache := GetGlobalSignatureCache()
	modelFamily := string(config.GetModelFamily(model))

	for _, part := range parts {
		switch {
		case part.Thought:
			signature := part.ThoughtSignature
			if len(signature) >= config.MinSignatureLength {
				cache.CacheThinkingSignature(signature, modelFamily)
			}
			if part.Text == "" && signature != "" {
				content = append(content, anthropic.ContentBlock{
					Type: "redacted_thinking",
					Data: signature,
				})
				continue
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: signature,
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{Type: "text", Text: part.Text})

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			input := json.RawMessage("{}")
			if part.FunctionCall.Args != nil {
				if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
					input = data
				}
			}

			block := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: input,
			}
			if len(part.ThoughtSignature) >= config.MinSignatureLength {
				// Clients strip this field on replay; the cache restores it
				block.ThoughtSignature = part.ThoughtSignature
				cache.CacheSignature(toolID, part.ThoughtSignature)
			}
			content = append(content, block)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})

		case part.FileData != nil:
			blockType := "image"
			if IsDocumentMime(part.FileData.MimeType) {
				blockType = "document"
			}
			content = append(content, anthropic.ContentBlock{
				Type: blockType,
				Source: &anthropic.ImageSource{
					Type:      "url",
					MediaType: part.FileData.MimeType,
					URL:       part.FileData.FileURI,
				},
			})
		}
	}

	if grounding := formatGroundingMetadata(candidate.GroundingMetadata); grounding != "" {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: grounding})
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return anthropic.NewMessagesResponse(
		anthropic.GenerateMessageID(), model, content,
		MapStopReason(candidate.FinishReason, hasToolCalls), usage)
}

// MapStopReason translates the upstream finish reason.
func MapStopReason(finishReason string, hasToolCalls bool) string {
	if finishReason == "TOOL_USE" || hasToolCalls {
		return "tool_use"
	}
	if finishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

// convertUsage maps upstream token accounting onto the Messages API fields.
// promptTokenCount is the total including cached tokens; input_tokens
// excludes them.
func convertUsage(meta *UsageMetadata) *anthropic.Usage {
	usage := &anthropic.Usage{}
	if meta == nil {
		return usage
	}
	usage.InputTokens = meta.PromptTokenCount - meta.CachedContentTokenCount
	usage.OutputTokens = meta.CandidatesTokenCount
	usage.CacheReadInputTokens = meta.CachedContentTokenCount
	return usage
}

func blockedCategories(candidate Candidate) string {
	var categories []string
	for _, rating := range candidate.SafetyRatings {
		if rating.Blocked {
			categories = append(categories, rating.Category)
		}
	}
	if len(categories) == 0 {
		return candidate.FinishReason
	}
	return strings.Join(categories, ", ")
}

// formatGroundingMetadata renders search provenance as a trailing text block.
func formatGroundingMetadata(meta *GroundingMetadata) string {
	if meta == nil {
		return ""
	}
	var sources []string
	for _, chunk := range meta.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		if chunk.Web.Title != "" {
			sources = append(sources, fmt.Sprintf("%s (%s)", chunk.Web.Title, chunk.Web.URI))
		} else {
			sources = append(sources, chunk.Web.URI)
		}
	}
	if len(sources) == 0 {
		return ""
	}
	return "\n\nSources:\n- " + strings.Join(sources, "\n- ")
}
