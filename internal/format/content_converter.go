package format

import (
	"encoding/json"
	"strings"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// ConvertRole maps the client role onto the upstream role vocabulary.
func ConvertRole(role string) string {
	if role == "assistant" || role == "model" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts converts the content blocks of one message into
// upstream parts. Images embedded in tool results are deferred to the end of
// the part list; the upstream rejects inlineData between functionResponses.
func ConvertContentToParts(content []anthropic.ContentBlock, isClaudeModel, isGeminiModel bool) []GooglePart {
	parts := make([]GooglePart, 0, len(content))
	deferredInlineData := make([]GooglePart, 0)

	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			// Empty text parts cause upstream errors
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image":
			if p, ok := mediaPart(block.Source, "image/jpeg"); ok {
				parts = append(parts, p)
			}

		case "document":
			if p, ok := mediaPart(block.Source, "application/pdf"); ok {
				parts = append(parts, p)
			}

		case "tool_use":
			functionCall := &FunctionCall{
				Name: block.Name,
				Args: decodeToolInput(block.Input),
			}
			if isClaudeModel && block.ID != "" {
				functionCall.ID = block.ID
			}

			part := GooglePart{FunctionCall: functionCall}

			// Gemini validates thoughtSignature at the part level. Priority:
			// the block's own signature, then the cache, then the documented
			// skip sentinel.
			if isGeminiModel {
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					signature = cache.GetCachedSignature(block.ID)
					if signature != "" {
						utils.Debug("[ContentConverter] Restored signature from cache for %s", block.ID)
					}
				}
				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}

			parts = append(parts, part)

		case "tool_result":
			text, images := flattenToolResultContent(block.Content)

			responseContent := map[string]interface{}{}
			switch {
			case text != "":
				responseContent["result"] = text
			case len(images) > 0:
				responseContent["result"] = "Image attached"
			default:
				responseContent["result"] = ""
			}

			funcName := block.ToolUseID
			if funcName == "" {
				funcName = "unknown"
			}
			functionResponse := &FunctionResponse{
				Name:     funcName,
				Response: responseContent,
			}
			if isClaudeModel && block.ToolUseID != "" {
				functionResponse.ID = block.ToolUseID
			}
			parts = append(parts, GooglePart{FunctionResponse: functionResponse})

			for _, img := range images {
				if img.Source != nil && img.Source.Type == "base64" {
					deferredInlineData = append(deferredInlineData, GooglePart{
						InlineData: &InlineData{
							MimeType: img.Source.MediaType,
							Data:     img.Source.Data,
						},
					})
				}
			}

		case "thinking":
			if len(block.Signature) < config.MinSignatureLength {
				// Unsigned thinking never goes upstream
				continue
			}

			if isGeminiModel {
				family := cache.GetCachedSignatureFamily(block.Signature)
				// Cross-family or cold-cache signatures fail Gemini's
				// validator; dropping is the safe default.
				if family != "gemini" {
					utils.Debug("[ContentConverter] Dropping thinking block with %s signature for gemini",
						utils.CoalesceString(family, "unknown"))
					continue
				}
			}

			parts = append(parts, GooglePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})

		case "redacted_thinking":
			if len(block.Data) >= config.MinSignatureLength {
				parts = append(parts, GooglePart{
					Thought:          true,
					ThoughtSignature: block.Data,
				})
			}
		}
	}

	return append(parts, deferredInlineData...)
}

// mediaPart builds an inlineData or fileData part from an image/document
// source.
func mediaPart(source *anthropic.ImageSource, defaultMime string) (GooglePart, bool) {
	if source == nil {
		return GooglePart{}, false
	}
	switch source.Type {
	case "base64":
		return GooglePart{InlineData: &InlineData{
			MimeType: source.MediaType,
			Data:     source.Data,
		}}, true
	case "url":
		mimeType := source.MediaType
		if mimeType == "" {
			mimeType = defaultMime
		}
		return GooglePart{FileData: &FileData{
			MimeType: mimeType,
			FileURI:  source.URL,
		}}, true
	}
	return GooglePart{}, false
}

// decodeToolInput unmarshals a tool_use input into the upstream args map.
func decodeToolInput(input json.RawMessage) map[string]interface{} {
	if len(input) == 0 {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(input, &args); err != nil {
		utils.Warn("[ContentConverter] Undecodable tool input: %v", err)
		return nil
	}
	return args
}

// IsDocumentMime reports whether a MIME type should surface as a document
// block rather than an image block.
func IsDocumentMime(mimeType string) bool {
	return !strings.HasPrefix(mimeType, "image/")
}
