package cloudcode

import (
	"github.com/google/uuid"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/format"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// Payload is the envelope the Cloud Code internal API expects around a
// generateContent request.
type Payload struct {
	Project     string                 `json:"project"`
	Model       string                 `json:"model"`
	Request     map[string]interface{} `json:"request"`
	UserAgent   string                 `json:"userAgent"`
	RequestType string                 `json:"requestType"`
	RequestID   string                 `json:"requestId"`
}

// BuildPayload converts a Messages API request into the wrapped upstream
// payload for the given project.
func BuildPayload(anthropicRequest *anthropic.MessagesRequest, projectID string) (*Payload, error) {
	sessionID := DeriveSessionID(anthropicRequest)

	googleRequest := format.ConvertAnthropicToGoogle(anthropicRequest, sessionID).ToMap()
	googleRequest["sessionId"] = sessionID

	// The identity instruction goes first, immediately followed by an
	// [ignore] copy. The pair keeps the upstream template happy without the
	// model adopting the identity in its replies.
	systemParts := []map[string]interface{}{
		{"text": config.IdentitySystemInstruction},
		{"text": "Please ignore the following [ignore]" + config.IdentitySystemInstruction + "[/ignore]"},
	}

	if existing, ok := googleRequest["systemInstruction"].(map[string]interface{}); ok {
		if parts, ok := existing["parts"].([]interface{}); ok {
			for _, part := range parts {
				if partMap, ok := part.(map[string]interface{}); ok {
					if text, ok := partMap["text"].(string); ok && text != "" {
						systemParts = append(systemParts, map[string]interface{}{"text": text})
					}
				}
			}
		}
	}

	googleRequest["systemInstruction"] = map[string]interface{}{
		"role":  "user",
		"parts": systemParts,
	}

	return &Payload{
		Project:     projectID,
		Model:       anthropicRequest.Model,
		Request:     googleRequest,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.New().String(),
	}, nil
}

// BuildHeaders builds the request headers for a Cloud Code call.
func BuildHeaders(token, model, accept string) map[string]string {
	if accept == "" {
		accept = "application/json"
	}

	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.UpstreamHeaders(config.GetConfig().GeminiHeaderMode) {
		headers[k] = v
	}

	// Claude thinking models need the interleaved-thinking beta flag or the
	// upstream drops thought parts between tool calls.
	if config.GetModelFamily(model) == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}

	if accept != "application/json" {
		headers["Accept"] = accept
	}

	return headers
}
