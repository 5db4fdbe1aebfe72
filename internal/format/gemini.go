// Package format converts between the Anthropic Messages API shape and the
// Google Generative AI shape spoken by the Cloud Code upstream.
package format

import "encoding/json"

// GoogleRequest is the request body placed under the Cloud Code envelope's
// "request" key.
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// ToMap converts the request to a map for dynamic field manipulation by the
// request builder.
func (r *GoogleRequest) ToMap() map[string]interface{} {
	data, err := json.Marshal(r)
	if err != nil {
		return make(map[string]interface{})
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}

// GoogleContent is one turn of the upstream conversation.
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GooglePart is a single content part. Exactly one of the payload fields is
// set; Thought marks reasoning text.
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is the upstream representation of a tool invocation.
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse carries a tool result back to the upstream.
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData is base64-embedded media.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData is URL-referenced media.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// GenerationConfig holds sampling and output limits.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables reasoning output. Claude-family targets read the
// snake_case fields, Gemini-family targets the camelCase ones; budget and
// level are mutually exclusive.
type ThinkingConfig struct {
	// Claude style (snake_case)
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	// Gemini style (camelCase)
	IncludeThoughtsGemini bool   `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int    `json:"thinkingBudget,omitempty"`
	ThinkingLevel         string `json:"thinkingLevel,omitempty"` // minimal|low|medium|high
}

// GoogleTool wraps function declarations.
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig controls function calling behavior.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig selects the function calling mode.
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// GoogleResponse is an upstream response. The Cloud Code endpoint wraps the
// payload in a "response" envelope; the raw generateContent shape does not.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner is the unwrapped response body.
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Unwrap returns candidates and usage regardless of envelope form.
func (r *GoogleResponse) Unwrap() ([]Candidate, *UsageMetadata) {
	if r == nil {
		return nil, nil
	}
	if r.Response != nil {
		return r.Response.Candidates, r.Response.UsageMetadata
	}
	return r.Candidates, r.UsageMetadata
}

// Candidate is one generated completion.
type Candidate struct {
	Content           *GoogleContent     `json:"content,omitempty"`
	FinishReason      string             `json:"finishReason,omitempty"`
	SafetyRatings     []SafetyRating     `json:"safetyRatings,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// SafetyRating reports a safety category verdict on a candidate.
type SafetyRating struct {
	Category    string `json:"category,omitempty"`
	Probability string `json:"probability,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// GroundingMetadata carries web-grounding provenance.
type GroundingMetadata struct {
	WebSearchQueries []string         `json:"webSearchQueries,omitempty"`
	GroundingChunks  []GroundingChunk `json:"groundingChunks,omitempty"`
}

// GroundingChunk references one retrieved source.
type GroundingChunk struct {
	Web *GroundingWeb `json:"web,omitempty"`
}

// GroundingWeb is a retrieved web source.
type GroundingWeb struct {
	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`
}

// UsageMetadata is the upstream token accounting. PromptTokenCount is the
// total including cached tokens.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
}

// GoogleResponseFromMap decodes a generic JSON map into a GoogleResponse.
func GoogleResponseFromMap(data map[string]interface{}) *GoogleResponse {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var response GoogleResponse
	if err := json.Unmarshal(jsonData, &response); err != nil {
		return &GoogleResponse{}
	}
	return &response
}
