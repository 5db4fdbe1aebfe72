package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/poemonsense/claudegate/internal/cloudcode"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/modules"
	"github.com/poemonsense/claudegate/internal/server/sse"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
	"github.com/poemonsense/claudegate/pkg/openai"
)

// ChatHandler serves the OpenAI-compatible surface: POST /v1/chat/completions.
// Requests are translated to Anthropic format internally and run through the
// same dispatcher as /v1/messages.
type ChatHandler struct {
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(cloudCodeClient *cloudcode.Client, cfg *config.Config, fallbackEnabled bool) *ChatHandler {
	return &ChatHandler{
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendOpenAIError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	if len(req.Messages) == 0 {
		sendOpenAIError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be a non-empty array")
		return
	}

	req.Model = ResolveModel(h.cfg, req.Model)

	anthropicReq, err := ConvertChatRequest(&req)
	if err != nil {
		sendOpenAIError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	utils.Info("[API] Chat completions request for model: %s, stream: %t", req.Model, req.Stream)
	modules.TrackFromContext(c, req.Model)

	if req.Stream {
		h.streamChatCompletion(c, &req, anthropicReq)
		return
	}

	response, err := h.cloudCodeClient.SendMessage(c.Request.Context(), anthropicReq, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Chat completions error: %v", err)
		errorType, statusCode, errorMessage := parseDispatchError(err)
		sendOpenAIError(c, statusCode, errorType, errorMessage)
		return
	}

	c.JSON(http.StatusOK, ConvertChatResponse(response, req.Model))
}

// streamChatCompletion relays dispatcher events as OpenAI chat chunks.
func (h *ChatHandler) streamChatCompletion(c *gin.Context, req *openai.ChatCompletionRequest, anthropicReq *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.cloudCodeClient.SendMessageStream(ctx, anthropicReq, h.fallbackEnabled)

	// Hold headers until the first event so a pre-stream failure still
	// returns a JSON error status.
	var firstEvent *cloudcode.SSEEvent
	var firstErr error
	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = cloudcode.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial chat stream error: %v", firstErr)
		errorType, statusCode, errorMessage := parseDispatchError(firstErr)
		sendOpenAIError(c, statusCode, errorType, errorMessage)
		return
	}

	sseWriter, err := sse.NewWriter(c.Writer)
	if err != nil {
		sendOpenAIError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	sseWriter.SetHeaders()
	c.Writer.Flush()

	relay := newChatChunkRelay(req.Model)

	writeChunk := func(chunk *openai.ChatCompletionChunk) bool {
		data, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		return sseWriter.WriteData(data) == nil
	}

	emit := func(event *cloudcode.SSEEvent) bool {
		for _, chunk := range relay.chunksFor(event) {
			if !writeChunk(chunk) {
				return false
			}
		}
		return true
	}

	if firstEvent != nil && !emit(firstEvent) {
		return
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				sseWriter.WriteData([]byte("[DONE]"))
				return
			}
			if !emit(event) {
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream chat error: %v", err)
			}
			sseWriter.WriteData([]byte("[DONE]"))
			return
		case <-ctx.Done():
			return
		}
	}
}

// chatChunkRelay converts Anthropic stream events into OpenAI chunks,
// tracking tool-call indexes across content blocks.
type chatChunkRelay struct {
	id      string
	model   string
	created int64

	// anthropic block index -> openai tool call index
	toolIndex map[int]int
	nextTool  int
}

func newChatChunkRelay(model string) *chatChunkRelay {
	return &chatChunkRelay{
		id:        "chatcmpl-" + uuid.New().String(),
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[int]int),
	}
}

func (r *chatChunkRelay) chunk(delta openai.Delta, finishReason *string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []openai.StreamChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

func (r *chatChunkRelay) chunksFor(event *cloudcode.SSEEvent) []*openai.ChatCompletionChunk {
	switch event.Type {
	case "message_start":
		return []*openai.ChatCompletionChunk{r.chunk(openai.Delta{Role: "assistant"}, nil)}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			idx := r.nextTool
			r.nextTool++
			r.toolIndex[event.Index] = idx
			return []*openai.ChatCompletionChunk{r.chunk(openai.Delta{
				ToolCalls: []openai.ToolCallDelta{{
					Index:    idx,
					ID:       event.ContentBlock.ID,
					Type:     "function",
					Function: &openai.FunctionCallDelta{Name: event.ContentBlock.Name},
				}},
			}, nil)}
		}
		return nil

	case "content_block_delta":
		deltaType, _ := event.Delta["type"].(string)
		switch deltaType {
		case "text_delta":
			text, _ := event.Delta["text"].(string)
			if text == "" {
				return nil
			}
			return []*openai.ChatCompletionChunk{r.chunk(openai.Delta{Content: text}, nil)}
		case "thinking_delta":
			thinking, _ := event.Delta["thinking"].(string)
			if thinking == "" {
				return nil
			}
			return []*openai.ChatCompletionChunk{r.chunk(openai.Delta{ReasoningContent: thinking}, nil)}
		case "input_json_delta":
			args, _ := event.Delta["partial_json"].(string)
			idx, ok := r.toolIndex[event.Index]
			if !ok || args == "" {
				return nil
			}
			return []*openai.ChatCompletionChunk{r.chunk(openai.Delta{
				ToolCalls: []openai.ToolCallDelta{{
					Index:    idx,
					Function: &openai.FunctionCallDelta{Arguments: args},
				}},
			}, nil)}
		}
		return nil

	case "message_delta":
		stopReason, _ := event.Delta["stop_reason"].(string)
		reason := MapFinishReason(stopReason)
		chunk := r.chunk(openai.Delta{}, &reason)
		if event.Usage != nil {
			chunk.Usage = convertChatUsage(event.Usage)
		}
		return []*openai.ChatCompletionChunk{chunk}
	}

	return nil
}

// ConvertChatRequest translates an OpenAI chat request into the Anthropic Messages format.
func ConvertChatRequest(req *openai.ChatCompletionRequest) (*anthropic.MessagesRequest, error) {
	out := &anthropic.MessagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = config.DefaultMaxTokens
	}

	var systemParts []string
	// tool_call id -> function name, for pairing tool results
	toolNames := make(map[string]string)

	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, msg.ContentText())

		case "user":
			blocks, err := convertUserContent(msg)
			if err != nil {
				return nil, err
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, anthropic.Message{Role: "user", Content: blocks})
			}

		case "assistant":
			var blocks []anthropic.ContentBlock
			if text := msg.ContentText(); text != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
			}
			for _, call := range msg.ToolCalls {
				toolNames[call.ID] = call.Function.Name
				input := json.RawMessage(call.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: input,
				})
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, anthropic.Message{Role: "assistant", Content: blocks})
			}

		case "tool":
			out.Messages = append(out.Messages, anthropic.Message{
				Role: "user",
				Content: []anthropic.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.ContentText(),
				}},
			})

		default:
			return nil, fmt.Errorf("unsupported message role: %q", msg.Role)
		}
	}

	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n\n")
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}

	out.ToolChoice = convertToolChoice(req.ToolChoice)
	out.StopSequences = convertStop(req.Stop)

	return out, nil
}

// convertUserContent maps an OpenAI user message to Anthropic content blocks,
// including data-URL images.
func convertUserContent(msg *openai.Message) ([]anthropic.ContentBlock, error) {
	switch content := msg.Content.(type) {
	case string:
		if content == "" {
			return nil, nil
		}
		return []anthropic.ContentBlock{{Type: "text", Text: content}}, nil
	case []interface{}:
		var blocks []anthropic.ContentBlock
		for _, raw := range content {
			part, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			switch part["type"] {
			case "text":
				if text, ok := part["text"].(string); ok && text != "" {
					blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
				}
			case "image_url":
				img, _ := part["image_url"].(map[string]interface{})
				url, _ := img["url"].(string)
				source, err := imageSourceFromURL(url)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, anthropic.ContentBlock{Type: "image", Source: source})
			}
		}
		return blocks, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported user content type %T", msg.Content)
	}
}

// imageSourceFromURL parses a data: URL into a base64 image source.
// Remote http(s) URLs are not fetched by the proxy.
func imageSourceFromURL(url string) (*anthropic.ImageSource, error) {
	if !strings.HasPrefix(url, "data:") {
		return nil, fmt.Errorf("only data: image URLs are supported")
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return nil, fmt.Errorf("image data URL must be base64 encoded")
	}
	mediaType := rest[:semi]
	data := rest[semi+len(";base64,"):]
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return nil, fmt.Errorf("invalid base64 image data: %v", err)
	}
	return &anthropic.ImageSource{Type: "base64", MediaType: mediaType, Data: data}, nil
}

func convertToolChoice(choice interface{}) *anthropic.ToolChoice {
	switch tc := choice.(type) {
	case string:
		switch tc {
		case "auto":
			return &anthropic.ToolChoice{Type: "auto"}
		case "required":
			return &anthropic.ToolChoice{Type: "any"}
		case "none", "":
			return nil
		}
	case map[string]interface{}:
		if fn, ok := tc["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				return &anthropic.ToolChoice{Type: "tool", Name: name}
			}
		}
	}
	return nil
}

func convertStop(stop interface{}) []string {
	switch s := stop.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []interface{}:
		var out []string
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// ConvertChatResponse translates an Anthropic Messages response into an OpenAI chat
// completion.
func ConvertChatResponse(resp *anthropic.MessagesResponse, model string) *openai.ChatCompletionResponse {
	message := openai.Message{Role: "assistant"}

	var text strings.Builder
	var reasoning strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	message.Content = text.String()
	message.ReasoningContent = reasoning.String()

	out := &openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: MapFinishReason(resp.StopReason),
		}},
	}
	if resp.Usage != nil {
		out.Usage = convertChatUsage(resp.Usage)
	}
	return out
}

// MapFinishReason maps an Anthropic stop reason to the OpenAI finish_reason.
func MapFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func convertChatUsage(usage *anthropic.Usage) *openai.Usage {
	out := &openai.Usage{
		PromptTokens:     usage.InputTokens + usage.CacheReadInputTokens,
		CompletionTokens: usage.OutputTokens,
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	if usage.CacheReadInputTokens > 0 {
		out.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: usage.CacheReadInputTokens}
	}
	return out
}
