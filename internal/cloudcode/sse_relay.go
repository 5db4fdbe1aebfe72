package cloudcode

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/format"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// SSEEvent is one Messages API streaming event. Delta stays a generic map so
// the wire form matches the Anthropic event schema exactly (including
// explicit nulls).
type SSEEvent struct {
	Type         string                      `json:"type"`
	Index        int                         `json:"index,omitempty"`
	Message      *anthropic.MessagesResponse `json:"message,omitempty"`
	ContentBlock *anthropic.ContentBlock     `json:"content_block,omitempty"`
	Delta        map[string]interface{}      `json:"delta,omitempty"`
	Usage        *anthropic.Usage            `json:"usage,omitempty"`
}

// RelaySSE reads the upstream SSE body and emits Messages API events. The
// upstream interleaves thought, text, tool-call and inline-data parts; each
// change of part kind closes the current content block and opens a new one.
func RelaySSE(reader io.Reader, originalModel string) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		r := newSSERelay(originalModel, events)

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if jsonText == "" {
				continue
			}

			var chunk format.GoogleResponse
			if err := json.Unmarshal([]byte(jsonText), &chunk); err != nil {
				utils.Warn("[CloudCode] SSE parse error: %v", err)
				continue
			}
			r.consume(&chunk)
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !r.started {
			errs <- NewEmptyResponseError("No content parts received from API")
			return
		}

		r.finish()
	}()

	return events, errs
}

// sseRelay holds the block state machine for one streamed response.
type sseRelay struct {
	out       chan<- *SSEEvent
	model     string
	messageID string

	started      bool
	blockIndex   int
	blockType    string // "", "thinking", "text", "tool_use", "image"
	thinkingSig  string
	inputTokens  int
	outputTokens int
	cachedTokens int
	stopReason   string
}

func newSSERelay(model string, out chan<- *SSEEvent) *sseRelay {
	return &sseRelay{
		out:       out,
		model:     model,
		messageID: "msg_" + randomHex(16),
	}
}

func (r *sseRelay) consume(chunk *format.GoogleResponse) {
	candidates, usage := chunk.Unwrap()

	if usage != nil {
		r.inputTokens = utils.MaxInt(r.inputTokens, usage.PromptTokenCount)
		r.outputTokens = utils.MaxInt(r.outputTokens, usage.CandidatesTokenCount)
		r.cachedTokens = utils.MaxInt(r.cachedTokens, usage.CachedContentTokenCount)
	}

	if len(candidates) == 0 {
		return
	}

	first := candidates[0]
	if first.Content == nil {
		if first.FinishReason != "" && r.stopReason == "" {
			r.stopReason = format.MapStopReason(first.FinishReason, false)
		}
		return
	}

	parts := first.Content.Parts
	if !r.started && len(parts) > 0 {
		r.started = true
		r.out <- &SSEEvent{
			Type: "message_start",
			Message: &anthropic.MessagesResponse{
				ID:      r.messageID,
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ContentBlock{},
				Model:   r.model,
				Usage: &anthropic.Usage{
					InputTokens:          r.inputTokens - r.cachedTokens,
					CacheReadInputTokens: r.cachedTokens,
				},
			},
		}
	}

	for _, part := range parts {
		switch {
		case part.Thought:
			r.emitThinking(part)
		case part.Text != "":
			r.emitText(part.Text)
		case part.FunctionCall != nil:
			r.emitToolUse(part)
		case part.InlineData != nil:
			r.emitImage(part.InlineData)
		}
	}

	if first.FinishReason != "" && r.stopReason == "" {
		r.stopReason = format.MapStopReason(first.FinishReason, false)
	}
}

func (r *sseRelay) emitThinking(part format.GooglePart) {
	if r.blockType != "thinking" {
		r.closeBlock()
		r.blockType = "thinking"
		r.thinkingSig = ""
		r.out <- &SSEEvent{
			Type:         "content_block_start",
			Index:        r.blockIndex,
			ContentBlock: &anthropic.ContentBlock{Type: "thinking", Thinking: ""},
		}
	}

	if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
		r.thinkingSig = sig
		family := config.GetModelFamily(r.model)
		format.GetGlobalSignatureCache().CacheThinkingSignature(sig, string(family))
	}

	r.out <- &SSEEvent{
		Type:  "content_block_delta",
		Index: r.blockIndex,
		Delta: map[string]interface{}{
			"type":     "thinking_delta",
			"thinking": part.Text,
		},
	}
}

func (r *sseRelay) emitText(text string) {
	if r.blockType != "text" {
		r.closeBlock()
		r.blockType = "text"
		r.out <- &SSEEvent{
			Type:         "content_block_start",
			Index:        r.blockIndex,
			ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""},
		}
	}

	r.out <- &SSEEvent{
		Type:  "content_block_delta",
		Index: r.blockIndex,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": text,
		},
	}
}

func (r *sseRelay) emitToolUse(part format.GooglePart) {
	r.closeBlock()
	r.blockType = "tool_use"
	r.stopReason = "tool_use"

	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = "toolu_" + randomHex(12)
	}

	block := &anthropic.ContentBlock{
		Type: "tool_use",
		ID:   toolID,
		Name: part.FunctionCall.Name,
	}

	// Clients routinely strip thoughtSignature from tool_use blocks, so the
	// signature also goes into the cache keyed by tool id.
	if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
		block.ThoughtSignature = sig
		format.GetGlobalSignatureCache().CacheSignature(toolID, sig)
	}

	r.out <- &SSEEvent{Type: "content_block_start", Index: r.blockIndex, ContentBlock: block}

	argsJSON, _ := json.Marshal(part.FunctionCall.Args)
	r.out <- &SSEEvent{
		Type:  "content_block_delta",
		Index: r.blockIndex,
		Delta: map[string]interface{}{
			"type":         "input_json_delta",
			"partial_json": string(argsJSON),
		},
	}
}

func (r *sseRelay) emitImage(data *format.InlineData) {
	r.closeBlock()
	r.blockType = "image"

	r.out <- &SSEEvent{
		Type:  "content_block_start",
		Index: r.blockIndex,
		ContentBlock: &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: data.MimeType,
				Data:      data.Data,
			},
		},
	}

	r.out <- &SSEEvent{Type: "content_block_stop", Index: r.blockIndex}
	r.blockIndex++
	r.blockType = ""
}

// closeBlock flushes a pending thinking signature and closes the open block.
func (r *sseRelay) closeBlock() {
	if r.blockType == "" {
		return
	}
	if r.blockType == "thinking" && r.thinkingSig != "" {
		r.out <- &SSEEvent{
			Type:  "content_block_delta",
			Index: r.blockIndex,
			Delta: map[string]interface{}{
				"type":      "signature_delta",
				"signature": r.thinkingSig,
			},
		}
		r.thinkingSig = ""
	}
	r.out <- &SSEEvent{Type: "content_block_stop", Index: r.blockIndex}
	r.blockIndex++
	r.blockType = ""
}

func (r *sseRelay) finish() {
	r.closeBlock()

	stopReason := r.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	r.out <- &SSEEvent{
		Type: "message_delta",
		Delta: map[string]interface{}{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		Usage: &anthropic.Usage{
			OutputTokens:         r.outputTokens,
			CacheReadInputTokens: r.cachedTokens,
		},
	}
	r.out <- &SSEEvent{Type: "message_stop"}
}

func randomHex(length int) string {
	bytes := make([]byte, length)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
