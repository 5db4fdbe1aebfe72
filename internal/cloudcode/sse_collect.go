package cloudcode

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/poemonsense/claudegate/internal/format"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// CollectSSEResponse drains an upstream SSE body into a single Messages API
// response. Non-streaming requests against thinking models go through the SSE
// endpoint because the unary endpoint drops thought parts.
func CollectSSEResponse(reader io.Reader, originalModel string) (*anthropic.MessagesResponse, error) {
	acc := &sseAccumulator{}

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
		acc.consume(&chunk)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	parts := acc.finish()
	if len(parts) == 0 {
		return nil, NewEmptyResponseError("No content parts received from API")
	}

	merged := &format.GoogleResponse{
		Candidates: []format.Candidate{{
			Content:      &format.GoogleContent{Role: "model", Parts: parts},
			FinishReason: acc.finishReason,
		}},
		UsageMetadata: acc.usage,
	}
	return format.ConvertGoogleToAnthropic(merged, originalModel), nil
}

// sseAccumulator coalesces streamed parts into whole blocks. Consecutive
// thought chunks fold into one thinking part (keeping the last signature),
// consecutive text chunks into one text part.
type sseAccumulator struct {
	parts        []format.GooglePart
	thinkingText string
	thinkingSig  string
	text         string
	finishReason string
	usage        *format.UsageMetadata
}

func (a *sseAccumulator) consume(chunk *format.GoogleResponse) {
	candidates, usage := chunk.Unwrap()

	if usage != nil {
		if a.usage == nil {
			a.usage = &format.UsageMetadata{}
		}
		a.usage.PromptTokenCount = utils.MaxInt(a.usage.PromptTokenCount, usage.PromptTokenCount)
		a.usage.CandidatesTokenCount = utils.MaxInt(a.usage.CandidatesTokenCount, usage.CandidatesTokenCount)
		a.usage.CachedContentTokenCount = utils.MaxInt(a.usage.CachedContentTokenCount, usage.CachedContentTokenCount)
		a.usage.ThoughtsTokenCount = utils.MaxInt(a.usage.ThoughtsTokenCount, usage.ThoughtsTokenCount)
	}

	if len(candidates) == 0 {
		return
	}

	first := candidates[0]
	if first.FinishReason != "" && a.finishReason == "" {
		a.finishReason = first.FinishReason
	}
	if first.Content == nil {
		return
	}

	for _, part := range first.Content.Parts {
		switch {
		case part.Thought:
			a.flushText()
			a.thinkingText += part.Text
			if part.ThoughtSignature != "" {
				a.thinkingSig = part.ThoughtSignature
			}
		case part.Text != "":
			a.flushThinking()
			a.text += part.Text
		case part.FunctionCall != nil, part.InlineData != nil:
			a.flushThinking()
			a.flushText()
			a.parts = append(a.parts, part)
		}
	}
}

func (a *sseAccumulator) flushThinking() {
	if a.thinkingText == "" && a.thinkingSig == "" {
		return
	}
	a.parts = append(a.parts, format.GooglePart{
		Text:             a.thinkingText,
		Thought:          true,
		ThoughtSignature: a.thinkingSig,
	})
	a.thinkingText = ""
	a.thinkingSig = ""
}

func (a *sseAccumulator) flushText() {
	if a.text == "" {
		return
	}
	a.parts = append(a.parts, format.GooglePart{Text: a.text})
	a.text = ""
}

func (a *sseAccumulator) finish() []format.GooglePart {
	a.flushThinking()
	a.flushText()
	return a.parts
}
