// Package sse writes Server-Sent Events responses. The Anthropic surface
// uses typed event frames; the OpenAI surface uses bare data frames.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFlushable is returned when the response writer cannot stream.
var ErrNotFlushable = errors.New("response writer does not support streaming")

// Writer emits SSE frames and flushes after each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps a response writer for SSE output.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotFlushable
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers. Call before the first frame.
func (sw *Writer) SetHeaders() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable proxy buffering so frames reach the client immediately
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent marshals data and writes a typed event frame.
func (sw *Writer) WriteEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sw.WriteRaw(eventType, payload)
}

// WriteRaw writes a typed event frame with pre-marshaled data.
func (sw *Writer) WriteRaw(eventType string, payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteData writes an untyped data-only frame (OpenAI chunk framing).
func (sw *Writer) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError writes an error event in the Anthropic envelope shape.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent("error", map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}

// Flush flushes any buffered output.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
