package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// DeriveSessionID derives a stable session id from the first user message so
// every turn of the same conversation hits the same upstream prompt cache.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	for _, msg := range request.Messages {
		if msg.Role != "user" {
			continue
		}
		if text := firstUserText(msg); text != "" {
			sum := sha256.Sum256([]byte(text))
			return hex.EncodeToString(sum[:16])
		}
	}
	// No user text to anchor on, fall back to a random id.
	return uuid.New().String()
}

func firstUserText(msg anthropic.Message) string {
	var out string
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}
