package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SignatureStore mirrors the in-memory signature cache into Redis so that
// multiple proxy instances see each other's signatures.
type SignatureStore struct {
	client *Client
}

// NewSignatureStore creates a new SignatureStore
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

// SignatureTTL bounds how long a mirrored signature stays in Redis
const SignatureTTL = 2 * time.Hour

// GetToolSignature retrieves a cached thoughtSignature for a tool use ID
func (s *SignatureStore) GetToolSignature(ctx context.Context, toolUseID string) (string, error) {
	key := PrefixSignatureTool + toolUseID
	sig, err := s.client.GetString(ctx, key)
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

// SetToolSignature caches a thoughtSignature for a tool use ID
func (s *SignatureStore) SetToolSignature(ctx context.Context, toolUseID, signature string) error {
	key := PrefixSignatureTool + toolUseID
	return s.client.SetString(ctx, key, signature, SignatureTTL)
}

// GetThinkingSignatureFamily retrieves the model family for a thinking signature
func (s *SignatureStore) GetThinkingSignatureFamily(ctx context.Context, signature string) (string, error) {
	key := PrefixSignatureThinking + hashSignature(signature)

	data, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}

	if family, ok := data["modelFamily"]; ok {
		return family, nil
	}

	return "", nil
}

// SetThinkingSignature caches a thinking signature with its model family
func (s *SignatureStore) SetThinkingSignature(ctx context.Context, signature, modelFamily string) error {
	key := PrefixSignatureThinking + hashSignature(signature)

	values := map[string]interface{}{
		"modelFamily": modelFamily,
		"timestamp":   time.Now().Format(time.RFC3339),
	}

	if err := s.client.HSet(ctx, key, values); err != nil {
		return err
	}

	return s.client.Expire(ctx, key, SignatureTTL)
}

// ClearAllSignatures clears all mirrored signatures
func (s *SignatureStore) ClearAllSignatures(ctx context.Context) error {
	toolKeys, err := s.client.ScanAll(ctx, PrefixSignatureTool+"*")
	if err != nil {
		return err
	}
	if len(toolKeys) > 0 {
		if err := s.client.Delete(ctx, toolKeys...); err != nil {
			return err
		}
	}

	thinkingKeys, err := s.client.ScanAll(ctx, PrefixSignatureThinking+"*")
	if err != nil {
		return err
	}
	if len(thinkingKeys) > 0 {
		if err := s.client.Delete(ctx, thinkingKeys...); err != nil {
			return err
		}
	}

	return nil
}

// GetSignatureStats returns counts of mirrored signatures
func (s *SignatureStore) GetSignatureStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	toolKeys, err := s.client.ScanAll(ctx, PrefixSignatureTool+"*")
	if err != nil {
		return nil, err
	}
	stats["tool"] = int64(len(toolKeys))

	thinkingKeys, err := s.client.ScanAll(ctx, PrefixSignatureThinking+"*")
	if err != nil {
		return nil, err
	}
	stats["thinking"] = int64(len(thinkingKeys))
	stats["total"] = stats["tool"] + stats["thinking"]

	return stats, nil
}

// hashSignature creates a SHA256 hash of a signature for use as a key
func hashSignature(signature string) string {
	hash := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(hash[:])
}
