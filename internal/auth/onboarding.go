package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
)

// OnboardUser provisions a managed Cloud Code project for an account.
// tierID is the raw API value (e.g. "free-tier", "g1-pro-tier"); projectID is
// only required for non-free tiers.
func OnboardUser(ctx context.Context, token, tierID, projectID string, maxAttempts int, delayMs int64) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if delayMs <= 0 {
		delayMs = 5000
	}

	metadata := map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	if projectID != "" {
		metadata["duetProject"] = projectID
	}

	// The project goes only in metadata.duetProject. Putting it in the body
	// breaks auto-provisioned tiers with a 400.
	requestBody := map[string]interface{}{
		"tierId":   tierID,
		"metadata": metadata,
	}

	utils.Debug("[Onboarding] Starting onboard with tierId: %s, projectID: %s", tierID, projectID)

	for _, endpoint := range config.OnboardUserEndpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			result, err := tryOnboardUser(ctx, endpoint, token, requestBody)
			if err != nil {
				utils.Warn("[Onboarding] onboardUser failed at %s: %v", endpoint, err)
				break
			}

			if done, ok := result["done"].(bool); ok && done {
				if response, ok := result["response"].(map[string]interface{}); ok {
					if proj, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
						if id, ok := proj["id"].(string); ok && id != "" {
							return id, nil
						}
					}
				}
				if projectID != "" {
					return projectID, nil
				}
			}

			if attempt < maxAttempts-1 {
				utils.Debug("[Onboarding] onboardUser not complete, waiting %dms...", delayMs)
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(time.Duration(delayMs) * time.Millisecond):
				}
			}
		}
	}

	utils.Warn("[Onboarding] All onboarding attempts failed for tierId: %s", tierID)
	return "", fmt.Errorf("all onboarding attempts failed")
}

func tryOnboardUser(ctx context.Context, endpoint, token string, requestBody map[string]interface{}) (map[string]interface{}, error) {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:onboardUser", strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.LoadCodeAssistHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
