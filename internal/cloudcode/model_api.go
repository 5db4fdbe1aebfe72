package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
)

// modelCache caches the set of valid model ids fetched from the upstream.
var modelCache = struct {
	sync.RWMutex
	validModels map[string]bool
	lastFetched time.Time
}{
	validModels: make(map[string]bool),
}

// ModelInfo is one entry of the upstream model listing.
type ModelInfo struct {
	DisplayName string     `json:"displayName,omitempty"`
	QuotaInfo   *QuotaInfo `json:"quotaInfo,omitempty"`
}

// QuotaInfo is the per-model quota snapshot the upstream reports.
type QuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// FetchModelsResponse is the raw fetchAvailableModels response.
type FetchModelsResponse struct {
	Models map[string]*ModelInfo `json:"models,omitempty"`
}

// ModelListResponse is the model listing in Anthropic wire format.
type ModelListResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

type ModelEntry struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description"`
}

// ModelQuota is the normalized quota for one model.
type ModelQuota struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// SubscriptionInfo is the detected subscription tier and project.
type SubscriptionInfo struct {
	Tier      string `json:"tier"`
	ProjectID string `json:"projectId,omitempty"`
}

type loadCodeAssistRequest struct {
	Metadata *loadCodeAssistMetadata `json:"metadata,omitempty"`
}

type loadCodeAssistMetadata struct {
	IDEType     string `json:"ideType,omitempty"`
	Platform    string `json:"platform,omitempty"`
	PluginType  string `json:"pluginType,omitempty"`
	DuetProject string `json:"duetProject,omitempty"`
}

type loadCodeAssistResponse struct {
	PaidTier                *tierInfo   `json:"paidTier,omitempty"`
	CurrentTier             *tierInfo   `json:"currentTier,omitempty"`
	AllowedTiers            []*tierInfo `json:"allowedTiers,omitempty"`
	CloudAICompanionProject interface{} `json:"cloudaicompanionProject,omitempty"`
}

type tierInfo struct {
	ID        string `json:"id,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// ListModels returns the Claude and Gemini models the account can use, in
// Anthropic list format, and warms the validation cache.
func ListModels(ctx context.Context, token string) (*ModelListResponse, error) {
	data, err := FetchAvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}

	if data == nil || data.Models == nil {
		return &ModelListResponse{Object: "list", Data: []ModelEntry{}}, nil
	}

	now := time.Now().Unix()
	modelList := make([]ModelEntry, 0)

	for modelID, modelData := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}

		description := modelID
		if modelData != nil && modelData.DisplayName != "" {
			description = modelData.DisplayName
		}

		modelList = append(modelList, ModelEntry{
			ID:          modelID,
			Object:      "model",
			Created:     now,
			OwnedBy:     "anthropic",
			Description: description,
		})
	}

	modelCache.Lock()
	modelCache.validModels = make(map[string]bool)
	for _, m := range modelList {
		modelCache.validModels[m.ID] = true
	}
	modelCache.lastFetched = time.Now()
	modelCache.Unlock()

	return &ModelListResponse{Object: "list", Data: modelList}, nil
}

// FetchAvailableModels fetches the model listing with quota info. The project
// id goes in the body so quota numbers reflect the right project.
func FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.UpstreamHeaders(config.GetConfig().GeminiHeaderMode) {
		headers[k] = v
	}

	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	client := &http.Client{Timeout: 30 * time.Second}

	for _, endpoint := range config.UpstreamEndpointFallbacks {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}

		var data FetchModelsResponse
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}

		return &data, nil
	}

	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// GetModelQuotas returns the quota snapshot for the supported models.
func GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*ModelQuota, error) {
	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}

	quotas := make(map[string]*ModelQuota)
	if data == nil || data.Models == nil {
		return quotas, nil
	}

	for modelID, modelData := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}
		if modelData == nil || modelData.QuotaInfo == nil {
			continue
		}

		quota := &ModelQuota{ResetTime: modelData.QuotaInfo.ResetTime}

		// A reset time with no remaining fraction means the quota is spent.
		if modelData.QuotaInfo.RemainingFraction != nil {
			quota.RemainingFraction = modelData.QuotaInfo.RemainingFraction
		} else if modelData.QuotaInfo.ResetTime != nil {
			zero := 0.0
			quota.RemainingFraction = &zero
		}

		quotas[modelID] = quota
	}

	return quotas, nil
}

// ParseTierID maps a raw tier id to a subscription level.
func ParseTierID(tierID string) string {
	if tierID == "" {
		return "unknown"
	}

	lower := strings.ToLower(tierID)

	if strings.Contains(lower, "ultra") {
		return "ultra"
	}
	// standard-tier is the paid, project-based Code Assist tier.
	if lower == "standard-tier" {
		return "pro"
	}
	if strings.Contains(lower, "pro") || strings.Contains(lower, "premium") {
		return "pro"
	}
	if lower == "free-tier" || strings.Contains(lower, "free") {
		return "free"
	}
	return "unknown"
}

// GetSubscriptionTier detects the account's subscription tier and project via
// loadCodeAssist. Tier precedence: paidTier, then currentTier, then the
// default entry of allowedTiers.
func GetSubscriptionTier(ctx context.Context, token string) (*SubscriptionInfo, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.LoadCodeAssistHeaders() {
		headers[k] = v
	}

	reqBody := &loadCodeAssistRequest{
		Metadata: &loadCodeAssistMetadata{
			IDEType:     "IDE_UNSPECIFIED",
			Platform:    "PLATFORM_UNSPECIFIED",
			PluginType:  "GEMINI",
			DuetProject: config.DefaultProjectID,
		},
	}
	bodyBytes, _ := json.Marshal(reqBody)

	client := &http.Client{Timeout: 30 * time.Second}

	for _, endpoint := range config.LoadCodeAssistEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}

		var data loadCodeAssistResponse
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] loadCodeAssist error at %s: %d", endpoint, resp.StatusCode)
			continue
		}
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] loadCodeAssist decode error at %s: %v", endpoint, err)
			continue
		}

		var projectID string
		switch v := data.CloudAICompanionProject.(type) {
		case string:
			projectID = v
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				projectID = id
			}
		}

		tier := "unknown"
		var tierID string

		if data.PaidTier != nil && data.PaidTier.ID != "" {
			tierID = data.PaidTier.ID
			tier = ParseTierID(tierID)
		}
		if tier == "unknown" && data.CurrentTier != nil && data.CurrentTier.ID != "" {
			tierID = data.CurrentTier.ID
			tier = ParseTierID(tierID)
		}
		if tier == "unknown" && len(data.AllowedTiers) > 0 {
			var defaultTier *tierInfo
			for _, t := range data.AllowedTiers {
				if t != nil && t.IsDefault {
					defaultTier = t
					break
				}
			}
			if defaultTier == nil && data.AllowedTiers[0] != nil {
				defaultTier = data.AllowedTiers[0]
			}
			if defaultTier != nil && defaultTier.ID != "" {
				tierID = defaultTier.ID
				tier = ParseTierID(tierID)
			}
		}

		utils.Debug("[CloudCode] Subscription detected: %s (tierId: %s), project: %s", tier, tierID, projectID)

		return &SubscriptionInfo{Tier: tier, ProjectID: projectID}, nil
	}

	utils.Warn("[CloudCode] Failed to detect subscription tier from all endpoints. Defaulting to free.")
	return &SubscriptionInfo{Tier: "free", ProjectID: ""}, nil
}

// PopulateModelCache refreshes the model validation cache when stale.
func PopulateModelCache(ctx context.Context, token, projectID string) error {
	modelCache.RLock()
	cacheSize := len(modelCache.validModels)
	lastFetched := modelCache.lastFetched
	modelCache.RUnlock()

	if cacheSize > 0 && time.Since(lastFetched) < time.Duration(config.ModelValidationCacheTTLMs)*time.Millisecond {
		return nil
	}

	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		utils.Warn("[CloudCode] Failed to populate model cache: %v", err)
		return err
	}

	if data != nil && data.Models != nil {
		modelCache.Lock()
		modelCache.validModels = make(map[string]bool)
		for modelID := range data.Models {
			if isSupportedModel(modelID) {
				modelCache.validModels[modelID] = true
			}
		}
		modelCache.lastFetched = time.Now()
		utils.Debug("[CloudCode] Model cache populated with %d models", len(modelCache.validModels))
		modelCache.Unlock()
	}

	return nil
}

// IsValidModel reports whether the upstream knows the model id. When the
// cache cannot be populated it fails open and lets the API reject instead.
func IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	_ = PopulateModelCache(ctx, token, projectID)

	modelCache.RLock()
	defer modelCache.RUnlock()

	if len(modelCache.validModels) > 0 {
		return modelCache.validModels[modelID]
	}
	return true
}
