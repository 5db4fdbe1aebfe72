package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/cloudcode"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// AccountsHandler serves the account management surface: the
// /account-limits quota view and the /api/accounts CRUD endpoints used by
// the enrollment tooling.
type AccountsHandler struct {
	accountManager *account.Manager
	cfg            *config.Config
}

// NewAccountsHandler creates a new AccountsHandler
func NewAccountsHandler(accountManager *account.Manager, cfg *config.Config) *AccountsHandler {
	return &AccountsHandler{accountManager: accountManager, cfg: cfg}
}

// accountLimitResult holds the quota probe result for one account
type accountLimitResult struct {
	Email        string                           `json:"email"`
	Status       string                           `json:"status"`
	Error        string                           `json:"error,omitempty"`
	Subscription *cloudcode.SubscriptionInfo      `json:"subscription,omitempty"`
	Models       map[string]*cloudcode.ModelQuota `json:"models"`
}

// AccountLimits handles GET /account-limits
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	ctx := c.Request.Context()
	allAccounts := h.accountManager.GetAllAccounts()
	outputFormat := c.Query("format")

	results := make([]*accountLimitResult, 0, len(allAccounts))

	for _, acc := range allAccounts {
		result := &accountLimitResult{
			Email:  acc.Email,
			Models: make(map[string]*cloudcode.ModelQuota),
		}

		if acc.IsInvalid {
			result.Status = "invalid"
			result.Error = acc.InvalidReason
			results = append(results, result)
			continue
		}

		token, err := h.accountManager.GetTokenForAccount(ctx, acc)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		subscription, err := cloudcode.GetSubscriptionTier(ctx, token)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			if acc.Subscription != nil {
				result.Subscription = &cloudcode.SubscriptionInfo{
					Tier:      acc.Subscription.Tier,
					ProjectID: acc.Subscription.ProjectID,
				}
			} else {
				result.Subscription = &cloudcode.SubscriptionInfo{Tier: "unknown"}
			}
			results = append(results, result)
			continue
		}
		result.Subscription = subscription

		quotas, err := cloudcode.GetModelQuotas(ctx, token, subscription.ProjectID)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		result.Status = "ok"
		result.Models = quotas

		// Harvest the fresh data onto the account; the hybrid strategy
		// scores off these snapshots.
		h.accountManager.UpdateAccountSubscription(acc.Email, subscription.Tier, subscription.ProjectID)
		snapshot := make(map[string]*redis.ModelQuotaInfo, len(quotas))
		for modelID, quota := range quotas {
			info := &redis.ModelQuotaInfo{}
			if quota.RemainingFraction != nil {
				info.RemainingFraction = *quota.RemainingFraction
			}
			if quota.ResetTime != nil {
				info.ResetTime = *quota.ResetTime
			}
			snapshot[modelID] = info
		}
		h.accountManager.UpdateAccountQuota(acc.Email, snapshot)

		results = append(results, result)
	}

	modelIDSet := make(map[string]bool)
	for _, result := range results {
		for modelID := range result.Models {
			modelIDSet[modelID] = true
		}
	}
	sortedModels := make([]string, 0, len(modelIDSet))
	for modelID := range modelIDSet {
		sortedModels = append(sortedModels, modelID)
	}
	sort.Strings(sortedModels)

	if outputFormat == "table" {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, h.buildAccountLimitsTable(results, sortedModels))
		return
	}

	accountStatus := h.accountManager.GetStatus()
	accountsData := make([]map[string]interface{}, 0, len(results))

	for _, result := range results {
		var metadata *account.AccountStatus
		for _, s := range accountStatus.Accounts {
			if s.Email == result.Email {
				metadata = s
				break
			}
		}

		accData := map[string]interface{}{
			"email":        result.Email,
			"status":       result.Status,
			"subscription": result.Subscription,
		}
		if result.Error != "" {
			accData["error"] = result.Error
		}
		if metadata != nil {
			accData["source"] = metadata.Source
			accData["enabled"] = metadata.Enabled
			accData["projectId"] = metadata.ProjectID
			accData["isInvalid"] = metadata.IsInvalid
			accData["invalidReason"] = metadata.InvalidReason
			accData["lastUsed"] = metadata.LastUsed
			accData["modelRateLimits"] = metadata.ModelRateLimits
			if metadata.QuotaThreshold != nil {
				accData["quotaThreshold"] = metadata.QuotaThreshold
			}
			if len(metadata.ModelQuotaThresholds) > 0 {
				accData["modelQuotaThresholds"] = metadata.ModelQuotaThresholds
			}
		}

		limits := make(map[string]interface{})
		for _, modelID := range sortedModels {
			quota := result.Models[modelID]
			if quota == nil {
				limits[modelID] = nil
				continue
			}

			remaining := "N/A"
			var remainingFraction float64
			if quota.RemainingFraction != nil {
				remainingFraction = *quota.RemainingFraction
				remaining = utils.FormatPercent(remainingFraction)
			}

			resetTime := ""
			if quota.ResetTime != nil {
				resetTime = *quota.ResetTime
			}

			limits[modelID] = map[string]interface{}{
				"remaining":         remaining,
				"remainingFraction": remainingFraction,
				"resetTime":         resetTime,
			}
		}
		accData["limits"] = limits

		accountsData = append(accountsData, accData)
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":            time.Now().Format(time.RFC3339),
		"totalAccounts":        len(allAccounts),
		"models":               sortedModels,
		"globalQuotaThreshold": h.cfg.GlobalQuotaThreshold,
		"accounts":             accountsData,
	})
}

// buildAccountLimitsTable renders the plain-text quota overview.
func (h *AccountsHandler) buildAccountLimitsTable(results []*accountLimitResult, sortedModels []string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Account Limits (%s)\n", time.Now().Format(time.RFC1123)))

	status := h.accountManager.GetStatus()
	sb.WriteString(fmt.Sprintf("Accounts: %s\n\n", status.Summary()))

	modelColWidth := 28
	for _, m := range sortedModels {
		if len(m)+2 > modelColWidth {
			modelColWidth = len(m) + 2
		}
	}
	accountColWidth := 30

	sb.WriteString(fmt.Sprintf("%-*s", modelColWidth, "Model"))
	for _, acc := range results {
		sb.WriteString(fmt.Sprintf("%-*s", accountColWidth, shortEmail(acc.Email, 26)))
	}
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", modelColWidth+len(results)*accountColWidth) + "\n")

	for _, modelID := range sortedModels {
		sb.WriteString(fmt.Sprintf("%-*s", modelColWidth, modelID))
		for _, acc := range results {
			sb.WriteString(fmt.Sprintf("%-*s", accountColWidth, quotaCell(acc, modelID)))
		}
		sb.WriteString("\n")
	}

	for _, acc := range results {
		if acc.Error != "" {
			sb.WriteString(fmt.Sprintf("\n%s: %s\n", shortEmail(acc.Email, 26), acc.Error))
		}
	}

	return sb.String()
}

func quotaCell(acc *accountLimitResult, modelID string) string {
	if acc.Status != "ok" {
		return fmt.Sprintf("[%s]", acc.Status)
	}
	quota := acc.Models[modelID]
	if quota == nil {
		return "-"
	}
	if quota.RemainingFraction == nil || *quota.RemainingFraction <= 0 {
		if quota.ResetTime != nil && *quota.ResetTime != "" {
			if waitMs := msUntil(*quota.ResetTime); waitMs > 0 {
				return fmt.Sprintf("0%% (wait %s)", utils.FormatDuration(waitMs))
			}
			return "0% (resetting...)"
		}
		return "0% (exhausted)"
	}
	return fmt.Sprintf("%d%%", int(*quota.RemainingFraction*100))
}

func shortEmail(email string, max int) string {
	if idx := strings.Index(email, "@"); idx > 0 {
		email = email[:idx]
	}
	if len(email) > max {
		email = email[:max]
	}
	return email
}

// msUntil parses an RFC3339 timestamp and returns milliseconds until it.
func msUntil(resetTime string) int64 {
	t, err := time.Parse(time.RFC3339, resetTime)
	if err != nil {
		return 0
	}
	return t.UnixMilli() - time.Now().UnixMilli()
}

// ListAccounts handles GET /api/accounts
func (h *AccountsHandler) ListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, h.accountManager.GetStatus())
}

// addAccountRequest is the POST /api/accounts body.
type addAccountRequest struct {
	Email        string `json:"email" binding:"required"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	Source       string `json:"source,omitempty"`
}

// AddAccount handles POST /api/accounts
func (h *AccountsHandler) AddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RefreshToken == "" && req.APIKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "either refreshToken or apiKey is required"})
		return
	}

	source := req.Source
	if source == "" {
		if req.APIKey != "" {
			source = "manual"
		} else {
			source = "oauth"
		}
	}

	acc := &redis.Account{
		Email:        req.Email,
		Source:       source,
		Enabled:      true,
		RefreshToken: req.RefreshToken,
		APIKey:       req.APIKey,
		ProjectID:    req.ProjectID,
	}
	if err := h.accountManager.AddOrUpdateAccount(acc); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	utils.Success("[API] Account %s added", utils.MaskEmail(req.Email))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "email": req.Email})
}

// RemoveAccount handles DELETE /api/accounts/:email
func (h *AccountsHandler) RemoveAccount(c *gin.Context) {
	email := c.Param("email")
	if err := h.accountManager.RemoveAccount(c.Request.Context(), email); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	utils.Info("[API] Account %s removed", utils.MaskEmail(email))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// setEnabledRequest is the POST /api/accounts/:email/enabled body.
type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetAccountEnabled handles POST /api/accounts/:email/enabled
func (h *AccountsHandler) SetAccountEnabled(c *gin.Context) {
	email := c.Param("email")
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled (bool) is required"})
		return
	}
	if err := h.accountManager.SetAccountEnabled(email, *req.Enabled); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "email": email, "enabled": *req.Enabled})
}

// ResetRateLimits handles POST /api/accounts/reset-limits. With a ?model=
// query only that model's limits are cleared.
func (h *AccountsHandler) ResetRateLimits(c *gin.Context) {
	if model := c.Query("model"); model != "" {
		cleared := h.accountManager.ResetRateLimitsFor(model)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model": model, "cleared": cleared})
		return
	}
	h.accountManager.ResetAllRateLimits()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReloadAccounts handles POST /api/accounts/reload - re-reads accounts.json.
func (h *AccountsHandler) ReloadAccounts(c *gin.Context) {
	if err := h.accountManager.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": h.accountManager.GetAccountCount()})
}

// RefreshTokenHandler serves POST /refresh-token.
type RefreshTokenHandler struct {
	accountManager *account.Manager
}

// NewRefreshTokenHandler creates a new RefreshTokenHandler
func NewRefreshTokenHandler(accountManager *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{accountManager: accountManager}
}

// RefreshToken handles POST /refresh-token - drops cached access tokens so
// the next request refreshes against the OAuth endpoint.
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	h.accountManager.ClearTokenCache()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared",
	})
}
