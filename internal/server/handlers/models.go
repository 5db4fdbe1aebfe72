package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/cloudcode"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	accountManager *account.Manager
	cfg            *config.Config
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(accountManager *account.Manager, cfg *config.Config) *ModelsHandler {
	return &ModelsHandler{accountManager: accountManager, cfg: cfg}
}

// ListModels handles GET /v1/models - OpenAI-compatible model list built from
// upstream discovery, filtered to supported families and configured hiding.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := h.accountManager.SelectAccount(ctx, "", account.SelectOptions{})
	if err != nil || result == nil || result.Account == nil {
		sendAnthropicError(c, http.StatusServiceUnavailable, "api_error", "No accounts available")
		return
	}

	token, err := h.accountManager.GetTokenForAccount(ctx, result.Account)
	if err != nil {
		utils.Error("[API] Error getting token for models: %v", err)
		sendAnthropicError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	models, err := cloudcode.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Error listing models: %v", err)
		sendAnthropicError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	if len(h.cfg.ModelMapping) > 0 {
		filtered := models.Data[:0]
		for _, entry := range models.Data {
			if mapping, ok := h.cfg.ModelMapping[entry.ID]; ok && mapping.Hidden {
				continue
			}
			filtered = append(filtered, entry)
		}
		models.Data = filtered
	}

	c.JSON(http.StatusOK, models)
}
