package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/account/strategies"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
)

// ConfigHandler serves the runtime configuration endpoints under /api/config.
type ConfigHandler struct {
	cfg            *config.Config
	accountManager *account.Manager
}

// NewConfigHandler creates a new ConfigHandler
func NewConfigHandler(cfg *config.Config, accountManager *account.Manager) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, accountManager: accountManager}
}

// GetConfig handles GET /api/config - redacted runtime configuration.
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"config": h.cfg.GetPublic(),
		"note":   "Edit ~/.config/claudegate/config.json or use env vars to change these values",
	})
}

// UpdateConfigRequest carries the updatable subset of the runtime config.
// Absent fields are left untouched; out-of-range values are ignored.
type UpdateConfigRequest struct {
	Debug                *bool    `json:"debug"`
	DevMode              *bool    `json:"devMode"`
	LogLevel             *string  `json:"logLevel"`
	MaxRetries           *int     `json:"maxRetries"`
	DefaultCooldownMs    *int64   `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs *int64   `json:"maxWaitBeforeErrorMs"`
	GlobalQuotaThreshold *float64 `json:"globalQuotaThreshold"`
	MaxCapacityRetries   *int     `json:"maxCapacityRetries"`
	InfiniteRetryMode    *bool    `json:"infiniteRetryMode"`
	AutoFallback         *bool    `json:"autoFallback"`
	Strategy             *string  `json:"strategy"`
}

// UpdateConfig handles PUT /api/config
func (h *ConfigHandler) UpdateConfig(c *gin.Context) {
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid request body"})
		return
	}

	updated := 0

	if req.DevMode != nil {
		h.cfg.DevMode = *req.DevMode
		h.cfg.Debug = *req.DevMode
		utils.SetDebug(*req.DevMode)
		updated++
	} else if req.Debug != nil {
		h.cfg.Debug = *req.Debug
		h.cfg.DevMode = *req.Debug
		utils.SetDebug(*req.Debug)
		updated++
	}

	if req.LogLevel != nil {
		switch *req.LogLevel {
		case "debug", "info", "warn", "error":
			h.cfg.LogLevel = *req.LogLevel
			updated++
		}
	}

	if req.MaxRetries != nil && *req.MaxRetries >= 1 && *req.MaxRetries <= 20 {
		h.cfg.MaxRetries = *req.MaxRetries
		updated++
	}
	if req.DefaultCooldownMs != nil && *req.DefaultCooldownMs >= 0 && *req.DefaultCooldownMs <= 600000 {
		h.cfg.DefaultCooldownMs = *req.DefaultCooldownMs
		updated++
	}
	if req.MaxWaitBeforeErrorMs != nil && *req.MaxWaitBeforeErrorMs >= 60000 && *req.MaxWaitBeforeErrorMs <= 1800000 {
		h.cfg.MaxWaitBeforeErrorMs = *req.MaxWaitBeforeErrorMs
		updated++
	}
	if req.GlobalQuotaThreshold != nil && *req.GlobalQuotaThreshold >= 0 && *req.GlobalQuotaThreshold < 1 {
		h.cfg.GlobalQuotaThreshold = *req.GlobalQuotaThreshold
		updated++
	}
	if req.MaxCapacityRetries != nil && *req.MaxCapacityRetries >= 1 && *req.MaxCapacityRetries <= 10 {
		h.cfg.MaxCapacityRetries = *req.MaxCapacityRetries
		updated++
	}
	if req.InfiniteRetryMode != nil {
		h.cfg.InfiniteRetryMode = *req.InfiniteRetryMode
		updated++
	}
	if req.AutoFallback != nil {
		h.cfg.AutoFallback = *req.AutoFallback
		updated++
	}

	// Strategy changes take effect immediately, no restart needed.
	if req.Strategy != nil {
		switch *req.Strategy {
		case strategies.StrategySticky, strategies.StrategyRoundRobin, strategies.StrategyHybrid:
			if err := h.accountManager.SetStrategy(*req.Strategy); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
				return
			}
			updated++
		default:
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid strategy: " + *req.Strategy})
			return
		}
	}

	if updated == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "No valid configuration updates provided"})
		return
	}

	if err := h.cfg.Save(); err != nil {
		utils.Error("[API] Error saving config: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "Failed to save configuration file"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"config": h.cfg.GetPublic(),
	})
}

// GetStrategy handles GET /api/config/strategy
func (h *ConfigHandler) GetStrategy(c *gin.Context) {
	name := h.accountManager.GetStrategyName()
	c.JSON(http.StatusOK, gin.H{
		"strategy": name,
		"label":    strategies.GetStrategyLabel(name),
	})
}
