// Package config provides runtime configuration management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/poemonsense/claudegate/internal/utils"
)

// HealthScoreConfig configures the health scoring for the hybrid strategy
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig configures the token bucket for the hybrid strategy
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig configures quota thresholds for the hybrid strategy
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// WeightsConfig configures the hybrid scoring weights
type WeightsConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	Lru    float64 `json:"lru"`
}

// AccountSelectionConfig configures account selection behavior
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
	Weights     *WeightsConfig     `json:"weights,omitempty"`
}

// ModelMappingEntry controls per-requested-model behavior
type ModelMappingEntry struct {
	Hidden  bool   `json:"hidden,omitempty"`
	Pinned  bool   `json:"pinned,omitempty"`
	Mapping string `json:"mapping,omitempty"`
	Alias   string `json:"alias,omitempty"`
}

// Config represents the runtime configuration
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey string `json:"apiKey"`

	// Logging and debugging
	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	// Retry configuration
	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	// Context handling
	MaxContextTokens int `json:"maxContextTokens"` // 0 = unbounded

	// Account limits
	MaxAccounts           int     `json:"maxAccounts"`
	MaxConcurrentRequests int     `json:"maxConcurrentRequests"`
	GlobalQuotaThreshold  float64 `json:"globalQuotaThreshold"`

	// Rate limit handling
	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`

	// Behavior toggles
	InfiniteRetryMode   bool `json:"infiniteRetryMode"`
	AutoFallback        bool `json:"autoFallback"`
	WaitProgressUpdates bool `json:"waitProgressUpdates"`

	// Upstream identity / quota class
	GeminiHeaderMode HeaderMode `json:"geminiHeaderMode"`

	// Thinking defaults
	DefaultThinkingLevel  string `json:"defaultThinkingLevel"` // minimal|low|medium|high|""
	DefaultThinkingBudget int    `json:"defaultThinkingBudget"`

	// Model mapping (for hiding/aliasing/pinning models)
	ModelMapping map[string]ModelMappingEntry `json:"modelMapping"`

	// Account selection strategy
	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	// Redis configuration (optional shared-state backend)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		APIKey:                 "",
		Debug:                  false,
		DevMode:                false,
		LogLevel:               "info",
		MaxRetries:             MaxRetries,
		RetryBaseMs:            1000,
		RetryMaxMs:             30000,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		MaxContextTokens:       0,
		MaxAccounts:            MaxAccounts,
		MaxConcurrentRequests:  MaxConcurrentRequests,
		GlobalQuotaThreshold:   0, // 0 = disabled
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		ExtendedCooldownMs:     ExtendedCooldownMs,
		MaxCapacityRetries:     MaxCapacityRetries,
		InfiniteRetryMode:      false,
		AutoFallback:           false,
		WaitProgressUpdates:    false,
		GeminiHeaderMode:       HeaderModeAntigravity,
		DefaultThinkingLevel:   "",
		DefaultThinkingBudget:  0,
		ModelMapping:           make(map[string]ModelMappingEntry),
		AccountSelection: AccountSelectionConfig{
			Strategy: DefaultSelectionStrategy,
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  2,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300000, // 5 minutes
			},
			Weights: &WeightsConfig{
				Health: 2,
				Tokens: 5,
				Quota:  3,
				Lru:    0.1,
			},
		},
		RedisAddr:     "",
		RedisPassword: "",
		RedisDB:       0,
		Port:          DefaultPort,
		Host:          "0.0.0.0",
	}
}

// Config paths
var (
	configDir  string
	configFile string
)

func init() {
	home := getHomeDir()
	configDir = filepath.Join(home, ".config", "claudegate")
	configFile = filepath.Join(configDir, "config.json")
}

// Global config instance
var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from file and environment
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		utils.Warn("Failed to create config directory: %v", err)
	}

	if fileExists(configFile) {
		if err := c.loadFromFile(configFile); err != nil {
			utils.Warn("Failed to load config from %s: %v", configFile, err)
		}
	} else {
		localConfig := filepath.Join(".", "config.json")
		if fileExists(localConfig) {
			if err := c.loadFromFile(localConfig); err != nil {
				utils.Warn("Failed to load local config: %v", err)
			}
		}
	}

	c.loadFromEnv()
	c.clampValues()

	// Backward compatibility: debug implies devMode
	if c.Debug && !c.DevMode {
		c.DevMode = true
	}

	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

// loadFromFile loads config from a JSON file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Unmarshal into a temp config so missing fields keep defaults
	tempConfig := DefaultConfig()
	if err := json.Unmarshal(data, tempConfig); err != nil {
		return err
	}

	c.copyFrom(tempConfig)
	return nil
}

func (c *Config) copyFrom(src *Config) {
	c.APIKey = src.APIKey
	c.Debug = src.Debug
	c.DevMode = src.DevMode
	c.LogLevel = src.LogLevel
	c.MaxRetries = src.MaxRetries
	c.RetryBaseMs = src.RetryBaseMs
	c.RetryMaxMs = src.RetryMaxMs
	c.DefaultCooldownMs = src.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = src.MaxWaitBeforeErrorMs
	c.MaxContextTokens = src.MaxContextTokens
	c.MaxAccounts = src.MaxAccounts
	c.MaxConcurrentRequests = src.MaxConcurrentRequests
	c.GlobalQuotaThreshold = src.GlobalQuotaThreshold
	c.RateLimitDedupWindowMs = src.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = src.MaxConsecutiveFailures
	c.ExtendedCooldownMs = src.ExtendedCooldownMs
	c.MaxCapacityRetries = src.MaxCapacityRetries
	c.InfiniteRetryMode = src.InfiniteRetryMode
	c.AutoFallback = src.AutoFallback
	c.WaitProgressUpdates = src.WaitProgressUpdates
	c.GeminiHeaderMode = src.GeminiHeaderMode
	c.DefaultThinkingLevel = src.DefaultThinkingLevel
	c.DefaultThinkingBudget = src.DefaultThinkingBudget
	c.ModelMapping = src.ModelMapping
	c.AccountSelection = src.AccountSelection
	c.RedisAddr = src.RedisAddr
	c.RedisPassword = src.RedisPassword
	c.RedisDB = src.RedisDB
	c.Port = src.Port
	c.Host = src.Host
}

// loadFromEnv loads config from environment variables
func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if os.Getenv("AUTO_FALLBACK") == "true" {
		c.AutoFallback = true
	}
	if os.Getenv("INFINITE_RETRY") == "true" {
		c.InfiniteRetryMode = true
	}
	if v := os.Getenv("GEMINI_HEADER_MODE"); v == string(HeaderModeCLI) || v == string(HeaderModeAntigravity) {
		c.GeminiHeaderMode = HeaderMode(v)
	}
	if v := os.Getenv("MAX_CONTEXT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxContextTokens = n
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Port = n
		}
	}
}

// clampValues keeps option values inside their documented ranges
func (c *Config) clampValues() {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.MaxRetries > 20 {
		c.MaxRetries = 20
	}
	if c.MaxConcurrentRequests < 1 {
		c.MaxConcurrentRequests = MaxConcurrentRequests
	}
	if c.GeminiHeaderMode != HeaderModeCLI && c.GeminiHeaderMode != HeaderModeAntigravity {
		c.GeminiHeaderMode = HeaderModeAntigravity
	}
	switch c.DefaultThinkingLevel {
	case "", "minimal", "low", "medium", "high":
	default:
		c.DefaultThinkingLevel = ""
	}
}

// Save saves the current configuration to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configFile, data, 0o644)
}

// GetPublic returns a copy of the config with sensitive fields redacted
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":                 redact(c.APIKey),
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"logLevel":               c.LogLevel,
		"maxRetries":             c.MaxRetries,
		"retryBaseMs":            c.RetryBaseMs,
		"retryMaxMs":             c.RetryMaxMs,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxContextTokens":       c.MaxContextTokens,
		"maxAccounts":            c.MaxAccounts,
		"maxConcurrentRequests":  c.MaxConcurrentRequests,
		"globalQuotaThreshold":   c.GlobalQuotaThreshold,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"infiniteRetryMode":      c.InfiniteRetryMode,
		"autoFallback":           c.AutoFallback,
		"waitProgressUpdates":    c.WaitProgressUpdates,
		"geminiHeaderMode":       c.GeminiHeaderMode,
		"defaultThinkingLevel":   c.DefaultThinkingLevel,
		"defaultThinkingBudget":  c.DefaultThinkingBudget,
		"modelMapping":           c.ModelMapping,
		"accountSelection":       c.AccountSelection,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisDB":                c.RedisDB,
		"port":                   c.Port,
		"host":                   c.Host,
	}
}

// GetStrategy returns the current account selection strategy
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// SetStrategy updates the account selection strategy
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AccountSelection.Strategy = strategy
}

// QuotaClass returns the active quota class derived from the header mode
func (c *Config) QuotaClass() HeaderMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.GeminiHeaderMode
}

// ResolveModel applies the model-mapping table to a requested model id.
// Returns the resolved model and whether the requested id is hidden.
func (c *Config) ResolveModel(requested string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.ModelMapping[requested]
	if !ok {
		return requested, false
	}
	if entry.Hidden {
		return requested, true
	}
	if entry.Mapping != "" {
		return entry.Mapping, false
	}
	return requested, false
}

// IsDevMode returns whether dev mode is enabled
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Convenience functions

// GetPort returns the server port from global config
func GetPort() int {
	return GetConfig().Port
}

// GetHost returns the server host from global config
func GetHost() string {
	return GetConfig().Host
}

// IsDebug returns whether debug mode is enabled
func IsDebug() bool {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.Debug
}
