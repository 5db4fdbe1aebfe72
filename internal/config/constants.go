// Package config provides configuration constants and runtime configuration management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version information
const Version = "1.0.0"

// Cloud Code API endpoints (in fallback order)
const (
	UpstreamEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	UpstreamEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// UpstreamEndpointFallbacks is the endpoint fallback order (daily → prod)
var UpstreamEndpointFallbacks = []string{
	UpstreamEndpointDaily,
	UpstreamEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist (prod first).
// loadCodeAssist works better on prod for fresh/unprovisioned accounts.
var LoadCodeAssistEndpoints = []string{
	UpstreamEndpointProd,
	UpstreamEndpointDaily,
}

// OnboardUserEndpoints is the endpoint order for onboardUser
var OnboardUserEndpoints = UpstreamEndpointFallbacks

// DefaultProjectID is the default project ID if none can be discovered
const DefaultProjectID = "rising-fact-p41fc"

// HeaderMode selects which upstream client identity the proxy presents.
// The upstream enforces quota separately per identity, so the mode also
// qualifies rate-limit keys (the "quota class").
type HeaderMode string

const (
	HeaderModeCLI         HeaderMode = "cli"
	HeaderModeAntigravity HeaderMode = "antigravity"
)

// UpstreamHeaders returns the required headers for upstream API requests
// under the given header mode.
func UpstreamHeaders(mode HeaderMode) map[string]string {
	if mode == HeaderModeCLI {
		return map[string]string{
			"User-Agent":        fmt.Sprintf("GeminiCLI/0.8.1 (%s; %s)", runtime.GOOS, runtime.GOARCH),
			"X-Goog-Api-Client": "gl-node/22.0.0",
			"Client-Metadata":   clientMetadata(IdeTypeJetski),
		}
	}
	return map[string]string{
		"User-Agent":        fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(IdeTypeAntigravity),
	}
}

// LoadCodeAssistHeaders are the headers for the loadCodeAssist API
func LoadCodeAssistHeaders() map[string]string {
	return UpstreamHeaders(HeaderModeAntigravity)
}

// IDE Type enum (numeric values as expected by the Cloud Code API)
const (
	IdeTypeUnspecified = 0
	IdeTypeJetski      = 5
	IdeTypeAntigravity = 6
	IdeTypePlugins     = 7
)

// Platform enum
const (
	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3
)

// Plugin Type enum
const (
	PluginTypeUnspecified = 0
	PluginTypeDuetAI      = 1
	PluginTypeGemini      = 2
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func clientMetadata(ideType int) string {
	metadata := map[string]int{
		"ideType":    ideType,
		"platform":   platformEnum(),
		"pluginType": PluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants
const (
	// TokenRefreshIntervalMs is the token cache TTL (5 minutes)
	TokenRefreshIntervalMs = 5 * 60 * 1000
	// RequestBodyLimit is the max request body size (50MB in bytes)
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// DefaultPort is the default server port
	DefaultPort = 8080
)

// Request defaults applied when the client omits a field
const (
	// DefaultModel is used when a request carries no model id
	DefaultModel = "claude-sonnet-4-5"
	// DefaultMaxTokens is used when a request carries no max_tokens
	DefaultMaxTokens = 4096
)

// State file paths
var (
	// AccountConfigPath is the path to the accounts state file
	AccountConfigPath = filepath.Join(getHomeDir(), ".config", "claudegate", "accounts.json")
	// SignatureCachePath is the path to the persisted signature cache
	SignatureCachePath = filepath.Join(getHomeDir(), ".config", "claudegate", "signature-cache.json")
	// UsageHistoryPath is the path to the usage history file
	UsageHistoryPath = filepath.Join(getHomeDir(), ".config", "claudegate", "usage-history.json")
	// AntigravityDBPath is the path to the Antigravity IDE state database
	AntigravityDBPath = antigravityDbPath()
)

// Rate limit and retry constants
const (
	DefaultCooldownMs       = 10 * 1000 // 10 seconds
	MaxRetries              = 5
	MaxEmptyResponseRetries = 2
	MaxAccounts             = 10
	// MaxWaitBeforeErrorMs caps how long a request waits for a rate-limit
	// reset before failing (unless infinite-retry mode is on).
	MaxWaitBeforeErrorMs   = 10 * 60 * 1000 // 10 minutes
	RateLimitDedupWindowMs = 2000           // 2 seconds
	RateLimitStateResetMs  = 120000         // 2 minutes
	FirstRetryDelayMs      = 1000           // 1 second
	SwitchAccountDelayMs   = 5000           // 5 seconds
	MaxConsecutiveFailures = 3
	ExtendedCooldownMs     = 60000 // 1 minute
	MaxCapacityRetries     = 5
	MinBackoffMs           = 2000  // 2 seconds
	CapacityJitterMaxMs    = 10000 // ±5s jitter range
	// DailyLimitCooldownFloorMs is the minimum cooldown for daily limits
	DailyLimitCooldownFloorMs = 60 * 60 * 1000 // 1 hour
	// CooldownMultiplierCap caps the consecutive-failure cooldown multiplier
	CooldownMultiplierCap = 30
	// MaxConcurrentRequests is the per-account concurrency cap
	MaxConcurrentRequests = 5
	// MinQuotaFraction is the usability floor for quota snapshots
	MinQuotaFraction = 0.1
)

// CapacityBackoffTiersMs is progressive backoff tiers for model capacity issues
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs is progressive backoff tiers for QUOTA_EXHAUSTED (60s, 5m, 30m, 2h)
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorType is smart backoff by error type
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000, // 30 seconds
	"MODEL_CAPACITY_EXHAUSTED": 15000, // 15 seconds
	"SERVER_ERROR":             20000, // 20 seconds
	"UNKNOWN":                  60000, // 1 minute
}

// Thinking model constants
const (
	MinSignatureLength = 50
)

// Session tracking bounds
const (
	// SessionIdleExpiryMs is how long an idle session keeps its account pin
	SessionIdleExpiryMs = 60 * 60 * 1000 // 1 hour
	// SessionMaxEntries bounds the session map; oldest evicted on overflow
	SessionMaxEntries = 500
)

// Session rotation thresholds. A pinned session rotates to another account
// when it grows past the message or token budget, or when the pinned
// account's remaining quota falls under the floor while a peer has a
// meaningfully larger share left.
const (
	SessionRotateMaxMessages    = 40
	SessionRotateMaxTokens      = 500000
	SessionRotateQuotaFloor     = 0.25
	SessionRotateQuotaAdvantage = 0.20
)

// Signature cache bounds
const (
	SignatureCacheTTLMs        = 60 * 60 * 1000 // 1 hour
	SignatureCacheSweepMs      = 5 * 60 * 1000  // 5 minutes
	ToolSignatureMaxEntries    = 10000
	ThinkingFamilyMaxEntries   = 5000
	SessionSignatureMaxEntries = 1000
)

// Context truncation heuristic: roughly 4 characters per token, plus a
// small per-message overhead.
const (
	EstimateCharsPerToken   = 4
	EstimateMessageOverhead = 3
)

// Account selection strategies
var SelectionStrategies = []string{"sticky", "round-robin", "hybrid"}

const DefaultSelectionStrategy = "hybrid"

// StrategyLabels are the display labels for strategies
var StrategyLabels = map[string]string{
	"sticky":      "Sticky (Cache Optimized)",
	"round-robin": "Round Robin (Load Balanced)",
	"hybrid":      "Hybrid (Smart Distribution)",
}

// Gemini-specific limits
const (
	GeminiMaxOutputTokens       = 16384
	GeminiSkipSignature         = "skip_thought_signature_validator"
	GeminiDefaultThinkingBudget = 16000
	ModelValidationCacheTTLMs   = 5 * 60 * 1000 // 5 minutes
)

// OAuth configuration
type OAuthConfigType struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

// OAuthConfig is the Google OAuth configuration
var OAuthConfig = OAuthConfigType{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort: oauthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// Exported OAuth constants for easy access
var (
	OAuthClientID              = OAuthConfig.ClientID
	OAuthClientSecret          = OAuthConfig.ClientSecret
	OAuthAuthURL               = OAuthConfig.AuthURL
	OAuthTokenURL              = OAuthConfig.TokenURL
	OAuthUserInfoURL           = OAuthConfig.UserInfoURL
	OAuthCallbackPort          = OAuthConfig.CallbackPort
	OAuthCallbackFallbackPorts = OAuthConfig.CallbackFallbackPorts
	OAuthScopes                = OAuthConfig.Scopes
)

// OAuthRedirectURI returns the OAuth redirect URI
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuthConfig.CallbackPort)
}

// IdentitySystemInstruction is the identity statement prepended to every
// upstream request, paired with an [ignore] counter-statement so the model
// does not leak the upstream product identity to clients.
const IdentitySystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap maps primary model to fallback when quota exhausted
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// ValidateFallbackMap rejects fallback chains that loop back on themselves.
// Called once at startup.
func ValidateFallbackMap() error {
	for start := range ModelFallbackMap {
		seen := map[string]bool{start: true}
		current := start
		for {
			next, ok := ModelFallbackMap[current]
			if !ok {
				break
			}
			if seen[next] {
				// A→B→A pairs are fine: descent disables further fallback.
				// Anything longer indicates a config mistake.
				if next != start {
					return fmt.Errorf("fallback cycle involving %s and %s", start, next)
				}
				break
			}
			seen[next] = true
			current = next
		}
	}
	return nil
}

// ModelFamily represents the model family type
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// GetModelFamily returns the model family from model name (dynamic detection)
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

// IsThinkingModel checks if a model supports thinking/reasoning output
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	// Gemini thinking models: explicit "thinking" in name, or version 3+
	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		matches := geminiVersionRe.FindStringSubmatch(lower)
		if len(matches) >= 2 {
			version, err := strconv.Atoi(matches[1])
			if err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the fallback model for the given model
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

// HasFallback checks if a model has a fallback configured
func HasFallback(modelName string) bool {
	_, ok := ModelFallbackMap[modelName]
	return ok
}

// QuotaKey builds the composite rate-limit key modelId[":"quotaClass].
// An empty class means the bare model id (legacy entries).
func QuotaKey(modelID string, class HeaderMode) string {
	if class == "" {
		return modelID
	}
	return modelID + ":" + string(class)
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func antigravityDbPath() string {
	home := getHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func oauthCallbackPort() int {
	portStr := os.Getenv("OAUTH_CALLBACK_PORT")
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err == nil {
			return port
		}
	}
	return 51121
}
