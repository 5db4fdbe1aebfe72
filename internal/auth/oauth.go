// Package auth implements Google OAuth with PKCE for enrolling accounts, plus
// token extraction from a local Antigravity IDE install.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
)

// RefreshParts is the decomposed form of a composite refresh token:
// refreshToken|projectId|managedProjectId.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh token.
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	result := RefreshParts{}
	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatRefreshParts recombines refresh token parts into the composite form.
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// PKCE holds a code verifier and its derived challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE verifier/challenge pair.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState generates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(stateBytes), nil
}

// AuthorizationURLResult carries the authorization URL and the PKCE/state
// values needed to complete the flow.
type AuthorizationURLResult struct {
	URL      string
	Verifier string
	State    string
}

// GetAuthorizationURL builds the Google authorization URL.
func GetAuthorizationURL(customRedirectURI string) (*AuthorizationURLResult, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	redirectURI := customRedirectURI
	if redirectURI == "" {
		redirectURI = config.OAuthRedirectURI()
	}

	params := url.Values{
		"client_id":             {config.OAuthClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthScopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURLResult{
		URL:      fmt.Sprintf("%s?%s", config.OAuthAuthURL, params.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// CodeExtractResult holds the authorization code pasted by the user.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either the full callback URL or a raw code.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}
		if errorParam := parsed.Query().Get("error"); errorParam != "" {
			return nil, fmt.Errorf("OAuth error: %s", errorParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: parsed.Query().Get("state")}, nil
	}

	// Google auth codes are long; anything shorter is a paste mistake.
	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}
	return &CodeExtractResult{Code: trimmed}, nil
}

// CallbackServer receives the OAuth redirect on localhost.
type CallbackServer struct {
	server     *http.Server
	mu         sync.Mutex
	actualPort int
	isAborted  bool
	codeChan   chan string
	errChan    chan error
}

// NewCallbackServer creates a callback server expecting the given state.
func NewCallbackServer(expectedState string) *CallbackServer {
	cs := &CallbackServer{
		actualPort: config.OAuthCallbackPort,
		codeChan:   make(chan string, 1),
		errChan:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errorParam := query.Get("error"); errorParam != "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "Error: "+errorParam)
			cs.errChan <- fmt.Errorf("OAuth error: %s", errorParam)
			return
		}
		if query.Get("state") != expectedState {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "State mismatch.")
			cs.errChan <- fmt.Errorf("state mismatch")
			return
		}
		code := query.Get("code")
		if code == "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "No authorization code received.")
			cs.errChan <- fmt.Errorf("no authorization code")
			return
		}

		writeCallbackPage(w, http.StatusOK, "Authentication Successful",
			"You can close this window and return to the terminal.")
		cs.codeChan <- code
	})

	cs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return cs
}

func writeCallbackPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html>
	<head><meta charset="UTF-8"><title>%s</title></head>
	<body style="font-family: system-ui; padding: 40px; text-align: center;">
		<h1>%s</h1>
		<p>%s</p>
	</body>
</html>`, title, title, detail)
}

// Start binds a callback port (with fallbacks) and waits for the redirect.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	portsToTry := append([]int{config.OAuthCallbackPort}, config.OAuthCallbackFallbackPorts...)

	var lastErr error
	for _, port := range portsToTry {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			utils.Warn("[OAuth] Failed to bind port %d: %v", port, err)
			continue
		}

		cs.actualPort = port
		if port != config.OAuthCallbackPort {
			utils.Warn("[OAuth] Primary port %d unavailable, using fallback port %d", config.OAuthCallbackPort, port)
		} else {
			utils.Info("[OAuth] Callback server listening on port %d", port)
		}

		go func() {
			if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		select {
		case code := <-cs.codeChan:
			_ = cs.server.Shutdown(context.Background())
			return code, nil
		case err := <-cs.errChan:
			_ = cs.server.Shutdown(context.Background())
			return "", err
		case <-ctx.Done():
			_ = cs.server.Shutdown(context.Background())
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed to start OAuth callback server: %v", lastErr)
}

// GetPort returns the port the server actually bound.
func (cs *CallbackServer) GetPort() int {
	return cs.actualPort
}

// Abort shuts the server down, e.g. when the user pastes the code manually.
func (cs *CallbackServer) Abort() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.isAborted {
		return
	}
	cs.isAborted = true
	if cs.server != nil {
		_ = cs.server.Shutdown(context.Background())
	}
}

// OAuthTokens is the token-exchange response.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode exchanges an authorization code for tokens.
func ExchangeCode(ctx context.Context, code, verifier string) (*OAuthTokens, error) {
	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {config.OAuthRedirectURI()},
	}

	body, status, err := postForm(ctx, config.OAuthTokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed: %s", string(body))
	}

	var tokens OAuthTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token received")
	}
	return &tokens, nil
}

// RefreshResult is the access token produced by a refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken exchanges a (possibly composite) refresh token for a
// fresh access token.
func RefreshAccessToken(ctx context.Context, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	body, status, err := postForm(ctx, config.OAuthTokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed: %s", string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

func postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// GetUserEmail resolves the authenticated user's email.
func GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", config.OAuthUserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("failed to parse user info: %w", err)
	}
	return userInfo.Email, nil
}

// DiscoverProjectID finds (or provisions) the Cloud Code project for the
// authenticated user.
func DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	var loadCodeAssistData map[string]interface{}

	for _, endpoint := range config.LoadCodeAssistEndpoints {
		projectID, data, err := tryDiscoverProject(ctx, accessToken, endpoint)
		if err != nil {
			utils.Warn("[OAuth] Project discovery failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return projectID, nil
		}

		loadCodeAssistData = data
		utils.Info("[OAuth] No project in loadCodeAssist response, attempting onboardUser...")
		break
	}

	if loadCodeAssistData != nil {
		tierID := defaultTierID(loadCodeAssistData)
		if tierID == "" {
			tierID = "FREE"
		}
		utils.Info("[OAuth] Onboarding user with tier: %s", tierID)

		onboarded, err := OnboardUser(ctx, accessToken, tierID, "", 10, 5000)
		if err == nil && onboarded != "" {
			utils.Success("[OAuth] Successfully onboarded, project: %s", onboarded)
			return onboarded, nil
		}
	}

	return "", nil
}

func tryDiscoverProject(ctx context.Context, accessToken, endpoint string) (string, map[string]interface{}, error) {
	reqBody := map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(jsonBody)))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.LoadCodeAssistHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", nil, err
	}

	// The project may appear as a string or as an object with an id.
	if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
		return projectID, data, nil
	}
	if projectObj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
		if projectID, ok := projectObj["id"].(string); ok && projectID != "" {
			return projectID, data, nil
		}
	}
	return "", data, nil
}

func defaultTierID(data map[string]interface{}) string {
	allowedTiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(allowedTiers) == 0 {
		return ""
	}

	for _, tier := range allowedTiers {
		tierMap, ok := tier.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, ok := tierMap["isDefault"].(bool); ok && isDefault {
			if id, ok := tierMap["id"].(string); ok {
				return id
			}
		}
	}

	if firstTier, ok := allowedTiers[0].(map[string]interface{}); ok {
		if id, ok := firstTier["id"].(string); ok {
			return id
		}
	}
	return ""
}

// OAuthFlowResult is the outcome of a completed enrollment flow.
type OAuthFlowResult struct {
	Email        string
	RefreshToken string
	AccessToken  string
	ProjectID    string
}

// CompleteOAuthFlow exchanges the code and gathers the account details.
func CompleteOAuthFlow(ctx context.Context, code, verifier string) (*OAuthFlowResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	email, err := GetUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get user email: %w", err)
	}

	projectID, _ := DiscoverProjectID(ctx, tokens.AccessToken)

	return &OAuthFlowResult{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		AccessToken:  tokens.AccessToken,
		ProjectID:    projectID,
	}, nil
}
