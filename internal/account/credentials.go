package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/auth"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// cachedToken holds an access token with its expiry.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Credentials resolves access tokens for accounts: OAuth refresh for oauth
// accounts, the stored key for manual accounts, and the Antigravity IDE state
// database for database accounts. Tokens are cached briefly in memory and,
// when Redis is configured, shared across instances.
type Credentials struct {
	mu           sync.RWMutex
	accountStore *redis.AccountStore
	tokenCache   map[string]*cachedToken
}

// NewCredentials creates a credentials manager. accountStore may be nil.
func NewCredentials(accountStore *redis.AccountStore) *Credentials {
	return &Credentials{
		accountStore: accountStore,
		tokenCache:   make(map[string]*cachedToken),
	}
}

// GetAccessToken returns a valid access token for the account.
func (c *Credentials) GetAccessToken(ctx context.Context, acc *redis.Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account is nil")
	}

	c.mu.RLock()
	cached, ok := c.tokenCache[acc.Email]
	c.mu.RUnlock()
	if ok && cached.expiresAt.After(time.Now()) {
		return cached.token, nil
	}

	ttl := time.Duration(config.TokenRefreshIntervalMs) * time.Millisecond

	if c.accountStore.IsAvailable() {
		if shared, err := c.accountStore.GetCachedToken(ctx, acc.Email); err == nil &&
			shared != nil && shared.AccessToken != "" && time.Since(shared.ExtractedAt) < ttl {
			c.cacheToken(acc.Email, shared.AccessToken, ttl)
			return shared.AccessToken, nil
		}
	}

	token, err := c.getFreshToken(ctx, acc)
	if err != nil {
		return "", err
	}

	c.cacheToken(acc.Email, token, ttl)
	if c.accountStore.IsAvailable() {
		_ = c.accountStore.SetCachedToken(ctx, acc.Email, token, ttl)
	}
	return token, nil
}

func (c *Credentials) getFreshToken(ctx context.Context, acc *redis.Account) (string, error) {
	switch acc.Source {
	case "oauth":
		if acc.RefreshToken == "" {
			return "", fmt.Errorf("no refresh token for account %s", acc.Email)
		}
		utils.Debug("[Credentials] Refreshing OAuth token for %s", utils.MaskEmail(acc.Email))
		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			utils.Error("[Credentials] Token refresh failed for %s: %v", utils.MaskEmail(acc.Email), err)
			return "", err
		}
		return result.AccessToken, nil

	case "manual":
		if acc.APIKey != "" {
			return acc.APIKey, nil
		}
		return "", fmt.Errorf("no API key for manual account %s", acc.Email)

	case "database":
		token, err := auth.ExtractTokenFromDatabase(config.AntigravityDBPath)
		if err != nil {
			return "", fmt.Errorf("database token extraction failed for %s: %w", acc.Email, err)
		}
		return token, nil

	default:
		return "", fmt.Errorf("unknown account source: %s", acc.Source)
	}
}

func (c *Credentials) cacheToken(email, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache[email] = &cachedToken{token: token, expiresAt: time.Now().Add(ttl)}
}

// ClearCache drops all cached tokens.
func (c *Credentials) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache = make(map[string]*cachedToken)
}

// ClearCacheForAccount drops the cached token for one account.
func (c *Credentials) ClearCacheForAccount(ctx context.Context, email string) {
	c.mu.Lock()
	delete(c.tokenCache, email)
	c.mu.Unlock()

	if c.accountStore.IsAvailable() {
		_ = c.accountStore.ClearTokenCache(ctx, email)
	}
}

// permanentAuthErrors are refresh failures that will not fix themselves;
// retrying only burns requests until the credentials are replaced.
var permanentAuthErrors = []string{
	"invalid_grant",
	"token revoked",
	"Token has been expired or revoked",
	"invalid_client",
	"credentials are invalid",
	"refresh token has expired",
}

// IsPermanentAuthError reports whether a credential error means the account
// must be re-authenticated rather than retried.
func IsPermanentAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range permanentAuthErrors {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
