// Package account manages the account pool: loading and persisting accounts,
// selection via configurable strategies, rate-limit and cooldown bookkeeping,
// and per-account credential refresh.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/account/strategies"
	"github.com/poemonsense/claudegate/internal/apperrors"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/store"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// accountsFile is the on-disk shape of accounts.json.
type accountsFile struct {
	Accounts []*redis.Account       `json:"accounts"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// Manager owns the account pool. All runtime state lives in memory; mutations
// are persisted to accounts.json through a coalescing saver and, when Redis is
// configured, mirrored to the shared account store.
type Manager struct {
	mu sync.RWMutex

	accounts     []*redis.Account
	settings     map[string]interface{}
	currentIndex int
	initialized  bool

	strategy     strategies.Strategy
	strategyName string

	credentials *Credentials
	sessions    *SessionTracker
	saver       *store.Saver

	// Optional shared-state mirror
	accountStore *redis.AccountStore

	config *config.Config
}

// NewManager creates an account manager. redisClient may be nil for
// single-instance deployments.
func NewManager(cfg *config.Config, redisClient *redis.Client) *Manager {
	var accountStore *redis.AccountStore
	if redisClient != nil {
		accountStore = redis.NewAccountStore(redisClient)
	}

	m := &Manager{
		accounts:     make([]*redis.Account, 0),
		settings:     make(map[string]interface{}),
		strategyName: config.DefaultSelectionStrategy,
		credentials:  NewCredentials(accountStore),
		sessions:     NewSessionTracker(),
		accountStore: accountStore,
		config:       cfg,
	}
	m.saver = store.NewSaver(config.AccountConfigPath, store.DefaultSaveDelay, m.snapshot)
	return m
}

// Initialize loads accounts from disk and builds the selection strategy.
// strategyOverride (from the CLI) wins over the config file.
func (m *Manager) Initialize(ctx context.Context, strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	var file accountsFile
	loaded, err := store.LoadJSON(config.AccountConfigPath, &file)
	if err != nil {
		utils.Warn("[AccountManager] Failed to load %s: %v", config.AccountConfigPath, err)
	}
	if loaded {
		m.accounts = file.Accounts
		if file.Settings != nil {
			m.settings = file.Settings
		}
	}

	if strategyOverride != "" {
		m.strategyName = strategyOverride
	} else if configStrategy := m.config.GetStrategy(); configStrategy != "" {
		m.strategyName = configStrategy
	}
	m.strategy = strategies.NewStrategy(m.strategyName, strategies.ConfigFromSelection(m.config.AccountSelection))

	if hybrid, ok := m.strategy.(*strategies.HybridStrategy); ok && m.config.GlobalQuotaThreshold > 0 {
		threshold := m.config.GlobalQuotaThreshold
		hybrid.SetGlobalThreshold(&threshold)
	}

	m.clearExpiredLimitsLocked()

	utils.Info("[AccountManager] Loaded %d account(s), %s strategy",
		len(m.accounts), strategies.GetStrategyLabel(m.strategyName))

	m.initialized = true
	return nil
}

// Reload re-reads accounts from disk, keeping the active strategy.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.initialized = false
	name := m.strategyName
	m.mu.Unlock()
	return m.Initialize(ctx, name)
}

// Flush writes any pending account state to disk. Used on shutdown.
func (m *Manager) Flush() error {
	return m.saver.Flush()
}

// snapshot builds a marshal-safe copy of the persisted state.
func (m *Manager) snapshot() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]*redis.Account, len(m.accounts))
	copy(accounts, m.accounts)
	return &accountsFile{Accounts: accounts, Settings: m.settings}
}

// markDirtyLocked schedules persistence and mirrors the account to Redis.
func (m *Manager) markDirtyLocked(acc *redis.Account) {
	m.saver.MarkDirty()
	if m.accountStore.IsAvailable() && acc != nil {
		mirror := acc
		go func() {
			if err := m.accountStore.SetAccount(context.Background(), mirror); err != nil {
				utils.Debug("[AccountManager] Redis mirror failed for %s: %v", utils.MaskEmail(mirror.Email), err)
			}
		}()
	}
}

// GetAccountCount returns the number of configured accounts.
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// GetAllAccounts returns a copy of the account slice.
func (m *Manager) GetAllAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, len(m.accounts))
	copy(result, m.accounts)
	return result
}

// GetAccountByEmail returns an account by email.
func (m *Manager) GetAccountByEmail(email string) (*redis.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc, nil
		}
	}
	return nil, NewNoAccountsError("Account "+email+" not found", false)
}

// SelectOptions carries per-request selection context.
type SelectOptions struct {
	SessionID string
}

// SelectionResult is the outcome of account selection.
type SelectionResult struct {
	Account *redis.Account
	Index   int
	WaitMs  int64
}

// SelectAccount picks an account for the request. A session id pins sticky
// selection to the account that served the conversation before.
func (m *Manager) SelectAccount(ctx context.Context, modelID string, options SelectOptions) (*SelectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, NewNotInitializedError()
	}
	if len(m.accounts) == 0 {
		return nil, NewNoAccountsError("No accounts configured", false)
	}

	m.clearExpiredLimitsLocked()

	currentIndex := m.currentIndex
	if pinned, ok := m.sessions.Get(options.SessionID); ok && pinned < len(m.accounts) {
		if m.shouldRotateSessionLocked(options.SessionID, pinned, modelID) {
			// Drop the pin and start the search from the next account; the
			// session re-pins to whatever the strategy picks.
			m.sessions.Remove(options.SessionID)
			currentIndex = (pinned + 1) % len(m.accounts)
		} else {
			currentIndex = pinned
		}
	}

	result := m.strategy.SelectAccount(ctx, m.accounts, modelID, strategies.SelectOptions{
		CurrentIndex: currentIndex,
		SessionID:    options.SessionID,
		OnSave:       func() { m.saver.MarkDirty() },
	})

	if result.Account == nil {
		if result.WaitMs > 0 {
			return &SelectionResult{Account: nil, Index: result.Index, WaitMs: result.WaitMs}, nil
		}
		return nil, NewNoAccountsError("No available accounts", m.isAllRateLimitedLocked(modelID))
	}

	m.currentIndex = result.Index
	m.sessions.Pin(options.SessionID, result.Index)

	return &SelectionResult{Account: result.Account, Index: result.Index, WaitMs: result.WaitMs}, nil
}

// shouldRotateSessionLocked decides whether a pinned session moves off its
// current account. Long sessions rotate once their message or token volume
// passes the budget; a pin also rotates when its account is nearly drained
// for the model and a usable peer has a clearly larger quota share left.
func (m *Manager) shouldRotateSessionLocked(sessionID string, pinned int, modelID string) bool {
	messages, tokens := m.sessions.Usage(sessionID)
	if messages > config.SessionRotateMaxMessages {
		utils.Info("[AccountManager] Rotating session %.8s after %d messages", sessionID, messages)
		return true
	}
	if tokens > config.SessionRotateMaxTokens {
		utils.Info("[AccountManager] Rotating session %.8s after %d tokens", sessionID, tokens)
		return true
	}

	current := strategies.RemainingFraction(m.accounts[pinned], modelID)
	if current < 0 || current >= config.SessionRotateQuotaFloor {
		return false
	}
	for i, acc := range m.accounts {
		if i == pinned || !strategies.AccountUsable(acc, modelID) {
			continue
		}
		other := strategies.RemainingFraction(acc, modelID)
		if other >= current+config.SessionRotateQuotaAdvantage {
			utils.Info("[AccountManager] Rotating session %.8s off a drained account (%.0f%% vs %.0f%% quota left)",
				sessionID, current*100, other*100)
			return true
		}
	}
	return false
}

// RecordSessionUsage adds a served request to the session's rotation counters.
func (m *Manager) RecordSessionUsage(sessionID string, tokens int64) {
	m.sessions.RecordUsage(sessionID, tokens)
}

// Borrow reserves a concurrency slot on the account.
func (m *Manager) Borrow(acc *redis.Account) {
	if acc == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc.ActiveRequests++
}

// Release frees a concurrency slot. Safe to call more than once; the count
// never goes negative.
func (m *Manager) Release(acc *redis.Account) {
	if acc == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.ActiveRequests > 0 {
		acc.ActiveRequests--
	}
}

// MarkRateLimited records a rate limit for the account under the model's quota
// key. When the upstream provided no reset time the cooldown doubles with each
// consecutive failure; daily limits never cool down for less than an hour.
func (m *Manager) MarkRateLimited(ctx context.Context, email, modelID string, resetMs int64, limitType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}

	key := config.QuotaKey(modelID, m.config.QuotaClass())

	if acc.RateLimitFailures == nil {
		acc.RateLimitFailures = make(map[string]int)
	}
	acc.RateLimitFailures[key]++
	failures := acc.RateLimitFailures[key]

	cooldownMs := resetMs
	if cooldownMs <= 0 {
		multiplier := int64(1) << (failures - 1)
		if multiplier > config.CooldownMultiplierCap {
			multiplier = config.CooldownMultiplierCap
		}
		cooldownMs = m.config.DefaultCooldownMs * multiplier
	}
	if limitType == "daily" && cooldownMs < config.DailyLimitCooldownFloorMs {
		cooldownMs = config.DailyLimitCooldownFloorMs
	}

	info := &redis.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     time.Now().UnixMilli() + cooldownMs,
		ActualResetMs: resetMs,
		LimitType:     limitType,
	}
	if acc.ModelRateLimits == nil {
		acc.ModelRateLimits = make(map[string]*redis.RateLimitInfo)
	}
	acc.ModelRateLimits[key] = info

	utils.Warn("[AccountManager] %s rate-limited for %s (%s, failure #%d)",
		utils.MaskEmail(email), key, utils.FormatDuration(cooldownMs), failures)

	m.markDirtyLocked(acc)
	if m.accountStore.IsAvailable() {
		go func() { _ = m.accountStore.SetRateLimit(context.Background(), email, key, info) }()
	}
}

// SetCooldown puts the whole account (all models) on cooldown.
func (m *Manager) SetCooldown(email string, cooldownMs int64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.CoolingDownUntil = time.Now().UnixMilli() + cooldownMs
	acc.CooldownReason = reason
	utils.Warn("[AccountManager] %s cooling down for %s: %s",
		utils.MaskEmail(email), utils.FormatDuration(cooldownMs), reason)
}

// MarkInvalid marks an account invalid, removing it from selection until its
// credentials are fixed.
func (m *Manager) MarkInvalid(ctx context.Context, email, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = time.Now().UnixMilli()
	utils.Error("[AccountManager] Account %s marked invalid: %s", utils.MaskEmail(email), reason)
	m.markDirtyLocked(acc)
}

// ClearInvalid clears the invalid flag after credentials recover.
func (m *Manager) ClearInvalid(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil || !acc.IsInvalid {
		return
	}
	acc.IsInvalid = false
	acc.InvalidReason = ""
	acc.InvalidAt = 0
	m.markDirtyLocked(acc)
}

// NotifySuccess reports a successful request: resets the failure streak for
// the model's quota key and feeds the strategy.
func (m *Manager) NotifySuccess(acc *redis.Account, modelID string) {
	if acc == nil {
		return
	}

	m.mu.Lock()
	key := config.QuotaKey(modelID, m.config.QuotaClass())
	if acc.RateLimitFailures != nil {
		if _, ok := acc.RateLimitFailures[key]; ok {
			delete(acc.RateLimitFailures, key)
			m.saver.MarkDirty()
		}
		// legacy bare-model entries
		if _, ok := acc.RateLimitFailures[modelID]; ok {
			delete(acc.RateLimitFailures, modelID)
			m.saver.MarkDirty()
		}
	}
	m.mu.Unlock()

	if m.strategy != nil {
		m.strategy.OnSuccess(acc, modelID)
	}
}

// NotifyRateLimit feeds a rate-limit outcome to the strategy.
func (m *Manager) NotifyRateLimit(acc *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnRateLimit(acc, modelID)
	}
}

// NotifyFailure feeds a failure outcome to the strategy.
func (m *Manager) NotifyFailure(acc *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnFailure(acc, modelID)
	}
}

// DropSession removes a session pin, e.g. after its pinned account failed.
func (m *Manager) DropSession(sessionID string) {
	m.sessions.Remove(sessionID)
}

// ClearExpiredLimits removes expired rate limits and cooldowns. Returns how
// many entries were cleared.
func (m *Manager) ClearExpiredLimits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearExpiredLimitsLocked()
}

func (m *Manager) clearExpiredLimitsLocked() int {
	now := time.Now().UnixMilli()
	cleared := 0

	for _, acc := range m.accounts {
		for key, info := range acc.ModelRateLimits {
			if info == nil || !info.IsRateLimited || info.ResetTime <= now {
				delete(acc.ModelRateLimits, key)
				cleared++
			}
		}
		if acc.CoolingDownUntil != 0 && acc.CoolingDownUntil <= now {
			acc.CoolingDownUntil = 0
			acc.CooldownReason = ""
			cleared++
		}
	}

	if cleared > 0 {
		m.saver.MarkDirty()
	}
	return cleared
}

// ResetRateLimitsFor optimistically clears rate limits for one model across
// all accounts. Used when a probe shows the upstream limit has lifted early.
func (m *Manager) ResetRateLimitsFor(modelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := config.QuotaKey(modelID, m.config.QuotaClass())
	cleared := 0
	for _, acc := range m.accounts {
		for _, k := range []string{key, modelID} {
			if _, ok := acc.ModelRateLimits[k]; ok {
				delete(acc.ModelRateLimits, k)
				cleared++
			}
		}
	}
	if cleared > 0 {
		utils.Info("[AccountManager] Reset %d rate limit(s) for %s", cleared, modelID)
		m.saver.MarkDirty()
	}
	return cleared
}

// ResetAllRateLimits clears every rate limit and cooldown.
func (m *Manager) ResetAllRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		acc.ModelRateLimits = nil
		acc.RateLimitFailures = nil
		acc.CoolingDownUntil = 0
		acc.CooldownReason = ""
	}
	m.saver.MarkDirty()
}

// GetMinWaitTimeMs returns the shortest time until some account becomes
// usable for the model; zero when one already is.
func (m *Manager) GetMinWaitTimeMs(modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UnixMilli()
	class := m.config.QuotaClass()
	var minWait int64 = -1

	for _, acc := range m.accounts {
		if acc == nil || acc.IsInvalid || !acc.Enabled || acc.IsModelDisabled(modelID) {
			continue
		}

		var wait int64
		for _, key := range []string{config.QuotaKey(modelID, class), modelID} {
			if info := acc.ModelRateLimits[key]; info != nil && info.IsRateLimited && info.ResetTime > now {
				remaining := info.ResetTime - now
				if remaining > wait {
					wait = remaining
				}
			}
		}
		if acc.CoolingDownUntil > now {
			if remaining := acc.CoolingDownUntil - now; remaining > wait {
				wait = remaining
			}
		}

		if wait == 0 {
			return 0
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// IsAllRateLimited reports whether every enabled account is rate-limited or
// cooling down for the model.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAllRateLimitedLocked(modelID)
}

func (m *Manager) isAllRateLimitedLocked(modelID string) bool {
	now := time.Now().UnixMilli()
	class := m.config.QuotaClass()
	sawEnabled := false

	for _, acc := range m.accounts {
		if acc == nil || acc.IsInvalid || !acc.Enabled {
			continue
		}
		sawEnabled = true

		limited := acc.CoolingDownUntil > now
		if !limited {
			for _, key := range []string{config.QuotaKey(modelID, class), modelID} {
				if info := acc.ModelRateLimits[key]; info != nil && info.IsRateLimited && info.ResetTime > now {
					limited = true
					break
				}
			}
		}
		if !limited {
			return false
		}
	}
	return sawEnabled
}

// AddOrUpdateAccount adds a new account or replaces an existing one.
func (m *Manager) AddOrUpdateAccount(acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			utils.Info("[AccountManager] Account %s updated", utils.MaskEmail(acc.Email))
			m.markDirtyLocked(acc)
			return nil
		}
	}

	if len(m.accounts) >= m.config.MaxAccounts {
		return NewNoAccountsError("Maximum accounts reached", false)
	}

	m.accounts = append(m.accounts, acc)
	utils.Info("[AccountManager] Account %s added", utils.MaskEmail(acc.Email))
	m.markDirtyLocked(acc)
	return nil
}

// RemoveAccount deletes an account from the pool.
func (m *Manager) RemoveAccount(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, acc := range m.accounts {
		if acc.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			if m.currentIndex >= len(m.accounts) {
				m.currentIndex = 0
			}
			m.saver.MarkDirty()
			m.credentials.ClearCacheForAccount(ctx, email)
			if m.accountStore.IsAvailable() {
				go func() { _ = m.accountStore.DeleteAccount(context.Background(), email) }()
			}
			return nil
		}
	}
	return NewNoAccountsError("Account "+email+" not found", false)
}

// SetAccountEnabled enables or disables an account.
func (m *Manager) SetAccountEnabled(email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return NewNoAccountsError("Account "+email+" not found", false)
	}
	acc.Enabled = enabled
	m.markDirtyLocked(acc)
	return nil
}

// UpdateAccountQuota stores a fresh quota snapshot for an account.
func (m *Manager) UpdateAccountQuota(email string, models map[string]*redis.ModelQuotaInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}

	if acc.Quota == nil {
		acc.Quota = &redis.QuotaInfo{Models: make(map[string]*redis.ModelQuotaInfo)}
	}
	acc.Quota.LastChecked = time.Now().UnixMilli()
	for modelID, info := range models {
		acc.Quota.Models[modelID] = info
	}

	m.markDirtyLocked(acc)
	if m.accountStore.IsAvailable() {
		quota := acc.Quota
		go func() { _ = m.accountStore.SetQuotas(context.Background(), email, quota) }()
	}
}

// UpdateAccountSubscription stores subscription info discovered at onboarding.
func (m *Manager) UpdateAccountSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.Subscription == nil {
		acc.Subscription = &redis.SubscriptionInfo{}
	}
	acc.Subscription.Tier = tier
	acc.Subscription.ProjectID = projectID
	acc.Subscription.DetectedAt = time.Now().UnixMilli()
	m.markDirtyLocked(acc)
}

// GetTokenForAccount returns an access token for the account, marking it
// invalid on permanent credential failures.
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if IsPermanentAuthError(err) {
			m.MarkInvalid(ctx, acc.Email, err.Error())
		}
		return "", err
	}

	if acc.IsInvalid {
		m.ClearInvalid(acc.Email)
	}
	return token, nil
}

// ClearTokenCache clears all cached access tokens.
func (m *Manager) ClearTokenCache() {
	m.credentials.ClearCache()
}

// ClearTokenCacheFor clears the cached token for one account.
func (m *Manager) ClearTokenCacheFor(ctx context.Context, email string) {
	m.credentials.ClearCacheForAccount(ctx, email)
}

// GetStrategyName returns the active strategy name.
func (m *Manager) GetStrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// SetStrategy switches the selection strategy at runtime.
func (m *Manager) SetStrategy(name string) error {
	if !strategies.IsValidStrategy(name) {
		return NewNoAccountsError("Unknown strategy: "+name, false)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategyName = name
	m.strategy = strategies.NewStrategy(name, strategies.ConfigFromSelection(m.config.AccountSelection))
	m.config.SetStrategy(name)
	utils.Info("[AccountManager] Switched to %s strategy", strategies.GetStrategyLabel(name))
	return nil
}

// ManagerStatus summarizes the pool for status endpoints.
type ManagerStatus struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Strategy    string           `json:"strategy"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// Summary renders a one-line pool summary for logs and banners.
func (s *ManagerStatus) Summary() string {
	return fmt.Sprintf("%d total, %d available, %d rate-limited, %d invalid",
		s.Total, s.Available, s.RateLimited, s.Invalid)
}

// AccountStatus is the per-account slice of ManagerStatus.
type AccountStatus struct {
	Email                string                          `json:"email"`
	Source               string                          `json:"source"`
	Enabled              bool                            `json:"enabled"`
	ProjectID            string                          `json:"projectId,omitempty"`
	IsInvalid            bool                            `json:"isInvalid"`
	InvalidReason        string                          `json:"invalidReason,omitempty"`
	LastUsed             int64                           `json:"lastUsed,omitempty"`
	ActiveRequests       int                             `json:"activeRequests"`
	CoolingDownUntil     int64                           `json:"coolingDownUntil,omitempty"`
	CooldownReason       string                          `json:"cooldownReason,omitempty"`
	QuotaThreshold       *float64                        `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64              `json:"modelQuotaThresholds,omitempty"`
	ModelRateLimits      map[string]*redis.RateLimitInfo `json:"modelRateLimits,omitempty"`
	Quota                *redis.QuotaInfo                `json:"quota,omitempty"`
	Subscription         *redis.SubscriptionInfo         `json:"subscription,omitempty"`
}

// GetStatus returns the pool status for the management API.
func (m *Manager) GetStatus() *ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UnixMilli()
	status := &ManagerStatus{
		Total:    len(m.accounts),
		Strategy: m.strategyName,
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}

	for _, acc := range m.accounts {
		entry := &AccountStatus{
			Email:                acc.Email,
			Source:               acc.Source,
			Enabled:              acc.Enabled,
			ProjectID:            acc.ProjectID,
			IsInvalid:            acc.IsInvalid,
			InvalidReason:        acc.InvalidReason,
			LastUsed:             acc.LastUsed,
			ActiveRequests:       acc.ActiveRequests,
			CoolingDownUntil:     acc.CoolingDownUntil,
			CooldownReason:       acc.CooldownReason,
			QuotaThreshold:       acc.QuotaThreshold,
			ModelQuotaThresholds: acc.ModelQuotaThresholds,
			ModelRateLimits:      acc.ModelRateLimits,
			Quota:                acc.Quota,
			Subscription:         acc.Subscription,
		}
		status.Accounts = append(status.Accounts, entry)

		switch {
		case acc.IsInvalid || !acc.Enabled:
			status.Invalid++
		case accountLimited(acc, now):
			status.RateLimited++
		default:
			status.Available++
		}
	}
	return status
}

func accountLimited(acc *redis.Account, now int64) bool {
	if acc.CoolingDownUntil > now {
		return true
	}
	for _, info := range acc.ModelRateLimits {
		if info != nil && info.IsRateLimited && info.ResetTime > now {
			return true
		}
	}
	return false
}

func (m *Manager) findLocked(email string) *redis.Account {
	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// Error types

// NotInitializedError signals use of the manager before Initialize.
type NotInitializedError struct{}

func (e *NotInitializedError) Error() string { return "account manager not initialized" }

// NewNotInitializedError creates a NotInitializedError.
func NewNotInitializedError() *NotInitializedError { return &NotInitializedError{} }

// NoAccountsError signals that no account can serve a request. It is the
// shared taxonomy type, so handler-side status mapping sees it as-is.
type NoAccountsError = apperrors.NoAccountsError

// NewNoAccountsError creates a NoAccountsError.
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	return apperrors.NewNoAccountsError(message, allRateLimited, nil)
}
