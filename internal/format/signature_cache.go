package format

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/store"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// SignatureCache caches thoughtSignatures emitted by the upstream.
//
// Three stores, each bounded and TTL'd:
//   - tool signatures:    tool_use_id -> signature
//   - thinking families:  signature   -> model family ("claude" or "gemini")
//   - session signatures: session id  -> most recent signature
//
// Clients strip the non-standard thoughtSignature field from tool calls, so
// the cache is the only way to restore them on the next turn. Entries expire
// after SignatureCacheTTLMs; a background sweep runs every
// SignatureCacheSweepMs; when a store is full the oldest entry is evicted.
// State persists to signature-cache.json with coalesced saves, and mirrors
// into Redis when configured.
type SignatureCache struct {
	mu sync.Mutex

	toolSignatures    map[string]*sigEntry
	thinkingFamilies  map[string]*sigEntry
	sessionSignatures map[string]*sigEntry

	redisStore *redis.SignatureStore
	saver      *store.Saver
	stopSweep  chan struct{}
}

type sigEntry struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"` // Unix ms
}

// persistedCache is the on-disk shape of signature-cache.json
type persistedCache struct {
	ToolSignatures    map[string]*sigEntry `json:"toolSignatures"`
	ThinkingFamilies  map[string]*sigEntry `json:"thinkingFamilies"`
	SessionSignatures map[string]*sigEntry `json:"sessionSignatures"`
}

// NewSignatureCache creates a SignatureCache. path may be empty to disable
// file persistence; redisStore may be nil to disable mirroring.
func NewSignatureCache(path string, redisStore *redis.SignatureStore) *SignatureCache {
	c := &SignatureCache{
		toolSignatures:    make(map[string]*sigEntry),
		thinkingFamilies:  make(map[string]*sigEntry),
		sessionSignatures: make(map[string]*sigEntry),
		redisStore:        redisStore,
		stopSweep:         make(chan struct{}),
	}

	if path != "" {
		var persisted persistedCache
		if ok, err := store.LoadJSON(path, &persisted); err != nil {
			utils.Warn("[SignatureCache] Failed to load %s: %v", path, err)
		} else if ok {
			if persisted.ToolSignatures != nil {
				c.toolSignatures = persisted.ToolSignatures
			}
			if persisted.ThinkingFamilies != nil {
				c.thinkingFamilies = persisted.ThinkingFamilies
			}
			if persisted.SessionSignatures != nil {
				c.sessionSignatures = persisted.SessionSignatures
			}
			c.removeExpired(utils.NowMs())
			utils.Info("[SignatureCache] Loaded %d tool, %d thinking, %d session signatures",
				len(c.toolSignatures), len(c.thinkingFamilies), len(c.sessionSignatures))
		}

		c.saver = store.NewSaver(path, store.DefaultSaveDelay, c.snapshot)
	}

	return c
}

// StartSweep launches the periodic expiry sweep.
func (c *SignatureCache) StartSweep() {
	interval := time.Duration(config.SignatureCacheSweepMs) * time.Millisecond
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				removed := c.removeExpired(utils.NowMs())
				c.mu.Unlock()
				if removed > 0 {
					utils.Debug("[SignatureCache] Swept %d expired entries", removed)
					c.markDirty()
				}
			case <-c.stopSweep:
				return
			}
		}
	}()
}

// StopSweep stops the periodic sweep.
func (c *SignatureCache) StopSweep() {
	close(c.stopSweep)
}

// Flush writes any unsaved state to disk.
func (c *SignatureCache) Flush() error {
	if c.saver == nil {
		return nil
	}
	return c.saver.Flush()
}

// CacheSignature stores a signature for a tool_use_id
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	c.mu.Lock()
	putBounded(c.toolSignatures, toolUseID, signature, config.ToolSignatureMaxEntries)
	c.mu.Unlock()
	c.markDirty()

	if c.redisStore != nil {
		_ = c.redisStore.SetToolSignature(context.Background(), toolUseID, signature)
	}
}

// GetCachedSignature retrieves a cached signature for a tool_use_id
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.Lock()
	value, ok := getLive(c.toolSignatures, toolUseID)
	c.mu.Unlock()
	if ok {
		return value
	}

	if c.redisStore != nil {
		if sig, err := c.redisStore.GetToolSignature(context.Background(), toolUseID); err == nil && sig != "" {
			return sig
		}
	}
	return ""
}

// CacheThinkingSignature caches a thinking block signature with its model family
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	c.mu.Lock()
	putBounded(c.thinkingFamilies, signature, modelFamily, config.ThinkingFamilyMaxEntries)
	c.mu.Unlock()
	c.markDirty()

	if c.redisStore != nil {
		_ = c.redisStore.SetThinkingSignature(context.Background(), signature, modelFamily)
	}
}

// GetCachedSignatureFamily returns the cached model family for a thinking signature
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	c.mu.Lock()
	value, ok := getLive(c.thinkingFamilies, signature)
	c.mu.Unlock()
	if ok {
		return value
	}

	if c.redisStore != nil {
		if family, err := c.redisStore.GetThinkingSignatureFamily(context.Background(), signature); err == nil && family != "" {
			return family
		}
	}
	return ""
}

// CacheSessionSignature remembers the most recent signature seen for a session
func (c *SignatureCache) CacheSessionSignature(sessionID, signature string) {
	if sessionID == "" || signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	c.mu.Lock()
	putBounded(c.sessionSignatures, sessionID, signature, config.SessionSignatureMaxEntries)
	c.mu.Unlock()
	c.markDirty()
}

// GetSessionSignature retrieves the most recent signature for a session
func (c *SignatureCache) GetSessionSignature(sessionID string) string {
	if sessionID == "" {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	value, _ := getLive(c.sessionSignatures, sessionID)
	return value
}

// ClearThinkingSignatureCache clears the thinking family store
func (c *SignatureCache) ClearThinkingSignatureCache() {
	c.mu.Lock()
	c.thinkingFamilies = make(map[string]*sigEntry)
	c.mu.Unlock()
	c.markDirty()
}

// ClearAll clears every store
func (c *SignatureCache) ClearAll() {
	c.mu.Lock()
	c.toolSignatures = make(map[string]*sigEntry)
	c.thinkingFamilies = make(map[string]*sigEntry)
	c.sessionSignatures = make(map[string]*sigEntry)
	c.mu.Unlock()
	c.markDirty()

	if c.redisStore != nil {
		_ = c.redisStore.ClearAllSignatures(context.Background())
	}
}

// Stats returns entry counts per store
func (c *SignatureCache) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{
		"tool":     len(c.toolSignatures),
		"thinking": len(c.thinkingFamilies),
		"session":  len(c.sessionSignatures),
	}
}

// snapshot builds the persisted form. Runs under the cache lock.
func (c *SignatureCache) snapshot() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := persistedCache{
		ToolSignatures:    make(map[string]*sigEntry, len(c.toolSignatures)),
		ThinkingFamilies:  make(map[string]*sigEntry, len(c.thinkingFamilies)),
		SessionSignatures: make(map[string]*sigEntry, len(c.sessionSignatures)),
	}
	for k, v := range c.toolSignatures {
		snap.ToolSignatures[k] = v
	}
	for k, v := range c.thinkingFamilies {
		snap.ThinkingFamilies[k] = v
	}
	for k, v := range c.sessionSignatures {
		snap.SessionSignatures[k] = v
	}
	return &snap
}

func (c *SignatureCache) markDirty() {
	if c.saver != nil {
		c.saver.MarkDirty()
	}
}

// removeExpired drops entries past the TTL. Caller holds the lock.
func (c *SignatureCache) removeExpired(now int64) int {
	removed := 0
	for _, m := range []map[string]*sigEntry{c.toolSignatures, c.thinkingFamilies, c.sessionSignatures} {
		for key, entry := range m {
			if now-entry.Timestamp > config.SignatureCacheTTLMs {
				delete(m, key)
				removed++
			}
		}
	}
	return removed
}

// putBounded inserts an entry, evicting the oldest when the store is full.
func putBounded(m map[string]*sigEntry, key, value string, maxEntries int) {
	if _, exists := m[key]; !exists && len(m) >= maxEntries {
		var oldestKey string
		var oldestTs int64 = 1<<63 - 1
		for k, e := range m {
			if e.Timestamp < oldestTs {
				oldestTs = e.Timestamp
				oldestKey = k
			}
		}
		if oldestKey != "" {
			delete(m, oldestKey)
		}
	}
	m[key] = &sigEntry{Value: value, Timestamp: utils.NowMs()}
}

// getLive fetches an entry, dropping it if expired. Caller holds the lock.
func getLive(m map[string]*sigEntry, key string) (string, bool) {
	entry, ok := m[key]
	if !ok {
		return "", false
	}
	if utils.NowMs()-entry.Timestamp > config.SignatureCacheTTLMs {
		delete(m, key)
		return "", false
	}
	return entry.Value, true
}

// Global instance for convenience
var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitGlobalSignatureCache initializes the global signature cache
func InitGlobalSignatureCache(path string, redisStore *redis.SignatureStore) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(path, redisStore)
		globalSignatureCache.StartSweep()
	})
}

// GetGlobalSignatureCache returns the global signature cache instance
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		// Memory-only cache when not initialized (tests)
		globalSignatureCache = NewSignatureCache("", nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking signature cache
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
