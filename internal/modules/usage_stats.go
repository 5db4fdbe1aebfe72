// Package modules hosts feature modules that sit beside the core proxy
// pipeline. Usage stats keeps an hour-bucketed request history.
package modules

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/store"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// retentionDays caps the usage history window.
const retentionDays = 30

// hourKeyFormat buckets requests per hour.
const hourKeyFormat = "2006-01-02T15"

// FamilyBucket counts requests per model within one family for one hour.
type FamilyBucket struct {
	Subtotal int            `json:"_subtotal"`
	Models   map[string]int `json:"models"`
}

// HourBucket is one hour of usage counts.
type HourBucket struct {
	Total    int                      `json:"_total"`
	Families map[string]*FamilyBucket `json:"families"`
}

// UsageStats tracks per-model request counts in hourly buckets, persisted to
// usage-history.json and optionally mirrored to Redis.
type UsageStats struct {
	mu      sync.RWMutex
	history map[string]*HourBucket

	saver      *store.Saver
	statsStore *redis.StatsStore

	initialized bool
	stopChan    chan struct{}
}

// NewUsageStats creates a new UsageStats instance. redisClient may be nil.
func NewUsageStats(redisClient *redis.Client) *UsageStats {
	var statsStore *redis.StatsStore
	if redisClient != nil {
		statsStore = redis.NewStatsStore(redisClient)
	}

	u := &UsageStats{
		history:    make(map[string]*HourBucket),
		statsStore: statsStore,
		stopChan:   make(chan struct{}),
	}
	u.saver = store.NewSaver(config.UsageHistoryPath, store.DefaultSaveDelay, u.snapshot)
	return u
}

// Initialize loads persisted history and starts the background pruner.
func (u *UsageStats) Initialize() {
	u.mu.Lock()
	if u.initialized {
		u.mu.Unlock()
		return
	}

	var persisted map[string]*HourBucket
	if loaded, err := store.LoadJSON(config.UsageHistoryPath, &persisted); err != nil {
		utils.Warn("[UsageStats] Failed to load %s: %v", config.UsageHistoryPath, err)
	} else if loaded && persisted != nil {
		u.history = persisted
	}
	u.pruneLocked()

	u.initialized = true
	u.mu.Unlock()

	go u.backgroundPrune()
	utils.Info("[UsageStats] Module initialized, %d hour(s) of history", len(u.history))
}

// Shutdown stops the module and flushes pending history to disk.
func (u *UsageStats) Shutdown() {
	u.mu.Lock()
	if !u.initialized {
		u.mu.Unlock()
		return
	}
	close(u.stopChan)
	u.initialized = false
	u.mu.Unlock()

	if err := u.saver.Flush(); err != nil {
		utils.Warn("[UsageStats] Failed to flush history: %v", err)
	}
	utils.Info("[UsageStats] Module shutdown")
}

func (u *UsageStats) backgroundPrune() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopChan:
			return
		case <-ticker.C:
			u.mu.Lock()
			pruned := u.pruneLocked()
			u.mu.Unlock()
			if pruned > 0 {
				u.saver.MarkDirty()
				utils.Debug("[UsageStats] Pruned %d old hour bucket(s)", pruned)
			}
			if u.statsStore != nil {
				if _, err := u.statsStore.PruneOldStats(context.Background(), retentionDays); err != nil {
					utils.Debug("[UsageStats] Redis prune failed: %v", err)
				}
			}
		}
	}
}

// pruneLocked drops buckets older than the retention window. Caller holds mu.
func (u *UsageStats) pruneLocked() int {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(hourKeyFormat)
	pruned := 0
	for key := range u.history {
		if key < cutoff {
			delete(u.history, key)
			pruned++
		}
	}
	return pruned
}

// Track records a request for a specific model
func (u *UsageStats) Track(modelID string) {
	family := GetFamily(modelID)
	shortName := GetShortName(modelID, family)
	hourKey := time.Now().UTC().Format(hourKeyFormat)

	u.mu.Lock()
	bucket := u.history[hourKey]
	if bucket == nil {
		bucket = &HourBucket{Families: make(map[string]*FamilyBucket)}
		u.history[hourKey] = bucket
	}
	fam := bucket.Families[family]
	if fam == nil {
		fam = &FamilyBucket{Models: make(map[string]int)}
		bucket.Families[family] = fam
	}
	bucket.Total++
	fam.Subtotal++
	fam.Models[shortName]++
	u.mu.Unlock()

	u.saver.MarkDirty()

	if u.statsStore != nil {
		if err := u.statsStore.RecordRequest(context.Background(), family, shortName); err != nil {
			utils.Debug("[UsageStats] Failed to mirror request to Redis: %v", err)
		}
	}
}

// snapshot builds a marshal-safe copy of the history for the saver.
func (u *UsageStats) snapshot() interface{} {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make(map[string]*HourBucket, len(u.history))
	for key, bucket := range u.history {
		copied := &HourBucket{
			Total:    bucket.Total,
			Families: make(map[string]*FamilyBucket, len(bucket.Families)),
		}
		for family, fam := range bucket.Families {
			famCopy := &FamilyBucket{
				Subtotal: fam.Subtotal,
				Models:   make(map[string]int, len(fam.Models)),
			}
			for model, count := range fam.Models {
				famCopy.Models[model] = count
			}
			copied.Families[family] = famCopy
		}
		out[key] = copied
	}
	return out
}

// GetFamily extracts the model family from a model id.
func GetFamily(modelID string) string {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "claude") {
		return "claude"
	}
	if strings.Contains(lower, "gemini") {
		return "gemini"
	}
	return "other"
}

// GetShortName strips the family prefix: "claude-opus-4-6" -> "opus-4-6".
func GetShortName(modelID, family string) string {
	if family == "other" {
		return modelID
	}
	prefix := family + "-"
	if strings.HasPrefix(strings.ToLower(modelID), prefix) {
		return modelID[len(prefix):]
	}
	return modelID
}

// historyEntry is one hour in the API response, ISO-keyed.
type historyEntry struct {
	Hour     string                   `json:"hour"`
	Total    int                      `json:"total"`
	Families map[string]*FamilyBucket `json:"families"`
}

// History returns the retained usage history sorted chronologically.
func (u *UsageStats) History() []historyEntry {
	u.mu.RLock()
	keys := make([]string, 0, len(u.history))
	for k := range u.history {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]historyEntry, 0, len(keys))
	for _, key := range keys {
		bucket := u.history[key]
		iso := key
		if t, err := time.Parse(hourKeyFormat, key); err == nil {
			iso = t.Format("2006-01-02T15:04:05.000Z")
		}
		entries = append(entries, historyEntry{
			Hour:     iso,
			Total:    bucket.Total,
			Families: bucket.Families,
		})
	}
	u.mu.RUnlock()
	return entries
}

// Middleware marks trackable requests so handlers can report the resolved
// model after parsing the body.
func (u *UsageStats) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "POST" {
			path := c.Request.URL.Path
			if path == "/v1/messages" || path == "/v1/chat/completions" {
				c.Set("trackUsage", func(model string) {
					u.Track(model)
				})
			}
		}
		c.Next()
	}
}

// TrackFromContext records a request if the middleware marked it.
func TrackFromContext(c *gin.Context, model string) {
	if trackFn, exists := c.Get("trackUsage"); exists {
		if fn, ok := trackFn.(func(string)); ok {
			fn(model)
		}
	}
}

// SetupRoutes adds the stats API routes to a router group.
func (u *UsageStats) SetupRoutes(router *gin.RouterGroup) {
	router.GET("/stats/history", u.handleGetHistory)
}

// handleGetHistory handles GET /api/stats/history
func (u *UsageStats) handleGetHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"retentionDays": retentionDays,
		"history":       u.History(),
	})
}
