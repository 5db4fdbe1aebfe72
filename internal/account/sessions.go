package account

import (
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/config"
)

type sessionEntry struct {
	index    int
	lastSeen int64
	messages int
	tokens   int64
}

// SessionTracker pins conversations to account indices so sticky selection
// keeps a session on the same account across requests. Entries expire after an
// idle period and the map is bounded; the oldest entry is evicted on overflow.
type SessionTracker struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// NewSessionTracker creates an empty SessionTracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{entries: make(map[string]*sessionEntry)}
}

// Get returns the pinned account index for a session, refreshing its idle
// timer. Expired pins are dropped.
func (t *SessionTracker) Get(sessionID string) (int, bool) {
	if sessionID == "" {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[sessionID]
	if !ok {
		return 0, false
	}

	now := time.Now().UnixMilli()
	if now-entry.lastSeen > config.SessionIdleExpiryMs {
		delete(t.entries, sessionID)
		return 0, false
	}
	entry.lastSeen = now
	return entry.index, true
}

// Pin records the account index for a session.
func (t *SessionTracker) Pin(sessionID string, index int) {
	if sessionID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[sessionID]; ok {
		entry.index = index
		entry.lastSeen = time.Now().UnixMilli()
		return
	}

	if len(t.entries) >= config.SessionMaxEntries {
		t.evictOldestLocked()
	}
	t.entries[sessionID] = &sessionEntry{index: index, lastSeen: time.Now().UnixMilli()}
}

// RecordUsage adds one served request and its token volume to the session's
// counters. Unknown sessions are ignored; a pin is created on selection, not
// on completion.
func (t *SessionTracker) RecordUsage(sessionID string, tokens int64) {
	if sessionID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[sessionID]; ok {
		entry.messages++
		entry.tokens += tokens
	}
}

// Usage returns the accumulated message and token counters for a session.
func (t *SessionTracker) Usage(sessionID string) (int, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[sessionID]; ok {
		return entry.messages, entry.tokens
	}
	return 0, 0
}

// Remove drops a session pin, e.g. after the pinned account failed.
func (t *SessionTracker) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, sessionID)
}

// Len returns the number of tracked sessions.
func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *SessionTracker) evictOldestLocked() {
	var oldestID string
	var oldestSeen int64
	for id, entry := range t.entries {
		if oldestID == "" || entry.lastSeen < oldestSeen {
			oldestID = id
			oldestSeen = entry.lastSeen
		}
	}
	if oldestID != "" {
		delete(t.entries, oldestID)
	}
}
