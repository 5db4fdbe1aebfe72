// Package store provides JSON file persistence for the proxy's durable state:
// accounts.json, signature-cache.json and usage-history.json.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poemonsense/claudegate/internal/utils"
)

// DefaultSaveDelay coalesces bursts of state changes into a single write.
const DefaultSaveDelay = 2 * time.Second

// LoadJSON reads and unmarshals a JSON file into dest. A missing file is not
// an error; dest is left untouched and ok is false.
func LoadJSON(path string, dest interface{}) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SaveJSON atomically writes v as indented JSON via a temp file and rename.
func SaveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Saver coalesces repeated save requests into at most one write per delay
// window. MarkDirty is cheap and safe to call on every mutation.
type Saver struct {
	mu      sync.Mutex
	path    string
	delay   time.Duration
	dirty   bool
	pending bool
	snap    func() interface{}
}

// NewSaver creates a Saver that persists the value returned by snap. The snap
// function must return a value safe to marshal outside the caller's locks.
func NewSaver(path string, delay time.Duration, snap func() interface{}) *Saver {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Saver{path: path, delay: delay, snap: snap}
}

// MarkDirty schedules a save after the coalescing delay. Calls made while a
// save is already pending fold into it.
func (s *Saver) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	if s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.mu.Unlock()

	time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.pending = false
		if !s.dirty {
			s.mu.Unlock()
			return
		}
		s.dirty = false
		s.mu.Unlock()

		if err := SaveJSON(s.path, s.snap()); err != nil {
			utils.Warn("Failed to persist %s: %v", filepath.Base(s.path), err)
		}
	})
}

// Flush writes immediately if there are unsaved changes. Used on shutdown.
func (s *Saver) Flush() error {
	s.mu.Lock()
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	return SaveJSON(s.path, s.snap())
}
