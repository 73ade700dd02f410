package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/krinkuto11/acefleet/internal/logger"
)

// Blacklist holds content keys whose streams looped (no broadcast progress).
// Admission refuses blacklisted keys until an operator removes them or the
// optional retention lapses. Persistence is optional and best-effort.
type Blacklist struct {
	mu        sync.RWMutex
	entries   map[string]time.Time
	retention time.Duration // 0 = keep indefinitely
	path      string        // "" = memory only
	logger    *logger.StyledLogger
	now       func() time.Time
}

func NewBlacklist(retentionMinutes int, persistPath string, log *logger.StyledLogger) *Blacklist {
	b := &Blacklist{
		entries:   make(map[string]time.Time),
		retention: time.Duration(retentionMinutes) * time.Minute,
		path:      persistPath,
		logger:    log,
		now:       time.Now,
	}
	b.load()
	return b
}

// Add records a looping content key
func (b *Blacklist) Add(contentKey string) {
	b.mu.Lock()
	b.entries[contentKey] = b.now()
	b.mu.Unlock()
	b.persist()
}

// Remove deletes a key (operator action)
func (b *Blacklist) Remove(contentKey string) bool {
	b.mu.Lock()
	_, ok := b.entries[contentKey]
	delete(b.entries, contentKey)
	b.mu.Unlock()
	if ok {
		b.persist()
	}
	return ok
}

// Contains gates admission; expired entries fall away lazily
func (b *Blacklist) Contains(contentKey string) bool {
	b.mu.RLock()
	at, ok := b.entries[contentKey]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if b.retention > 0 && b.now().Sub(at) > b.retention {
		b.Remove(contentKey)
		return false
	}
	return true
}

// Entries returns a copy for the management endpoint
func (b *Blacklist) Entries() map[string]time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]time.Time, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

func (b *Blacklist) persist() {
	if b.path == "" {
		return
	}
	b.mu.RLock()
	data, err := json.MarshalIndent(b.entries, "", "  ")
	b.mu.RUnlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		b.logger.Warn("Failed to create blacklist dir", "error", err)
		return
	}
	if err := os.WriteFile(b.path, data, 0644); err != nil {
		b.logger.Warn("Failed to persist blacklist", "error", err)
	}
}

func (b *Blacklist) load() {
	if b.path == "" {
		return
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return
	}
	var entries map[string]time.Time
	if err := json.Unmarshal(data, &entries); err != nil {
		b.logger.Warn("Ignoring unreadable blacklist file", "path", b.path, "error", err)
		return
	}
	b.mu.Lock()
	b.entries = entries
	b.mu.Unlock()
}

// SetClock overrides the time source (tests)
func (b *Blacklist) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}
