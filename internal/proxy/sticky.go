package proxy

import (
	"context"
	"sync"
	"time"
)

// DefaultStickyTTL is how long a session keeps its provider affinity after
// the last request that touched it.
const DefaultStickyTTL = time.Hour

// stickyEntry pins a session to a provider until expiry.
type stickyEntry struct {
	providerID int64
	expiresAt  time.Time
}

// StickyMap is an in-process session-id → provider-id affinity table with
// per-entry TTL. It is safe for concurrent use; a background goroutine
// periodically removes expired entries.
//
// Affinity is advisory: the selector honors it only while the pinned
// provider is still eligible. The map does not survive restarts.
type StickyMap struct {
	mu    sync.RWMutex
	items map[string]stickyEntry
	ttl   time.Duration

	done chan struct{}
}

// NewStickyMap creates a StickyMap and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
// A zero or negative ttl falls back to DefaultStickyTTL.
func NewStickyMap(ctx context.Context, ttl time.Duration) *StickyMap {
	if ttl <= 0 {
		ttl = DefaultStickyTTL
	}
	m := &StickyMap{
		items: make(map[string]stickyEntry),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	go m.cleanup(ctx)
	return m
}

// Get returns the pinned provider id for the session. Returns (0, false) on
// a miss or if the entry has expired; expired entries are removed lazily.
func (m *StickyMap) Get(sessionID string) (int64, bool) {
	if sessionID == "" {
		return 0, false
	}

	m.mu.RLock()
	entry, ok := m.items[sessionID]
	m.mu.RUnlock()

	if !ok {
		return 0, false
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.items, sessionID)
		m.mu.Unlock()
		return 0, false
	}
	return entry.providerID, true
}

// Assign pins the session to the provider and refreshes the TTL.
func (m *StickyMap) Assign(sessionID string, providerID int64) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	m.items[sessionID] = stickyEntry{
		providerID: providerID,
		expiresAt:  time.Now().Add(m.ttl),
	}
	m.mu.Unlock()
}

// Forget drops the session's affinity, if any.
func (m *StickyMap) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.items, sessionID)
	m.mu.Unlock()
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been evicted).
func (m *StickyMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close stops the background cleanup goroutine.
func (m *StickyMap) Close() {
	close(m.done)
}

func (m *StickyMap) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *StickyMap) evictExpired() {
	now := time.Now()

	m.mu.Lock()
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
