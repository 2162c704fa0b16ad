package credits

import (
	"sync"
	"time"
)

// snapshot is a point-in-time copy of an account and its bundles, used
// only for advisory availability checks. Deductions never read from it.
type snapshot struct {
	account *Account
	bundles []*Bundle
}

// Cache defines the interface for caching balance snapshots to keep
// CanAfford cheap under read-heavy traffic.
type Cache interface {
	// GetSnapshot retrieves a cached snapshot.
	// Returns the snapshot and true if found and fresh.
	GetSnapshot(userID string) (*snapshot, bool)

	// SetSnapshot stores a snapshot with TTL.
	SetSnapshot(userID string, snap *snapshot, ttl time.Duration)

	// Invalidate removes a user's snapshot after any balance mutation.
	Invalidate(userID string)

	// Clear removes all entries.
	Clear()
}

// NoopCache is a cache implementation that does nothing.
// Used when caching is disabled.
type NoopCache struct{}

func (c *NoopCache) GetSnapshot(string) (*snapshot, bool)         { return nil, false }
func (c *NoopCache) SetSnapshot(string, *snapshot, time.Duration) {}
func (c *NoopCache) Invalidate(string)                            {}
func (c *NoopCache) Clear()                                       {}

type cacheEntry struct {
	snap       *snapshot
	expiration time.Time
	accessTime time.Time
	sequence   int64
}

func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// LRUCache implements Cache with an in-memory LRU and TTL support.
type LRUCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	maxSize  int
	sequence int64
}

// NewLRUCache creates a new LRU cache holding up to maxSize snapshots.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *LRUCache) GetSnapshot(userID string) (*snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok || entry.isExpired() {
		return nil, false
	}
	entry.accessTime = time.Now()

	// Copy out to prevent external mutation of cached state.
	acct := *entry.snap.account
	bundles := make([]*Bundle, len(entry.snap.bundles))
	for i, b := range entry.snap.bundles {
		bc := *b
		bundles[i] = &bc
	}
	return &snapshot{account: &acct, bundles: bundles}, true
}

func (c *LRUCache) SetSnapshot(userID string, snap *snapshot, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[userID] = &cacheEntry{
		snap:       snap,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *LRUCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxSize)
}
