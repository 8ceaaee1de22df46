package gocycle

import (
	"sync"
	"time"
)

// Cache defines the interface for caching schedules
// to reduce storage backend load on preview-heavy screens.
type Cache interface {
	// GetSchedule retrieves a cached schedule
	// Returns the schedule and true if found, nil and false otherwise
	GetSchedule(clientID string) (*Schedule, bool)

	// SetSchedule stores a schedule in the cache with TTL
	SetSchedule(clientID string, schedule *Schedule, ttl time.Duration)

	// InvalidateSchedule removes a schedule from the cache
	InvalidateSchedule(clientID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	value      *Schedule
	expiration time.Time
	accessTime time.Time // For LRU eviction
	sequence   int64     // For tiebreaking when access times are equal
}

func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetSchedule(_ string) (*Schedule, bool) {
	return nil, false
}

func (c *NoopCache) SetSchedule(_ string, _ *Schedule, _ time.Duration) {}

func (c *NoopCache) InvalidateSchedule(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

// LRUCache implements Cache using an in-memory LRU cache with TTL support
type LRUCache struct {
	mu        sync.Mutex
	schedules map[string]*cacheEntry
	max       int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewLRUCache creates a new LRU cache holding at most maxSchedules entries
func NewLRUCache(maxSchedules int) *LRUCache {
	if maxSchedules <= 0 {
		maxSchedules = 1000 // default
	}

	return &LRUCache{
		schedules: make(map[string]*cacheEntry, maxSchedules),
		max:       maxSchedules,
	}
}

func (c *LRUCache) GetSchedule(clientID string) (*Schedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.schedules[clientID]
	if !exists || entry.isExpired() {
		c.misses++
		return nil, false
	}

	entry.accessTime = time.Now()
	c.hits++
	return copySchedule(entry.value), true
}

func (c *LRUCache) SetSchedule(clientID string, schedule *Schedule, ttl time.Duration) {
	if schedule == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	_, exists := c.schedules[clientID]

	// Evict if at capacity and entry doesn't exist
	if len(c.schedules) >= c.max && !exists {
		// Evict least recently used (oldest accessTime, then oldest sequence)
		var oldestKey string
		var oldestTime time.Time
		var oldestSeq int64
		first := true
		for key, entry := range c.schedules {
			if first || entry.accessTime.Before(oldestTime) ||
				(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
				oldestKey = key
				oldestTime = entry.accessTime
				oldestSeq = entry.sequence
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.schedules, oldestKey)
			c.evictions++
		}
	}

	seq := c.sequence
	c.sequence++
	c.schedules[clientID] = &cacheEntry{
		value:      copySchedule(schedule),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

func (c *LRUCache) InvalidateSchedule(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.schedules, clientID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedules = make(map[string]*cacheEntry, c.max)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.schedules),
	}
}

// copySchedule deep-copies s so callers cannot mutate cached or stored state.
func copySchedule(s *Schedule) *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	out.Anchor = CopyAnchor(s.Anchor)
	return &out
}

// CopyAnchor returns an Anchor that shares no pointers with a.
func CopyAnchor(a Anchor) Anchor {
	var out Anchor
	if a.DayOfMonth != nil {
		out.DayOfMonth = Int(*a.DayOfMonth)
	}
	if a.MonthOfYear != nil {
		out.MonthOfYear = Int(*a.MonthOfYear)
	}
	if a.DayOfWeek != nil {
		out.DayOfWeek = Int(*a.DayOfWeek)
	}
	if a.ReferenceDate != nil {
		t := *a.ReferenceDate
		out.ReferenceDate = &t
	}
	return out
}
