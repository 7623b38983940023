package tasklog

import (
	"sync"
	"time"
)

// Cache memoizes raw (clock-independent) reductions keyed on (fileID,
// maxSeq). Any new append bumps the file's max sequence, so stale entries can
// never be returned; they just stop being asked for and eventually get
// evicted. Get hands out expiry-applied snapshots, never the cached value
// itself.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	max     int
}

type cacheEntry struct {
	maxSeq int64
	tasks  *FileTasks
}

// NewCache creates a cache bounded to max entries.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 1024
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		max:     max,
	}
}

// Get returns a snapshot of the cached reduction for fileID if it matches
// maxSeq, with claim expiry applied at now.
func (c *Cache) Get(fileID string, maxSeq int64, now time.Time) (*FileTasks, bool) {
	c.mu.RLock()
	entry, ok := c.entries[fileID]
	c.mu.RUnlock()
	if !ok || entry.maxSeq != maxSeq {
		return nil, false
	}
	return entry.tasks.Snapshot(now), true
}

// Put stores a raw reduction, evicting an arbitrary entry when full.
func (c *Cache) Put(fileID string, maxSeq int64, tasks *FileTasks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[fileID] = cacheEntry{maxSeq: maxSeq, tasks: tasks}
}

// Invalidate drops the entry for a file, used when the file itself goes away.
func (c *Cache) Invalidate(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fileID)
}
