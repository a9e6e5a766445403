package metric

import (
	"sync"
	"time"

	"github.com/miru-ai/miru/internal/model"
)

// taskCache is a short-TTL in-memory cache for task metric configurations.
// The task→metrics link set changes rarely but is consulted for every span
// that needs computation; caching it bounds the link-table reads per burst.
//
// Key: task_id. Staleness is bounded by the TTL; refresh is best-effort.
type taskCache struct {
	mu      sync.RWMutex
	entries map[string]cachedMetrics
	ttl     time.Duration
	done    chan struct{}
}

type cachedMetrics struct {
	metrics   []model.TaskMetric
	expiresAt time.Time
}

// newTaskCache creates a cache with the given TTL.
// Call close to stop the background eviction goroutine.
func newTaskCache(ttl time.Duration) *taskCache {
	c := &taskCache{
		entries: make(map[string]cachedMetrics),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// get returns the cached metric set and true if a valid entry exists.
func (c *taskCache) get(taskID string) ([]model.TaskMetric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[taskID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.metrics, true
}

// set stores a metric set with the configured TTL. An empty set is cached
// too, so tasks with no configured metrics do not hammer the link table.
func (c *taskCache) set(taskID string, metrics []model.TaskMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[taskID] = cachedMetrics{
		metrics:   metrics,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// close stops the background eviction goroutine.
func (c *taskCache) close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *taskCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *taskCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
