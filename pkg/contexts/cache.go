package contexts

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// CacheKey identifies a cached resolve by its leaf coordinates.
func CacheKey(level models.ContextLevel, id string) string {
	return string(level) + ":" + id
}

type cacheEntry struct {
	resolved *models.ResolvedContext
	depends  []string
	storedAt time.Time
}

// CacheStats is a point-in-time snapshot of cache behaviour.
type CacheStats struct {
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Evictions     uint64  `json:"evictions"`
	Invalidations uint64  `json:"invalidations"`
}

// ResolveCache caches fully merged resolves keyed by leaf context, with a
// reverse dependency index so a write to any chain member evicts every
// resolve that merged it. One mutex guards both structures; entries older
// than ttl are treated as misses and dropped lazily.
type ResolveCache struct {
	mu      sync.Mutex
	entries *lru.LRU[string, *cacheEntry]
	size    int
	// dependents maps a chain member key to the set of cache keys whose
	// resolve merged that member.
	dependents map[string]map[string]struct{}
	ttl        time.Duration

	hits          uint64
	misses        uint64
	evictions     uint64
	invalidations uint64

	metrics observability.MetricsClient
	logger  observability.Logger
}

// NewResolveCache builds a cache holding up to size resolves. A zero ttl
// disables expiry.
func NewResolveCache(size int, ttl time.Duration,
	logger observability.Logger, metrics observability.MetricsClient) (*ResolveCache, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	c := &ResolveCache{
		size:       size,
		dependents: make(map[string]map[string]struct{}),
		ttl:        ttl,
		metrics:    metrics,
		logger:     logger,
	}
	entries, err := lru.NewLRU[string, *cacheEntry](size, c.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create LRU")
	}
	c.entries = entries
	return c, nil
}

// onEvict runs with c.mu held; it only unlinks the dependency index.
func (c *ResolveCache) onEvict(key string, entry *cacheEntry) {
	c.evictions++
	for _, dep := range entry.depends {
		if set, ok := c.dependents[dep]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.dependents, dep)
			}
		}
	}
}

// Get returns a copy of the cached resolve for the leaf, if present and
// fresh. The copy's CacheHit flag is set.
func (c *ResolveCache) Get(level models.ContextLevel, id string) (*models.ResolvedContext, bool) {
	key := CacheKey(level, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		c.metrics.RecordCacheOperation("context_resolve", false, 0)
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.entries.Remove(key)
		c.misses++
		c.metrics.RecordCacheOperation("context_resolve", false, 0)
		return nil, false
	}

	c.hits++
	c.metrics.RecordCacheOperation("context_resolve", true, 0)

	out := *entry.resolved
	out.Data = entry.resolved.Data.Clone()
	out.CacheHit = true
	return &out, true
}

// Put stores a resolve and indexes it under every chain member it merged.
func (c *ResolveCache) Put(resolved *models.ResolvedContext) {
	key := CacheKey(resolved.Level, resolved.ID)
	depends := make([]string, len(resolved.Chain))
	for i, member := range resolved.Chain {
		depends[i] = CacheKey(member.Level, member.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *resolved
	stored.Data = resolved.Data.Clone()
	stored.CacheHit = false

	c.entries.Add(key, &cacheEntry{
		resolved: &stored,
		depends:  depends,
		storedAt: time.Now(),
	})
	for _, dep := range depends {
		set, ok := c.dependents[dep]
		if !ok {
			set = make(map[string]struct{})
			c.dependents[dep] = set
		}
		set[key] = struct{}{}
	}
}

// Invalidate drops every cached resolve whose chain included the given
// context and returns how many entries were removed. A write to a project
// context therefore evicts all branch and task resolves under it.
func (c *ResolveCache) Invalidate(level models.ContextLevel, id string) int {
	key := CacheKey(level, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.dependents[key]
	if !ok {
		return 0
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.entries.Remove(k)
	}
	c.invalidations += uint64(len(keys))
	c.logger.Debug("Invalidated context cache entries", map[string]interface{}{
		"key":     key,
		"evicted": len(keys),
	})
	return len(keys)
}

// Purge empties the cache.
func (c *ResolveCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.dependents = make(map[string]map[string]struct{})
}

// Stats reports a snapshot of cache counters.
func (c *ResolveCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Size:          c.entries.Len(),
		Capacity:      c.size,
		Hits:          c.hits,
		Misses:        c.misses,
		HitRate:       rate,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
	}
}
