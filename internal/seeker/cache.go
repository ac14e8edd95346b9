package seeker

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/metrics"
	"agentmesh/knowledgeservice/internal/providers/common"
)

const (
	defaultCacheTTL        = time.Hour
	defaultCacheMaxEntries = 500
	cacheSweepThreshold    = 100
	cacheSweepInterval     = 5 * time.Minute
)

// DurableCache is an optional backing store consulted before the in-memory
// map. Failures degrade to memory-only operation without surfacing errors.
type DurableCache interface {
	Get(ctx context.Context, key string) (domain.KnowledgeResponse, bool, error)
	Set(ctx context.Context, key string, response domain.KnowledgeResponse, ttl time.Duration) error
	Clear(ctx context.Context) error
}

type cacheEntry struct {
	response     domain.KnowledgeResponse
	storedAt     time.Time
	ttl          time.Duration
	accessCount  atomic.Int64
	lastAccessed atomic.Int64 // unix nanoseconds
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

type CacheStats struct {
	Size          int     `json:"size"`
	HitRate       float64 `json:"hitRate"`
	TotalAccesses int64   `json:"totalAccesses"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
}

type CacheConfig struct {
	TTL            time.Duration
	MaxEntries     int
	SweepThreshold int
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = defaultCacheTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultCacheMaxEntries
	}
	if c.SweepThreshold <= 0 {
		c.SweepThreshold = cacheSweepThreshold
	}
	return c
}

// ResponseCache keeps completed responses keyed by the deterministic query
// key. Expired entries are dropped on read, on a put past the sweep
// threshold and on the owner's background tick.
type ResponseCache struct {
	cfg     CacheConfig
	durable DurableCache

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	hits   atomic.Int64
	misses atomic.Int64
}

func NewResponseCache(cfg CacheConfig, durable DurableCache) *ResponseCache {
	return &ResponseCache{
		cfg:     cfg.withDefaults(),
		durable: durable,
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns a copy of the cached response marked cacheUsed. The durable
// layer is consulted first; hits there are mirrored into memory so the
// sweeper can reason about freshness locally.
func (c *ResponseCache) Get(ctx context.Context, key string, now time.Time) (domain.KnowledgeResponse, bool) {
	if c.durable != nil {
		if resp, ok, err := c.durable.Get(ctx, key); err == nil && ok {
			c.storeMemory(key, resp, c.cfg.TTL, now)
			c.hits.Add(1)
			metrics.CacheHitsTotal.Inc()
			out := cloneKnowledgeResponse(resp)
			out.Metadata.CacheUsed = true
			return out, true
		}
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		metrics.CacheMissesTotal.Inc()
		return domain.KnowledgeResponse{}, false
	}
	if entry.expired(now) {
		c.evictExpired(key, now)
		c.misses.Add(1)
		metrics.CacheMissesTotal.Inc()
		return domain.KnowledgeResponse{}, false
	}

	entry.accessCount.Add(1)
	entry.lastAccessed.Store(now.UnixNano())
	c.hits.Add(1)
	metrics.CacheHitsTotal.Inc()
	out := cloneKnowledgeResponse(entry.response)
	out.Metadata.CacheUsed = true
	return out, true
}

// evictExpired re-checks expiry under the write lock; a concurrent Put may
// have replaced the entry since the read.
func (c *ResponseCache) evictExpired(key string, now time.Time) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && entry.expired(now) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

func (c *ResponseCache) Put(ctx context.Context, key string, response domain.KnowledgeResponse, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	if c.durable != nil {
		_ = c.durable.Set(ctx, key, response, ttl)
	}
	c.storeMemory(key, response, ttl, now)
}

func (c *ResponseCache) storeMemory(key string, response domain.KnowledgeResponse, ttl time.Duration, now time.Time) {
	entry := &cacheEntry{
		response: cloneKnowledgeResponse(response),
		storedAt: now,
		ttl:      ttl,
	}
	entry.lastAccessed.Store(now.UnixNano())

	c.mu.Lock()
	c.entries[key] = entry
	if len(c.entries) > c.cfg.SweepThreshold {
		c.sweepLocked(now)
	}
	c.trimLocked()
	c.mu.Unlock()
}

func (c *ResponseCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
	if c.durable != nil {
		_ = c.durable.Clear(ctx)
	}
}

// Sweep drops expired entries; driven by the owner's background tick.
func (c *ResponseCache) Sweep(now time.Time) {
	c.mu.Lock()
	c.sweepLocked(now)
	c.mu.Unlock()
}

func (c *ResponseCache) sweepLocked(now time.Time) {
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

// trimLocked evicts the least recently accessed entries once the hard cap is
// crossed.
func (c *ResponseCache) trimLocked() {
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	type pair struct {
		key   string
		entry *cacheEntry
	}
	items := make([]pair, 0, len(c.entries))
	for key, entry := range c.entries {
		items = append(items, pair{key: key, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.lastAccessed.Load() < items[j].entry.lastAccessed.Load()
	})
	for i := 0; i < len(items)-c.cfg.MaxEntries; i++ {
		delete(c.entries, items[i].key)
	}
}

func (c *ResponseCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Size:          size,
		HitRate:       rate,
		TotalAccesses: total,
		Hits:          hits,
		Misses:        misses,
	}
}

// CacheKey is deterministic over the normalized query text and the
// parameters that change what a response contains. Queries differing only
// in id share a key.
func CacheKey(query domain.KnowledgeQuery) string {
	names := normalizeProviderNames(query.PreferredSources)
	return strings.Join([]string{
		"q=" + common.NormalizeText(query.Query),
		"t=" + string(query.QueryType),
		"n=" + strconv.Itoa(query.MaxResults),
		"r=" + strconv.FormatFloat(query.RelevanceThreshold, 'f', 4, 64),
		"p=" + strings.Join(names, ","),
	}, "|")
}

func normalizeProviderNames(providerNames []string) []string {
	if len(providerNames) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(providerNames))
	names := make([]string, 0, len(providerNames))
	for _, raw := range providerNames {
		value := strings.ToLower(strings.TrimSpace(raw))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		names = append(names, value)
	}
	sort.Strings(names)
	return names
}

func cloneKnowledgeResponse(response domain.KnowledgeResponse) domain.KnowledgeResponse {
	cloned := response
	if response.Results != nil {
		cloned.Results = make([]domain.SearchResult, len(response.Results))
		for i, item := range response.Results {
			copied := item
			if item.PublishedAt != nil {
				value := *item.PublishedAt
				copied.PublishedAt = &value
			}
			if item.ProcessedAt != nil {
				value := *item.ProcessedAt
				copied.ProcessedAt = &value
			}
			if item.ProviderMetadata != nil {
				meta := make(map[string]any, len(item.ProviderMetadata))
				for k, v := range item.ProviderMetadata {
					meta[k] = v
				}
				copied.ProviderMetadata = meta
			}
			cloned.Results[i] = copied
		}
	}
	if response.SourcesUsed != nil {
		cloned.SourcesUsed = append([]string(nil), response.SourcesUsed...)
	}
	if response.VerificationResults != nil {
		cloned.VerificationResults = append(json.RawMessage(nil), response.VerificationResults...)
	}
	if response.Metadata.ProvidersQueried != nil {
		cloned.Metadata.ProvidersQueried = append([]string(nil), response.Metadata.ProvidersQueried...)
	}
	if response.Metadata.VerifiedCount != nil {
		value := *response.Metadata.VerifiedCount
		cloned.Metadata.VerifiedCount = &value
	}
	return cloned
}
