// Package cache implements C7: the freshness cache and its warmer.
// Grounded on the teacher's CacheManager (internal/datasources/cache.go)
// but single-purpose: one entry per FeedId, staleness-gated reads, and
// LRU eviction instead of per-category TTLs.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// Entry is one cached AggregatedPrice plus its LRU bookkeeping.
type Entry struct {
	Price      domain.AggregatedPrice
	LastAccess time.Time
}

type accessRecord struct {
	feedKey string
	at      time.Time
}

// Cache is the single-writer freshness store mapping FeedId -> Entry
// (§4.7). Reads apply the freshDataThreshold staleness gate; writes
// are monotonic on timestamp.
type Cache struct {
	cfg *config.CacheConfig

	mu      sync.RWMutex
	entries map[string]*Entry

	accessMu  sync.Mutex
	accessLog []accessRecord
}

func New(cfg *config.CacheConfig) *Cache {
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
	}
}

// Get returns the cached price for feedKey iff it is within
// freshDataThreshold of now, recording the access either way so the
// warmer can track read frequency for feeds with no current entry.
func (c *Cache) Get(feedKey string, now time.Time) (domain.AggregatedPrice, bool) {
	c.recordAccess(feedKey, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[feedKey]
	if !ok {
		return domain.AggregatedPrice{}, false
	}
	if now.Sub(time.UnixMilli(e.Price.Timestamp)) > c.cfg.FreshDataThreshold {
		return domain.AggregatedPrice{}, false
	}
	e.LastAccess = now
	return e.Price, true
}

// Set replaces feedKey's entry unconditionally if price.Timestamp is
// ≥ the current entry's, evicting LRU entries first if the cache is
// at capacity (§4.7).
func (c *Cache) Set(feedKey string, price domain.AggregatedPrice, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[feedKey]; ok {
		if price.Timestamp < existing.Price.Timestamp {
			return
		}
	} else if len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}

	c.entries[feedKey] = &Entry{Price: price, LastAccess: now}
}

// InvalidateOnPriceUpdate drops feedKey's entry if its timestamp
// predates the given newTimestamp, matching C6's post-emission
// invalidation call (§4.7).
func (c *Cache) InvalidateOnPriceUpdate(feedKey string, newTimestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[feedKey]; ok && e.Price.Timestamp < newTimestamp {
		delete(c.entries, feedKey)
	}
}

// evictLocked removes the least-recently-accessed 15% of entries,
// skipping any entry younger than freshDataThreshold (§4.7). Caller
// must hold c.mu.
func (c *Cache) evictLocked(now time.Time) {
	type keyed struct {
		key  string
		last time.Time
	}
	candidates := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		if now.Sub(time.UnixMilli(e.Price.Timestamp)) < c.cfg.FreshDataThreshold {
			continue
		}
		candidates = append(candidates, keyed{k, e.LastAccess})
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })

	n := int(float64(len(c.entries)) * c.cfg.EvictFraction)
	if n < 1 {
		n = 1
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, c2 := range candidates[:n] {
		delete(c.entries, c2.key)
	}
}

func (c *Cache) recordAccess(feedKey string, now time.Time) {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	c.accessLog = append(c.accessLog, accessRecord{feedKey, now})
	// Keep a bounded sliding window: anything older than the longest
	// warming interval is no longer useful for ranking.
	cutoff := now.Add(-c.cfg.WarmMaintenance)
	i := 0
	for i < len(c.accessLog) && c.accessLog[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.accessLog = c.accessLog[i:]
	}
}

// topAccessed returns the N most-frequently-accessed feed keys within
// the current access log, most-accessed first.
func (c *Cache) topAccessed(n int) []string {
	c.accessMu.Lock()
	counts := make(map[string]int)
	var lastSeen = make(map[string]time.Time)
	for _, rec := range c.accessLog {
		counts[rec.feedKey]++
		if rec.at.After(lastSeen[rec.feedKey]) {
			lastSeen[rec.feedKey] = rec.at
		}
	}
	c.accessMu.Unlock()

	type ranked struct {
		key   string
		count int
		last  time.Time
	}
	all := make([]ranked, 0, len(counts))
	for k, cnt := range counts {
		all = append(all, ranked{k, cnt, lastSeen[k]})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].last.After(all[j].last)
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].key
	}
	return out
}

// isStaleOrAbsent reports whether feedKey has no current entry or an
// entry older than freshDataThreshold, the warmer's refresh trigger.
func (c *Cache) isStaleOrAbsent(feedKey string, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[feedKey]
	if !ok {
		return true
	}
	return now.Sub(time.UnixMilli(e.Price.Timestamp)) > c.cfg.FreshDataThreshold
}

// Refresher is satisfied by the aggregator: given a feed key, produce
// its current AggregatedPrice (or false if not available).
type Refresher interface {
	Refresh(feedKey string) (domain.AggregatedPrice, bool)
}

// Warmer runs three cooperative ticking tasks (aggressive/predictive/
// maintenance, §4.7) that each pick the top-N most-accessed stale or
// absent feeds and pull a fresh price from the aggregator. It never
// blocks a reader: Get/Set take no lock the warmer holds across an I/O
// boundary.
type Warmer struct {
	cache     *Cache
	refresher Refresher
	cfg       *config.CacheConfig
}

func NewWarmer(cache *Cache, refresher Refresher, cfg *config.CacheConfig) *Warmer {
	return &Warmer{cache: cache, refresher: refresher, cfg: cfg}
}

// Run starts the three warming tickers and blocks until stop is closed.
func (w *Warmer) Run(stop <-chan struct{}) {
	aggressive := time.NewTicker(w.cfg.WarmAggressive)
	predictive := time.NewTicker(w.cfg.WarmPredictive)
	maintenance := time.NewTicker(w.cfg.WarmMaintenance)
	defer aggressive.Stop()
	defer predictive.Stop()
	defer maintenance.Stop()

	for {
		select {
		case <-stop:
			return
		case <-aggressive.C:
			w.warmPass()
		case <-predictive.C:
			w.warmPass()
		case <-maintenance.C:
			w.warmPass()
		}
	}
}

func (w *Warmer) warmPass() {
	now := time.Now()
	for _, key := range w.cache.topAccessed(w.cfg.WarmTopN) {
		if !w.cache.isStaleOrAbsent(key, now) {
			continue
		}
		price, ok := w.refresher.Refresh(key)
		if !ok {
			log.Debug().Str("feed", key).Msg("warmer: aggregator saturated or feed unknown, backing off")
			continue
		}
		w.cache.Set(key, price, now)
	}
}
