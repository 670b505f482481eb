package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

const (
	cleanupTargetFraction = 10   // Target: cleanup when ~1/10th of cache size new entries added
	minCleanupInterval    = 10   // Minimum cleanup interval in operations
	maxCleanupInterval    = 1000 // Maximum cleanup interval in operations

	statsRedisKeyPrefix = "battlenode:stats:"

	defaultStatsFetchTimeout = 10 * time.Second
)

// StatsProvider resolves a species to its fixed combat stat block. It never
// fails: unresolved species get battle.DefaultStats.
type StatsProvider interface {
	GetStats(ctx context.Context, speciesID string) battle.Stats
}

// SpeciesSource is the upstream species data source.
type SpeciesSource interface {
	FetchStats(ctx context.Context, speciesID string) (battle.Stats, error)
}

// statsCache is a process-local TTL cache of stat blocks.
// Expired entries stay in the map until a later Set triggers the lazy cleanup;
// Get treats them as absent.
type statsCache struct {
	entries        map[string]statsCacheEntry
	mu             sync.RWMutex
	cleanupCounter int
	cleanupEvery   int // Dynamically calculated based on cache size
}

type statsCacheEntry struct {
	stats     battle.Stats
	expiresAt int64 // Unix ms
}

func newStatsCache() *statsCache {
	return &statsCache{
		entries:      make(map[string]statsCacheEntry),
		cleanupEvery: minCleanupInterval,
	}
}

// Set stores the stats for ttl. Concurrent writers for the same key are fine:
// the value of a species never changes, so last write wins.
func (c *statsCache) Set(key string, stats battle.Stats, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = statsCacheEntry{stats: stats, expiresAt: time.Now().Add(ttl).UnixMilli()}

	c.cleanupCounter++
	if c.cleanupCounter >= c.cleanupEvery {
		c.cleanupExpiredLocked()
		c.recalculateCleanupInterval()
		c.cleanupCounter = 0
	}
}

func (c *statsCache) Get(key string) (battle.Stats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().UnixMilli() > entry.expiresAt {
		return battle.Stats{}, false
	}
	return entry.stats, true
}

func (c *statsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cleanupExpiredLocked removes expired entries. The caller holds c.mu.
func (c *statsCache) cleanupExpiredLocked() {
	now := time.Now().UnixMilli()
	for key, entry := range c.entries {
		if now > entry.expiresAt {
			delete(c.entries, key)
		}
	}
}

// recalculateCleanupInterval scales the cleanup frequency with the cache size.
func (c *statsCache) recalculateCleanupInterval() {
	interval := len(c.entries) / cleanupTargetFraction
	if interval < minCleanupInterval {
		c.cleanupEvery = minCleanupInterval
	} else if interval > maxCleanupInterval {
		c.cleanupEvery = maxCleanupInterval
	} else {
		c.cleanupEvery = interval
	}
}

// CachedStatsProvider layers the pinned catalog, a process-local cache, an
// optional shared redis cache and the upstream source. Concurrent misses for
// the same species share one upstream fetch.
type CachedStatsProvider struct {
	catalog      SpeciesCatalog
	local        *statsCache
	shared       redis.UniversalClient
	source       SpeciesSource
	group        singleflight.Group
	ttl          time.Duration
	fallbackTTL  time.Duration
	fetchTimeout time.Duration
	metrics      *Metrics
	logger       Logger
}

// NewCachedStatsProvider creates a provider. shared and metrics may be nil.
func NewCachedStatsProvider(conf StatsConfig, catalog SpeciesCatalog, shared redis.UniversalClient, source SpeciesSource, metrics *Metrics, logger Logger) *CachedStatsProvider {
	fetchTimeout := conf.Timeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultStatsFetchTimeout
	}

	return &CachedStatsProvider{
		catalog:      catalog,
		local:        newStatsCache(),
		shared:       shared,
		source:       source,
		ttl:          conf.CacheTTL,
		fallbackTTL:  conf.FallbackTTL,
		fetchTimeout: fetchTimeout,
		metrics:      metrics,
		logger:       logger.NewSystem("stats-provider"),
	}
}

func (p *CachedStatsProvider) GetStats(ctx context.Context, speciesID string) battle.Stats {
	key := normalizeSpeciesKey(speciesID)
	if key == "" {
		return battle.DefaultStats()
	}

	if stats, ok := p.catalog.Lookup(key); ok {
		p.observe("catalog")
		return stats
	}
	if stats, ok := p.local.Get(key); ok {
		p.observe("memory")
		return stats
	}

	// The fetch is shared by every waiter and its result is cached, so it runs
	// detached from the caller that happened to start it.
	ch := p.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()
		return p.load(fetchCtx, key), nil
	})

	select {
	case res := <-ch:
		return res.Val.(battle.Stats)
	case <-ctx.Done():
		p.observe("fallback")
		return battle.DefaultStats()
	}
}

func (p *CachedStatsProvider) load(ctx context.Context, key string) battle.Stats {
	if stats, ok := p.getShared(ctx, key); ok {
		p.observe("redis")
		p.local.Set(key, stats, p.ttl)
		return stats
	}

	stats, err := p.source.FetchStats(ctx, key)
	if err != nil {
		p.observe("fallback")
		p.logger.Warn("failed to fetch species stats, using defaults", "speciesID", key, "error", err)
		// A timed out or cancelled fetch says nothing about the species.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			p.local.Set(key, battle.DefaultStats(), p.fallbackTTL)
		}
		return battle.DefaultStats()
	}

	p.observe("upstream")
	stats = stats.WithDefaults()
	p.local.Set(key, stats, p.ttl)
	p.setShared(ctx, key, stats)
	return stats
}

func (p *CachedStatsProvider) getShared(ctx context.Context, key string) (battle.Stats, bool) {
	if p.shared == nil {
		return battle.Stats{}, false
	}

	raw, err := p.shared.Get(ctx, statsRedisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("failed to read shared stats cache", "speciesID", key, "error", err)
		}
		return battle.Stats{}, false
	}

	var stats battle.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		p.logger.Warn("invalid shared stats cache entry", "speciesID", key, "error", err)
		return battle.Stats{}, false
	}
	return stats, true
}

func (p *CachedStatsProvider) setShared(ctx context.Context, key string, stats battle.Stats) {
	if p.shared == nil {
		return
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := p.shared.Set(ctx, statsRedisKeyPrefix+key, raw, p.ttl).Err(); err != nil {
		p.logger.Warn("failed to write shared stats cache", "speciesID", key, "error", err)
	}
}

func (p *CachedStatsProvider) observe(tier string) {
	if p.metrics != nil {
		p.metrics.StatsLookups.WithLabelValues(tier).Inc()
	}
}

// PokeAPIClient fetches species stats from a PokeAPI-compatible HTTP service.
type PokeAPIClient struct {
	baseURL string
	client  *http.Client
}

func NewPokeAPIClient(conf StatsConfig) *PokeAPIClient {
	return &PokeAPIClient{
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		client:  &http.Client{Timeout: conf.Timeout},
	}
}

type pokeAPIPokemon struct {
	Stats []struct {
		BaseStat int `json:"base_stat"`
		Stat     struct {
			Name string `json:"name"`
		} `json:"stat"`
	} `json:"stats"`
	Types []struct {
		Slot int `json:"slot"`
		Type struct {
			Name string `json:"name"`
		} `json:"type"`
	} `json:"types"`
}

// FetchStats reads GET {base}/pokemon/{id}.
func (c *PokeAPIClient) FetchStats(ctx context.Context, speciesID string) (battle.Stats, error) {
	endpoint := fmt.Sprintf("%s/pokemon/%s", c.baseURL, url.PathEscape(speciesID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return battle.Stats{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return battle.Stats{}, fmt.Errorf("failed to request species %s: %w", speciesID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return battle.Stats{}, fmt.Errorf("unexpected status %d for species %s", resp.StatusCode, speciesID)
	}

	var pokemon pokeAPIPokemon
	if err := json.NewDecoder(resp.Body).Decode(&pokemon); err != nil {
		return battle.Stats{}, fmt.Errorf("failed to decode species %s: %w", speciesID, err)
	}

	var stats battle.Stats
	for _, s := range pokemon.Stats {
		switch s.Stat.Name {
		case "hp":
			stats.HP = s.BaseStat
		case "attack":
			stats.Attack = s.BaseStat
		case "defense":
			stats.Defense = s.BaseStat
		case "special-attack":
			stats.SpAttack = s.BaseStat
		case "special-defense":
			stats.SpDefense = s.BaseStat
		case "speed":
			stats.Speed = s.BaseStat
		}
	}
	for _, t := range pokemon.Types {
		stats.Types = append(stats.Types, t.Type.Name)
	}

	return stats, nil
}
