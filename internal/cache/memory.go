package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/crm-automation/internal/domain"
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryRuleCache is the in-process RuleCache used when Redis is not
// configured.
type MemoryRuleCache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	versions   map[string]int64
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemoryRuleCache(config Config) *MemoryRuleCache {
	if config.TTL <= 0 {
		config.TTL = 6 * time.Hour
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 5000
	}
	return &MemoryRuleCache{
		entries:    make(map[string]entry),
		versions:   make(map[string]int64),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *MemoryRuleCache) Get(_ context.Context, ruleDomain domain.RuleDomain, companyID int64) (Lookup, error) {
	ns := namespace(ruleDomain, companyID)

	c.mu.RLock()
	version := c.versions[ns]
	key := versionedKey(ns, version)
	cached, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return Lookup{Version: version}, nil
	}
	if c.now().After(cached.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Lookup{Version: version}, nil
	}
	return Lookup{
		Payload: append([]byte(nil), cached.value...),
		Found:   true,
		Version: version,
	}, nil
}

func (c *MemoryRuleCache) Set(
	_ context.Context,
	ruleDomain domain.RuleDomain,
	companyID int64,
	version int64,
	payload []byte,
) error {
	now := c.now()
	ns := namespace(ruleDomain, companyID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.versions[ns] != version {
		return nil
	}
	key := versionedKey(ns, version)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = entry{
		value:     append([]byte(nil), payload...),
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	return nil
}

func (c *MemoryRuleCache) Invalidate(_ context.Context, ruleDomain domain.RuleDomain, companyID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := namespace(ruleDomain, companyID)
	delete(c.entries, versionedKey(ns, c.versions[ns]))
	c.versions[ns]++
	return nil
}

func (c *MemoryRuleCache) evictOldest() {
	if len(c.entries) == 0 {
		return
	}

	type pair struct {
		key   string
		value entry
	}
	pairs := make([]pair, 0, len(c.entries))
	for key, value := range c.entries {
		pairs = append(pairs, pair{key: key, value: value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].value.createdAt.Before(pairs[j].value.createdAt)
	})
	delete(c.entries, pairs[0].key)
}
