// Package cache implements the three-tier result cache (C3): an in-process
// LRU+TTL L1, a remote KV-backed L2, and a durable KV-backed L3 with access
// counters, bound together by a many-to-many dependency graph for cascade
// invalidation. The L1 implementation generalizes the teacher's
// orchestration.LRUCache (doubly-linked list, SHA-256 keying, RWMutex) from
// a single-purpose routing-plan cache into a byte-budgeted, item-budgeted,
// generic-value tier; L2/L3 are built directly on internal/kv the same way
// the teacher builds RedisRateLimiter directly on its Redis client rather
// than reaching for a cache library.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/kv"
)

// Tier identifies one layer of the cache.
type Tier int

const (
	TierL1 Tier = iota
	TierL2
	TierL3
)

// Entry mirrors the spec §3 Cache Entry record.
type Entry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	AccessedAt   time.Time
	ExpiresAt    time.Time
	Size         int
	AccessCount  int64
	Dependencies []string
}

// Preset selects which tiers participate in Get/Put and the TTL multiplier
// applied on top of each tier's base TTL (spec §4.6 "strategy presets").
type Preset struct {
	Tiers         []Tier
	TTLMultiplier float64
}

// Common presets.
var (
	PresetL1Only   = Preset{Tiers: []Tier{TierL1}, TTLMultiplier: 1.0}
	PresetL1L2     = Preset{Tiers: []Tier{TierL1, TierL2}, TTLMultiplier: 1.0}
	PresetFullTier = Preset{Tiers: []Tier{TierL1, TierL2, TierL3}, TTLMultiplier: 1.0}
)

// Stats mirrors orchestration.CacheStats: Size, Evictions and MemoryBytes
// describe L1 only; Hits, Misses and HitRate count Get calls across all
// tiers. There is no per-tier breakdown.
type Stats struct {
	Size        int
	Hits        int64
	Misses      int64
	Evictions   int64
	HitRate     float64
	MemoryBytes int64
}

// TieredCache implements C3. L2/L3 share a kv.Store interface but use
// distinct key namespaces (enforced by the caller constructing two Store
// instances, following the teacher's per-concern Redis DB isolation).
type TieredCache struct {
	l1 *lruTier

	l2 kv.Store
	l3 kv.Store

	baseTTL time.Duration

	mu   sync.Mutex
	deps map[string]map[string]struct{} // key -> set of dependent keys

	stats Stats
}

// Options configures a TieredCache.
type Options struct {
	L1MaxItems int
	L1MaxBytes int64
	L2         kv.Store // optional
	L3         kv.Store // optional
	BaseTTL    time.Duration
}

// New constructs a TieredCache.
func New(opts Options) *TieredCache {
	if opts.BaseTTL <= 0 {
		opts.BaseTTL = 5 * time.Minute
	}
	return &TieredCache{
		l1:      newLRUTier(opts.L1MaxItems, opts.L1MaxBytes),
		l2:      opts.L2,
		l3:      opts.L3,
		baseTTL: opts.BaseTTL,
		deps:    make(map[string]map[string]struct{}),
	}
}

// Get probes tiers in preset order; a hit in a lower tier (L2/L3) is
// propagated up to every higher tier with the cache's base TTL (spec
// §4.6).
func (c *TieredCache) Get(ctx context.Context, key string, preset Preset) ([]byte, bool) {
	for i, tier := range preset.Tiers {
		var (
			val []byte
			ok  bool
		)
		switch tier {
		case TierL1:
			val, ok = c.l1.get(key)
		case TierL2:
			val, ok = c.getRemote(ctx, c.l2, key)
		case TierL3:
			val, ok = c.getRemote(ctx, c.l3, key)
		}
		if ok {
			c.recordHit()
			// Propagate up to every higher (earlier-in-preset) tier.
			for _, upper := range preset.Tiers[:i] {
				c.writeTier(ctx, upper, key, val, c.baseTTL, nil)
			}
			return val, true
		}
	}
	c.recordMiss()
	return nil, false
}

// Put writes value to every tier named in preset.Tiers, scaling ttl (or
// c.baseTTL when ttl is zero) by preset.TTLMultiplier, and records
// dependencies for cascade invalidation.
func (c *TieredCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration, dependencies []string, preset Preset) {
	baseTTL := ttl
	if baseTTL <= 0 {
		baseTTL = c.baseTTL
	}
	multiplier := preset.TTLMultiplier
	if multiplier == 0 {
		multiplier = 1.0
	}
	effectiveTTL := time.Duration(float64(baseTTL) * multiplier)

	for _, tier := range preset.Tiers {
		c.writeTier(ctx, tier, key, value, effectiveTTL, dependencies)
	}

	c.mu.Lock()
	for _, dep := range dependencies {
		if c.deps[dep] == nil {
			c.deps[dep] = make(map[string]struct{})
		}
		c.deps[dep][key] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *TieredCache) writeTier(ctx context.Context, tier Tier, key string, value []byte, ttl time.Duration, dependencies []string) {
	switch tier {
	case TierL1:
		c.l1.set(key, value, ttl)
	case TierL2:
		c.setRemote(ctx, c.l2, key, value, ttl)
	case TierL3:
		c.setRemote(ctx, c.l3, key, value, ttl)
	}
}

func (c *TieredCache) getRemote(ctx context.Context, store kv.Store, key string) ([]byte, bool) {
	if store == nil {
		return nil, false
	}
	v, err := store.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var wrapped remoteEnvelope
	if err := json.Unmarshal([]byte(v), &wrapped); err != nil {
		return nil, false
	}
	return wrapped.Value, true
}

func (c *TieredCache) setRemote(ctx context.Context, store kv.Store, key string, value []byte, ttl time.Duration) {
	if store == nil {
		return
	}
	payload, err := json.Marshal(remoteEnvelope{Value: value})
	if err != nil {
		return
	}
	_ = store.Set(ctx, key, string(payload), ttl)
}

type remoteEnvelope struct {
	Value []byte `json:"value"`
}

// Invalidate deletes key from every tier this process controls, then
// cascades one level to every key that depends on it (spec §4.6). The
// cascade is intentionally one level deep to avoid cycles in the
// dependency graph.
func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	c.invalidateOne(ctx, key)

	c.mu.Lock()
	dependents := make([]string, 0, len(c.deps[key]))
	for dep := range c.deps[key] {
		dependents = append(dependents, dep)
	}
	delete(c.deps, key)
	c.mu.Unlock()

	for _, dep := range dependents {
		c.invalidateOne(ctx, dep)
	}
}

func (c *TieredCache) invalidateOne(ctx context.Context, key string) {
	c.l1.delete(key)
	if c.l2 != nil {
		_ = c.l2.Del(ctx, key)
	}
	if c.l3 != nil {
		_ = c.l3.Del(ctx, key)
	}
}

// AddDependency records that parent depends on child, so invalidating child
// also invalidates parent. Exposed for callers that build the dependency
// relation outside of Put (e.g. plan cache depends on sub-question result
// caches).
func (c *TieredCache) AddDependency(child, parent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deps[child] == nil {
		c.deps[child] = make(map[string]struct{})
	}
	c.deps[child][parent] = struct{}{}
}

func (c *TieredCache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *TieredCache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// Stats returns a snapshot combining L1 size/evictions with the running
// hit/miss counters.
func (c *TieredCache) Stats() Stats {
	c.mu.Lock()
	hits, misses := c.stats.Hits, c.stats.Misses
	c.mu.Unlock()

	l1Stats := c.l1.stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Size:        l1Stats.size,
		Hits:        hits,
		Misses:      misses,
		Evictions:   l1Stats.evictions,
		HitRate:     hitRate,
		MemoryBytes: l1Stats.bytes,
	}
}

// --- L1: LRU + TTL, byte- and item-budgeted ---------------------------------------

type lruNode struct {
	key       string
	value     []byte
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

type lruInternalStats struct {
	size      int
	bytes     int64
	evictions int64
}

type lruTier struct {
	mu         sync.Mutex
	maxItems   int
	maxBytes   int64
	curBytes   int64
	evictions  int64
	items      map[string]*lruNode
	head, tail *lruNode
}

func newLRUTier(maxItems int, maxBytes int64) *lruTier {
	if maxItems <= 0 {
		maxItems = 1000
	}
	if maxBytes <= 0 {
		maxBytes = 128 * 1024 * 1024
	}
	return &lruTier{
		maxItems: maxItems,
		maxBytes: maxBytes,
		items:    make(map[string]*lruNode),
	}
}

func (l *lruTier) get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(node.expiresAt) {
		l.removeNode(node)
		return nil, false
	}
	l.moveToFront(node)
	return node.value, true
}

func (l *lruTier) set(key string, value []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.items[key]; ok {
		l.curBytes -= int64(len(existing.value))
		existing.value = value
		existing.expiresAt = time.Now().Add(ttl)
		l.curBytes += int64(len(value))
		l.moveToFront(existing)
		l.evictUntilWithinBudget()
		return
	}

	node := &lruNode{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	l.items[key] = node
	l.addToFront(node)
	l.curBytes += int64(len(value))

	l.evictUntilWithinBudget()
}

func (l *lruTier) evictUntilWithinBudget() {
	for (len(l.items) > l.maxItems || l.curBytes > l.maxBytes) && l.tail != nil {
		l.removeNode(l.tail)
	}
}

func (l *lruTier) delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if node, ok := l.items[key]; ok {
		l.removeNode(node)
	}
}

func (l *lruTier) stats() lruInternalStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lruInternalStats{size: len(l.items), bytes: l.curBytes, evictions: l.evictions}
}

func (l *lruTier) moveToFront(n *lruNode) {
	if n == l.head {
		return
	}
	l.unlink(n)
	l.linkFront(n)
}

func (l *lruTier) addToFront(n *lruNode) {
	l.linkFront(n)
}

func (l *lruTier) linkFront(n *lruNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

func (l *lruTier) unlink(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
}

func (l *lruTier) removeNode(n *lruNode) {
	l.unlink(n)
	delete(l.items, n.key)
	l.curBytes -= int64(len(n.value))
	l.evictions++
}

// SignatureKey builds a deterministic cache key for a (role, fragment,
// context digest, seed) tuple, as required by the step_signature formula in
// spec §4.3.
func SignatureKey(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "|"
		}
		key += p
	}
	return fmt.Sprintf("sig:%x", hashString(key))
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
