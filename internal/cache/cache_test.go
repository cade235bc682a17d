package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestrator-core/internal/kv"
)

func newTestCache() *TieredCache {
	return New(Options{
		L1MaxItems: 10,
		L1MaxBytes: 1 << 20,
		L2:         kv.NewMemStore(),
		L3:         kv.NewMemStore(),
		BaseTTL:    time.Minute,
	})
}

func TestPutGetL1Only(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	c.Put(ctx, "k1", []byte("v1"), time.Minute, nil, PresetL1Only)
	v, ok := c.Get(ctx, "k1", PresetL1Only)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
}

func TestGetMissAcrossAllTiers(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	_, ok := c.Get(ctx, "missing", PresetFullTier)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
}

func TestL2HitPropagatesToL1(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	c.Put(ctx, "k1", []byte("v1"), time.Minute, nil, PresetFullTier)
	c.l1.delete("k1") // simulate L1 eviction

	v, ok := c.Get(ctx, "k1", PresetFullTier)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	// Now L1 should have it again without going to L2.
	v2, ok := c.l1.get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v2)
}

func TestInvalidateRemovesFromAllTiers(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	c.Put(ctx, "k1", []byte("v1"), time.Minute, nil, PresetFullTier)
	c.Invalidate(ctx, "k1")

	_, ok := c.Get(ctx, "k1", PresetFullTier)
	assert.False(t, ok)
}

func TestInvalidateCascadesToDependents(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	c.Put(ctx, "child", []byte("c"), time.Minute, nil, PresetFullTier)
	c.Put(ctx, "parent", []byte("p"), time.Minute, []string{"child"}, PresetFullTier)

	c.Invalidate(ctx, "child")

	_, ok := c.Get(ctx, "parent", PresetFullTier)
	assert.False(t, ok, "parent must be invalidated when its dependency child is invalidated")
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := newLRUTier(2, 1<<20)
	l.set("a", []byte("1"), time.Minute)
	l.set("b", []byte("2"), time.Minute)
	l.get("a") // touch a, making b the LRU entry
	l.set("c", []byte("3"), time.Minute)

	_, ok := l.get("b")
	assert.False(t, ok, "b should have been evicted as least recently used")

	_, ok = l.get("a")
	assert.True(t, ok)
	_, ok = l.get("c")
	assert.True(t, ok)
}

func TestLRUExpiresByTTL(t *testing.T) {
	l := newLRUTier(10, 1<<20)
	l.set("a", []byte("1"), -time.Second) // already expired

	_, ok := l.get("a")
	assert.False(t, ok)
}

func TestLRURespectsByteBudget(t *testing.T) {
	l := newLRUTier(100, 10) // 10 bytes total
	l.set("a", []byte("12345"), time.Minute)
	l.set("b", []byte("67890"), time.Minute)
	l.set("c", []byte("abcde"), time.Minute)

	stats := l.stats()
	assert.LessOrEqual(t, stats.bytes, int64(10))
	assert.Positive(t, stats.evictions)
}

func TestStatsHitRate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	c.Put(ctx, "k1", []byte("v1"), time.Minute, nil, PresetL1Only)
	c.Get(ctx, "k1", PresetL1Only)
	c.Get(ctx, "missing", PresetL1Only)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestPutHonorsPresetTierGating(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	c.Put(ctx, "k1", []byte("v1"), time.Minute, nil, PresetL1Only)

	_, ok := c.l1.get("k1")
	assert.True(t, ok, "L1-only preset must write L1")

	_, ok = c.getRemote(ctx, c.l2, "k1")
	assert.False(t, ok, "L1-only preset must not write L2")
	_, ok = c.getRemote(ctx, c.l3, "k1")
	assert.False(t, ok, "L1-only preset must not write L3")
}

func TestPutScalesTTLByPresetMultiplier(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()
	half := Preset{Tiers: []Tier{TierL1}, TTLMultiplier: 0.5}

	c.Put(ctx, "k1", []byte("v1"), time.Minute, nil, half)

	n, ok := c.l1.get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), n)

	// The 1-minute ttl scaled by a 0.5 multiplier expires at +30s; rewinding
	// the entry's deadline by 31s should already put it in the past.
	c.l1.items["k1"].expiresAt = c.l1.items["k1"].expiresAt.Add(-31 * time.Second)
	_, ok = c.l1.get("k1")
	assert.False(t, ok, "entry scaled to half the requested TTL should have expired")
}

func TestSignatureKeyDeterministic(t *testing.T) {
	a := SignatureKey("role", "fragment", "ctx-digest", "1")
	b := SignatureKey("role", "fragment", "ctx-digest", "1")
	c := SignatureKey("role", "fragment", "ctx-digest", "2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
