// Package kv provides the pluggable KV store abstraction (C2) that
// the shared-state components (cache L2/L3, rate limiter, RCR advisory load
// counters) build on. It generalizes the
// teacher's core.RedisClient (DB isolation, namespacing, sorted-set ops for
// sliding windows) into an interface with both a Redis-backed and an
// in-process implementation.
package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ZMember is a sorted-set member, used by the sliding-window rate limiter.
type ZMember struct {
	Score  float64
	Member string
}

// Store is the KV surface every stateful component depends on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Sorted-set operations back the sliding-window algorithm.
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = fmt.Errorf("kv: key not found")

// --- Redis-backed implementation -------------------------------------------------

// RedisStore wraps go-redis with DB isolation and namespacing, mirroring
// core.RedisClient's formatKey/DB-allocation conventions.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	URL       string
	DB        int
	Namespace string
}

// NewRedisStore connects to Redis, selecting DB for isolation the way the
// teacher's RedisDB* constants separate rate-limiting/cache/circuit-breaker
// concerns onto different logical databases.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("kv: redis URL is required")
	}
	redisOpt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("kv: invalid redis URL: %w", err)
	}
	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: connect to redis DB %d: %w", opts.DB, err)
	}

	return &RedisStore{client: client, namespace: opts.Namespace}, nil
}

func (r *RedisStore) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return fmt.Sprintf("%s:%s", r.namespace, k)
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), value, ttl).Result()
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.key(key)).Result()
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.client.IncrBy(ctx, r.key(key), delta).Result()
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.key(key), ttl).Err()
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.key(k)
	}
	return r.client.Del(ctx, formatted...).Err()
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.key(key)).Result()
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]*redis.Z, len(members))
	for i, m := range members {
		zs[i] = &redis.Z{Score: m.Score, Member: m.Member}
	}
	return r.client.ZAdd(ctx, r.key(key), zs...).Err()
}

func (r *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.client.ZRemRangeByScore(ctx, r.key(key), fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.key(key)).Result()
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// --- In-process implementation ---------------------------------------------------

type memEntry struct {
	value     string
	expiresAt time.Time
	hasTTL    bool
}

type memZSet struct {
	members map[string]float64
}

// MemStore is an in-process Store, used for standalone-mode deployments and
// as the default test double alongside miniredis-backed RedisStore tests.
type MemStore struct {
	mu     sync.Mutex
	items  map[string]memEntry
	zsets  map[string]*memZSet
	nowFn  func() time.Time
}

// NewMemStore constructs an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		items: make(map[string]memEntry),
		zsets: make(map[string]*memZSet),
		nowFn: time.Now,
	}
}

func (m *MemStore) now() time.Time { return m.nowFn() }

func (m *MemStore) expired(e memEntry) bool {
	return e.hasTTL && m.now().After(e.expiresAt)
}

func (m *MemStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || m.expired(e) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.items[key]; ok && !m.expired(e) {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
	return true, nil
}

func (m *MemStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	var cur int64
	if ok && !m.expired(e) {
		fmt.Sscanf(e.value, "%d", &cur)
	}
	cur += delta
	newEntry := memEntry{value: fmt.Sprintf("%d", cur)}
	if ok && e.hasTTL && !m.expired(e) {
		newEntry.hasTTL = true
		newEntry.expiresAt = e.expiresAt
	}
	m.items[key] = newEntry
	return cur, nil
}

func (m *MemStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil
	}
	e.hasTTL = true
	e.expiresAt = m.now().Add(ttl)
	m.items[key] = e
	return nil
}

func (m *MemStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *MemStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || m.expired(e) {
		return -2 * time.Second, nil
	}
	if !e.hasTTL {
		return -1 * time.Second, nil
	}
	return m.now().Sub(e.expiresAt) * -1, nil
}

func (m *MemStore) ZAdd(_ context.Context, key string, members ...ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = &memZSet{members: make(map[string]float64)}
		m.zsets[key] = z
	}
	for _, mem := range members {
		z.members[mem.Member] = mem.Score
	}
	return nil
}

func (m *MemStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range z.members {
		if score >= min && score <= max {
			delete(z.members, member)
		}
	}
	return nil
}

func (m *MemStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	return int64(len(z.members)), nil
}

func (m *MemStore) HealthCheck(context.Context) error { return nil }
func (m *MemStore) Close() error                      { return nil }

// SetNow overrides the store's clock for deterministic TTL tests.
func (m *MemStore) SetNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = fn
}

// members returns a snapshot of a sorted set's members, ordered by
// ascending score.
func (m *MemStore) members(key string) []ZMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	out := make([]ZMember, 0, len(z.members))
	for mem, score := range z.members {
		out = append(out, ZMember{Member: mem, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}
