// Package ratelimit implements the four-algorithm rate limiter (C4): token
// bucket, sliding window, fixed window, and leaky bucket, all sharing one
// Admit contract and backed by internal/kv for atomic counters. It
// generalizes the teacher's ui/security EnhancedRedisRateLimiter (sliding
// window over a Redis sorted set, ZRemRangeByScore + ZCard, fail-open on
// store errors, gomind:ratelimit namespacing) into a multi-algorithm limiter
// with dynamic load-based scaling and violation/block tracking.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/kv"
	"github.com/itsneelabh/orchestrator-core/internal/logger"
)

// Algorithm selects which of the four rate-limit strategies Admit applies.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
	LeakyBucket   Algorithm = "leaky_bucket"
)

// Limits parameterizes a single Admit call.
type Limits struct {
	Algorithm Algorithm
	Capacity  int           // token bucket capacity / leaky bucket burst size B
	RatePerM  float64       // refill rate R/min (token & leaky bucket)
	Limit     int           // sliding/fixed window request limit
	Window    time.Duration // sliding/fixed window size W
}

// Decision is the Admit contract's result; exactly one of Allowed/Denied
// semantics is populated by its fields per spec §4.4's response surface.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetUnix  int64
	Algorithm  Algorithm
	RetryAfter int // only meaningful when Allowed == false
}

const (
	violationTTL    = time.Hour
	maxViolations   = 10
	blockDuration   = 300 * time.Second
)

// Limiter implements C4 over a kv.Store.
type Limiter struct {
	store  kv.Store
	log    logger.Logger
	loadFn func() float64 // optional; system_load in [0,1] for dynamic adjustment
}

// New constructs a Limiter. log may be nil.
func New(store kv.Store, log logger.Logger) *Limiter {
	if log == nil {
		log = logger.NoOpLogger{}
	}
	return &Limiter{store: store, log: log}
}

// SetLoadFunc installs the system_load input used by dynamic adjustment
// (spec §4.4 "Dynamic adjustment").
func (l *Limiter) SetLoadFunc(fn func() float64) {
	l.loadFn = fn
}

func (l *Limiter) scaledLimits(limits Limits) Limits {
	if l.loadFn == nil {
		return limits
	}
	load := l.loadFn()
	factor := 1.0
	switch {
	case load > 0.8:
		factor = 0.5
	case load > 0.6:
		factor = 0.75
	case load < 0.2:
		factor = 1.5
	}
	if factor == 1.0 {
		return limits
	}
	scaled := limits
	scaled.Capacity = int(math.Max(1, math.Round(float64(limits.Capacity)*factor)))
	scaled.RatePerM = limits.RatePerM * factor
	scaled.Limit = int(math.Max(1, math.Round(float64(limits.Limit)*factor)))
	return scaled
}

// Admit applies the configured algorithm for clientId, first checking the
// violation block flag, then dispatching to the algorithm implementation,
// then recording a violation on deny.
func (l *Limiter) Admit(ctx context.Context, clientID string, limits Limits, now time.Time) (Decision, error) {
	blocked, err := l.isBlocked(ctx, clientID)
	if err != nil {
		l.log.WarnWithContext(ctx, "rate limiter block-flag check failed, failing open", logger.Fields{"error": err.Error()})
	} else if blocked {
		return Decision{
			Allowed:    false,
			Limit:      limits.Limit,
			ResetUnix:  now.Add(blockDuration).Unix(),
			Algorithm:  limits.Algorithm,
			RetryAfter: int(blockDuration.Seconds()),
		}, nil
	}

	scaled := l.scaledLimits(limits)

	var decision Decision
	switch scaled.Algorithm {
	case TokenBucket:
		decision, err = l.admitTokenBucket(ctx, clientID, scaled, now)
	case SlidingWindow:
		decision, err = l.admitSlidingWindow(ctx, clientID, scaled, now)
	case FixedWindow:
		decision, err = l.admitFixedWindow(ctx, clientID, scaled, now)
	case LeakyBucket:
		decision, err = l.admitLeakyBucket(ctx, clientID, scaled, now)
	default:
		return Decision{}, fmt.Errorf("ratelimit: unknown algorithm %q", scaled.Algorithm)
	}
	if err != nil {
		// Fail open, matching the teacher's EnhancedRedisRateLimiter behavior
		// on store errors.
		l.log.ErrorWithContext(ctx, "rate limiter store error, failing open", logger.Fields{"error": err.Error(), "algorithm": string(scaled.Algorithm)})
		return Decision{Allowed: true, Algorithm: scaled.Algorithm, Limit: scaled.Limit}, nil
	}

	if !decision.Allowed {
		if verr := l.recordViolation(ctx, clientID, now); verr != nil {
			l.log.WarnWithContext(ctx, "failed to record rate-limit violation", logger.Fields{"error": verr.Error()})
		}
	}
	return decision, nil
}

func (l *Limiter) blockKey(clientID string) string { return fmt.Sprintf("block:%s", clientID) }
func (l *Limiter) violationsKey(clientID string) string { return fmt.Sprintf("violations:%s", clientID) }

func (l *Limiter) isBlocked(ctx context.Context, clientID string) (bool, error) {
	_, err := l.store.Get(ctx, l.blockKey(clientID))
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Limiter) recordViolation(ctx context.Context, clientID string, now time.Time) error {
	key := l.violationsKey(clientID)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, violationTTL); err != nil {
			return err
		}
	}
	if count >= maxViolations {
		return l.store.Set(ctx, l.blockKey(clientID), "1", blockDuration)
	}
	return nil
}

// --- Token bucket ------------------------------------------------------------------

func (l *Limiter) admitTokenBucket(ctx context.Context, clientID string, limits Limits, now time.Time) (Decision, error) {
	key := fmt.Sprintf("tb:%s", clientID)
	raw, err := l.store.Get(ctx, key)

	var tokens float64
	var lastRefill time.Time
	if err == kv.ErrNotFound {
		tokens = float64(limits.Capacity)
		lastRefill = now
	} else if err != nil {
		return Decision{}, err
	} else {
		var refillUnixMicro int64
		if _, scanErr := fmt.Sscanf(raw, "%f:%d", &tokens, &refillUnixMicro); scanErr != nil {
			tokens = float64(limits.Capacity)
			lastRefill = now
		} else {
			lastRefill = time.UnixMicro(refillUnixMicro)
		}
	}

	elapsedMin := now.Sub(lastRefill).Minutes()
	if elapsedMin > 0 {
		tokens = math.Min(float64(limits.Capacity), tokens+elapsedMin*limits.RatePerM)
		lastRefill = now
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	if err := l.store.Set(ctx, key, fmt.Sprintf("%f:%d", tokens, lastRefill.UnixMicro()), time.Hour); err != nil {
		return Decision{}, err
	}

	resetUnix := now.Unix()
	if limits.RatePerM > 0 {
		secondsToFull := (float64(limits.Capacity) - tokens) / limits.RatePerM * 60
		resetUnix = now.Add(time.Duration(secondsToFull * float64(time.Second))).Unix()
	}

	decision := Decision{
		Allowed:   allowed,
		Remaining: int(math.Max(0, tokens)),
		Limit:     limits.Capacity,
		ResetUnix: resetUnix,
		Algorithm: TokenBucket,
	}
	if !allowed {
		decision.RetryAfter = retryAfter(resetUnix, now)
	}
	return decision, nil
}

// --- Sliding window ----------------------------------------------------------------

func (l *Limiter) admitSlidingWindow(ctx context.Context, clientID string, limits Limits, now time.Time) (Decision, error) {
	key := fmt.Sprintf("sw:%s", clientID)
	windowStart := now.Add(-limits.Window)

	if err := l.store.ZRemRangeByScore(ctx, key, 0, float64(windowStart.UnixMicro())); err != nil {
		return Decision{}, err
	}
	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	resetUnix := now.Add(limits.Window).Unix()
	allowed := count < int64(limits.Limit)
	if allowed {
		member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
		if err := l.store.ZAdd(ctx, key, kv.ZMember{Score: float64(now.UnixMicro()), Member: member}); err != nil {
			return Decision{}, err
		}
		if err := l.store.Expire(ctx, key, 2*limits.Window); err != nil {
			return Decision{}, err
		}
		count++
	}

	decision := Decision{
		Allowed:   allowed,
		Remaining: int(math.Max(0, float64(limits.Limit)-float64(count))),
		Limit:     limits.Limit,
		ResetUnix: resetUnix,
		Algorithm: SlidingWindow,
	}
	if !allowed {
		decision.RetryAfter = retryAfter(resetUnix, now)
	}
	return decision, nil
}

// --- Fixed window ------------------------------------------------------------------

func (l *Limiter) admitFixedWindow(ctx context.Context, clientID string, limits Limits, now time.Time) (Decision, error) {
	windowSize := limits.Window
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	bucket := now.Unix() / int64(windowSize.Seconds())
	key := fmt.Sprintf("fw:%s:%d", clientID, bucket)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, windowSize); err != nil {
			return Decision{}, err
		}
	}

	resetUnix := (bucket + 1) * int64(windowSize.Seconds())
	allowed := count <= int64(limits.Limit)

	decision := Decision{
		Allowed:   allowed,
		Remaining: int(math.Max(0, float64(limits.Limit)-float64(count))),
		Limit:     limits.Limit,
		ResetUnix: resetUnix,
		Algorithm: FixedWindow,
	}
	if !allowed {
		decision.RetryAfter = retryAfter(resetUnix, now)
	}
	return decision, nil
}

// --- Leaky bucket ------------------------------------------------------------------

func (l *Limiter) admitLeakyBucket(ctx context.Context, clientID string, limits Limits, now time.Time) (Decision, error) {
	key := fmt.Sprintf("lb:%s", clientID)
	raw, err := l.store.Get(ctx, key)

	var volume float64
	var lastLeak time.Time
	if err == kv.ErrNotFound {
		volume = 0
		lastLeak = now
	} else if err != nil {
		return Decision{}, err
	} else {
		var leakUnixMicro int64
		if _, scanErr := fmt.Sscanf(raw, "%f:%d", &volume, &leakUnixMicro); scanErr != nil {
			volume = 0
			lastLeak = now
		} else {
			lastLeak = time.UnixMicro(leakUnixMicro)
		}
	}

	elapsedMin := now.Sub(lastLeak).Minutes()
	if elapsedMin > 0 {
		volume = math.Max(0, volume-elapsedMin*limits.RatePerM)
		lastLeak = now
	}

	allowed := volume < float64(limits.Capacity)
	if allowed {
		volume++
	}

	if err := l.store.Set(ctx, key, fmt.Sprintf("%f:%d", volume, lastLeak.UnixMicro()), time.Hour); err != nil {
		return Decision{}, err
	}

	resetUnix := now.Unix()
	if limits.RatePerM > 0 {
		secondsToEmpty := volume / limits.RatePerM * 60
		resetUnix = now.Add(time.Duration(secondsToEmpty * float64(time.Second))).Unix()
	}

	decision := Decision{
		Allowed:   allowed,
		Remaining: int(math.Max(0, float64(limits.Capacity)-volume)),
		Limit:     limits.Capacity,
		ResetUnix: resetUnix,
		Algorithm: LeakyBucket,
	}
	if !allowed {
		decision.RetryAfter = retryAfter(resetUnix, now)
	}
	return decision, nil
}

func retryAfter(resetUnix int64, now time.Time) int {
	ra := int(resetUnix - now.Unix())
	if ra < 1 {
		ra = 1
	}
	return ra
}

// ClientID derives the rate-limit key from api_key | user | ip, first
// available (spec §4.4).
func ClientID(apiKey, user, ip string) string {
	if apiKey != "" {
		return "apikey:" + apiKey
	}
	if user != "" {
		return "user:" + user
	}
	return "ip:" + ip
}
