// Package breaker implements the per-target circuit breaker (C5):
// closed/open/half-open states over a rolling window, volume threshold, and
// a pluggable error classifier. It generalizes the teacher's
// resilience.CircuitBreaker (atomic state, bucketed SlidingWindow,
// half-open probe tracking, state-change listeners) to the spec's
// half-open semantics: a fixed probe count with consecutive-success closing
// instead of the teacher's success-rate-over-total-probes closing.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/apperrors"
	"github.com/itsneelabh/orchestrator-core/internal/clock"
	"github.com/itsneelabh/orchestrator-core/internal/logger"
)

// State mirrors resilience.CircuitState.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether an error counts toward the failure
// threshold. Invalid-input errors never count, matching the teacher's
// DefaultErrorClassifier excluding user/configuration errors.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except invalid-input and
// terminator errors, which represent caller or domain decisions rather than
// downstream failures.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsInvalidInput(err) || apperrors.IsTerminator(err) {
		return false
	}
	return true
}

// Config parameterizes one breaker instance, named 1:1 to spec §4.5.
type Config struct {
	Name               string
	FailureThreshold   float64 // fraction, e.g. 0.5
	MinimumRequests    int
	RecoveryTimeout    time.Duration
	HalfOpenProbeCount int
	SuccessThreshold   int // consecutive successes required to close
	WindowSize         time.Duration
	BucketCount        int
	ErrorClassifier    ErrorClassifier
}

// DefaultConfig mirrors the defaults enumerated in spec §9's configuration
// keys.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		FailureThreshold:   0.5,
		MinimumRequests:    20,
		RecoveryTimeout:    300 * time.Second,
		HalfOpenProbeCount: 5,
		SuccessThreshold:   3,
		WindowSize:         60 * time.Second,
		BucketCount:        10,
		ErrorClassifier:    DefaultErrorClassifier,
	}
}

type bucket struct {
	timestamp time.Time
	successes uint64
	failures  uint64
}

// slidingWindow is a bucketed rolling window of success/failure counts.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []bucket
	bucketSize time.Duration
	windowSize time.Duration
	currentIdx int
	clk        clock.Clock
}

func newSlidingWindow(clk clock.Clock, windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	now := clk.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &slidingWindow{
		buckets:    buckets,
		bucketSize: windowSize / time.Duration(bucketCount),
		windowSize: windowSize,
		clk:        clk,
	}
}

func (sw *slidingWindow) rotate() {
	now := sw.clk.Now()
	elapsed := now.Sub(sw.buckets[sw.currentIdx].timestamp)
	if elapsed < sw.bucketSize {
		return
	}
	steps := int(elapsed / sw.bucketSize)
	if steps > len(sw.buckets) {
		steps = len(sw.buckets)
	}
	for i := 0; i < steps; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
}

func (sw *slidingWindow) recordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].successes++
}

func (sw *slidingWindow) recordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].failures++
}

func (sw *slidingWindow) counts() (success, failure uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	cutoff := sw.clk.Now().Add(-sw.windowSize)
	for _, b := range sw.buckets {
		if b.timestamp.After(cutoff) {
			success += b.successes
			failure += b.failures
		}
	}
	return success, failure
}

func (sw *slidingWindow) reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := sw.clk.Now()
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
}

// Breaker implements C5 for a single target.
type Breaker struct {
	config Config
	clk    clock.Clock
	log    logger.Logger

	mu                sync.Mutex
	state             State
	stateChangedAt    time.Time
	nextAttemptAt     time.Time
	consecutiveOK     int
	halfOpenInFlight  int
	window            *slidingWindow
}

// New constructs a Breaker. clk and log may be nil (defaults to RealClock /
// NoOpLogger).
func New(config Config, clk clock.Clock, log logger.Logger) *Breaker {
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount <= 0 {
		config.BucketCount = 10
	}
	if config.HalfOpenProbeCount <= 0 {
		config.HalfOpenProbeCount = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}
	return &Breaker{
		config: config,
		clk:    clk,
		log:    log,
		state:  StateClosed,
		window: newSlidingWindow(clk, config.WindowSize, config.BucketCount),
	}
}

// Allow reports whether a call may proceed, transitioning open->half_open
// when the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.clk.Now().Before(b.nextAttemptAt) {
			b.transitionLocked(StateHalfOpen)
			return b.allowLocked()
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenProbeCount {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// Execute runs fn under breaker protection, matching the teacher's
// CircuitBreaker.Execute wrapper shape.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return apperrors.New("breaker.Execute", "circuit_open", "", fmt.Errorf("%w: circuit %q is open", apperrors.ErrCircuitOpen, b.config.Name))
	}
	err := fn(ctx)
	b.complete(err)
	return err
}

func (b *Breaker) complete(err error) {
	success := err == nil || !b.config.ErrorClassifier(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		if success {
			b.consecutiveOK++
			if b.consecutiveOK >= b.config.SuccessThreshold {
				b.transitionLocked(StateClosed)
			}
		} else {
			b.transitionLocked(StateOpen)
		}
		return
	}

	if success {
		b.window.recordSuccess()
		return
	}
	b.window.recordFailure()

	if b.state == StateClosed {
		successCount, failureCount := b.window.counts()
		total := successCount + failureCount
		if total >= uint64(b.config.MinimumRequests) {
			rate := float64(failureCount) / float64(total)
			if rate >= b.config.FailureThreshold {
				b.transitionLocked(StateOpen)
			}
		}
	}
}

func (b *Breaker) transitionLocked(newState State) {
	if newState == b.state {
		return
	}
	old := b.state
	b.state = newState
	b.stateChangedAt = b.clk.Now()

	switch newState {
	case StateOpen:
		b.nextAttemptAt = b.clk.Now().Add(b.config.RecoveryTimeout)
		b.halfOpenInFlight = 0
		b.consecutiveOK = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.consecutiveOK = 0
	case StateClosed:
		b.window.reset()
		b.halfOpenInFlight = 0
		b.consecutiveOK = 0
	}

	b.log.Info("circuit breaker state changed", logger.Fields{
		"name": b.config.Name,
		"from": old.String(),
		"to":   newState.String(),
	})
}

// State returns the current state, for inspection/metrics surfaces.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot exposes the observable breaker fields (name, state, next attempt
// time) for inspection surfaces such as the metrics endpoint. Nothing in this
// package persists or restores it.
type Snapshot struct {
	Name          string
	State         State
	NextAttemptAt time.Time
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Name: b.config.Name, State: b.state, NextAttemptAt: b.nextAttemptAt}
}

// Registry holds one Breaker per downstream target, keyed by target name,
// matching the "per-target breaker" contract in spec §4.5.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	factory  func(target string) Config
	clk      clock.Clock
	log      logger.Logger
}

// NewRegistry constructs a Registry. factory builds the Config for a target
// the first time it's seen.
func NewRegistry(factory func(target string) Config, clk clock.Clock, log logger.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		factory:  factory,
		clk:      clk,
		log:      log,
	}
}

// Get returns (creating if necessary) the Breaker for target.
func (r *Registry) Get(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	cfg := r.factory(target)
	cfg.Name = target
	b := New(cfg, r.clk, r.log)
	r.breakers[target] = b
	return b
}
