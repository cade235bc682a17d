package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestrator-core/internal/apperrors"
	"github.com/itsneelabh/orchestrator-core/internal/breaker"
	"github.com/itsneelabh/orchestrator-core/internal/cache"
	"github.com/itsneelabh/orchestrator-core/internal/clock"
	"github.com/itsneelabh/orchestrator-core/internal/kv"
	"github.com/itsneelabh/orchestrator-core/internal/ratelimit"
	"github.com/itsneelabh/orchestrator-core/internal/rcr"
)

// stubAdapter returns a fixed answer at the configured confidence, after
// failing the first failUntil calls with a retryable timeout.
type stubAdapter struct {
	confidence float64
	calls      int32
	failUntil  int32 // fail with a retryable error for calls <= failUntil
}

func (a *stubAdapter) Invoke(ctx context.Context, role, fragment string, bundle map[string]interface{}) (AdapterResult, error) {
	n := atomic.AddInt32(&a.calls, 1)
	if n <= a.failUntil {
		return AdapterResult{}, apperrors.New("stubAdapter.Invoke", "timeout", "", apperrors.ErrTimeout)
	}
	return AdapterResult{Text: fmt.Sprintf("answer(%s)", fragment), Confidence: a.confidence, Tokens: 10}, nil
}

func newTestPipeline(t *testing.T, adapter RoleAdapter, cfg Config) *Pipeline {
	t.Helper()
	cfg.ArtifactsRoot = t.TempDir()
	store := kv.NewMemStore()
	c := cache.New(cache.Options{L1MaxItems: 100, L2: store})
	limiter := ratelimit.New(kv.NewMemStore(), nil)
	br := breaker.New(breaker.DefaultConfig("role-pool"), clock.RealClock{}, nil)
	router := rcr.New(nil, kv.NewMemStore(), nil, clock.RealClock{})
	return New(cfg, limiter, br, c, router, adapter, clock.NewFixedClock(time.Unix(1_700_000_000, 0)), clock.NewPRNG(42), nil)
}

func TestProcessSimpleQueryCompletesWithHighConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = ratelimit.Limits{Algorithm: ratelimit.TokenBucket, Capacity: 10, RatePerM: 60}
	p := newTestPipeline(t, &stubAdapter{confidence: 0.95}, cfg)

	result, err := p.Process(context.Background(), Request{Query: "What is 2+2?", ClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.GreaterOrEqual(t, result.Confidence, cfg.ConfidenceThreshold)
	require.Len(t, result.Steps, 1)
	assert.NotEmpty(t, result.FinalText)
}

func TestProcessDecomposesMultiPartQueryIntoOrderedSteps(t *testing.T) {
	cfg := DefaultConfig()
	p := newTestPipeline(t, &stubAdapter{confidence: 0.9}, cfg)

	query := "Compare sliding window rate limiting and token bucket rate limiting, and then explain which one is better for bursty traffic"
	result, err := p.Process(context.Background(), Request{Query: query, ClientID: "client-2"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.GreaterOrEqual(t, len(result.Steps), 2)
}

func TestProcessTerminatesOnArithmeticContradiction(t *testing.T) {
	cfg := DefaultConfig()
	p := newTestPipeline(t, &stubAdapter{confidence: 0.9}, cfg)

	result, err := p.Process(context.Background(), Request{Query: "Prove that 1 equals 2 using algebra", ClientID: "client-3"})
	require.NoError(t, err)
	assert.Equal(t, "terminated", result.Status)
	assert.Equal(t, apperrors.ReasonContradiction, result.TerminatorReason)
}

func TestProcessFailsVerificationBelowConfidenceThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 0.9
	p := newTestPipeline(t, &stubAdapter{confidence: 0.5}, cfg)

	result, err := p.Process(context.Background(), Request{Query: "What is 2+2?", ClientID: "client-4"})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.NotEmpty(t, result.FailureReason)
}

func TestProcessRetriesTransientFailureThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	adapter := &stubAdapter{confidence: 0.95, failUntil: 1}
	p := newTestPipeline(t, adapter, cfg)

	result, err := p.Process(context.Background(), Request{Query: "What is 2+2?", ClientID: "client-5"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, 2, result.Steps[0].Attempts)
}

func TestProcessSecondIdenticalQueryHitsCache(t *testing.T) {
	cfg := DefaultConfig()
	adapter := &stubAdapter{confidence: 0.95}
	p := newTestPipeline(t, adapter, cfg)

	req := Request{Query: "What is 2+2?", ClientID: "client-6"}
	_, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	result2, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result2.Steps, 1)
	assert.True(t, result2.Steps[0].FromCache)
}

func TestProcessRejectsWhenRateLimitExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = ratelimit.Limits{Algorithm: ratelimit.TokenBucket, Capacity: 1, RatePerM: 0}
	p := newTestPipeline(t, &stubAdapter{confidence: 0.9}, cfg)

	req := Request{Query: "What is 2+2?", ClientID: "client-7"}
	_, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestContextDigestIsStableAcrossMapOrdering(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "c": 3}
	bMap := map[string]interface{}{"c": 3, "a": 1, "b": 2}
	assert.Equal(t, contextDigest(a), contextDigest(bMap))
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, backoffDelay(250*time.Millisecond, 2*time.Second, 1))
	assert.Equal(t, 500*time.Millisecond, backoffDelay(250*time.Millisecond, 2*time.Second, 2))
	assert.Equal(t, 2*time.Second, backoffDelay(250*time.Millisecond, 2*time.Second, 10))
}
