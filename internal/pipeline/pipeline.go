// Package pipeline implements the orchestration pipeline (C8): the
// Preflight → Plan → Execute → Verify → Finalize contract that binds LAG
// decomposition, RCR routing, the tiered cache, the rate limiter, the
// circuit breaker, and the artifact writer into one `Process(query,
// context) -> Result` call. Stage sequencing and the worker-pool execution
// shape are grounded in the teacher's orchestration.Engine run loop,
// generalized from a fixed agent-call sequence into LAG's parallel_groups
// walk.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/orchestrator-core/internal/apperrors"
	"github.com/itsneelabh/orchestrator-core/internal/artifact"
	"github.com/itsneelabh/orchestrator-core/internal/breaker"
	"github.com/itsneelabh/orchestrator-core/internal/cache"
	"github.com/itsneelabh/orchestrator-core/internal/clock"
	"github.com/itsneelabh/orchestrator-core/internal/lag"
	"github.com/itsneelabh/orchestrator-core/internal/logger"
	"github.com/itsneelabh/orchestrator-core/internal/ratelimit"
	"github.com/itsneelabh/orchestrator-core/internal/rcr"
	"github.com/itsneelabh/orchestrator-core/internal/tenancy"
)

// AdapterResult is what a role adapter returns for one sub-question.
type AdapterResult struct {
	Text       string
	Confidence float64
	Tokens     int
	Terminator *apperrors.TerminatorError
}

// RoleAdapter is the external collaborator that actually answers a
// sub-question once RCR has chosen a role (spec §5's "remote role adapter"
// suspension point).
type RoleAdapter interface {
	Invoke(ctx context.Context, role string, queryFragment string, ctxBundle map[string]interface{}) (AdapterResult, error)
}

// Request is the Process contract's input.
type Request struct {
	RunID         string
	Query         string
	Context       map[string]interface{}
	ClientID      string
	TenantID      string
	CorrelationID string
}

// StepResult records one executed (or cache-satisfied) sub-question.
type StepResult struct {
	SubQuestionID int
	Role          string
	Text          string
	Confidence    float64
	Tokens        int
	FromCache     bool
	Attempts      int
	TerminatorReason apperrors.TerminatorReason
}

// Result is the Process contract's output.
type Result struct {
	RunID            string
	Status           string // "completed" | "failed" | "terminated"
	FinalText        string
	Confidence       float64
	TerminatorReason apperrors.TerminatorReason
	FailureReason    string
	Plan             *lag.Plan
	Steps            []StepResult
}

// Config parameterizes one Pipeline instance; fields mirror the LAG/RCR/
// cache/retry keys resolved by internal/config.
type Config struct {
	LAG                 lag.Config
	ConfidenceThreshold float64
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	CachePreset         cache.Preset
	CacheTTL            time.Duration
	RateLimits          ratelimit.Limits
	ArtifactsRoot       string
	MaxStepConcurrency  int
}

// DefaultConfig mirrors spec §9's configuration defaults.
func DefaultConfig() Config {
	return Config{
		LAG:                 lag.DefaultConfig(),
		ConfidenceThreshold: 0.75,
		MaxRetries:          2,
		RetryBaseDelay:      250 * time.Millisecond,
		RetryMaxDelay:       10 * time.Second,
		CachePreset:         cache.PresetFullTier,
		CacheTTL:            5 * time.Minute,
		RateLimits:          ratelimit.Limits{Algorithm: ratelimit.TokenBucket, Capacity: 20, RatePerM: 100},
		ArtifactsRoot:       "runs",
		MaxStepConcurrency:  8,
	}
}

// Pipeline binds every collaborator Process needs.
type Pipeline struct {
	cfg      Config
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	cache    *cache.TieredCache
	router   *rcr.Router
	adapter  RoleAdapter
	clk      clock.Clock
	rng      *clock.PRNG
	log      logger.Logger
}

// New constructs a Pipeline. Any collaborator may be nil except adapter;
// nil collaborators are replaced with permissive/no-op defaults so the
// pipeline can run standalone (e.g. in tests).
func New(cfg Config, limiter *ratelimit.Limiter, br *breaker.Breaker, c *cache.TieredCache, router *rcr.Router, adapter RoleAdapter, clk clock.Clock, rng *clock.PRNG, log logger.Logger) *Pipeline {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if rng == nil {
		rng = clock.NewPRNG(cfg.LAG.DeterministicSeed)
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}
	if c == nil {
		c = cache.New(cache.Options{L1MaxItems: 1000})
	}
	if router == nil {
		router = rcr.New(nil, nil, log, clk)
	}
	return &Pipeline{
		cfg:     cfg,
		limiter: limiter,
		breaker: br,
		cache:   c,
		router:  router,
		adapter: adapter,
		clk:     clk,
		rng:     rng,
		log:     log,
	}
}

// Process runs the full Preflight -> Plan -> Execute -> Verify -> Finalize
// contract for one query, writing run artifacts to cfg.ArtifactsRoot/run_id
// as it goes.
func (p *Pipeline) Process(ctx context.Context, req Request) (Result, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logger.WithRunID(ctx, runID)
	if req.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, req.CorrelationID)
	}
	if req.TenantID != "" {
		ctx = tenancy.WithTenantID(ctx, req.TenantID)
	}

	w, err := artifact.New(p.cfg.ArtifactsRoot, runID)
	if err != nil {
		return Result{}, apperrors.New("pipeline.Process", "internal", runID, err)
	}
	defer w.Close()

	startedAt := p.clk.Now()
	_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRunStarted, RunID: runID, Timestamp: startedAt, Data: map[string]interface{}{
		"query": req.Query,
	}})

	result := Result{RunID: runID}

	// Preflight: rate limit, then circuit breaker.
	if p.limiter != nil {
		decision, derr := p.limiter.Admit(ctx, req.ClientID, p.cfg.RateLimits, p.clk.Now())
		if derr != nil {
			return p.fail(ctx, w, runID, startedAt, "", apperrors.New("pipeline.Process", "internal", runID, derr))
		}
		if !decision.Allowed {
			return p.fail(ctx, w, runID, startedAt, "", apperrors.New("pipeline.Process", "rate_limited", runID, apperrors.ErrRateLimited))
		}
	}
	if p.breaker != nil && !p.breaker.Allow() {
		return p.fail(ctx, w, runID, startedAt, "", apperrors.New("pipeline.Process", "circuit_open", runID, apperrors.ErrCircuitOpen))
	}

	// Plan.
	outcome, derr := lag.Decompose(req.Query, p.cfg.LAG)
	if derr != nil {
		return p.fail(ctx, w, runID, startedAt, "", apperrors.New("pipeline.Process", "invalid_input", runID, derr))
	}
	if outcome.Kind == lag.OutcomeTerminated {
		_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventTerminatorTrigger, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
			"reason": string(outcome.Terminator.Reason),
		}})
		result.Status = "terminated"
		result.TerminatorReason = outcome.Terminator.Reason
		_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRunTerminated, RunID: runID, Timestamp: p.clk.Now()})
		p.writeMetaReport(w, req, result, startedAt, 0)
		return result, nil
	}

	plan := outcome.Plan
	result.Plan = plan
	_ = w.WritePreflightPlan(plan)
	_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventPlanEmitted, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
		"cognitive_load": plan.CognitiveLoad,
		"signature":      plan.Signature,
	}})

	// Execute.
	ctxDigest := contextDigest(req.Context)
	steps := make(map[int]StepResult, len(plan.SubQuestions))
	var stepsMu sync.Mutex
	var firstTerminator apperrors.TerminatorReason

	for _, group := range plan.ParallelGroups {
		concurrency := p.cfg.MaxStepConcurrency
		if concurrency <= 0 || concurrency > len(group) {
			concurrency = len(group)
		}
		if concurrency <= 0 {
			concurrency = 1
		}
		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		for _, id := range group {
			subQ := findSubQ(plan.SubQuestions, id)
			if subQ == nil {
				continue
			}
			id := id
			subQ := subQ
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				sr := p.executeStep(ctx, w, runID, req, *subQ, ctxDigest)
				stepsMu.Lock()
				steps[id] = sr
				if sr.TerminatorReason != "" && firstTerminator == "" {
					firstTerminator = sr.TerminatorReason
				}
				stepsMu.Unlock()
			}()
		}
		wg.Wait()
		if firstTerminator != "" {
			break
		}
	}

	ordered := make([]StepResult, 0, len(plan.Order))
	for _, id := range plan.Order {
		if sr, ok := steps[id]; ok {
			ordered = append(ordered, sr)
		}
	}
	result.Steps = ordered

	if firstTerminator != "" {
		_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventTerminatorTrigger, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
			"reason": string(firstTerminator),
		}})
		result.Status = "terminated"
		result.TerminatorReason = firstTerminator
		_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRunTerminated, RunID: runID, Timestamp: p.clk.Now()})
		p.writeMetaReport(w, req, result, startedAt, len(ordered))
		p.recordBreakerOutcome(false)
		return result, nil
	}

	// Verification.
	conf := averageConfidence(ordered)
	result.Confidence = conf
	result.FinalText = joinText(ordered)
	threshold := p.cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.75
	}
	if conf < threshold {
		result.Status = "failed"
		result.FailureReason = fmt.Sprintf("confidence %.3f below threshold %.3f", conf, threshold)
		_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRunFailed, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
			"reason": result.FailureReason,
		}})
		p.writeMetaReport(w, req, result, startedAt, len(ordered))
		p.recordBreakerOutcome(false)
		return result, nil
	}

	result.Status = "completed"
	_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRunCompleted, RunID: runID, Timestamp: p.clk.Now()})
	p.writeMetaReport(w, req, result, startedAt, len(ordered))
	if p.router != nil {
		_ = w.WriteRouterMetrics(p.router.GetMetrics())
	}
	p.recordBreakerOutcome(true)
	return result, nil
}

func (p *Pipeline) recordBreakerOutcome(success bool) {
	if p.breaker == nil {
		return
	}
	_ = p.breaker.Execute(context.Background(), func(context.Context) error {
		if success {
			return nil
		}
		return apperrors.ErrUpstream
	})
}

func (p *Pipeline) fail(ctx context.Context, w *artifact.Writer, runID string, startedAt time.Time, failureReason string, err error) (Result, error) {
	_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRunFailed, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
		"error": err.Error(),
	}})
	result := Result{RunID: runID, Status: "failed", FailureReason: err.Error()}
	p.writeMetaReport(w, Request{}, result, startedAt, 0)
	return result, err
}

func (p *Pipeline) writeMetaReport(w *artifact.Writer, req Request, result Result, startedAt time.Time, stepCount int) {
	_ = w.WriteMetaReport(artifact.MetaReport{
		RunID:            result.RunID,
		TenantID:         req.TenantID,
		CorrelationID:    req.CorrelationID,
		Status:           result.Status,
		StartedAt:        startedAt,
		CompletedAt:      p.clk.Now(),
		StepCount:        stepCount,
		TokenTotal:       totalTokens(result.Steps),
		CognitiveLoad:    planLoad(result.Plan),
		TerminatorReason: string(result.TerminatorReason),
	})
}

func totalTokens(steps []StepResult) int {
	total := 0
	for _, s := range steps {
		total += s.Tokens
	}
	return total
}

func planLoad(plan *lag.Plan) float64 {
	if plan == nil {
		return 0
	}
	return plan.CognitiveLoad
}

// executeStep runs the cache-consult / route / invoke / retry sequence for
// one sub-question (spec §4.3 Execute).
func (p *Pipeline) executeStep(ctx context.Context, w *artifact.Writer, runID string, req Request, subQ lag.SubQ, ctxDigest string) StepResult {
	_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventStepStarted, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
		"sub_question_id": subQ.ID,
		"text":             subQ.Text,
	}})

	decision, derr := p.router.Route(ctx, rcr.Step{Text: subQ.Text, EstimatedComplexity: subQ.EstimatedComplexity}, req.Context, rcr.Requirements{})
	role := "coordinator"
	if derr == nil {
		role = decision.SelectedRole
	}
	_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRouteDecision, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
		"sub_question_id": subQ.ID,
		"role":             role,
	}})

	sig := stepSignature(role, subQ.Text, ctxDigest, p.cfg.LAG.DeterministicSeed)
	if cached, ok := p.cache.Get(ctx, sig, p.cfg.CachePreset); ok {
		var cr cachedResult
		if json.Unmarshal(cached, &cr) == nil {
			_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventStepCompleted, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
				"sub_question_id": subQ.ID, "from_cache": true,
			}})
			return StepResult{SubQuestionID: subQ.ID, Role: role, Text: cr.Text, Confidence: cr.Confidence, FromCache: true, Attempts: 0}
		}
	}

	maxRetries := p.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err := p.adapter.Invoke(ctx, role, subQ.Text, req.Context)
		if err == nil && res.Terminator == nil {
			_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventStepCompleted, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
				"sub_question_id": subQ.ID, "attempt": attempt + 1,
			}})
			if payload, merr := json.Marshal(cachedResult{Text: res.Text, Confidence: res.Confidence}); merr == nil {
				p.cache.Put(ctx, sig, payload, p.cfg.CacheTTL, nil, p.cfg.CachePreset)
			}
			return StepResult{SubQuestionID: subQ.ID, Role: role, Text: res.Text, Confidence: res.Confidence, Tokens: res.Tokens, Attempts: attempt + 1}
		}
		if res.Terminator != nil {
			_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventStepFailed, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
				"sub_question_id": subQ.ID, "terminator": string(res.Terminator.Reason),
			}})
			return StepResult{SubQuestionID: subQ.ID, Role: role, Attempts: attempt + 1, TerminatorReason: res.Terminator.Reason}
		}
		lastErr = err
		if !apperrors.IsRetryable(err) || attempt == maxRetries {
			break
		}
		_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventRetryScheduled, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
			"sub_question_id": subQ.ID, "attempt": attempt + 1,
		}})
		delay := backoffDelay(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, attempt+1)
		jittered := p.rng.Jitter(delay, 1.0)
		if jittered < 0 {
			jittered = 0
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxRetries
		case <-p.clk.After(jittered):
		}
	}

	_ = w.AppendTrace(artifact.TraceRecord{Type: artifact.EventStepFailed, RunID: runID, Timestamp: p.clk.Now(), Data: map[string]interface{}{
		"sub_question_id": subQ.ID, "error": errString(lastErr),
	}})
	return StepResult{SubQuestionID: subQ.ID, Role: role, Confidence: 0, TerminatorReason: apperrors.ReasonDependencyFailure}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type cachedResult struct {
	Text       string
	Confidence float64
}

// backoffDelay computes min(maxDelay, base*2^(attempt-1)) per spec §4.3's
// retry policy, before jitter is applied.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func findSubQ(subQs []lag.SubQ, id int) *lag.SubQ {
	for i := range subQs {
		if subQs[i].ID == id {
			return &subQs[i]
		}
	}
	return nil
}

func averageConfidence(steps []StepResult) float64 {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range steps {
		sum += s.Confidence
	}
	return sum / float64(len(steps))
}

func joinText(steps []StepResult) string {
	var b []byte
	for i, s := range steps {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, s.Text...)
	}
	return string(b)
}

// stepSignature hashes (role, query fragment, ordered context digest, seed)
// into the cache key named in spec §4.3.
func stepSignature(role, fragment, ctxDigest string, seed int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "role:%s;fragment:%s;ctx:%s;seed:%d", role, fragment, ctxDigest, seed)
	return hex.EncodeToString(h.Sum(nil))
}

// contextDigest deterministically serializes bundle regardless of Go map
// iteration order, so step_signature stays reproducible (spec §4.3
// Determinism).
func contextDigest(bundle map[string]interface{}) string {
	if len(bundle) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(bundle))
	for k := range bundle {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, bundle[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
