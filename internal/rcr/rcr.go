// Package rcr implements the Role-aware Context Routing router (C7):
// query/context analysis, six-dimension weighted role scoring, load-aware
// selection with a canonical tie-break order, advisory load tracking
// persisted to a KV store, and rolling routing metrics. It generalizes the
// teacher's pkg/routing.Router contract (Route/GetStats/RoutingPlan shape)
// from an LLM-driven planner to a deterministic scoring function over a
// fixed, static role set.
package rcr

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/clock"
	"github.com/itsneelabh/orchestrator-core/internal/kv"
	"github.com/itsneelabh/orchestrator-core/internal/logger"
)

// QueryType enumerates the classifications spec §4.2 names.
type QueryType string

const (
	QueryInterrogative QueryType = "interrogative"
	QueryAnalytical    QueryType = "analytical"
	QueryGenerative    QueryType = "generative"
	QueryExplanatory   QueryType = "explanatory"
	QueryOptimization  QueryType = "optimization"
	QueryGeneral       QueryType = "general"
)

// Role is the static, per-process role definition (spec §3).
type Role struct {
	Name              string
	Capabilities      map[string]struct{}
	ComplexityMax     float64
	LoadCapacity      int
	ResponseTimeAvgMS int
}

// canonicalOrder is the tie-break order named in spec §4.2.
var canonicalOrder = []string{"coordinator", "validator", "analyst", "synthesizer", "specialist"}

// DefaultRoles returns the five canonical roles with representative static
// profiles; callers may override via Router.SetRoles.
func DefaultRoles() []Role {
	return []Role{
		{Name: "analyst", Capabilities: capSet("analysis", "reasoning"), ComplexityMax: 0.7, LoadCapacity: 10, ResponseTimeAvgMS: 800},
		{Name: "synthesizer", Capabilities: capSet("synthesis", "summarization"), ComplexityMax: 0.6, LoadCapacity: 10, ResponseTimeAvgMS: 600},
		{Name: "specialist", Capabilities: capSet("domain_expertise", "precision"), ComplexityMax: 0.9, LoadCapacity: 5, ResponseTimeAvgMS: 1500},
		{Name: "coordinator", Capabilities: capSet("coordination", "general"), ComplexityMax: 0.5, LoadCapacity: 20, ResponseTimeAvgMS: 300},
		{Name: "validator", Capabilities: capSet("validation", "verification"), ComplexityMax: 0.5, LoadCapacity: 15, ResponseTimeAvgMS: 400},
	}
}

func capSet(caps ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		out[c] = struct{}{}
	}
	return out
}

// Requirements are the optional routing constraints (spec §4.2).
type Requirements struct {
	MaxResponseTimeMS   int
	MinQuality          float64
	RequiredCapabilities []string
}

// Step is the minimal sub-question surface the router needs.
type Step struct {
	Text                string
	EstimatedComplexity float64
}

// Decision is the spec §3 Routing Decision entity.
type Decision struct {
	SelectedRole       string
	NormalizedScore    float64
	PerDimensionScores map[string]float64
	Alternatives       []Alternative
	LoadBefore         int
	Confidence         float64
	FallbackMode       bool
}

// Alternative records a non-selected role's normalized score.
type Alternative struct {
	Role  string
	Score float64
}

const (
	dimWeightComplexity   = 0.25
	dimWeightDomain       = 0.20
	dimWeightResponseTime = 0.20
	dimWeightResource     = 0.15
	dimWeightQuality      = 0.10
	dimWeightContext      = 0.10

	selectionThreshold = 0.3
	loadTTL            = 5 * time.Minute
)

// Metrics tracks rolling routing counters, mirroring the teacher's
// RouterStats shape.
type Metrics struct {
	TotalRequests       int64
	SuccessfulRoutes     int64
	FailedRoutes         int64
	RoleDistribution     map[string]int64
	AverageLatencyMS     float64
	ResourceUtilization  float64
}

// Health buckets mirror the thresholds in spec §4.2.
type Health string

const (
	HealthOptimal            Health = "optimal"
	HealthGood               Health = "good"
	HealthAcceptable         Health = "acceptable"
	HealthNeedsOptimization  Health = "needs_optimization"
)

// Router implements the RCR contract.
type Router struct {
	roles []Role
	store kv.Store
	log   logger.Logger
	clk   clock.Clock

	mu       sync.Mutex
	load     map[string]int
	metrics  Metrics
	latencySum time.Duration
	latencyN   int64
}

// New constructs a Router over roles (DefaultRoles() if nil), persisting
// advisory load counters to store.
func New(roles []Role, store kv.Store, log logger.Logger, clk clock.Clock) *Router {
	if roles == nil {
		roles = DefaultRoles()
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	load := make(map[string]int, len(roles))
	for _, r := range roles {
		load[r.Name] = 0
	}
	return &Router{
		roles:   roles,
		store:   store,
		log:     log,
		clk:     clk,
		load:    load,
		metrics: Metrics{RoleDistribution: make(map[string]int64)},
	}
}

// queryAnalysis is the extracted query-level signal (spec §4.2 "Analysis").
type queryAnalysis struct {
	complexity          float64
	domainSpecificity   float64
	informationDensity  float64
	queryType           QueryType
	concepts            []string
}

// contextAnalysis is the extracted context-bundle signal.
type contextAnalysis struct {
	richness             float64
	requiredCapabilities []string
	complexity           float64
	nestedLevels         int
}

// Route implements Route(step, context, requirements) -> RoutingDecision.
func (r *Router) Route(ctx context.Context, step Step, ctxBundle map[string]interface{}, reqs Requirements) (Decision, error) {
	start := r.clk.Now()

	qa := analyzeQuery(step.Text, step.EstimatedComplexity)
	ca := analyzeContext(ctxBundle)

	required := reqs.RequiredCapabilities
	if len(required) == 0 {
		required = ca.requiredCapabilities
	}

	var all []roleScore
	maxRaw := 0.0

	r.mu.Lock()
	loadSnapshot := make(map[string]int, len(r.load))
	for k, v := range r.load {
		loadSnapshot[k] = v
	}
	r.mu.Unlock()

	for _, role := range r.roles {
		dims := map[string]float64{
			"complexity":    complexityScore(role.ComplexityMax, qa.complexity),
			"domain":        capabilityScore(role.Capabilities, required),
			"response_time": responseTimeScore(role.ResponseTimeAvgMS, reqs.MaxResponseTimeMS),
			"resource":      resourceScore(loadSnapshot[role.Name], role.LoadCapacity),
			"quality":       qualityScore(role.ComplexityMax, reqs.MinQuality),
			"context":       contextScore(role.ComplexityMax, ca.richness),
		}
		raw := dimWeightComplexity*dims["complexity"] +
			dimWeightDomain*dims["domain"] +
			dimWeightResponseTime*dims["response_time"] +
			dimWeightResource*dims["resource"] +
			dimWeightQuality*dims["quality"] +
			dimWeightContext*dims["context"]

		all = append(all, roleScore{role: role, dims: dims, raw: raw, load: loadSnapshot[role.Name]})
		if raw > maxRaw {
			maxRaw = raw
		}
	}

	normalized := make(map[string]float64, len(all))
	if maxRaw > 0 {
		for _, s := range all {
			normalized[s.role.Name] = s.raw / maxRaw
		}
	}

	var candidates []roleScore
	for _, s := range all {
		if normalized[s.role.Name] >= selectionThreshold && s.load < s.role.LoadCapacity {
			candidates = append(candidates, s)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if normalized[candidates[i].role.Name] != normalized[candidates[j].role.Name] {
			return normalized[candidates[i].role.Name] > normalized[candidates[j].role.Name]
		}
		return canonicalIndex(candidates[i].role.Name) < canonicalIndex(candidates[j].role.Name)
	})

	var decision Decision
	if len(candidates) == 0 {
		decision = Decision{
			SelectedRole:       "coordinator",
			NormalizedScore:    normalized["coordinator"],
			PerDimensionScores: dimsForRole(all, "coordinator"),
			LoadBefore:         loadSnapshot["coordinator"],
			Confidence:         normalized["coordinator"],
			FallbackMode:       true,
		}
	} else {
		winner := candidates[0]
		var alternatives []Alternative
		for _, c := range candidates[1:] {
			alternatives = append(alternatives, Alternative{Role: c.role.Name, Score: normalized[c.role.Name]})
		}
		decision = Decision{
			SelectedRole:       winner.role.Name,
			NormalizedScore:    normalized[winner.role.Name],
			PerDimensionScores: winner.dims,
			Alternatives:       alternatives,
			LoadBefore:         winner.load,
			Confidence:         normalized[winner.role.Name],
		}
	}

	r.recordSelection(ctx, decision.SelectedRole)
	r.recordMetrics(decision, r.clk.Now().Sub(start))

	return decision, nil
}

// roleScore holds one role's per-dimension scores and raw weighted sum
// within a single Route call.
type roleScore struct {
	role Role
	dims map[string]float64
	raw  float64
	load int
}

func dimsForRole(all []roleScore, name string) map[string]float64 {
	for _, s := range all {
		if s.role.Name == name {
			return s.dims
		}
	}
	return nil
}

func canonicalIndex(name string) int {
	for i, n := range canonicalOrder {
		if n == name {
			return i
		}
	}
	return len(canonicalOrder)
}

// --- Dimension formulas (spec §4.2) ---------------------------------------

func complexityScore(complexityMax, l float64) float64 {
	if complexityMax <= 0 {
		return 0
	}
	if l <= complexityMax {
		return 1 - math.Abs(complexityMax-l)/complexityMax
	}
	return math.Max(0, 1-(l-complexityMax))
}

func capabilityScore(roleCaps map[string]struct{}, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	present := 0
	for _, c := range required {
		if _, ok := roleCaps[c]; ok {
			present++
		}
	}
	return float64(present) / float64(len(required))
}

func responseTimeScore(avgMS, requiredMS int) float64 {
	if requiredMS <= 0 {
		return 1
	}
	avg := float64(avgMS)
	required := float64(requiredMS)
	if avg <= required {
		return 1 - 0.5*(avg/required)
	}
	return math.Max(0, 1-(avg-required)/required)
}

func resourceScore(load, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	u := float64(load) / float64(capacity)
	switch {
	case u < 0.5:
		return 1
	case u < 0.75:
		return 1 - 0.3*(u-0.5)/0.25
	default:
		return math.Max(0, 1-u)
	}
}

func qualityScore(complexityMax, minQuality float64) float64 {
	if minQuality <= 0 {
		return 1
	}
	if complexityMax >= minQuality {
		return 1
	}
	return complexityMax / minQuality
}

func contextScore(complexityMax, richness float64) float64 {
	if richness <= complexityMax {
		return 1
	}
	return math.Max(0, 1-(richness-complexityMax))
}

// --- Query / context analysis ----------------------------------------------

func analyzeQuery(text string, estimatedComplexity float64) queryAnalysis {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	qt := QueryGeneral
	switch {
	case strings.HasPrefix(lower, "what") || strings.HasPrefix(lower, "who") || strings.HasPrefix(lower, "when") || strings.HasPrefix(lower, "where") || strings.HasSuffix(strings.TrimSpace(lower), "?"):
		qt = QueryInterrogative
	}
	if strings.Contains(lower, "analyze") || strings.Contains(lower, "compare") {
		qt = QueryAnalytical
	}
	if strings.Contains(lower, "generate") || strings.Contains(lower, "write") || strings.Contains(lower, "create") {
		qt = QueryGenerative
	}
	if strings.Contains(lower, "explain") || strings.Contains(lower, "describe") {
		qt = QueryExplanatory
	}
	if strings.Contains(lower, "optimize") || strings.Contains(lower, "improve") || strings.Contains(lower, "best") {
		qt = QueryOptimization
	}

	concepts := uniqueContentWords(words)

	return queryAnalysis{
		complexity:         estimatedComplexity,
		domainSpecificity:  clip01(float64(len(concepts)) / 10),
		informationDensity: clip01(float64(len(concepts)) / math.Max(1, float64(len(words)))),
		queryType:          qt,
		concepts:           concepts,
	}
}

func analyzeContext(bundle map[string]interface{}) contextAnalysis {
	richness := clip01(float64(len(bundle)) / 10)
	var caps []string
	nested := 0
	for k, v := range bundle {
		if strings.Contains(strings.ToLower(k), "capability") || strings.Contains(strings.ToLower(k), "capabilities") {
			switch vv := v.(type) {
			case []string:
				caps = append(caps, vv...)
			case string:
				caps = append(caps, vv)
			}
		}
		if _, ok := v.(map[string]interface{}); ok {
			nested++
		}
	}
	sort.Strings(caps)
	return contextAnalysis{richness: richness, requiredCapabilities: caps, nestedLevels: nested}
}

func uniqueContentWords(words []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words {
		w = strings.Trim(w, ".,?!;:\"'")
		if len(w) <= 3 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// --- Load tracking & metrics -------------------------------------------------

func (r *Router) recordSelection(ctx context.Context, role string) {
	r.mu.Lock()
	r.load[role]++
	count := r.load[role]
	r.mu.Unlock()

	if r.store != nil {
		key := fmt.Sprintf("rcr:load:%s", role)
		if err := r.store.Set(ctx, key, fmt.Sprintf("%d", count), loadTTL); err != nil {
			r.log.WarnWithContext(ctx, "rcr: failed to persist advisory load counter", logger.Fields{"role": role, "error": err.Error()})
		}
	}
}

func (r *Router) recordMetrics(d Decision, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.TotalRequests++
	if d.FallbackMode {
		r.metrics.FailedRoutes++
	} else {
		r.metrics.SuccessfulRoutes++
	}
	r.metrics.RoleDistribution[d.SelectedRole]++

	r.latencySum += latency
	r.latencyN++
	r.metrics.AverageLatencyMS = float64(r.latencySum.Milliseconds()) / float64(r.latencyN)

	var totalLoad, totalCap int
	for _, role := range r.roles {
		totalLoad += r.load[role.Name]
		totalCap += role.LoadCapacity
	}
	if totalCap > 0 {
		r.metrics.ResourceUtilization = float64(totalLoad) / float64(totalCap)
	}
}

// GetMetrics returns a snapshot of the rolling routing counters.
func (r *Router) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	dist := make(map[string]int64, len(r.metrics.RoleDistribution))
	for k, v := range r.metrics.RoleDistribution {
		dist[k] = v
	}
	m := r.metrics
	m.RoleDistribution = dist
	return m
}

// HealthStatus buckets current metrics per spec §4.2's stepwise thresholds.
func (r *Router) HealthStatus() Health {
	m := r.GetMetrics()
	if m.TotalRequests == 0 {
		return HealthOptimal
	}
	accuracy := float64(m.SuccessfulRoutes) / float64(m.TotalRequests)

	switch {
	case accuracy >= 0.986 && m.AverageLatencyMS <= 200 && m.ResourceUtilization <= 0.75:
		return HealthOptimal
	case accuracy >= 0.95 && m.AverageLatencyMS <= 500 && m.ResourceUtilization <= 0.85:
		return HealthGood
	case accuracy >= 0.9 && m.AverageLatencyMS <= 1000 && m.ResourceUtilization <= 0.95:
		return HealthAcceptable
	default:
		return HealthNeedsOptimization
	}
}
