// Package lag implements the Logical Answer Generation engine (C6):
// cognitive-load scoring, cartesian decomposition into dependent
// sub-questions, topological ordering with deterministic tie-break, and
// terminator detection. Decompose is a pure function of (query, cfg, seed);
// the DAG construction and topological sort are grounded in the teacher's
// orchestration.WorkflowDAG (dependency/dependents adjacency, DFS cycle
// check), generalized from workflow-node scheduling to sub-question
// ordering with ascending-id tie-break and BFS parallel-group layering.
package lag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/itsneelabh/orchestrator-core/internal/apperrors"
)

// Config enumerates the LAG engine's tunables (spec §4.1).
type Config struct {
	MaxDepth              int
	MaxSubQuestions       int
	CognitiveThreshold    float64
	ComplexityWeights     ComplexityWeights
	ConfidenceThreshold   float64
	MaxRetries            int
	TimeoutMS             int
	DeterministicSeed     int64
	MaxQueryLength        int
}

// ComplexityWeights weights the three cognitive-load components.
type ComplexityWeights struct {
	SemanticScope  float64
	ReasoningDepth float64
	Ambiguity      float64
}

// DefaultConfig mirrors the spec §4.1 defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:            5,
		MaxSubQuestions:     9,
		CognitiveThreshold:  0.8,
		ComplexityWeights:   ComplexityWeights{SemanticScope: 0.3, ReasoningDepth: 0.4, Ambiguity: 0.3},
		ConfidenceThreshold: 0.75,
		MaxRetries:          2,
		TimeoutMS:           30000,
		DeterministicSeed:   42,
		MaxQueryLength:      4000,
	}
}

// SubQ is one decomposed sub-question (spec §3).
type SubQ struct {
	ID                 int
	Text               string
	ParentID           *int
	EstimatedComplexity float64
}

// Plan is the spec §3 Plan entity.
type Plan struct {
	CognitiveLoad  float64
	SubQuestions   []SubQ
	DepGraph       map[int][]int // id -> predecessor ids (edges point to earlier ids)
	Order          []int
	ParallelGroups [][]int
	Signature      string
}

// TerminatorReason re-exports apperrors.TerminatorReason for callers that
// only need the LAG package.
type TerminatorReason = apperrors.TerminatorReason

// Outcome is the PlanOutcome result variant named in spec §9: Simple |
// Decomposed | Terminated{reason}.
type Outcome struct {
	Kind       OutcomeKind
	Plan       *Plan
	Terminator *apperrors.TerminatorError
}

type OutcomeKind int

const (
	OutcomeSimple OutcomeKind = iota
	OutcomeDecomposed
	OutcomeTerminated
)

// Decompose is the LAG engine's Decompose contract. It is a pure function
// of (query, cfg); cfg.DeterministicSeed is not read, since id allocation
// and tie-breaks are deterministic without any PRNG draw.
func Decompose(query string, cfg Config) (Outcome, error) {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 4000
	}
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Outcome{}, apperrors.New("lag.Decompose", "invalid_input", "", apperrors.ErrInvalidInput)
	}
	if len(trimmed) > cfg.MaxQueryLength {
		return Outcome{}, apperrors.New("lag.Decompose", "invalid_input", "", apperrors.ErrInvalidInput)
	}

	if reason, ok := detectTerminator(trimmed); ok {
		return Outcome{Kind: OutcomeTerminated, Terminator: apperrors.NewTerminator(reason, trimmed)}, nil
	}

	load := CognitiveLoad(trimmed, cfg.ComplexityWeights)

	if load <= cfg.CognitiveThreshold {
		plan := &Plan{
			CognitiveLoad: load,
			SubQuestions:  []SubQ{{ID: 1, Text: trimmed, EstimatedComplexity: load}},
			DepGraph:      map[int][]int{1: nil},
			Order:         []int{1},
			ParallelGroups: [][]int{{1}},
		}
		plan.Signature = Signature(plan)
		return Outcome{Kind: OutcomeSimple, Plan: plan}, nil
	}

	fragments := identifyUncertainties(trimmed)
	subQs := buildSubQuestions(fragments, load, cfg)

	depGraph := buildDependencyGraph(subQs)
	order, err := topoSort(subQs, depGraph)
	if err != nil {
		return Outcome{}, apperrors.New("lag.Decompose", "internal", "", fmt.Errorf("%w: %v", apperrors.ErrInternal, err))
	}
	groups := parallelGroups(order, depGraph)

	plan := &Plan{
		CognitiveLoad:  load,
		SubQuestions:   subQs,
		DepGraph:       depGraph,
		Order:          order,
		ParallelGroups: groups,
	}
	plan.Signature = Signature(plan)

	return Outcome{Kind: OutcomeDecomposed, Plan: plan}, nil
}

// --- Cognitive load ------------------------------------------------------

var logicalOps = []string{"if", "then", "because", "therefore", "however", "although"}
var complexityIndicators = []string{"how", "why", "what if", "compare", "analyze", "evaluate"}
var vagueTerms = []string{"it", "this", "that", "something", "somehow", "stuff", "thing"}
var pronouns = []string{"it", "this", "that", "they", "he", "she", "these", "those"}

// CognitiveLoad computes L per spec §4.1's three-component weighted sum.
func CognitiveLoad(query string, weights ComplexityWeights) float64 {
	lower := strings.ToLower(query)
	words := strings.Fields(lower)

	semanticScope := clip01(mean3(
		float64(len(words))/50,
		float64(uniqueConceptCount(words))/10,
		float64(relationshipCount(lower))/5,
	))

	reasoningDepth := clip01(0.1*float64(countOccurrences(lower, logicalOps)) + 0.2*float64(countOccurrences(lower, complexityIndicators)))

	ambiguity := clip01(0.1*float64(countOccurrences(lower, pronouns)) + 0.15*float64(countOccurrences(lower, vagueTerms)))

	return clip01(weights.SemanticScope*semanticScope + weights.ReasoningDepth*reasoningDepth + weights.Ambiguity*ambiguity)
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

func mean3(a, b, c float64) float64 { return (a + b + c) / 3 }

func countOccurrences(text string, terms []string) int {
	count := 0
	for _, t := range terms {
		count += strings.Count(text, t)
	}
	return count
}

// uniqueConceptCount approximates "unique concepts" as the count of
// distinct content words (length > 3, not a stopword).
func uniqueConceptCount(words []string) int {
	seen := make(map[string]struct{})
	for _, w := range words {
		w = strings.Trim(w, ".,?!;:\"'")
		if len(w) <= 3 || isStopword(w) {
			continue
		}
		seen[w] = struct{}{}
	}
	return len(seen)
}

var stopwords = map[string]struct{}{
	"what": {}, "when": {}, "where": {}, "which": {}, "with": {}, "from": {},
	"that": {}, "this": {}, "have": {}, "does": {}, "about": {}, "into": {},
}

func isStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

// relationshipCount approximates "detected relationships" as the count of
// coordinating/comparative connectives joining two clauses.
func relationshipCount(text string) int {
	markers := []string{" and ", " or ", " between ", " versus ", " vs ", " compared to "}
	return countOccurrences(text, markers)
}

// --- Terminator detection -------------------------------------------------

// detectTerminator checks for queries that should halt before decomposition,
// per spec example 3 (arithmetic contradiction).
func detectTerminator(query string) (apperrors.TerminatorReason, bool) {
	lower := strings.ToLower(query)

	if strings.Contains(lower, "prove that") || strings.Contains(lower, "equals") || strings.Contains(lower, "equal to") {
		if a, b, ok := extractEqualityClaim(lower); ok && a != b {
			return apperrors.ReasonContradiction, true
		}
	}

	return "", false
}

// extractEqualityClaim finds "X equals Y" / "X = Y" where X, Y are integers.
func extractEqualityClaim(lower string) (int, int, bool) {
	replaced := strings.NewReplacer("equals", "=", "equal to", "=").Replace(lower)
	idx := strings.Index(replaced, "=")
	if idx < 0 {
		return 0, 0, false
	}
	left := lastInt(replaced[:idx])
	right := firstInt(replaced[idx+1:])
	if left == nil || right == nil {
		return 0, 0, false
	}
	return *left, *right, true
}

func lastInt(s string) *int {
	fields := strings.Fields(s)
	for i := len(fields) - 1; i >= 0; i-- {
		if v, err := strconv.Atoi(strings.Trim(fields[i], ".,?!")); err == nil {
			return &v
		}
	}
	return nil
}

func firstInt(s string) *int {
	fields := strings.Fields(s)
	for _, f := range fields {
		if v, err := strconv.Atoi(strings.Trim(f, ".,?!")); err == nil {
			return &v
		}
	}
	return nil
}

// --- Decomposition ---------------------------------------------------------

// identifyUncertainties splits the query into topic fragments at
// conjunction markers, per the Open Question decision to use deterministic
// tokenization instead of semantic uncertainty detection.
func identifyUncertainties(query string) []string {
	markers := []string{", and ", " and then ", "; ", ", then "}
	fragments := []string{query}
	for _, m := range markers {
		var next []string
		for _, f := range fragments {
			parts := strings.Split(f, m)
			next = append(next, parts...)
		}
		fragments = next
	}

	var cleaned []string
	for _, f := range fragments {
		f = strings.TrimSpace(f)
		if f != "" {
			cleaned = append(cleaned, f)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{query}
	}
	return cleaned
}

func buildSubQuestions(fragments []string, parentLoad float64, cfg Config) []SubQ {
	type scored struct {
		idx        int
		complexity float64
		text       string
	}
	candidates := make([]scored, 0, len(fragments))
	for i, f := range fragments {
		candidates = append(candidates, scored{idx: i, complexity: CognitiveLoad(f, cfg.ComplexityWeights), text: f})
	}

	// Prioritize: higher complexity, then earlier position, then ascending id
	// is naturally satisfied by stable sort on (complexity desc, idx asc).
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].complexity != candidates[j].complexity {
			return candidates[i].complexity > candidates[j].complexity
		}
		return candidates[i].idx < candidates[j].idx
	})

	max := cfg.MaxSubQuestions
	if max <= 0 || max > len(candidates) {
		max = len(candidates)
	}
	selected := candidates[:max]

	// Re-sort selected back into original textual order so dependency
	// detection (which assumes later-in-text references earlier-in-text
	// entities) operates correctly, then assign monotonically increasing
	// ids in that order.
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].idx < selected[j].idx })

	subQs := make([]SubQ, 0, len(selected))
	for i, s := range selected {
		depth := i + 1
		if depth > cfg.MaxDepth {
			break
		}
		subQs = append(subQs, SubQ{ID: i + 1, Text: s.text, EstimatedComplexity: s.complexity})
	}
	return subQs
}

// buildDependencyGraph detects lexical dependencies: a later sub-question
// that references a content word introduced by an earlier one gets an edge
// to that earlier sub-question's id.
func buildDependencyGraph(subQs []SubQ) map[int][]int {
	graph := make(map[int][]int, len(subQs))
	introduced := make(map[int]map[string]struct{}, len(subQs))

	for _, sq := range subQs {
		words := contentWords(sq.Text)
		introduced[sq.ID] = words

		var deps []int
		for _, earlier := range subQs {
			if earlier.ID >= sq.ID {
				continue
			}
			if sharesContent(words, introduced[earlier.ID]) {
				deps = append(deps, earlier.ID)
			}
		}
		sort.Ints(deps)
		graph[sq.ID] = deps
	}
	return graph
}

func contentWords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,?!;:\"'")
		if len(w) > 3 && !isStopword(w) {
			out[w] = struct{}{}
		}
	}
	return out
}

func sharesContent(a, b map[string]struct{}) bool {
	for w := range a {
		if _, ok := b[w]; ok {
			return true
		}
	}
	return false
}

// topoSort produces a topological order over subQs' dependency graph,
// tie-breaking by ascending id (Kahn's algorithm, grounded in the teacher's
// WorkflowDAG.Validate DFS-cycle-check pattern, generalized to produce an
// order rather than only detect cycles).
func topoSort(subQs []SubQ, depGraph map[int][]int) ([]int, error) {
	inDegree := make(map[int]int, len(subQs))
	dependents := make(map[int][]int, len(subQs))
	for _, sq := range subQs {
		inDegree[sq.ID] = len(depGraph[sq.ID])
	}
	for id, deps := range depGraph {
		for _, d := range deps {
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []int
	for _, sq := range subQs {
		if inDegree[sq.ID] == 0 {
			ready = append(ready, sq.ID)
		}
	}
	sort.Ints(ready)

	var order []int
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(subQs) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return order, nil
}

// parallelGroups computes BFS layers: parallelGroups[k] holds every id whose
// predecessors are entirely within parallelGroups[<k].
func parallelGroups(order []int, depGraph map[int][]int) [][]int {
	layer := make(map[int]int, len(order))
	for _, id := range order {
		maxPred := -1
		for _, dep := range depGraph[id] {
			if layer[dep] > maxPred {
				maxPred = layer[dep]
			}
		}
		layer[id] = maxPred + 1
	}

	maxLayer := 0
	for _, l := range layer {
		if l > maxLayer {
			maxLayer = l
		}
	}
	groups := make([][]int, maxLayer+1)
	for _, id := range order {
		groups[layer[id]] = append(groups[layer[id]], id)
	}
	for _, g := range groups {
		sort.Ints(g)
	}
	return groups
}

// Signature computes a stable hash of (order, edges, normalized
// sub-question text), used for the stability tests in spec §8 invariant 3.
func Signature(p *Plan) string {
	var b strings.Builder
	for _, id := range p.Order {
		fmt.Fprintf(&b, "o:%d;", id)
	}
	ids := make([]int, 0, len(p.DepGraph))
	for id := range p.DepGraph {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		deps := append([]int(nil), p.DepGraph[id]...)
		sort.Ints(deps)
		for _, d := range deps {
			fmt.Fprintf(&b, "e:%d->%d;", d, id)
		}
	}
	texts := make([]string, 0, len(p.SubQuestions))
	for _, sq := range p.SubQuestions {
		texts = append(texts, normalizeText(sq.Text))
	}
	sort.Strings(texts)
	for _, t := range texts {
		b.WriteString("t:")
		b.WriteString(t)
		b.WriteString(";")
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeText trims and lowercases, per the Open Question decision for
// Levenshtein-style text normalization (trim-whitespace + lowercase, no
// edit-distance comparison implemented).
func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
