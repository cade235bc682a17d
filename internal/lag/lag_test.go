package lag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestrator-core/internal/apperrors"
)

func TestSimpleQueryIsNotDecomposed(t *testing.T) {
	out, err := Decompose("What is 2+2?", DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, OutcomeSimple, out.Kind)
	require.Len(t, out.Plan.SubQuestions, 1)
	assert.LessOrEqual(t, out.Plan.CognitiveLoad, DefaultConfig().CognitiveThreshold)
}

func TestCartesianDecompositionProducesOrderedDependentSubQuestions(t *testing.T) {
	query := "Explain the difference between sliding window and token bucket rate limiting algorithms, and explain when to use each in a production system."
	out, err := Decompose(query, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, OutcomeDecomposed, out.Kind)

	plan := out.Plan
	require.GreaterOrEqual(t, len(plan.SubQuestions), 2)
	require.Len(t, plan.Order, len(plan.SubQuestions))
	require.NotEmpty(t, plan.ParallelGroups)

	// The first subquestion (introducing "sliding window"/"token bucket")
	// must be scheduled strictly before any subquestion depending on it.
	posInOrder := make(map[int]int, len(plan.Order))
	for i, id := range plan.Order {
		posInOrder[id] = i
	}
	for id, deps := range plan.DepGraph {
		for _, dep := range deps {
			assert.Less(t, posInOrder[dep], posInOrder[id], "dependency %d must precede %d in order", dep, id)
		}
	}
}

func TestTerminatorDetectsArithmeticContradiction(t *testing.T) {
	out, err := Decompose("Prove that 1 equals 2 using standard arithmetic.", DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, OutcomeTerminated, out.Kind)
	require.NotNil(t, out.Terminator)
	assert.Equal(t, apperrors.ReasonContradiction, out.Terminator.Reason)
}

func TestDecomposeRejectsEmptyQuery(t *testing.T) {
	_, err := Decompose("   ", DefaultConfig())
	assert.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestDecomposeRejectsOverlongQuery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueryLength = 10
	_, err := Decompose("this query is far too long for the configured limit", cfg)
	assert.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestPlanSignatureIsStableAcrossRepeatedCalls(t *testing.T) {
	query := "Compare REST and gRPC for internal service communication, and explain when to choose each."
	cfg := DefaultConfig()

	first, err := Decompose(query, cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := Decompose(query, cfg)
		require.NoError(t, err)
		assert.Equal(t, first.Plan.Signature, again.Plan.Signature, "plan signature must be byte-identical across repeated decompositions")
	}
}

func TestCognitiveLoadIncreasesWithLogicalOperatorsAndVagueness(t *testing.T) {
	weights := ComplexityWeights{SemanticScope: 0.3, ReasoningDepth: 0.4, Ambiguity: 0.3}
	simple := CognitiveLoad("What is 2+2?", weights)
	complex := CognitiveLoad("How and why does this happen, and if that is because of it, then explain how to evaluate and analyze it somehow?", weights)
	assert.Less(t, simple, complex)
}

func TestParallelGroupsPlaceIndependentSubQuestionsTogether(t *testing.T) {
	query := "Compare caching and messaging strategies for high-throughput systems, and explain monitoring approaches for each, and describe deployment rollout strategies."
	out, err := Decompose(query, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, OutcomeDecomposed, out.Kind)

	total := 0
	for _, g := range out.Plan.ParallelGroups {
		total += len(g)
	}
	assert.Equal(t, len(out.Plan.SubQuestions), total, "every subquestion must appear in exactly one parallel group")
}
