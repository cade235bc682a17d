package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresServiceName(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
}

func TestStartSpanAndRecordMetricDoNotPanic(t *testing.T) {
	p, err := New(context.Background(), Options{ServiceName: "orchestrator-core-test"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "pipeline", "preflight")
	span.SetAttribute("run_id", "r1")
	span.RecordError(nil)
	span.End()

	p.RecordMetric(ctx, "pipeline.step.duration", 12.5, map[string]string{"role": "analyst"})
	p.RecordMetric(ctx, "pipeline.step.count", 1, map[string]string{"role": "analyst"})
}

func TestShutdownIsIdempotent(t *testing.T) {
	p, err := New(context.Background(), Options{ServiceName: "orchestrator-core-test"})
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}
