package artifact

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesRunDirectoryAndTraceFile(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "run-1")
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, filepath.Join(root, "run-1"), w.Dir())
	_, statErr := os.Stat(filepath.Join(root, "run-1", "execution_trace.ndjson"))
	assert.NoError(t, statErr)
}

func TestAppendTraceWritesOneJSONObjectPerLine(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "run-2")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendTrace(TraceRecord{Type: EventRunStarted, RunID: "run-2", Timestamp: time.Now()}))
	require.NoError(t, w.AppendTrace(TraceRecord{Type: EventRunCompleted, RunID: "run-2", Timestamp: time.Now()}))

	f, err := os.Open(filepath.Join(root, "run-2", "execution_trace.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var rec TraceRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, EventRunStarted, rec.Type)
}

func TestWritePreflightPlanAndRouterMetrics(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "run-3")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WritePreflightPlan(map[string]interface{}{"cognitive_load": 0.1}))
	require.NoError(t, w.WriteRouterMetrics(map[string]interface{}{"total_requests": 1}))

	planBytes, err := os.ReadFile(filepath.Join(root, "run-3", "preflight_plan.json"))
	require.NoError(t, err)
	assert.Contains(t, string(planBytes), "cognitive_load")

	metricsBytes, err := os.ReadFile(filepath.Join(root, "run-3", "router_metrics.json"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsBytes), "total_requests")
}

func TestWriteMetaReportIncludesProvenanceFooter(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "run-4")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteMetaReport(MetaReport{
		RunID:         "run-4",
		TenantID:      "tenant-abc",
		CorrelationID: "corr-1",
		Status:        "completed",
		StartedAt:     time.Now(),
		CompletedAt:   time.Now(),
		StepCount:     2,
		TokenTotal:    120,
		CognitiveLoad: 0.42,
	}))

	content, err := os.ReadFile(filepath.Join(root, "run-4", "meta_report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Run-ID: run-4")
	assert.Contains(t, string(content), "Correlation-ID: corr-1")
	assert.Contains(t, string(content), "tenant=tenant-abc")
}

func TestAppendTraceAfterCloseFails(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "run-5")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.AppendTrace(TraceRecord{Type: EventRunStarted, RunID: "run-5", Timestamp: time.Now()})
	assert.Error(t, err)
}
