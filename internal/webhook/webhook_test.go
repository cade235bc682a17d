package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestrator-core/internal/clock"
)

type fakeDoer struct {
	mu     sync.Mutex
	handle func(req *http.Request) (*http.Response, error)
	calls  []recordedCall
}

type recordedCall struct {
	deliveryID string
	signature  string
	body       []byte
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{
		deliveryID: req.Header.Get("X-Delivery-Id"),
		signature:  req.Header.Get("X-Signature-256"),
		body:       body,
	})
	f.mu.Unlock()
	return f.handle(req)
}

func (f *fakeDoer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil))}
}

func failResponse(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(nil))}
}

func TestDispatchDeliversToActiveSubscribedEndpointWithValidSignature(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		return okResponse(), nil
	}}
	d := NewDispatcher(doer, clock.NewFixedClock(time.Unix(1_700_000_000, 0)), clock.NewPRNG(42), nil, 4)
	d.Register(&Endpoint{ID: "ep1", URL: "https://example.com/hook", Events: []string{"run.completed"}, Active: true, Secret: []byte("s3cret")})

	d.Dispatch(context.Background(), Event{Type: "run.completed", Payload: map[string]string{"run_id": "r1"}})

	require.Equal(t, 1, doer.callCount())
	deliveries := d.Deliveries()
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, doer.calls[0].deliveryID, deliveries[0].DeliveryID)
}

func TestDispatchSkipsInactiveAndUnsubscribedEndpoints(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) { return okResponse(), nil }}
	d := NewDispatcher(doer, clock.RealClock{}, clock.NewPRNG(1), nil, 4)
	d.Register(&Endpoint{ID: "inactive", URL: "https://example.com/a", Events: []string{"run.completed"}, Active: false, Secret: []byte("s")})
	d.Register(&Endpoint{ID: "wrong-event", URL: "https://example.com/b", Events: []string{"run.failed"}, Active: true, Secret: []byte("s")})

	d.Dispatch(context.Background(), Event{Type: "run.completed", Payload: map[string]string{}})

	assert.Equal(t, 0, doer.callCount())
}

// TestRetryThenSucceedUsesOneDeliveryIDAcrossAttempts exercises the
// three-POST retry-then-success scenario: the first two attempts fail with
// a retryable status, the third succeeds, and every attempt carries the
// same delivery id.
func TestRetryThenSucceedUsesOneDeliveryIDAcrossAttempts(t *testing.T) {
	var n int32
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		call := atomic.AddInt32(&n, 1)
		if call < 3 {
			return failResponse(http.StatusServiceUnavailable), nil
		}
		return okResponse(), nil
	}}

	clk := clock.NewFixedClock(time.Unix(1_700_000_000, 0))
	d := NewDispatcher(doer, clk, clock.NewPRNG(42), nil, 4)
	d.Register(&Endpoint{
		ID: "ep1", URL: "https://example.com/hook", Events: []string{"run.completed"},
		Active: true, Secret: []byte("s3cret"),
		RetryConfig: RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, JitterFrac: 0.1},
	})

	d.Dispatch(context.Background(), Event{Type: "run.completed", Payload: map[string]string{"run_id": "r1"}})

	require.Equal(t, 3, doer.callCount())
	ids := map[string]bool{}
	for _, c := range doer.calls {
		ids[c.deliveryID] = true
	}
	assert.Len(t, ids, 1, "all attempts for one delivery must share a delivery id")

	deliveries := d.Deliveries()
	require.Len(t, deliveries, 3)
	assert.False(t, deliveries[0].Success)
	assert.False(t, deliveries[1].Success)
	assert.True(t, deliveries[2].Success)
	assert.Empty(t, d.DeadLetters())
}

func TestExhaustedRetriesRecordsDeadLetter(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		return failResponse(http.StatusServiceUnavailable), nil
	}}
	clk := clock.NewFixedClock(time.Unix(1_700_000_000, 0))
	d := NewDispatcher(doer, clk, clock.NewPRNG(7), nil, 4)
	d.Register(&Endpoint{
		ID: "ep1", URL: "https://example.com/hook", Events: []string{"run.completed"},
		Active: true, Secret: []byte("s3cret"),
		RetryConfig: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFrac: 0.1},
	})

	d.Dispatch(context.Background(), Event{Type: "run.completed", Payload: map[string]string{"run_id": "r1"}})

	require.Equal(t, 3, doer.callCount())
	deadLetters := d.DeadLetters()
	require.Len(t, deadLetters, 1)
	assert.Equal(t, "ep1", deadLetters[0].WebhookID)
}

func TestNonRetryableStatusStopsImmediately(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		return failResponse(http.StatusGone), nil
	}}
	d := NewDispatcher(doer, clock.NewFixedClock(time.Now()), clock.NewPRNG(3), nil, 4)
	d.Register(&Endpoint{
		ID: "ep1", URL: "https://example.com/hook", Events: []string{"run.completed"},
		Active: true, Secret: []byte("s"),
		RetryConfig: RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFrac: 0.1},
	})

	d.Dispatch(context.Background(), Event{Type: "run.completed", Payload: map[string]string{}})

	assert.Equal(t, 1, doer.callCount())
	require.Len(t, d.DeadLetters(), 1)
}

// TestAutoDisableTripsAfterTenDeadLettersWithHighFailureRatio exercises the
// spec scenario of 10 dead-lettered deliveries crossing the 0.8 failure
// ratio threshold: the endpoint is auto-disabled on the 10th, so the two
// remaining dispatch calls in this test never reach the transport at all.
func TestAutoDisableTripsAfterTenDeadLettersWithHighFailureRatio(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		return failResponse(http.StatusServiceUnavailable), nil
	}}

	clk := clock.NewFixedClock(time.Unix(1_700_000_000, 0))
	d := NewDispatcher(doer, clk, clock.NewPRNG(9), nil, 1)
	ep := &Endpoint{
		ID: "ep1", URL: "https://example.com/hook", Events: []string{"run.completed"},
		Active: true, Secret: []byte("s"),
		RetryConfig: RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterFrac: 0},
	}
	d.Register(ep)

	for i := 0; i < 12; i++ {
		d.Dispatch(context.Background(), Event{Type: "run.completed", Payload: map[string]int{"i": i}})
	}

	assert.Equal(t, 10, len(d.DeadLetters()))
	assert.False(t, ep.Active)
	assert.Equal(t, "High failure rate", ep.DisabledReason)
}

// blockingAfterClock never fires its After channel, so the only way out of
// deliverWithRetry's backoff select is ctx.Done() firing first.
type blockingAfterClock struct {
	*clock.FixedClock
}

func (blockingAfterClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

// TestContextCancellationDuringBackoffStopsRetryImmediately exercises the
// scenario where the delivery context is canceled while a retry is waiting
// out its backoff delay: the dispatcher must dead-letter on the spot rather
// than burning its remaining attempts on a doomed request.
func TestContextCancellationDuringBackoffStopsRetryImmediately(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		return failResponse(http.StatusServiceUnavailable), nil
	}}
	clk := blockingAfterClock{clock.NewFixedClock(time.Unix(1_700_000_000, 0))}
	d := NewDispatcher(doer, clk, clock.NewPRNG(5), nil, 4)
	ep := &Endpoint{
		ID: "ep1", URL: "https://example.com/hook", Events: []string{"run.completed"},
		Active: true, Secret: []byte("s"),
		RetryConfig: RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFrac: 0},
	}
	d.Register(ep)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, Event{Type: "run.completed", Payload: map[string]string{"run_id": "r1"}})

	assert.Equal(t, 1, doer.callCount(), "cancellation during backoff must stop further attempts")
	deadLetters := d.DeadLetters()
	require.Len(t, deadLetters, 1)
	assert.Contains(t, deadLetters[0].FinalError, "context canceled")
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
	assert.Equal(t, 250*time.Millisecond, backoffDelay(cfg, 1))
	assert.Equal(t, 500*time.Millisecond, backoffDelay(cfg, 2))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 10))
}

func TestSignatureIsValidHMACOfBody(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) { return okResponse(), nil }}
	d := NewDispatcher(doer, clock.NewFixedClock(time.Now()), clock.NewPRNG(1), nil, 1)
	secret := []byte("top-secret")
	d.Register(&Endpoint{ID: "ep1", URL: "https://example.com/hook", Events: []string{"e"}, Active: true, Secret: secret})

	d.Dispatch(context.Background(), Event{Type: "e", Payload: map[string]string{"k": "v"}})

	require.Len(t, doer.calls, 1)
	assert.True(t, len(doer.calls[0].signature) > len("sha256="))
	prefix := "sha256="
	assert.Equal(t, prefix, doer.calls[0].signature[:len(prefix)])
}
