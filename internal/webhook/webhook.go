// Package webhook implements outbound webhook delivery (C9): per-endpoint
// dispatch filtered by event type, HMAC-signed transmission, exponential
// backoff with full jitter, dead-letter recording, and health-driven
// auto-disable. The dispatch loop's bounded-concurrency fan-out and
// transmission header conventions are grounded on the ackify-ce webhook
// worker's processBatch/processOne pattern.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/orchestrator-core/internal/clock"
	"github.com/itsneelabh/orchestrator-core/internal/hmacvalidator"
	"github.com/itsneelabh/orchestrator-core/internal/logger"
)

// Endpoint is a registered outbound webhook target (spec §3).
type Endpoint struct {
	ID             string
	TenantID       string
	URL            string
	Events         []string
	Secret         []byte
	Active         bool
	Timeout        time.Duration
	VerifySSL      bool
	RetryConfig    RetryConfig
	DisabledReason string
	DisabledAt     time.Time
}

// RetryConfig controls the backoff schedule for a failed delivery.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
}

// DefaultRetryConfig matches spec §4.7's retry policy: 5 attempts, 250ms
// base, 30s cap, full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second, JitterFrac: 1.0}
}

// Event is a single occurrence to be fanned out to matching endpoints.
type Event struct {
	Type    string
	Payload interface{}
}

// Delivery records one attempt at delivering an event to an endpoint
// (spec §3).
type Delivery struct {
	ID            string
	WebhookID     string
	DeliveryID    string
	EventType     string
	PayloadDigest string
	Attempt       int
	StatusCode    int
	DurationMS    int64
	Success       bool
	Error         string
	CreatedAt     time.Time
}

// DeadLetter records a delivery that exhausted its retry budget.
type DeadLetter struct {
	WebhookID  string
	DeliveryID string
	URL        string
	Payload    []byte
	FinalError string
	CreatedAt  time.Time
}

// nonRetryableStatus mirrors spec §4.7: a 410 tells us the receiving
// endpoint is gone, so retrying wastes attempts it will never accept.
var nonRetryableStatus = map[int]bool{
	http.StatusGone: true,
}

// HTTPDoer is the transport seam, matching the ackify-ce worker's injected
// *http.Client usage so tests can substitute a fake without a real socket.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher fans an Event out to every active, subscribed Endpoint,
// retrying failed deliveries with exponential backoff and recording
// dead letters when the retry budget is exhausted.
type Dispatcher struct {
	http HTTPDoer
	clk  clock.Clock
	rng  *clock.PRNG
	log  logger.Logger

	maxConcurrent int

	mu          sync.Mutex
	deliveries  []Delivery
	deadLetters []DeadLetter
	endpoints   map[string]*Endpoint
}

// NewDispatcher constructs a Dispatcher. http defaults to http.DefaultClient,
// clk to clock.RealClock{}, rng to a clock.NewPRNG(time-derived seed is the
// caller's responsibility — pass a fixed seed for deterministic tests).
func NewDispatcher(doer HTTPDoer, clk clock.Clock, rng *clock.PRNG, log logger.Logger, maxConcurrent int) *Dispatcher {
	if doer == nil {
		doer = http.DefaultClient
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if rng == nil {
		rng = clock.NewPRNG(1)
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Dispatcher{
		http:          doer,
		clk:           clk,
		rng:           rng,
		log:           log,
		maxConcurrent: maxConcurrent,
		endpoints:     make(map[string]*Endpoint),
	}
}

// Register adds or replaces an endpoint's registration.
func (d *Dispatcher) Register(ep *Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[ep.ID] = ep
}

// Endpoint returns the current registration for id, or nil if unknown.
func (d *Dispatcher) Endpoint(id string) *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[id]
}

// matchingEndpoints returns a stable-ordered snapshot of active endpoints
// subscribed to ev.Type.
func (d *Dispatcher) matchingEndpoints(ev Event) []*Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Endpoint
	for _, ep := range d.endpoints {
		if !ep.Active {
			continue
		}
		for _, want := range ep.Events {
			if want == ev.Type {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}

// Dispatch fans ev out to every matching endpoint, bounded to
// maxConcurrent concurrent transmissions (ackify-ce's semaphore pattern),
// and blocks until every endpoint's delivery (including retries) settles.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	endpoints := d.matchingEndpoints(ev)
	if len(endpoints) == 0 {
		return
	}

	sem := make(chan struct{}, d.maxConcurrent)
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		ep := ep
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliverWithRetry(ctx, ep, ev)
		}()
	}
	wg.Wait()
}

// deliverWithRetry drives one endpoint's delivery through its retry
// schedule, recording a dead letter if every attempt fails.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep *Endpoint, ev Event) {
	deliveryID := uuid.NewString()
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		d.log.ErrorWithContext(ctx, "webhook: marshal payload failed", logger.Fields{"endpoint_id": ep.ID, "error": err.Error()})
		return
	}

	cfg := ep.RetryConfig
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr string
retryLoop:
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		rec, err := d.attempt(ctx, ep, ev, deliveryID, body, attempt)
		d.recordDelivery(rec)
		if err == nil && rec.Success {
			return
		}
		lastErr = rec.Error
		if rec.StatusCode != 0 && nonRetryableStatus[rec.StatusCode] {
			break
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		jittered := d.rng.Jitter(delay, cfg.JitterFrac)
		if jittered < 0 {
			jittered = 0
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err().Error()
			break retryLoop
		case <-d.clk.After(jittered):
		}
	}

	d.recordDeadLetter(DeadLetter{
		WebhookID:  ep.ID,
		DeliveryID: deliveryID,
		URL:        ep.URL,
		Payload:    body,
		FinalError: lastErr,
		CreatedAt:  d.clk.Now(),
	})
	d.evaluateHealth(ep)
}

// backoffDelay computes min(cap, base*2^(attempt-1)) per spec §4.7, before
// jitter is applied.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

// attempt performs exactly one signed POST to ep.URL.
func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, ev Event, deliveryID string, body []byte, attemptNum int) (Delivery, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	rec := Delivery{
		ID:            uuid.NewString(),
		WebhookID:     ep.ID,
		DeliveryID:    deliveryID,
		EventType:     ev.Type,
		PayloadDigest: hmacvalidator.Compute(hmacvalidator.AlgoSHA256, []byte(ep.ID), body),
		Attempt:       attemptNum,
		CreatedAt:     d.clk.Now(),
	}
	if err != nil {
		rec.Error = fmt.Sprintf("build request: %v", err)
		return rec, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", d.clk.Now().Unix()))
	req.Header.Set("X-Signature-256", "sha256="+hmacvalidator.Compute(hmacvalidator.AlgoSHA256, ep.Secret, body))

	start := d.clk.Now()
	resp, err := d.http.Do(req)
	rec.DurationMS = d.clk.Now().Sub(start).Milliseconds()
	if err != nil {
		rec.Error = fmt.Sprintf("transport error: %v", err)
		return rec, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Success = true
		return rec, nil
	}
	rec.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	return rec, fmt.Errorf("%s", rec.Error)
}

func (d *Dispatcher) recordDelivery(rec Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, rec)
}

func (d *Dispatcher) recordDeadLetter(dl DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadLetters = append(d.deadLetters, dl)
	d.log.Warn("webhook: delivery moved to dead letter", logger.Fields{
		"webhook_id":  dl.WebhookID,
		"delivery_id": dl.DeliveryID,
		"error":       dl.FinalError,
	})
}

// Deliveries returns a snapshot of every recorded attempt, newest last.
func (d *Dispatcher) Deliveries() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Delivery, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

// DeadLetters returns a snapshot of every recorded dead letter.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.deadLetters))
	copy(out, d.deadLetters)
	return out
}

const (
	autoDisableWindow         = 24 * time.Hour
	autoDisableMinDeadLetters = 10
	autoDisableFailureRatio   = 0.8
)

// evaluateHealth auto-disables ep when spec §4.7's health rule trips: at
// least 10 dead letters and a failure ratio above 0.8 within the trailing
// 24h window.
func (d *Dispatcher) evaluateHealth(ep *Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	cutoff := now.Add(-autoDisableWindow)

	var deadInWindow int
	for _, dl := range d.deadLetters {
		if dl.WebhookID == ep.ID && !dl.CreatedAt.Before(cutoff) {
			deadInWindow++
		}
	}
	if deadInWindow < autoDisableMinDeadLetters {
		return
	}

	deadLetterIDs := make(map[string]bool)
	for _, dl := range d.deadLetters {
		if dl.WebhookID == ep.ID && !dl.CreatedAt.Before(cutoff) {
			deadLetterIDs[dl.DeliveryID] = true
		}
	}

	total := make(map[string]bool)
	for _, rec := range d.deliveries {
		if rec.WebhookID != ep.ID || rec.CreatedAt.Before(cutoff) {
			continue
		}
		total[rec.DeliveryID] = true
	}
	if len(total) == 0 {
		return
	}
	ratio := float64(len(deadLetterIDs)) / float64(len(total))
	if ratio > autoDisableFailureRatio {
		ep.Active = false
		ep.DisabledReason = "High failure rate"
		ep.DisabledAt = now
		d.log.Warn("webhook: endpoint auto-disabled", logger.Fields{
			"webhook_id": ep.ID,
			"ratio":      ratio,
			"dead_letters": deadInWindow,
		})
	}
}
