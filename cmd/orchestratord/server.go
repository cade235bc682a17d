package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/itsneelabh/orchestrator-core/internal/breaker"
	"github.com/itsneelabh/orchestrator-core/internal/clock"
	"github.com/itsneelabh/orchestrator-core/internal/config"
	"github.com/itsneelabh/orchestrator-core/internal/hmacvalidator"
	"github.com/itsneelabh/orchestrator-core/internal/kv"
	"github.com/itsneelabh/orchestrator-core/internal/logger"
	"github.com/itsneelabh/orchestrator-core/internal/pipeline"
	"github.com/itsneelabh/orchestrator-core/internal/ratelimit"
	"github.com/itsneelabh/orchestrator-core/internal/webhook"
)

// runRecord is the server's in-memory index over pipeline.Result, keyed by
// run id, used to serve GET /v1/runs/{id} and the artifact stream route
// without re-reading the run directory for every field.
type runRecord struct {
	tenantID string
	status   string // "running" until Process returns
	result   pipeline.Result
}

// Server wires every internal package into the ingress surface named in
// spec §6, following the teacher's pattern of a single long-lived struct
// holding its collaborators (examples/orchestrator's OrchestratorAgent)
// rather than package-level globals.
type Server struct {
	cfg *config.Config

	pipeline  *pipeline.Pipeline
	webhooks  *webhook.Dispatcher
	validator *hmacvalidator.Validator
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	store     kv.Store
	log       logger.Logger
	clk       clock.Clock

	mu   sync.RWMutex
	runs map[string]*runRecord

	authFailLimits ratelimit.Limits
}

// NewServer assembles a Server from already-constructed collaborators. Tests
// build these collaborators over in-memory fakes (kv.MemStore, a stub role
// adapter); main wires the production equivalents.
func NewServer(cfg *config.Config, p *pipeline.Pipeline, wh *webhook.Dispatcher, validator *hmacvalidator.Validator, limiter *ratelimit.Limiter, br *breaker.Breaker, store kv.Store, log logger.Logger, clk clock.Clock) *Server {
	if log == nil {
		log = logger.NoOpLogger{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Server{
		cfg:       cfg,
		pipeline:  p,
		webhooks:  wh,
		validator: validator,
		limiter:   limiter,
		breaker:   br,
		store:     store,
		log:       log.WithComponent("orchestratord"),
		clk:       clk,
		runs:      make(map[string]*runRecord),
		authFailLimits: ratelimit.Limits{
			Algorithm: ratelimit.TokenBucket,
			Capacity:  5,
			RatePerM:  5,
		},
	}
}

// Handler builds the ingress mux with logging middleware applied, matching
// the teacher's setupCustomHandlers + LoggingMiddleware composition.
func (s *Server) Handler(devMode bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/artifacts/{name}", s.handleGetArtifact)
	mux.HandleFunc("POST /v1/webhooks/inbound/{source}", s.handleInboundWebhook)
	mux.HandleFunc("GET /health/ready", s.handleHealthReady)
	mux.HandleFunc("GET /health/live", s.handleHealthLive)
	mux.HandleFunc("GET /health/metrics", s.handleHealthMetrics)

	instrumented := otelhttp.NewHandler(mux, "orchestratord")
	return loggingMiddleware(s.log, devMode)(instrumented)
}

// recordRun stores (or updates) a run's bookkeeping record under lock.
func (s *Server) recordRun(runID string, rec *runRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = rec
}

func (s *Server) lookupRun(runID string) (*runRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	return rec, ok
}

// notifyWebhooks fans out a run-completion event to registered egress
// endpoints once a Run reaches a terminal status. Webhook delivery failures
// never affect the Run that enqueued them (spec §7 propagation policy), so
// this always runs detached from the HTTP response that returned 202.
func (s *Server) notifyWebhooks(result pipeline.Result) {
	if s.webhooks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.webhooks.Dispatch(ctx, webhook.Event{Type: "run." + result.Status, Payload: result})
}
