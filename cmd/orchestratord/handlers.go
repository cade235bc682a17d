package main

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/orchestrator-core/internal/apperrors"
	"github.com/itsneelabh/orchestrator-core/internal/pipeline"
	"github.com/itsneelabh/orchestrator-core/internal/tenancy"
)

type createRunRequest struct {
	Query   string                 `json:"query"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// handleCreateRun implements POST /v1/runs: admits the request synchronously
// (so a 429 carries accurate rate-limit headers) then runs the pipeline in
// the background and returns 202 immediately, matching the async Run
// lifecycle implied by spec §6's ingress contract.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", "malformed request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "InvalidInput", "query is required")
		return
	}

	clientID := clientIDFromRequest(r)
	if s.limiter != nil {
		limits := ratelimitsFromConfig(s.cfg)
		decision, err := s.limiter.Admit(r.Context(), clientID, limits, s.clk.Now())
		if err == nil && !decision.Allowed {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetUnix, 10))
			w.Header().Set("X-RateLimit-Algorithm", string(decision.Algorithm))
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "RateLimited", "admission denied")
			return
		}
	}

	tenantID := r.Header.Get("X-Tenant-ID")
	ctx := tenancy.WithTenantID(r.Context(), tenantID)

	runID := uuid.NewString()
	pReq := pipeline.Request{
		RunID:         runID,
		Query:         req.Query,
		Context:       req.Context,
		ClientID:      clientID,
		TenantID:      tenancy.TenantID(ctx),
		CorrelationID: r.Header.Get("X-Correlation-Id"),
	}

	s.recordRun(runID, &runRecord{tenantID: pReq.TenantID, status: "running"})

	go s.runInBackground(runID, pReq)

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) runInBackground(runID string, req pipeline.Request) {
	// Detached from the request context deliberately: a Run must keep
	// executing after the client that enqueued it disconnects.
	result, err := s.pipeline.Process(newDetachedContext(), req)

	rec := &runRecord{tenantID: req.TenantID, status: result.Status, result: result}
	if err != nil {
		s.log.Warn("run failed", map[string]interface{}{"run_id": runID, "error": err.Error()})
	}
	s.recordRun(runID, rec)
	s.notifyWebhooks(result)
}

// handleGetRun implements GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.lookupRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "run not found")
		return
	}
	if !tenancy.Guard(tenancy.WithTenantID(r.Context(), r.Header.Get("X-Tenant-ID")), rec.tenantID) {
		writeError(w, http.StatusNotFound, "NotFound", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, runSnapshot{
		RunID:             id,
		Status:            rec.status,
		FinalText:         rec.result.FinalText,
		Confidence:        rec.result.Confidence,
		TerminatorReason:  rec.result.TerminatorReason,
		FailureReason:     rec.result.FailureReason,
		Steps:             rec.result.Steps,
	})
}

// runSnapshot is the public, over-the-wire shape of a Run (spec §6's
// "Run snapshot"); runRecord itself stays unexported so bookkeeping fields
// like the tenant id used for the ownership Guard never leak into a
// response.
type runSnapshot struct {
	RunID            string                     `json:"run_id"`
	Status           string                     `json:"status"`
	FinalText        string                     `json:"final_text,omitempty"`
	Confidence       float64                    `json:"confidence"`
	TerminatorReason apperrors.TerminatorReason `json:"terminator_reason,omitempty"`
	FailureReason    string                     `json:"failure_reason,omitempty"`
	Steps            []pipeline.StepResult      `json:"steps,omitempty"`
}

// handleGetArtifact implements GET /v1/runs/{id}/artifacts/{name}, streaming
// one of the four files named in spec §6's artifact layout.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := r.PathValue("name")

	rec, ok := s.lookupRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "run not found")
		return
	}
	if !tenancy.Guard(tenancy.WithTenantID(r.Context(), r.Header.Get("X-Tenant-ID")), rec.tenantID) {
		writeError(w, http.StatusNotFound, "NotFound", "run not found")
		return
	}
	if filepath.Base(name) != name {
		writeError(w, http.StatusBadRequest, "InvalidInput", "invalid artifact name")
		return
	}

	dir := filepath.Join(s.cfg.ArtifactsRoot, id)
	path := filepath.Join(dir, name)
	f, err := openArtifact(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "artifact not found")
		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	_, _ = io.Copy(w, f)
}

// handleInboundWebhook implements POST /v1/webhooks/inbound/{source}:
// validates the HMAC signature (C10), then re-dispatches the event to
// registered egress subscribers (C9) so an external trigger fans out the
// same way a Run completion does.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", "cannot read body")
		return
	}

	if err := s.validator.Validate(r.Context(), r.Header, body, source); err != nil {
		if s.limiter != nil {
			decision, admitErr := s.limiter.Admit(r.Context(), "webhook-auth-fail:"+source, s.authFailLimits, s.clk.Now())
			if admitErr == nil && !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				writeError(w, http.StatusTooManyRequests, "TooManyRequests", "too many failed signature attempts")
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid webhook signature")
		return
	}

	var payload struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Type == "" {
		payload.Type = "webhook.inbound." + source
		payload.Payload = json.RawMessage(body)
	}

	if s.webhooks != nil {
		go s.webhooks.Dispatch(newDetachedContext(), pipelineEventFrom(payload.Type, payload.Payload))
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NotReady", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]interface{}{
		"timestamp": s.clk.Now().UTC().Format(time.RFC3339),
	}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		metrics["circuit_breaker"] = map[string]interface{}{
			"name":            snap.Name,
			"state":           snap.State.String(),
			"next_attempt_at": snap.NextAttemptAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, metrics)
}

func clientIDFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return "key:" + v
	}
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return "tenant:" + v
	}
	return "ip:" + r.RemoteAddr
}

