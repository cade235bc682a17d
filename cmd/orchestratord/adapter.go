package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/apperrors"
	"github.com/itsneelabh/orchestrator-core/internal/pipeline"
)

// httpRoleAdapter implements pipeline.RoleAdapter over the egress contract
// named in spec §6 (Execute(role, prompt, budget, deadline) -> {text,
// tokens_used, confidence, meta}). Each role may be bound to its own
// upstream URL, mirroring the teacher's per-capability agent endpoints
// (examples/orchestrator's ai.NewOpenAIClient is one fixed backend; this
// generalizes to one backend per role so analyst/synthesizer/specialist/
// coordinator/validator can each point at a different service).
type httpRoleAdapter struct {
	client    *http.Client
	endpoints map[string]string // role -> base URL
}

func newHTTPRoleAdapter(endpoints map[string]string, timeout time.Duration) *httpRoleAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpRoleAdapter{
		client:    &http.Client{Timeout: timeout},
		endpoints: endpoints,
	}
}

type roleRequest struct {
	Role    string                 `json:"role"`
	Prompt  string                 `json:"prompt"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type roleResponse struct {
	Text       string                 `json:"text"`
	TokensUsed int                    `json:"tokens_used"`
	Confidence float64                `json:"confidence"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Invoke calls the role's configured upstream if one is registered;
// otherwise it falls back to a local, deterministic stand-in answer so the
// service is runnable without external role backends wired up.
func (a *httpRoleAdapter) Invoke(ctx context.Context, role, queryFragment string, bundle map[string]interface{}) (pipeline.AdapterResult, error) {
	url, ok := a.endpoints[role]
	if !ok || url == "" {
		return a.localFallback(role, queryFragment), nil
	}

	body, err := json.Marshal(roleRequest{Role: role, Prompt: queryFragment, Context: bundle})
	if err != nil {
		return pipeline.AdapterResult{}, apperrors.New("httpRoleAdapter.Invoke", "internal", "", fmt.Errorf("%w: encode request: %v", apperrors.ErrInternal, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return pipeline.AdapterResult{}, apperrors.New("httpRoleAdapter.Invoke", "internal", "", fmt.Errorf("%w: build request: %v", apperrors.ErrInternal, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return pipeline.AdapterResult{}, apperrors.New("httpRoleAdapter.Invoke", "upstream", "", fmt.Errorf("%w: %v", apperrors.ErrUpstream, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return pipeline.AdapterResult{}, apperrors.New("httpRoleAdapter.Invoke", "upstream", "", fmt.Errorf("%w: status %d", apperrors.ErrUpstream, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return pipeline.AdapterResult{}, apperrors.New("httpRoleAdapter.Invoke", "invalid_input", "", fmt.Errorf("%w: status %d", apperrors.ErrInvalidInput, resp.StatusCode))
	}

	var out roleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pipeline.AdapterResult{}, apperrors.New("httpRoleAdapter.Invoke", "upstream", "", fmt.Errorf("%w: decode response: %v", apperrors.ErrUpstream, err))
	}

	return pipeline.AdapterResult{Text: out.Text, Confidence: out.Confidence, Tokens: out.TokensUsed}, nil
}

// localFallback produces a deterministic answer from the fragment alone, so
// a run still completes (and the retry/cache/routing machinery is still
// exercised) when no upstream is configured for a role.
func (a *httpRoleAdapter) localFallback(role, fragment string) pipeline.AdapterResult {
	text := fmt.Sprintf("[%s] %s", role, strings.TrimSpace(fragment))
	return pipeline.AdapterResult{Text: text, Confidence: 0.9, Tokens: len(strings.Fields(fragment))}
}
