package main

import (
	"context"
	"os"

	"github.com/itsneelabh/orchestrator-core/internal/config"
	"github.com/itsneelabh/orchestrator-core/internal/ratelimit"
	"github.com/itsneelabh/orchestrator-core/internal/webhook"
)

// ratelimitsFromConfig derives the token-bucket Limits the ingress surface
// admits against from the enumerated RATE_LIMIT_RPM/RATE_LIMIT_BURST keys
// (spec §6).
func ratelimitsFromConfig(cfg *config.Config) ratelimit.Limits {
	return ratelimit.Limits{
		Algorithm: ratelimit.TokenBucket,
		Capacity:  cfg.RateLimitBurst,
		RatePerM:  float64(cfg.RateLimitRPM),
	}
}

// newDetachedContext returns a background context for work that must
// outlive the HTTP request that triggered it (a Run executing after the
// client has already received its 202, or a re-dispatched webhook).
func newDetachedContext() context.Context {
	return context.Background()
}

// openArtifact opens a run artifact file for streaming.
func openArtifact(path string) (*os.File, error) {
	return os.Open(path)
}

// pipelineEventFrom builds the webhook.Event dispatched for a re-published
// inbound webhook.
func pipelineEventFrom(eventType string, payload interface{}) webhook.Event {
	return webhook.Event{Type: eventType, Payload: payload}
}
