// Command orchestratord is the HTTP entrypoint for the orchestration core:
// it wires the LAG/RCR pipeline, tiered cache, rate limiter, circuit
// breaker, webhook dispatcher, and inbound HMAC validator behind the
// ingress routes named in spec §6, following the teacher's
// examples/orchestrator/main.go shape (construct collaborators from
// environment, register handlers, run until signaled) adapted from
// framework.RunAgent onto a plain net/http server lifecycle.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/breaker"
	"github.com/itsneelabh/orchestrator-core/internal/cache"
	"github.com/itsneelabh/orchestrator-core/internal/clock"
	"github.com/itsneelabh/orchestrator-core/internal/config"
	"github.com/itsneelabh/orchestrator-core/internal/hmacvalidator"
	"github.com/itsneelabh/orchestrator-core/internal/kv"
	"github.com/itsneelabh/orchestrator-core/internal/logger"
	"github.com/itsneelabh/orchestrator-core/internal/pipeline"
	"github.com/itsneelabh/orchestrator-core/internal/ratelimit"
	"github.com/itsneelabh/orchestrator-core/internal/rcr"
	"github.com/itsneelabh/orchestrator-core/internal/telemetry"
	"github.com/itsneelabh/orchestrator-core/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{Component: "orchestratord"}).Error("config load failed", logger.Fields{"error": err.Error()})
		os.Exit(1)
	}

	devMode := !strings.EqualFold(os.Getenv("ORCH_ENV"), "production")
	log := logger.New(logger.Options{
		Component: "orchestratord",
		JSON:      cfg.Logging.JSON,
		MinLevel:  levelFromString(cfg.Logging.Level),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telProvider, err := telemetry.New(ctx, telemetry.Options{ServiceName: "orchestrator-core"})
	if err != nil {
		log.Warn("telemetry disabled", logger.Fields{"error": err.Error()})
	} else {
		defer func() { _ = telProvider.Shutdown(context.Background()) }()
	}

	store := newKVStore(cfg, log)
	defer store.Close()

	clk := clock.RealClock{}
	rng := clock.NewPRNG(cfg.DeterministicSeed)

	limiter := ratelimit.New(store, log.WithComponent("ratelimit"))
	br := breaker.New(breakerConfigFromApp(cfg), clk, log.WithComponent("breaker"))
	tieredCache := cache.New(cache.Options{
		L1MaxItems: cfg.CacheL1MaxItems,
		L1MaxBytes: int64(cfg.CacheL1MaxMB) * 1024 * 1024,
		L2:         store,
	})
	router := rcr.New(rcr.DefaultRoles(), store, log.WithComponent("rcr"), clk)
	adapter := newHTTPRoleAdapter(roleEndpointsFromEnv(), time.Duration(cfg.TimeoutMS)*time.Millisecond)

	pCfg := pipeline.DefaultConfig()
	pCfg.ArtifactsRoot = cfg.ArtifactsRoot
	pCfg.ConfidenceThreshold = cfg.ConfidenceThreshold
	pCfg.MaxRetries = cfg.MaxRetries
	pCfg.LAG.MaxDepth = cfg.MaxDepth
	pCfg.LAG.MaxSubQuestions = cfg.MaxSubQuestions
	pCfg.LAG.DeterministicSeed = cfg.DeterministicSeed
	pCfg.RateLimits = ratelimitsFromConfig(cfg)

	pl := pipeline.New(pCfg, limiter, br, tieredCache, router, adapter, clk, rng, log.WithComponent("pipeline"))

	webhookDispatcher := webhook.NewDispatcher(http.DefaultClient, clk, rng, log.WithComponent("webhook"), 8)
	registerWebhookEndpointsFromEnv(webhookDispatcher)

	validator := hmacvalidator.New(envSecretSource{}, clk, time.Duration(cfg.HMACMaxSkewS)*time.Second)

	srv := NewServer(cfg, pl, webhookDispatcher, validator, limiter, br, store, log, clk)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      srv.Handler(devMode),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info("orchestratord listening", logger.Fields{"port": cfg.HTTP.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", logger.Fields{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", logger.Fields{"timeout": cfg.HTTP.ShutdownTimeout.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", logger.Fields{"error": err.Error()})
	}
}

func levelFromString(level string) logger.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// newKVStore selects Redis when ORCH_USE_REDIS is "true" (any case), otherwise an
// in-process MemStore suitable for single-node or development deployments.
func newKVStore(cfg *config.Config, log logger.Logger) kv.Store {
	if strings.EqualFold(os.Getenv("ORCH_USE_REDIS"), "true") {
		store, err := kv.NewRedisStore(kv.RedisOptions{URL: cfg.Redis.URL, DB: cfg.Redis.DBCache, Namespace: "orchestrator"})
		if err != nil {
			log.Error("redis store unavailable, falling back to in-memory store", logger.Fields{"error": err.Error()})
			return kv.NewMemStore()
		}
		return store
	}
	return kv.NewMemStore()
}

func breakerConfigFromApp(cfg *config.Config) breaker.Config {
	bc := breaker.DefaultConfig("role-adapter")
	bc.FailureThreshold = cfg.CircuitFailureThreshold
	bc.MinimumRequests = cfg.CircuitMinRequests
	bc.RecoveryTimeout = time.Duration(cfg.CircuitRecoveryS) * time.Second
	return bc
}

// roleEndpointsFromEnv reads ROLE_ENDPOINT_<ROLE> variables (e.g.
// ROLE_ENDPOINT_ANALYST) into the role->URL map the adapter dispatches to.
func roleEndpointsFromEnv() map[string]string {
	endpoints := map[string]string{}
	for _, role := range []string{"analyst", "synthesizer", "specialist", "coordinator", "validator"} {
		key := "ROLE_ENDPOINT_" + strings.ToUpper(role)
		if v := os.Getenv(key); v != "" {
			endpoints[role] = v
		}
	}
	return endpoints
}

// registerWebhookEndpointsFromEnv registers a single egress endpoint from
// WEBHOOK_URL/WEBHOOK_SECRET/WEBHOOK_EVENTS if present; additional endpoints
// are expected to be registered through an operator-facing control plane
// out of scope here.
func registerWebhookEndpointsFromEnv(d *webhook.Dispatcher) {
	url := os.Getenv("WEBHOOK_URL")
	if url == "" {
		return
	}
	events := []string{"run.completed", "run.failed", "run.terminated"}
	if v := os.Getenv("WEBHOOK_EVENTS"); v != "" {
		events = strings.Split(v, ",")
	}
	d.Register(&webhook.Endpoint{
		ID:     "default",
		URL:    url,
		Events: events,
		Active: true,
		Secret: []byte(os.Getenv("WEBHOOK_SECRET")),
	})
}
