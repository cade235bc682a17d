// Package config provides typed configuration for the orchestration core.
// Following the teacher's three-layer precedence (defaults < environment <
// functional options), every key enumerated in spec §6 is represented as a
// struct field with an `env` tag and a `default` tag, plus the ambient keys
// (logging, HTTP server, Redis) a complete deployment needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved configuration for a running orchestrator
// process.
type Config struct {
	// LAG engine (spec §4.1)
	MaxDepth             int     `json:"max_depth" env:"MAX_DEPTH" default:"5"`
	MaxSubQuestions      int     `json:"max_sub_questions" env:"MAX_SUB_QUESTIONS" default:"9"`
	CognitiveThreshold   float64 `json:"cognitive_threshold" env:"COGNITIVE_THRESHOLD" default:"0.8"`
	ConfidenceThreshold  float64 `json:"confidence_threshold" env:"CONFIDENCE_THRESHOLD" default:"0.75"`
	MaxRetries           int     `json:"max_retries" env:"MAX_RETRIES" default:"2"`
	TimeoutMS            int     `json:"timeout_ms" env:"TIMEOUT_MS" default:"30000"`
	DeterministicSeed    int64   `json:"seed" env:"SEED" default:"42"`
	Temperature          float64 `json:"temperature" env:"TEMPERATURE" default:"0.0"`

	// Cache (spec §4.6)
	CacheL1MaxItems int `json:"cache_l1_max_items" env:"CACHE_L1_MAX_ITEMS" default:"1000"`
	CacheL1MaxMB    int `json:"cache_l1_max_mb" env:"CACHE_L1_MAX_MB" default:"128"`

	// Rate limiter (spec §4.4)
	RateLimitRPM   int `json:"rate_limit_rpm" env:"RATE_LIMIT_RPM" default:"100"`
	RateLimitBurst int `json:"rate_limit_burst" env:"RATE_LIMIT_BURST" default:"20"`

	// Webhook delivery (spec §4.7)
	WebhookMaxAttempts int `json:"webhook_max_attempts" env:"WEBHOOK_MAX_ATTEMPTS" default:"5"`
	WebhookTimeoutS    int `json:"webhook_timeout_s" env:"WEBHOOK_TIMEOUT_S" default:"30"`

	// HMAC validator (spec §4.8)
	HMACMaxSkewS int `json:"hmac_max_skew_s" env:"HMAC_MAX_SKEW_S" default:"300"`

	// Circuit breaker (spec §4.5)
	CircuitFailureThreshold float64 `json:"circuit_failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD" default:"0.5"`
	CircuitMinRequests      int     `json:"circuit_min_requests" env:"CIRCUIT_MIN_REQUESTS" default:"20"`
	CircuitRecoveryS        int     `json:"circuit_recovery_s" env:"CIRCUIT_RECOVERY_S" default:"300"`

	// Ambient: HTTP server
	HTTP HTTPConfig `json:"http"`

	// Ambient: Redis / KV backing store
	Redis RedisConfig `json:"redis"`

	// Ambient: logging
	Logging LoggingConfig `json:"logging"`

	// Ambient: artifacts
	ArtifactsRoot string `json:"artifacts_root" env:"ARTIFACTS_ROOT" default:"runs"`
}

// HTTPConfig mirrors the teacher's HTTPConfig shape, trimmed to this
// system's ingress surface.
type HTTPConfig struct {
	Port            int           `json:"port" env:"ORCH_PORT" default:"8080"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"ORCH_HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"ORCH_HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"ORCH_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// RedisConfig follows the teacher's DB-isolation convention
// (core/redis_client.go): each concern gets its own logical DB number so
// that operators can point different concerns at different physical
// instances if needed.
type RedisConfig struct {
	URL               string `json:"url" env:"ORCH_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
	DBRateLimit       int    `json:"db_rate_limit" default:"1"`
	DBCache           int    `json:"db_cache" default:"3"`
	DBCircuitBreaker  int    `json:"db_circuit_breaker" default:"4"`
	DBWebhookQueue    int    `json:"db_webhook_queue" default:"6"`
}

// LoggingConfig controls the ambient logging stack.
type LoggingConfig struct {
	Level string `json:"level" env:"ORCH_LOG_LEVEL" default:"info"`
	JSON  bool   `json:"json" env:"ORCH_LOG_JSON" default:"false"`
}

// Option mutates a Config; functional options are the highest-priority
// layer, applied after defaults and environment.
type Option func(*Config)

// WithSeed overrides the deterministic seed.
func WithSeed(seed int64) Option {
	return func(c *Config) { c.DeterministicSeed = seed }
}

// WithTemperature overrides temperature, clamped to the spec's <=0.2 bound
// for LAG reproducibility at Preflight (spec §4.3); callers that need a
// higher value for non-deterministic experimentation must go through a
// separate, explicitly-named code path, not this option.
func WithTemperature(t float64) Option {
	return func(c *Config) {
		if t > 0.2 {
			t = 0.2
		}
		c.Temperature = t
	}
}

// WithRedisURL overrides the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}

// WithHTTPPort overrides the ingress port.
func WithHTTPPort(port int) Option {
	return func(c *Config) { c.HTTP.Port = port }
}

// Load builds a Config from defaults, then environment variables, then the
// supplied functional options, in that priority order.
func Load(opts ...Option) (*Config, error) {
	c := defaults()

	if err := applyEnv(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func defaults() *Config {
	return &Config{
		MaxDepth:                5,
		MaxSubQuestions:         9,
		CognitiveThreshold:      0.8,
		ConfidenceThreshold:     0.75,
		MaxRetries:              2,
		TimeoutMS:               30000,
		DeterministicSeed:       42,
		Temperature:             0.0,
		CacheL1MaxItems:         1000,
		CacheL1MaxMB:            128,
		RateLimitRPM:            100,
		RateLimitBurst:          20,
		WebhookMaxAttempts:      5,
		WebhookTimeoutS:         30,
		HMACMaxSkewS:            300,
		CircuitFailureThreshold: 0.5,
		CircuitMinRequests:      20,
		CircuitRecoveryS:        300,
		ArtifactsRoot:           "runs",
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			URL:              "redis://localhost:6379",
			DBRateLimit:      1,
			DBCache:          3,
			DBCircuitBreaker: 4,
			DBWebhookQueue:   6,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

// applyEnv overlays environment variables named in the struct's `env` tags
// onto c. Only the small set of scalar fields actually read from the
// environment are handled; nested structs list their own env keys.
func applyEnv(c *Config) error {
	setInt := func(env string, dst *int) error {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = n
		}
		return nil
	}
	setInt64 := func(env string, dst *int64) error {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = n
		}
		return nil
	}
	setFloat := func(env string, dst *float64) error {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = n
		}
		return nil
	}
	setDuration := func(env string, dst *time.Duration) error {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
		return nil
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	setString := func(envs string, dst *string) {
		for _, env := range strings.Split(envs, ",") {
			if v := os.Getenv(env); v != "" {
				*dst = v
				return
			}
		}
	}

	for _, fn := range []func() error{
		func() error { return setInt("MAX_DEPTH", &c.MaxDepth) },
		func() error { return setInt("MAX_SUB_QUESTIONS", &c.MaxSubQuestions) },
		func() error { return setFloat("COGNITIVE_THRESHOLD", &c.CognitiveThreshold) },
		func() error { return setFloat("CONFIDENCE_THRESHOLD", &c.ConfidenceThreshold) },
		func() error { return setInt("MAX_RETRIES", &c.MaxRetries) },
		func() error { return setInt("TIMEOUT_MS", &c.TimeoutMS) },
		func() error { return setInt64("SEED", &c.DeterministicSeed) },
		func() error { return setFloat("TEMPERATURE", &c.Temperature) },
		func() error { return setInt("CACHE_L1_MAX_ITEMS", &c.CacheL1MaxItems) },
		func() error { return setInt("CACHE_L1_MAX_MB", &c.CacheL1MaxMB) },
		func() error { return setInt("RATE_LIMIT_RPM", &c.RateLimitRPM) },
		func() error { return setInt("RATE_LIMIT_BURST", &c.RateLimitBurst) },
		func() error { return setInt("WEBHOOK_MAX_ATTEMPTS", &c.WebhookMaxAttempts) },
		func() error { return setInt("WEBHOOK_TIMEOUT_S", &c.WebhookTimeoutS) },
		func() error { return setInt("HMAC_MAX_SKEW_S", &c.HMACMaxSkewS) },
		func() error { return setFloat("CIRCUIT_FAILURE_THRESHOLD", &c.CircuitFailureThreshold) },
		func() error { return setInt("CIRCUIT_MIN_REQUESTS", &c.CircuitMinRequests) },
		func() error { return setInt("CIRCUIT_RECOVERY_S", &c.CircuitRecoveryS) },
		func() error { return setInt("ORCH_PORT", &c.HTTP.Port) },
		func() error { return setDuration("ORCH_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout) },
		func() error { return setDuration("ORCH_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout) },
		func() error { return setDuration("ORCH_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}

	setString("ORCH_REDIS_URL,REDIS_URL", &c.Redis.URL)
	setString("ARTIFACTS_ROOT", &c.ArtifactsRoot)
	setString("ORCH_LOG_LEVEL", &c.Logging.Level)
	setBool("ORCH_LOG_JSON", &c.Logging.JSON)

	return nil
}

// Validate checks cross-field invariants that the spec requires (temperature
// ceiling, positive budgets).
func (c *Config) Validate() error {
	if c.Temperature > 0.2 {
		return fmt.Errorf("config: temperature must be <= 0.2 for deterministic plans, got %v", c.Temperature)
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("config: max_depth must be positive")
	}
	if c.MaxSubQuestions <= 0 {
		return fmt.Errorf("config: max_sub_questions must be positive")
	}
	if c.CognitiveThreshold < 0 || c.CognitiveThreshold > 1 {
		return fmt.Errorf("config: cognitive_threshold must be in [0,1]")
	}
	return nil
}

// Snapshot returns a deep copy suitable for embedding in a Run's
// config_snapshot (spec §3), so later mutation of the live Config does not
// retroactively change a Run's recorded provenance.
func (c *Config) Snapshot() Config {
	return *c
}
