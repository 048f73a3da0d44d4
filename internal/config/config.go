// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/botvisor/botvisor/internal/worker"
)

// Config holds all orchestrator configuration
type Config struct {
	Server        ServerConfig
	Liveness      LivenessConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Token         TokenConfig
	Artifacts     ArtifactsConfig
	Runtime       RuntimeConfig
	Workers       WorkersConfig
	Health        HealthConfig
}

// AgentConfig holds configuration for the worker agent binary
type AgentConfig struct {
	Agent         AgentServerConfig
	Observability ObservabilityConfig
	Runtime       RuntimeConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LivenessConfig holds the static keep-alive listener
type LivenessConfig struct {
	Enabled bool
	Port    string
}

// ObservabilityConfig holds logging, tracing and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	JournalSize    int
	OTELEnabled    bool
	OTLPEndpoint   string
	SamplingRate   float64
	ServiceName    string
	ServiceVersion string
}

// RateLimitConfig holds per-tenant rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// TokenConfig holds bearer token settings
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// ArtifactsConfig holds where and how bundles are unpacked
type ArtifactsConfig struct {
	Dir            string
	MaxBundleBytes int64
	FetchTimeout   time.Duration
}

// RuntimeConfig holds the interpreter binaries per entrypoint kind
type RuntimeConfig struct {
	Node   string
	Python string
}

// WorkersConfig holds the fixed worker list
type WorkersConfig struct {
	URLs            string
	File            string
	DeliveryTimeout time.Duration
	List            []worker.Worker
}

// HealthConfig holds the worker monitor timing
type HealthConfig struct {
	Interval            time.Duration
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int
}

// AgentServerConfig holds the worker agent listener and workspace
type AgentServerConfig struct {
	Host           string
	Port           string
	Workspace      string
	MaxBundleBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Load loads orchestrator configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "120s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		Liveness: LivenessConfig{
			Enabled: parseBool("LIVENESS_ENABLED", true),
			Port:    getEnv("LIVENESS_PORT", "8081"),
		},
		Observability: loadObservability(),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: parseFloat("RATELIMIT_RPS", 10),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
		Token: TokenConfig{
			Secret: getEnv("TOKEN_SECRET", ""),
			Issuer: getEnv("TOKEN_ISSUER", "botvisor"),
			TTL:    parseDuration("TOKEN_TTL", "720h"),
		},
		Artifacts: ArtifactsConfig{
			Dir:            getEnv("ARTIFACTS_DIR", "./bots"),
			MaxBundleBytes: int64(parseInt("ARTIFACTS_MAX_BYTES", 100<<20)),
			FetchTimeout:   parseDuration("ARTIFACTS_FETCH_TIMEOUT", "60s"),
		},
		Runtime: loadRuntime(),
		Workers: WorkersConfig{
			URLs:            getEnv("WORKER_URLS", ""),
			File:            getEnv("WORKERS_FILE", ""),
			DeliveryTimeout: parseDuration("WORKER_DELIVERY_TIMEOUT", "60s"),
		},
		Health: HealthConfig{
			Interval:            parseDuration("HEALTH_INTERVAL", "30s"),
			ProbeTimeout:        parseDuration("HEALTH_PROBE_TIMEOUT", "5s"),
			MaxConcurrentProbes: parseInt("HEALTH_MAX_CONCURRENT_PROBES", 0),
		},
	}

	list, err := LoadWorkers(cfg.Workers.URLs, cfg.Workers.File)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Workers.List = list

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadAgent loads worker agent configuration from environment variables
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		Agent: AgentServerConfig{
			Host:           getEnv("AGENT_HOST", "0.0.0.0"),
			Port:           getEnv("AGENT_PORT", "8080"),
			Workspace:      getEnv("AGENT_WORKSPACE", "./workspace"),
			MaxBundleBytes: int64(parseInt("AGENT_MAX_BYTES", 100<<20)),
			ReadTimeout:    parseDuration("AGENT_READ_TIMEOUT", "60s"),
			WriteTimeout:   parseDuration("AGENT_WRITE_TIMEOUT", "60s"),
		},
		Observability: loadObservability(),
		Runtime:       loadRuntime(),
	}
	if cfg.Observability.ServiceName == "botvisor" {
		cfg.Observability.ServiceName = "botvisor-worker"
	}

	if cfg.Agent.Workspace == "" {
		return nil, fmt.Errorf("invalid configuration: AGENT_WORKSPACE is required")
	}
	return cfg, nil
}

func loadObservability() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		JournalSize:    parseInt("LOG_JOURNAL_SIZE", 500),
		OTELEnabled:    parseBool("OTEL_ENABLED", false),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", ""),
		SamplingRate:   parseFloat("OTEL_SAMPLING_RATE", 1.0),
		ServiceName:    getEnv("OTEL_SERVICE_NAME", "botvisor"),
		ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
	}
}

func loadRuntime() RuntimeConfig {
	return RuntimeConfig{
		Node:   getEnv("RUNTIME_NODE", "node"),
		Python: getEnv("RUNTIME_PYTHON", "python"),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if c.Artifacts.Dir == "" {
		return fmt.Errorf("ARTIFACTS_DIR is required")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("HEALTH_INTERVAL must be positive")
	}
	if c.Health.ProbeTimeout <= 0 || c.Health.ProbeTimeout > c.Health.Interval {
		return fmt.Errorf("HEALTH_PROBE_TIMEOUT must be positive and not exceed HEALTH_INTERVAL")
	}
	if c.Liveness.Enabled && c.Liveness.Port == c.Server.Port {
		return fmt.Errorf("LIVENESS_PORT must differ from SERVER_PORT")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATELIMIT_RPS and RATELIMIT_BURST must be positive")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
