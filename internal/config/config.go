// Package config loads sandrunner's configuration from environment
// variables, per the env-var contract in the service specification.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Server
	Host string `env:"SANDRUNNER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SANDRUNNER_PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Key-value store (Redis)
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// API keys
	APIKey     string   `env:"API_KEY"`
	APIKeys    []string `env:"API_KEYS" envSeparator:","`
	MasterKey  string   `env:"MASTER_API_KEY"`
	RateLimitOn bool    `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	// Pod pool
	PodPoolEnabled        bool          `env:"POD_POOL_ENABLED" envDefault:"true"`
	PodPoolWarmupOnStart  bool          `env:"POD_POOL_WARMUP_ON_STARTUP" envDefault:"true"`
	PodPoolParallelBatch  int           `env:"POD_POOL_PARALLEL_BATCH" envDefault:"5"`
	PodPoolReplenishEvery time.Duration `env:"POD_POOL_REPLENISH_INTERVAL" envDefault:"10s"`
	PodPoolExhaustionTrig int           `env:"POD_POOL_EXHAUSTION_TRIGGER" envDefault:"1"`

	// Kubernetes / pod factory
	K8sNamespace       string        `env:"K8S_NAMESPACE" envDefault:"sandrunner"`
	K8sSidecarImage    string        `env:"K8S_SIDECAR_IMAGE" envDefault:"sandrunner/sidecar:latest"`
	K8sSidecarPort     int           `env:"K8S_SIDECAR_PORT" envDefault:"8765"`
	K8sCPULimit        string        `env:"K8S_CPU_LIMIT" envDefault:"500m"`
	K8sMemoryLimit     string        `env:"K8S_MEMORY_LIMIT" envDefault:"256Mi"`
	K8sSeccompProfile  string        `env:"K8S_SECCOMP_PROFILE_TYPE" envDefault:"RuntimeDefault"`
	PodReadyTimeout    time.Duration `env:"POD_READY_TIMEOUT" envDefault:"30s"`

	// Request caps
	MaxExecutionTime time.Duration `env:"MAX_EXECUTION_TIME" envDefault:"30s"`
	MaxMemoryMB      int           `env:"MAX_MEMORY_MB" envDefault:"512"`
	MaxFileSizeMB    int           `env:"MAX_FILE_SIZE_MB" envDefault:"10"`

	// PodPoolSizes is filled in by Load from POD_POOL_<LANG> variables; it
	// cannot be expressed as a struct tag because the key set is dynamic.
	PodPoolSizes map[string]int `env:"-"`
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EnvironmentKeys returns the primary and additional environment-sourced
// API keys, deduplicated and with empty entries removed.
func (c *Config) EnvironmentKeys() []string {
	seen := make(map[string]struct{}, len(c.APIKeys)+1)
	var out []string
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	add(c.APIKey)
	for _, k := range c.APIKeys {
		add(k)
	}
	return out
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}

	cfg.PodPoolSizes = parsePodPoolSizes(os.Environ())

	if err := validateSeccompProfile(cfg.K8sSeccompProfile); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSeccompProfile rejects configuration values other than
// RuntimeDefault and Unconfined; Localhost profiles require a profile file
// on every node and are not supported.
func validateSeccompProfile(profile string) error {
	switch profile {
	case "RuntimeDefault", "Unconfined":
		return nil
	default:
		return fmt.Errorf("invalid K8S_SECCOMP_PROFILE_TYPE %q: must be RuntimeDefault or Unconfined", profile)
	}
}

// parsePodPoolSizes scans environ for POD_POOL_<LANG>=<size> entries,
// excluding the fixed tuning knobs that share the POD_POOL_ prefix.
func parsePodPoolSizes(environ []string) map[string]int {
	const prefix = "POD_POOL_"
	reserved := map[string]struct{}{
		"ENABLED":             {},
		"WARMUP_ON_STARTUP":   {},
		"PARALLEL_BATCH":      {},
		"REPLENISH_INTERVAL":  {},
		"EXHAUSTION_TRIGGER":  {},
	}

	sizes := make(map[string]int)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := strings.TrimPrefix(name, prefix)
		if _, isReserved := reserved[suffix]; isReserved {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		sizes[strings.ToLower(suffix)] = n
	}
	return sizes
}
