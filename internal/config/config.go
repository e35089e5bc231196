// Package config loads the run configuration a flowforge invocation is
// driven by: directory layout, provider credentials, default models, and the
// tunables the engine's retry/concurrency machinery reads defaults from.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig names the environment variable a provider's API key is read
// from and the model used when a node doesn't force one explicitly.
type ProviderConfig struct {
	APIKeyEnv    string `yaml:"api_key_env"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url,omitempty"`
}

// BackoffConfig mirrors the retry tuning knobs a graph/node attribute can
// override per spec.md's backoff formula (100ms * 2^attempt, capped at 30s).
type BackoffConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	Factor         float64 `yaml:"backoff_factor"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Jitter         bool    `yaml:"jitter"`
}

// Config is the decoded, defaulted run configuration.
type Config struct {
	LogsRoot    string `yaml:"logs_root"`
	GateRoot    string `yaml:"gate_root"`
	WorkDir     string `yaml:"work_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	Concurrency struct {
		MaxParallelBranches int `yaml:"max_parallel_branches"`
		MaxSubagentDepth    int `yaml:"max_subagent_depth"`
	} `yaml:"concurrency"`
	Backoff   BackoffConfig             `yaml:"backoff"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

func defaults() *Config {
	cfg := &Config{
		LogsRoot:   "./logs",
		GateRoot:   "./gates",
		WorkDir:    ".",
		ListenAddr: "127.0.0.1:8080",
		Backoff: BackoffConfig{
			InitialDelayMS: 100,
			Factor:         2,
			MaxDelayMS:     30000,
			Jitter:         true,
		},
		Providers: map[string]ProviderConfig{
			"openai":    {APIKeyEnv: "OPENAI_API_KEY", DefaultModel: "gpt-4o"},
			"anthropic": {APIKeyEnv: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-5-20250929"},
			"google":    {APIKeyEnv: "GEMINI_API_KEY", DefaultModel: "gemini-2.0-flash"},
		},
	}
	cfg.Concurrency.MaxParallelBranches = 8
	cfg.Concurrency.MaxSubagentDepth = 3
	return cfg
}

// Load decodes the YAML run-config at path over the built-in defaults, then
// applies FLOWFORGE_*-prefixed environment variable overrides — the same
// "explicit wins over default" cascade the stylesheet and DOT parser's
// node/edge attribute resolution uses. An empty path returns the built-in
// defaults with env overrides still applied.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets operators override the handful of settings an
// ambient environment commonly needs to change (CI log root, listen
// address, concurrency caps) without editing the run-config file.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("FLOWFORGE_LOGS_ROOT")); v != "" {
		cfg.LogsRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("FLOWFORGE_GATE_ROOT")); v != "" {
		cfg.GateRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("FLOWFORGE_WORK_DIR")); v != "" {
		cfg.WorkDir = v
	}
	if v := strings.TrimSpace(os.Getenv("FLOWFORGE_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("FLOWFORGE_MAX_PARALLEL_BRANCHES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency.MaxParallelBranches = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FLOWFORGE_MAX_SUBAGENT_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency.MaxSubagentDepth = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Concurrency.MaxParallelBranches <= 0 {
		return fmt.Errorf("config: concurrency.max_parallel_branches must be > 0")
	}
	if cfg.Concurrency.MaxSubagentDepth <= 0 {
		return fmt.Errorf("config: concurrency.max_subagent_depth must be > 0")
	}
	if cfg.Backoff.InitialDelayMS <= 0 {
		return fmt.Errorf("config: backoff.initial_delay_ms must be > 0")
	}
	if cfg.Backoff.Factor <= 1 {
		return fmt.Errorf("config: backoff.backoff_factor must be > 1")
	}
	if cfg.Backoff.MaxDelayMS < cfg.Backoff.InitialDelayMS {
		return fmt.Errorf("config: backoff.max_delay_ms must be >= backoff.initial_delay_ms")
	}
	for name, pc := range cfg.Providers {
		if strings.TrimSpace(pc.APIKeyEnv) == "" {
			return fmt.Errorf("config: providers.%s.api_key_env is required", name)
		}
	}
	return nil
}

// ResolveAPIKey reads the API key for provider from its configured
// environment variable, returning an error naming the missing var rather
// than silently falling back to an empty key.
func (c *Config) ResolveAPIKey(provider string) (string, error) {
	pc, ok := c.Providers[provider]
	if !ok {
		return "", fmt.Errorf("config: no provider configured for %q", provider)
	}
	key := strings.TrimSpace(os.Getenv(pc.APIKeyEnv))
	if key == "" {
		return "", fmt.Errorf("config: %s is not set (required for provider %q)", pc.APIKeyEnv, provider)
	}
	return key, nil
}
