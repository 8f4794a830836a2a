package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "EasyCash-Core/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ecash.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvMainnet {
		t.Fatalf("default environment should be mainnet, got %s", cfg.Environment)
	}
	if cfg.Pipeline.MaxRetries != 3 || cfg.Pipeline.RetryBackoff.Std() != 2*time.Second {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.TTL.Std() != time.Minute {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.ZK.ProofCacheTTL.Std() != 5*time.Minute {
		t.Fatalf("unexpected proof cache ttl: %v", cfg.ZK.ProofCacheTTL.Std())
	}
	if cfg.Agent.Endpoint != "https://api.useeasy.cash" {
		t.Fatalf("unexpected default endpoint: %s", cfg.Agent.Endpoint)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
environment: testnet
server:
  address: ":9090"
pipeline:
  timeout: 10s
  max_retries: 5
  retry_backoff: 500ms
zk:
  enabled: true
  proof_cache_ttl: 2m
cache:
  enabled: true
  ttl: 30s
routing:
  weight_cost: 2
  weight_speed: 1
  weight_security: 1
  window: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvTestnet || cfg.Server.Address != ":9090" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Pipeline.MaxRetries != 5 || cfg.Pipeline.RetryBackoff.Std() != 500*time.Millisecond {
		t.Fatalf("pipeline yaml values not applied: %+v", cfg.Pipeline)
	}
	if cfg.ZK.ProofCacheTTL.Std() != 2*time.Minute {
		t.Fatalf("zk yaml values not applied: %+v", cfg.ZK)
	}
	if cfg.Routing.WeightCost != 2 {
		t.Fatalf("routing weights not applied: %+v", cfg.Routing)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
agent:
  endpoint: https://file.example.com
`)
	t.Setenv("ECASH_API_ENDPOINT", "https://env.example.com")
	t.Setenv("ECASH_API_KEY", "secret")
	t.Setenv("ECASH_ENV", "devnet")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Endpoint != "https://env.example.com" || cfg.Agent.APIKey != "secret" {
		t.Fatalf("env override not applied: %+v", cfg.Agent)
	}
	if cfg.Environment != EnvDevnet || cfg.Agent.Mode != "static" {
		t.Fatalf("devnet should default to the static agent mode: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad environment", func(c *Config) { c.Environment = "staging" }},
		{"zero retries", func(c *Config) { c.Pipeline.MaxRetries = 0 }},
		{"negative weight", func(c *Config) { c.Routing.WeightCost = -1 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"mysql without dsn", func(c *Config) { c.Ledger.Driver = "mysql"; c.Ledger.DSN = "" }},
		{"rabbitmq without url", func(c *Config) { c.Events.Driver = "rabbitmq"; c.Events.URL = "" }},
	}
	for _, tc := range cases {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("%s: load: %v", tc.name, err)
		}
		tc.mutate(cfg)
		err = cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation failure", tc.name)
		}
		if xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
			t.Fatalf("%s: expected INVALID_CONFIG, got %v", tc.name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/ecash.yaml"); err == nil {
		t.Fatalf("missing file must be an error")
	}
}

func TestStageTimeoutsFallBackToPipelineTimeout(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for name, d := range map[string]Duration{
		"negotiation": cfg.Pipeline.NegotiationTimeout,
		"prover":      cfg.Pipeline.ProverTimeout,
		"submit":      cfg.Pipeline.SubmitTimeout,
	} {
		if d.Std() != 30*time.Second {
			t.Fatalf("%s timeout should default to the pipeline timeout, got %v", name, d.Std())
		}
	}

	path := writeConfig(t, `
pipeline:
  timeout: 8s
  prover_timeout: 2s
`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.NegotiationTimeout.Std() != 8*time.Second || cfg.Pipeline.SubmitTimeout.Std() != 8*time.Second {
		t.Fatalf("unset stage timeouts must inherit timeout=8s: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.ProverTimeout.Std() != 2*time.Second {
		t.Fatalf("explicit prover timeout must win, got %v", cfg.Pipeline.ProverTimeout.Std())
	}
}

func TestTogglesDefaultOnAndHonourExplicitFalse(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Metrics.Enabled || !cfg.Cache.Enabled || !cfg.RateLimit.Enabled {
		t.Fatalf("metrics, caching and rate limiting should default on: %+v", cfg)
	}

	path := writeConfig(t, `
metrics:
  enabled: false
cache:
  enabled: false
`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Metrics.Enabled || cfg.Cache.Enabled {
		t.Fatalf("explicit false must disable the toggle: %+v", cfg)
	}
	if !cfg.RateLimit.Enabled {
		t.Fatalf("untouched toggle must stay on")
	}
}
