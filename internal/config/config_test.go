// Copyright 2025 James Ross
package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BATCHFORGE_DAEMON_CLAIM_BATCH_SIZE", "")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Daemon.ClaimBatchSize != 32 {
		t.Fatalf("expected default claim batch size 32, got %d", cfg.Daemon.ClaimBatchSize)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.ConcurrencyFor("gpt-4") != cfg.Daemon.DefaultModelConcurrency {
		t.Fatalf("expected ConcurrencyFor to fall back to default")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Daemon.ClaimBatchSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for claim_batch_size < 1")
	}

	cfg = defaultConfig()
	cfg.Daemon.Backoff.Factor = 1.0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for backoff factor <= 1.0")
	}

	cfg = defaultConfig()
	cfg.StorageBackend = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown storage backend")
	}

	cfg = defaultConfig()
	cfg.Daemon.Escalations = map[string]Escalation{"gpt-4": {ThresholdSeconds: 60}}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for escalation missing model")
	}
}

func TestConcurrencyForOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.Daemon.ModelConcurrencyLimits = map[string]int{"gpt-4": 2}
	if got := cfg.ConcurrencyFor("gpt-4"); got != 2 {
		t.Fatalf("expected override 2, got %d", got)
	}
	if got := cfg.ConcurrencyFor("other"); got != cfg.Daemon.DefaultModelConcurrency {
		t.Fatalf("expected default fallback, got %d", got)
	}
}

func TestEscalationFor(t *testing.T) {
	cfg := defaultConfig()
	cfg.Daemon.Escalations = map[string]Escalation{"gpt-4": {ThresholdSeconds: 60, Model: "gpt-4-fast"}}
	e, ok := cfg.EscalationFor("gpt-4")
	if !ok || e.Model != "gpt-4-fast" {
		t.Fatalf("expected escalation rule for gpt-4")
	}
	if _, ok := cfg.EscalationFor("unknown"); ok {
		t.Fatalf("expected no escalation rule for unknown model")
	}
}
