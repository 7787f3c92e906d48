package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.AgentMaxSteps != 3 || cfg.SearchResultsCount != 3 {
		t.Fatalf("loop defaults %+v", cfg)
	}
	if cfg.DailyRequestLimit != 5 || cfg.GlobalRateMax != 60 || cfg.GlobalRateWindow != time.Minute {
		t.Fatalf("limit defaults %+v", cfg)
	}
	if cfg.CacheTTL != 6*time.Hour {
		t.Fatalf("CacheTTL = %v", cfg.CacheTTL)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_MAX_STEPS", "0")
	t.Setenv("GLOBAL_RATE_WINDOW_MS", "2500")
	t.Setenv("ADMIN_USER_IDS", "alice, bob ,")
	t.Setenv("LLM_MODEL", "test-model")
	t.Setenv("VERBOSE", "true")

	cfg := Default()
	ApplyEnv(&cfg)

	// Zero is a meaningful override for the step budget.
	if cfg.AgentMaxSteps != 0 {
		t.Fatalf("AgentMaxSteps = %d", cfg.AgentMaxSteps)
	}
	if cfg.GlobalRateWindow != 2500*time.Millisecond {
		t.Fatalf("GlobalRateWindow = %v", cfg.GlobalRateWindow)
	}
	if len(cfg.AdminUserIDs) != 2 || cfg.AdminUserIDs[0] != "alice" || cfg.AdminUserIDs[1] != "bob" {
		t.Fatalf("AdminUserIDs = %v", cfg.AdminUserIDs)
	}
	if cfg.LLMModel != "test-model" {
		t.Fatalf("LLMModel = %q", cfg.LLMModel)
	}
	if !cfg.Verbose {
		t.Fatal("Verbose not set")
	}
}

func TestApplyEnvStringsFillOnlyEmptyFields(t *testing.T) {
	t.Setenv("LLM_MODEL", "from-env")
	cfg := Default()
	cfg.LLMModel = "from-flag"
	ApplyEnv(&cfg)
	if cfg.LLMModel != "from-flag" {
		t.Fatalf("LLMModel = %q, flag value must win", cfg.LLMModel)
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen_addr: ":9090"
llm:
  base_url: http://localhost:8081/v1
  model: stub
redis:
  addr: localhost:6379
agent:
  max_steps: 5
  timeout_seconds: 30
limits:
  daily_requests: 10
  admin_user_ids: [root]
cache_ttl_seconds: 60
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := ApplyFile(&cfg, path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.LLMModel != "stub" {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.AgentMaxSteps != 5 || cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("agent section %+v", cfg)
	}
	if cfg.DailyRequestLimit != 10 || len(cfg.AdminUserIDs) != 1 {
		t.Fatalf("limits section %+v", cfg)
	}
	if cfg.CacheTTL != time.Minute {
		t.Fatalf("CacheTTL = %v", cfg.CacheTTL)
	}
	// Untouched fields keep their defaults.
	if cfg.GlobalRateMax != 60 {
		t.Fatalf("GlobalRateMax = %d", cfg.GlobalRateMax)
	}
}

func TestApplyFileMissingIsError(t *testing.T) {
	cfg := Default()
	if err := ApplyFile(&cfg, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
