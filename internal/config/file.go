package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LLM        struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"llm"`
	Search struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"search"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Agent struct {
		MaxSteps           int `yaml:"max_steps"`
		SearchResultsCount int `yaml:"search_results_count"`
		TimeoutSeconds     int `yaml:"timeout_seconds"`
	} `yaml:"agent"`
	Limits struct {
		DailyRequests  int      `yaml:"daily_requests"`
		GlobalMax      int      `yaml:"global_max"`
		GlobalWindowMS int      `yaml:"global_window_ms"`
		AdminUserIDs   []string `yaml:"admin_user_ids"`
	} `yaml:"limits"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	APIToken        string `yaml:"api_token"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
}

// ApplyFile layers values from a YAML config file over cfg. Missing file is
// an error; callers decide whether a file is required.
func ApplyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.LLM.BaseURL != "" {
		cfg.LLMBaseURL = fc.LLM.BaseURL
	}
	if fc.LLM.Model != "" {
		cfg.LLMModel = fc.LLM.Model
	}
	if fc.LLM.APIKey != "" {
		cfg.LLMAPIKey = fc.LLM.APIKey
	}
	if fc.Search.BaseURL != "" {
		cfg.SearchBaseURL = fc.Search.BaseURL
	}
	if fc.Search.APIKey != "" {
		cfg.SearchAPIKey = fc.Search.APIKey
	}
	if fc.Redis.Addr != "" {
		cfg.RedisAddr = fc.Redis.Addr
	}
	if fc.Redis.Password != "" {
		cfg.RedisPassword = fc.Redis.Password
	}
	if fc.Redis.DB != 0 {
		cfg.RedisDB = fc.Redis.DB
	}
	if fc.Agent.MaxSteps > 0 {
		cfg.AgentMaxSteps = fc.Agent.MaxSteps
	}
	if fc.Agent.SearchResultsCount > 0 {
		cfg.SearchResultsCount = fc.Agent.SearchResultsCount
	}
	if fc.Agent.TimeoutSeconds > 0 {
		cfg.RequestTimeout = time.Duration(fc.Agent.TimeoutSeconds) * time.Second
	}
	if fc.Limits.DailyRequests > 0 {
		cfg.DailyRequestLimit = fc.Limits.DailyRequests
	}
	if fc.Limits.GlobalMax > 0 {
		cfg.GlobalRateMax = fc.Limits.GlobalMax
	}
	if fc.Limits.GlobalWindowMS > 0 {
		cfg.GlobalRateWindow = time.Duration(fc.Limits.GlobalWindowMS) * time.Millisecond
	}
	if len(fc.Limits.AdminUserIDs) > 0 {
		cfg.AdminUserIDs = fc.Limits.AdminUserIDs
	}
	if fc.CacheTTLSeconds > 0 {
		cfg.CacheTTL = time.Duration(fc.CacheTTLSeconds) * time.Second
	}
	if fc.APIToken != "" {
		cfg.APIToken = fc.APIToken
	}
	if fc.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = fc.OTLPEndpoint
	}
	return nil
}
