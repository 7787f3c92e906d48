package config

import "time"

// Config holds runtime configuration for the orchestrator service.
type Config struct {
	// HTTP
	ListenAddr string

	// LLM
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string

	// Search
	SearchBaseURL string
	SearchAPIKey  string

	// Redis (rate limits, result cache, stream registry)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Loop behavior
	SearchResultsCount int
	AgentMaxSteps      int
	RequestTimeout     time.Duration

	// Admission
	DailyRequestLimit   int
	GlobalRateMax       int
	GlobalRateWindow    time.Duration
	AdminUserIDs        []string

	// Cache
	CacheTTL time.Duration

	// Auth
	APIToken string

	// Telemetry
	OTLPEndpoint string

	Verbose bool
}

// Default returns a Config with the documented defaults applied. Env and
// config-file values are layered on top by the loaders in this package.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		SearchResultsCount: 3,
		AgentMaxSteps:      3,
		RequestTimeout:     60 * time.Second,
		DailyRequestLimit:  5,
		GlobalRateMax:      60,
		GlobalRateWindow:   60 * time.Second,
		CacheTTL:           6 * time.Hour,
	}
}
