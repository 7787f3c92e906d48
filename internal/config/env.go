package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv layers environment variables over cfg. Numeric and duration vars
// override whatever is already set when present; string vars only fill empty
// fields so that flag values keep precedence.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}

	setString(&cfg.ListenAddr, "LISTEN_ADDR")

	setString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	setString(&cfg.LLMModel, "LLM_MODEL")
	setString(&cfg.LLMAPIKey, "LLM_API_KEY")

	setString(&cfg.SearchBaseURL, "SEARCH_BASE_URL")
	setString(&cfg.SearchAPIKey, "SEARCH_API_KEY")

	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")

	setInt(&cfg.SearchResultsCount, "SEARCH_RESULTS_COUNT")
	setInt(&cfg.AgentMaxSteps, "AGENT_MAX_STEPS")
	setInt(&cfg.DailyRequestLimit, "DAILY_REQUEST_LIMIT")
	setInt(&cfg.GlobalRateMax, "GLOBAL_RATE_MAX")

	if ms, ok := lookupInt("GLOBAL_RATE_WINDOW_MS"); ok {
		cfg.GlobalRateWindow = time.Duration(ms) * time.Millisecond
	}
	if s, ok := lookupInt("CACHE_TTL_SECONDS"); ok {
		cfg.CacheTTL = time.Duration(s) * time.Second
	}
	if s, ok := lookupInt("REQUEST_TIMEOUT_SECONDS"); ok {
		cfg.RequestTimeout = time.Duration(s) * time.Second
	}

	if v := strings.TrimSpace(os.Getenv("ADMIN_USER_IDS")); v != "" && len(cfg.AdminUserIDs) == 0 {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.AdminUserIDs = append(cfg.AdminUserIDs, id)
			}
		}
	}

	setString(&cfg.APIToken, "API_TOKEN")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")

	if !cfg.Verbose {
		switch strings.ToLower(strings.TrimSpace(os.Getenv("VERBOSE"))) {
		case "1", "true", "yes", "on":
			cfg.Verbose = true
		}
	}
}

func setString(dst *string, key string) {
	if *dst != "" {
		return
	}
	*dst = os.Getenv(key)
}

func setInt(dst *int, key string) {
	if n, ok := lookupInt(key); ok {
		*dst = n
	}
}

func lookupInt(key string) (int, bool) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
