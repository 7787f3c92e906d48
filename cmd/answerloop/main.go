package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/answerloop/answerloop/internal/agent"
	"github.com/answerloop/answerloop/internal/cache"
	"github.com/answerloop/answerloop/internal/chatstore"
	"github.com/answerloop/answerloop/internal/config"
	"github.com/answerloop/answerloop/internal/httpapi"
	"github.com/answerloop/answerloop/internal/llm"
	"github.com/answerloop/answerloop/internal/ratelimit"
	"github.com/answerloop/answerloop/internal/redisstore"
	"github.com/answerloop/answerloop/internal/scrape"
	"github.com/answerloop/answerloop/internal/search"
	"github.com/answerloop/answerloop/internal/stream"
	"github.com/answerloop/answerloop/internal/telemetry"
)

func main() {
	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	var (
		configPath string
		listenAddr string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "Path to optional YAML config file")
	flag.StringVar(&listenAddr, "listen", "", "Listen address, e.g. :8080 (overrides config)")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		if err := config.ApplyFile(&cfg, configPath); err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("config file load failed")
		}
	}
	config.ApplyEnv(&cfg)
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if verbose {
		cfg.Verbose = true
	}
	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "answerloop")
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry setup failed")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("trace flush failed")
		}
	}()

	rdb, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect failed")
	}
	defer func() { _ = rdb.Close() }()

	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey)
	resultCache := &cache.Cache{Client: rdb, TTL: cfg.CacheTTL}

	admins := map[string]struct{}{}
	for _, id := range cfg.AdminUserIDs {
		admins[id] = struct{}{}
	}

	loop := &agent.Loop{
		Rewriter:   &agent.LLMRewriter{Client: llmClient, Model: cfg.LLMModel, Verbose: cfg.Verbose},
		Evaluator:  &agent.LLMEvaluator{Client: llmClient, Model: cfg.LLMModel},
		Summarizer: &agent.LLMSummarizer{Client: llmClient, Model: cfg.LLMModel, Cache: resultCache},
		Answerer:   &agent.LLMAnswerer{Client: llmClient, Model: cfg.LLMModel},
		Guardrail:  &agent.LLMGuardrail{Client: llmClient, Model: cfg.LLMModel},
		Search: &search.Serper{
			BaseURL: cfg.SearchBaseURL,
			APIKey:  cfg.SearchAPIKey,
		},
		Scraper:         &scrape.Client{},
		Cache:           resultCache,
		MaxSteps:        cfg.AgentMaxSteps,
		ResultsPerQuery: cfg.SearchResultsCount,
	}

	server := &httpapi.Server{
		Auth:  &httpapi.StaticTokens{Tokens: map[string]string{cfg.APIToken: "default"}},
		Chats: chatstore.NewRedis(rdb),
		Daily: &ratelimit.DailyQuota{
			Client: rdb,
			Limit:  cfg.DailyRequestLimit,
			Admins: admins,
		},
		Global: &ratelimit.SlidingWindow{
			Client:     rdb,
			Max:        cfg.GlobalRateMax,
			Window:     cfg.GlobalRateWindow,
			MaxRetries: 3,
		},
		Resumer:        &stream.Resumer{Client: rdb},
		Loop:           loop,
		RequestTimeout: cfg.RequestTimeout,
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("answerloop listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
}
