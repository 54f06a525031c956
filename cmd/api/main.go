package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/api"
	"github.com/docsurge/docsurge/internal/config"
	"github.com/docsurge/docsurge/internal/kafka"
	"github.com/docsurge/docsurge/internal/llm"
	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/review"
	"github.com/docsurge/docsurge/internal/search"
	"github.com/docsurge/docsurge/internal/storage"
	"github.com/docsurge/docsurge/internal/task"
)

func main() {
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	configPath := flag.String("config", "", "Path to configuration file")
	portOverride := flag.Int("port", 0, "Override API port (default from config)")
	flag.Parse()

	// Config path: flag > env var > default
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *portOverride > 0 {
		cfg.API.Port = *portOverride
	}

	logger := newLogger(cfg)
	logger.Info().Str("config", cfgPath).Int("port", cfg.API.Port).Msg("Starting DocSurge API server")

	// ---- Metrics ----
	metrics.InitMetrics()
	metricsServer := metrics.NewServer(cfg.API.MetricsPort, logger)
	metricsServer.Start()

	// ---- Redis ----
	redisClient := redis.NewClient(&redis.Options{
		Addr:         strings.TrimPrefix(cfg.Redis.URL, "redis://"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.Redis.PoolSize,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis not reachable at startup (will retry on requests)")
	} else {
		logger.Info().Str("url", cfg.Redis.URL).Msg("Connected to Redis")
	}
	pingCancel()

	// ---- Outbound clients ----
	llmClient := llm.NewClient(llm.Config{
		Provider:    llm.Provider(cfg.LLM.Provider),
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Retries:     cfg.LLM.Retries,
		RateLimit:   cfg.LLM.RateLimit,
	}, logger)

	searchClient := search.NewClient(search.Config{
		Provider:   search.Provider(cfg.Search.Provider),
		APIKey:     cfg.Search.APIKey,
		BaseURL:    cfg.Search.BaseURL,
		MaxResults: cfg.Search.MaxResults,
		Timeout:    cfg.Search.Timeout,
		RateLimit:  cfg.Search.RateLimit,
	}, logger)

	// ---- Review agents ----
	opts := review.Options{
		ModifyConcurrency: cfg.Review.ModifyConcurrency,
		SearchConcurrency: cfg.Review.SearchConcurrency,
		ClaimCap:          cfg.Review.ClaimCap,
	}
	agents := map[review.Kind]review.Agent{
		review.KindRedundancy: review.NewRedundancyAgent(llmClient, opts, logger),
		review.KindTable:      review.NewTableAgent(llmClient, opts, logger),
		review.KindThesis:     review.NewThesisAgent(llmClient, opts, logger),
		review.KindEvidence:   review.NewEvidenceAgent(llmClient, searchClient, opts, logger),
	}

	// ---- Orchestrator ----
	orch := task.NewOrchestrator(task.OrchestratorConfig{
		MaxWorkers:   cfg.Review.MaxWorkers,
		QueueSize:    cfg.Review.QueueSize,
		TaskTimeout:  cfg.Review.TaskTimeout,
		CleanupAfter: cfg.Review.CleanupAfter,
	},
		task.NewStore(redisClient, logger),
		agents,
		task.NewArtifactWriter(cfg.Review.OutputDir, logger),
		task.NewHub(),
		logger,
	)

	// ---- Kafka (optional) ----
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Kafka producer disabled")
		} else {
			orch.AddSink(producer)
		}
	}

	// ---- Elasticsearch (optional) ----
	if cfg.Elasticsearch.Enabled {
		esClient, err := storage.NewESClient(cfg.Elasticsearch.URL, cfg.Elasticsearch.Index, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Elasticsearch review history disabled")
		} else {
			orch.SetHistoryIndexer(esClient)
		}
	}

	orch.Start()

	// ---- HTTP server ----
	apiServer := api.NewServer(orch, redisClient, cfg, logger)
	httpServer := apiServer.ListenAndServe("")
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	// ---- Wait for shutdown signal ----
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown error")
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Orchestrator shutdown error")
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error().Err(err).Msg("Kafka producer close error")
		}
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server shutdown error")
	}
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Redis close error")
	}

	logger.Info().Msg("Shutdown complete")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "docsurge-api").Logger().Level(level)
	if cfg.Logging.Format == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
