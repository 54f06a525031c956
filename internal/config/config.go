package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	LLM           LLM           `yaml:"llm"`
	Search        Search        `yaml:"search"`
	Review        Review        `yaml:"review"`
	API           API           `yaml:"api"`
	Redis         Redis         `yaml:"redis"`
	Kafka         Kafka         `yaml:"kafka"`
	Elasticsearch Elasticsearch `yaml:"elasticsearch"`
	Logging       Logging       `yaml:"logging"`
}

// LLM configures the completion backend shared by all review agents.
type LLM struct {
	Provider    string        `yaml:"provider"` // openai | anthropic | ollama
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	RateLimit   int           `yaml:"rate_limit"` // requests/sec to the provider, 0 = unlimited
}

// Search configures the web-search backend used by the evidence agent.
type Search struct {
	Provider   string        `yaml:"provider"` // tavily | bing | searxng
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  int           `yaml:"rate_limit"`
}

// Review configures the pipeline runtime: pool sizes, caps, timeouts, output.
type Review struct {
	MaxWorkers        int           `yaml:"max_workers"`        // global task worker pool
	QueueSize         int           `yaml:"queue_size"`         // pending-task queue depth before 503
	ModifyConcurrency int           `yaml:"modify_concurrency"` // per-task section rewrites in flight
	SearchConcurrency int           `yaml:"search_concurrency"` // per-task evidence queries in flight
	ClaimCap          int           `yaml:"claim_cap"`          // max claims processed per run
	TaskTimeout       time.Duration `yaml:"task_timeout"`       // wall clock per task
	CleanupAfter      time.Duration `yaml:"cleanup_after"`      // terminal-task retention
	OutputDir         string        `yaml:"output_dir"`
	SyncMaxBytes      int           `yaml:"sync_max_bytes"`  // document cap, sync delivery
	AsyncMaxBytes     int           `yaml:"async_max_bytes"` // document cap, async/stream delivery
}

// API configuration
type API struct {
	Port        int  `yaml:"port"`
	RateLimit   int  `yaml:"rate_limit"`
	MetricsPort int  `yaml:"metrics_port"`
	Websockets  bool `yaml:"websockets"`
}

// Redis configuration (task store)
type Redis struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

// Kafka configuration for the optional task lifecycle event stream.
type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Elasticsearch configuration for the optional review history index.
type Elasticsearch struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Index   string `yaml:"index"`
}

// Logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&config)
	overrideWithEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with all defaults applied and no file read.
// Used by the CLI and by tests.
func Default() *Config {
	config := &Config{}
	setDefaults(config)
	return config
}

// setDefaults sets default values for optional fields
func setDefaults(config *Config) {
	// LLM defaults
	if config.LLM.Provider == "" {
		config.LLM.Provider = "openai"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "gpt-4o-mini"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 4096
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.3
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 120 * time.Second
	}
	if config.LLM.Retries == 0 {
		config.LLM.Retries = 3
	}

	// Search defaults
	if config.Search.Provider == "" {
		config.Search.Provider = "tavily"
	}
	if config.Search.MaxResults == 0 {
		config.Search.MaxResults = 5
	}
	if config.Search.Timeout == 0 {
		config.Search.Timeout = 15 * time.Second
	}

	// Review defaults
	if config.Review.MaxWorkers == 0 {
		config.Review.MaxWorkers = 4
	}
	if config.Review.QueueSize == 0 {
		config.Review.QueueSize = 32
	}
	if config.Review.ModifyConcurrency == 0 {
		config.Review.ModifyConcurrency = 5
	}
	if config.Review.SearchConcurrency == 0 {
		config.Review.SearchConcurrency = 5
	}
	if config.Review.ClaimCap == 0 {
		config.Review.ClaimCap = 25
	}
	if config.Review.TaskTimeout == 0 {
		config.Review.TaskTimeout = 10 * time.Minute
	}
	if config.Review.CleanupAfter == 0 {
		config.Review.CleanupAfter = 24 * time.Hour
	}
	if config.Review.OutputDir == "" {
		config.Review.OutputDir = "output"
	}
	if config.Review.SyncMaxBytes == 0 {
		config.Review.SyncMaxBytes = 100 * 1024
	}
	if config.Review.AsyncMaxBytes == 0 {
		config.Review.AsyncMaxBytes = 1024 * 1024
	}

	// API defaults
	if config.API.Port == 0 {
		config.API.Port = 8080
	}
	if config.API.RateLimit == 0 {
		config.API.RateLimit = 1000
	}
	if config.API.MetricsPort == 0 {
		config.API.MetricsPort = 2112
	}

	// Redis defaults
	if config.Redis.URL == "" {
		config.Redis.URL = "redis://localhost:6379"
	}
	if config.Redis.PoolSize == 0 {
		config.Redis.PoolSize = 20
	}

	// Kafka defaults
	if len(config.Kafka.Brokers) == 0 {
		config.Kafka.Brokers = []string{"localhost:9092"}
	}
	if config.Kafka.Topic == "" {
		config.Kafka.Topic = "docsurge.tasks"
	}

	// Elasticsearch defaults
	if config.Elasticsearch.URL == "" {
		config.Elasticsearch.URL = "http://localhost:9200"
	}
	if config.Elasticsearch.Index == "" {
		config.Elasticsearch.Index = "docsurge-reviews"
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		config.LLM.Model = model
	}
	if base := os.Getenv("LLM_BASE_URL"); base != "" {
		config.LLM.BaseURL = base
	}
	if key := os.Getenv("SEARCH_API_KEY"); key != "" {
		config.Search.APIKey = key
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if esURL := os.Getenv("ES_URL"); esURL != "" {
		config.Elasticsearch.URL = esURL
	}
	if dir := os.Getenv("OUTPUT_DIR"); dir != "" {
		config.Review.OutputDir = dir
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}
	if workers := os.Getenv("MAX_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			config.Review.MaxWorkers = n
		}
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	switch config.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("llm provider must be one of: openai, anthropic, ollama")
	}

	switch config.Search.Provider {
	case "tavily", "bing", "searxng":
	default:
		return fmt.Errorf("search provider must be one of: tavily, bing, searxng")
	}

	if config.Review.MaxWorkers <= 0 || config.Review.MaxWorkers > 256 {
		return fmt.Errorf("review max_workers must be > 0 and <= 256")
	}
	if config.Review.ModifyConcurrency <= 0 || config.Review.ModifyConcurrency > 64 {
		return fmt.Errorf("review modify_concurrency must be > 0 and <= 64")
	}
	if config.Review.ClaimCap <= 0 {
		return fmt.Errorf("review claim_cap must be positive")
	}
	if config.Review.SyncMaxBytes > config.Review.AsyncMaxBytes {
		return fmt.Errorf("review sync_max_bytes must not exceed async_max_bytes")
	}
	if config.Redis.URL == "" {
		return fmt.Errorf("redis URL must not be empty")
	}
	if config.Kafka.Enabled && len(config.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers must not be empty when kafka is enabled")
	}

	return nil
}
