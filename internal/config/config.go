package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendElasticsearch = "elasticsearch"
	BackendPostgres      = "postgres"
)

// DefaultSetID identifies the Dupixent label on DailyMed.
const DefaultSetID = "595f437d-2729-40bb-9c62-c8ece1f82780"

// Common contains storage parameters shared by every service.
type Common struct {
	StoreBackend      string
	ElasticsearchAddr string
	IndexSuffix       string
	PostgresDSN       string
}

// Pipeline configures everything a mapping run talks to.
type Pipeline struct {
	RulesPath       string
	ModelEndpoint   string
	ModelDisabled   bool
	ModelToken      string
	ModelMaxLength  int
	ModelTimeout    time.Duration
	ModelRetries    int
	DailyMedBaseURL string
	FetchTimeout    time.Duration
	FetchRetries    int
	RedisAddr       string
	RunLockTTL      time.Duration
}

// Mapper holds configuration for a one-shot run.
type Mapper struct {
	Common
	Pipeline
	DrugName string
	SetID    string
}

// Worker holds configuration for the Kafka run-request worker.
type Worker struct {
	Common
	Pipeline
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaConsumer  string
	DedupeCapacity int
	DedupeTTL      time.Duration
	RunTimeout     time.Duration
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr    string
	DefaultPage int
	MaxPage     int
	CacheSize   int
	CacheTTL    time.Duration
	RateLimit   int
	RateWindow  time.Duration
}

// LoadMapper builds a Mapper config from environment variables.
func LoadMapper() (*Mapper, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	pipeline, err := loadPipeline()
	if err != nil {
		return nil, err
	}

	c := &Mapper{
		Common:   common,
		Pipeline: pipeline,
		DrugName: strings.TrimSpace(getEnv("DRUG_NAME", "dupixent")),
		SetID:    strings.TrimSpace(getEnv("DRUG_SET_ID", DefaultSetID)),
	}

	if c.DrugName == "" {
		return nil, fmt.Errorf("DRUG_NAME must not be empty")
	}
	if c.SetID == "" {
		return nil, fmt.Errorf("DRUG_SET_ID must not be empty")
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	pipeline, err := loadPipeline()
	if err != nil {
		return nil, err
	}

	c := &Worker{
		Common:         common,
		Pipeline:       pipeline,
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "mapping_requests"),
		KafkaConsumer:  getEnv("KAFKA_CONSUMER_GROUP", "indication-mapper"),
		DedupeCapacity: getInt("WORKER_DEDUPE_CAPACITY", 1000),
		DedupeTTL:      getDuration("WORKER_DEDUPE_TTL", "1h"),
		RunTimeout:     getDuration("WORKER_RUN_TIMEOUT", "10m"),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_CAPACITY must be positive")
	}
	if c.RunTimeout <= 0 {
		return nil, fmt.Errorf("WORKER_RUN_TIMEOUT must be positive")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	c := &API{
		Common:      common,
		BindAddr:    getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		DefaultPage: getInt("API_PAGE_SIZE", 20),
		MaxPage:     getInt("API_MAX_PAGE_SIZE", 100),
		CacheSize:   getInt("API_CACHE_SIZE", 1000),
		CacheTTL:    getDuration("API_CACHE_TTL", "5m"),
		RateLimit:   getInt("API_RATE_LIMIT", 100),
		RateWindow:  getDuration("API_RATE_WINDOW", "1m"),
	}

	if c.DefaultPage <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxPage <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultPage > c.MaxPage {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}
	if c.CacheSize < 0 {
		return nil, fmt.Errorf("API_CACHE_SIZE cannot be negative")
	}
	if c.RateLimit < 0 {
		return nil, fmt.Errorf("API_RATE_LIMIT cannot be negative")
	}
	if c.RateWindow <= 0 {
		return nil, fmt.Errorf("API_RATE_WINDOW must be positive")
	}

	return c, nil
}

func loadCommon() (Common, error) {
	c := Common{
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", BackendElasticsearch)),
		ElasticsearchAddr: getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		IndexSuffix:       getEnv("ELASTICSEARCH_INDEX_SUFFIX", "_mappings"),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
	}

	switch c.StoreBackend {
	case BackendElasticsearch:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return Common{}, fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return Common{}, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	return c, nil
}

func loadPipeline() (Pipeline, error) {
	p := Pipeline{
		RulesPath:       getEnv("RULES_PATH", ""),
		ModelEndpoint:   getEnv("MODEL_ENDPOINT", ""),
		ModelDisabled:   getBool("MODEL_DISABLED", false),
		ModelToken:      getEnv("MODEL_API_TOKEN", ""),
		ModelMaxLength:  getInt("MODEL_MAX_LENGTH", 512),
		ModelTimeout:    getDuration("MODEL_TIMEOUT", "30s"),
		ModelRetries:    getInt("MODEL_RETRIES", 3),
		DailyMedBaseURL: strings.TrimRight(getEnv("DAILYMED_BASE_URL", "https://dailymed.nlm.nih.gov/dailymed"), "/"),
		FetchTimeout:    getDuration("FETCH_TIMEOUT", "1m"),
		FetchRetries:    getInt("FETCH_RETRIES", 2),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RunLockTTL:      getDuration("RUN_LOCK_TTL", "10m"),
	}

	if p.ModelEndpoint == "" && !p.ModelDisabled {
		return Pipeline{}, fmt.Errorf("MODEL_ENDPOINT is required unless MODEL_DISABLED=true")
	}
	if p.ModelMaxLength <= 0 {
		return Pipeline{}, fmt.Errorf("MODEL_MAX_LENGTH must be positive")
	}
	if p.ModelRetries < 0 {
		return Pipeline{}, fmt.Errorf("MODEL_RETRIES cannot be negative")
	}
	if p.FetchRetries < 0 {
		return Pipeline{}, fmt.Errorf("FETCH_RETRIES cannot be negative")
	}

	return p, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
