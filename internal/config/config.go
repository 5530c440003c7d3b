// Package config loads the document-search core's startup configuration.
// Grounded on the teacher's internal/config.Config + LoadConfig pattern:
// a single struct per subsystem, populated once at startup from YAML with
// an environment overlay, and passed down through constructors rather than
// read from a process-global singleton (spec DESIGN NOTES §9).
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TenantConfig controls tenant-registry caching (§4.1).
type TenantConfig struct {
	ResolveCacheTTL time.Duration `yaml:"resolve_cache_ttl"`
}

// BlobConfig configures the blob store adapter (C2).
type BlobConfig struct {
	Backend   string `yaml:"backend"` // "s3" | "memory"
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	S3Prefix  string `yaml:"s3_prefix"`
	MaxMiB    int    `yaml:"max_mib"` // max accepted document size, default 50
}

// OCRConfig configures the GPU-gated OCR adapter (C3).
type OCRConfig struct {
	Backend           string        `yaml:"backend"`
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	MaxConcurrent     int           `yaml:"max_concurrent"` // GPU permits, default 4
	Timeout           time.Duration `yaml:"timeout"`        // default 10m
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
}

// ChunkingConfig configures the chunker (C4).
type ChunkingConfig struct {
	ChunkSize      int  `yaml:"chunk_size"`      // default 1000
	ChunkOverlap   int  `yaml:"chunk_overlap"`   // default 100
	PreserveLayout bool `yaml:"preserve_layout"` // default false
}

// EmbeddingConfig configures the embedding adapter (C5).
type EmbeddingConfig struct {
	Backend        string        `yaml:"backend"`
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Dimensions     int           `yaml:"dimensions"` // 1536
	BatchSize      int           `yaml:"batch_size"` // default 32
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	Timeout        time.Duration `yaml:"timeout"` // default 2m/batch
}

// VectorIndexConfig configures the per-tenant vector index (C6).
type VectorIndexConfig struct {
	Backend            string  `yaml:"backend"` // "memory" | "qdrant"
	QdrantDSN          string  `yaml:"qdrant_dsn"`
	CollectionPrefix   string  `yaml:"collection_prefix"`
	DefaultTopK        int     `yaml:"default_top_k"`
	DefaultThreshold   float64 `yaml:"default_threshold"` // 0.8
}

// CacheConfig configures the result cache (C7).
type CacheConfig struct {
	Backend        string        `yaml:"backend"` // "memory" | "redis"
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	MaxBytes       int64         `yaml:"max_bytes"` // LRU eviction budget
	SearchTTL      time.Duration `yaml:"search_ttl"`     // 1h
	AnswerTTL      time.Duration `yaml:"answer_ttl"`     // 24h
	HealthTTL      time.Duration `yaml:"health_ttl"`     // 5m
}

// RateLimitPolicy is a single sliding-window policy (§4.6).
type RateLimitPolicy struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitConfig configures the rate limiter (C8).
type RateLimitConfig struct {
	Auth    RateLimitPolicy `yaml:"auth"`    // 5/5min per IP+email
	Default RateLimitPolicy `yaml:"default"` // 1000/hour per tenant+IP
	Admin   RateLimitPolicy `yaml:"admin"`   // 10000/hour
}

// MetadataConfig configures the transactional metadata store.
type MetadataConfig struct {
	Backend string `yaml:"backend"` // "postgres" | "memory"
	DSN     string `yaml:"dsn"`
}

// IngestionConfig configures the ingestion coordinator (C9), mirroring the
// teacher's top-level IngestionConfig{MaxWorkers, UseAdvanced}.
type IngestionConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	CleanupDeadline time.Duration `yaml:"cleanup_deadline"`
}

// QueryConfig configures the query orchestrator (C11).
type QueryConfig struct {
	HistoryWindowChars int           `yaml:"history_window_chars"` // 1000
	ContextWindowTokens int          `yaml:"context_window_tokens"` // 8192
	Temperature        float64       `yaml:"temperature"`        // 0.7
	MaxOutputTokens    int           `yaml:"max_output_tokens"`  // 4096
	LLMTimeout         time.Duration `yaml:"llm_timeout"`        // 5m
	SystemPrompt       string        `yaml:"system_prompt"`
}

// ChatConfig configures the chat session manager (C12).
type ChatConfig struct {
	HistoryMessages int           `yaml:"history_messages"` // 50
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	MaxMessageBytes int           `yaml:"max_message_bytes"` // 16 KiB
}

// JobQueueConfig configures the worker pool / job queue (C13).
type JobQueueConfig struct {
	Backend    string `yaml:"backend"` // "memory" | "kafka"
	Workers    int    `yaml:"workers"` // default min(8, cpu)
	QueueDepth int    `yaml:"queue_depth"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	KafkaGroupID string   `yaml:"kafka_group_id"`
	DrainDeadline time.Duration `yaml:"drain_deadline"`
}

// LLMConfig configures the LLM adapter (C11's Complete call).
type LLMConfig struct {
	Backend   string `yaml:"backend"` // "anthropic" | "openai"
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
}

// TelemetryConfig controls OpenTelemetry metrics export, mirroring the
// teacher's TelemetryConfig{Enabled, Endpoint, Insecure, ServiceName}.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Config is the single configuration struct for the whole core, populated
// once at startup and threaded through constructors.
type Config struct {
	Tenant      TenantConfig      `yaml:"tenant"`
	Blob        BlobConfig        `yaml:"blob"`
	OCR         OCRConfig         `yaml:"ocr"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
	Cache       CacheConfig       `yaml:"cache"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Query       QueryConfig       `yaml:"query"`
	Chat        ChatConfig        `yaml:"chat"`
	JobQueue    JobQueueConfig    `yaml:"job_queue"`
	LLM         LLMConfig         `yaml:"llm"`
	OTel        TelemetryConfig   `yaml:"otel"`
}

// Load reads YAML configuration from filename, overlays a .env file (if
// present) the way the teacher's main() calls godotenv.Load before
// LoadConfig, then applies defaults for anything left zero.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load() // best effort; absence is not an error

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Tenant.ResolveCacheTTL <= 0 {
		c.Tenant.ResolveCacheTTL = 5 * time.Minute
	}
	if c.Blob.MaxMiB <= 0 {
		c.Blob.MaxMiB = 50
	}
	if c.OCR.MaxConcurrent <= 0 {
		c.OCR.MaxConcurrent = 4
	}
	if c.OCR.Timeout <= 0 {
		c.OCR.Timeout = 10 * time.Minute
	}
	if c.OCR.MaxRetries <= 0 {
		c.OCR.MaxRetries = 3
	}
	if c.OCR.RetryBaseDelay <= 0 {
		c.OCR.RetryBaseDelay = 2 * time.Second
	}
	if c.Chunking.ChunkSize <= 0 {
		c.Chunking.ChunkSize = 1000
	}
	if c.Chunking.ChunkOverlap <= 0 {
		c.Chunking.ChunkOverlap = 100
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 32
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = 3
	}
	if c.Embedding.RetryBaseDelay <= 0 {
		c.Embedding.RetryBaseDelay = 2 * time.Second
	}
	if c.Embedding.Timeout <= 0 {
		c.Embedding.Timeout = 2 * time.Minute
	}
	if c.VectorIndex.DefaultTopK <= 0 {
		c.VectorIndex.DefaultTopK = 5
	}
	if c.VectorIndex.DefaultThreshold <= 0 {
		c.VectorIndex.DefaultThreshold = 0.8
	}
	if c.VectorIndex.CollectionPrefix == "" {
		c.VectorIndex.CollectionPrefix = "docsearch"
	}
	if c.Cache.SearchTTL <= 0 {
		c.Cache.SearchTTL = time.Hour
	}
	if c.Cache.AnswerTTL <= 0 {
		c.Cache.AnswerTTL = 24 * time.Hour
	}
	if c.Cache.HealthTTL <= 0 {
		c.Cache.HealthTTL = 5 * time.Minute
	}
	if c.Cache.MaxBytes <= 0 {
		c.Cache.MaxBytes = 256 << 20
	}
	if c.RateLimit.Auth.MaxRequests <= 0 {
		c.RateLimit.Auth = RateLimitPolicy{MaxRequests: 5, Window: 5 * time.Minute}
	}
	if c.RateLimit.Default.MaxRequests <= 0 {
		c.RateLimit.Default = RateLimitPolicy{MaxRequests: 1000, Window: time.Hour}
	}
	if c.RateLimit.Admin.MaxRequests <= 0 {
		c.RateLimit.Admin = RateLimitPolicy{MaxRequests: 10000, Window: time.Hour}
	}
	if c.Ingestion.MaxRetries <= 0 {
		c.Ingestion.MaxRetries = 3
	}
	if c.Ingestion.RetryBackoff <= 0 {
		c.Ingestion.RetryBackoff = 2 * time.Second
	}
	if c.Ingestion.CleanupDeadline <= 0 {
		c.Ingestion.CleanupDeadline = 30 * time.Second
	}
	if c.Query.HistoryWindowChars <= 0 {
		c.Query.HistoryWindowChars = 1000
	}
	if c.Query.ContextWindowTokens <= 0 {
		c.Query.ContextWindowTokens = 8192
	}
	if c.Query.Temperature == 0 {
		c.Query.Temperature = 0.7
	}
	if c.Query.MaxOutputTokens <= 0 {
		c.Query.MaxOutputTokens = 4096
	}
	if c.Query.LLMTimeout <= 0 {
		c.Query.LLMTimeout = 5 * time.Minute
	}
	if c.Chat.HistoryMessages <= 0 {
		c.Chat.HistoryMessages = 50
	}
	if c.Chat.SessionTimeout <= 0 {
		c.Chat.SessionTimeout = 30 * time.Minute
	}
	if c.Chat.MaxMessageBytes <= 0 {
		c.Chat.MaxMessageBytes = 16 << 10
	}
	if c.JobQueue.Workers <= 0 {
		c.JobQueue.Workers = min(8, runtime.NumCPU())
	}
	if c.JobQueue.QueueDepth <= 0 {
		c.JobQueue.QueueDepth = 256
	}
	if c.JobQueue.DrainDeadline <= 0 {
		c.JobQueue.DrainDeadline = 30 * time.Second
	}
}
