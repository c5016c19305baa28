// Package config loads the knowledge base service's configuration from a
// YAML file with environment-variable overrides for secrets, following the
// defaults-with-a-log-line pattern the teacher's configuration loader uses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig describes the Postgres metadata store.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
	MaxConnLife int    `yaml:"max_conn_life_minutes"`
}

// S3SSEConfig describes server-side encryption applied to uploaded objects.
type S3SSEConfig struct {
	Mode     string `yaml:"mode"` // "", "sse-s3", "sse-kms"
	KMSKeyID string `yaml:"kms_key_id"`
}

// S3Config describes an S3-compatible object store backend (AWS S3 or a
// MinIO-style endpoint via Endpoint+UsePathStyle).
type S3Config struct {
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region"`
	Endpoint              string      `yaml:"endpoint"`
	UsePathStyle          bool        `yaml:"use_path_style"`
	Prefix                string      `yaml:"prefix"`
	AccessKey             string      `yaml:"access_key"`
	SecretKey             string      `yaml:"secret_key"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify"`
	SSE                   S3SSEConfig `yaml:"sse"`
}

// ObjectStoreConfig selects and configures the blob store backend.
type ObjectStoreConfig struct {
	Backend string   `yaml:"backend"` // "memory" | "s3"
	S3      S3Config `yaml:"s3"`
}

// VectorStoreConfig selects and configures the vector index backend.
type VectorStoreConfig struct {
	Backend    string         `yaml:"backend"` // "memory" | "qdrant" | "postgres"
	Dimensions int            `yaml:"dimensions"`
	Metric     string         `yaml:"metric"` // "cosine" (only one supported)
	Qdrant     QdrantConfig   `yaml:"qdrant"`
	Postgres   PgVectorConfig `yaml:"postgres"`
}

// QdrantConfig addresses a Qdrant gRPC endpoint and collection name.
type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
	APIKey     string `yaml:"api_key"`
}

// PgVectorConfig addresses a Postgres+pgvector table used as the vector
// backend; DSN may be left empty to reuse DatabaseConfig.DSN.
type PgVectorConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// BrokerConfig configures the conversion job queue.
type BrokerConfig struct {
	Backend string   `yaml:"backend"` // "memory" | "kafka"
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// RateLimitConfig sizes the token bucket guarding a provider's outbound
// calls, per spec's backpressure contract (excess traffic fails with
// PROVIDER_BUSY rather than queuing). RequestsPerSecond<=0 disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EmbeddingConfig configures the embedding provider adapter.
type EmbeddingConfig struct {
	Variant   string          `yaml:"variant"` // "hash" | "openai-compatible-http"
	Model     string          `yaml:"model"`
	BaseURL   string          `yaml:"base_url"`
	Path      string          `yaml:"path"`
	APIHeader string          `yaml:"api_header"`
	APIKey    string          `yaml:"api_key"`
	Timeout   int             `yaml:"timeout_seconds"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ChatLLMConfig configures a ChatLLM provider adapter.
type ChatLLMConfig struct {
	Variant   string          `yaml:"variant"` // "local-runtime" | "openai-compatible-http" | "anthropic-messages" | "openai-chat-completions"
	Model     string          `yaml:"model"`
	BaseURL   string          `yaml:"base_url"`
	APIKey    string          `yaml:"api_key"`
	MaxTokens int64           `yaml:"max_tokens"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RerankerConfig configures the reranker adapter.
type RerankerConfig struct {
	Variant   string          `yaml:"variant"` // "none" | "openai-compatible-http"
	Host      string          `yaml:"host"`
	Model     string          `yaml:"model"`
	APIKey    string          `yaml:"api_key"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// DocumentAIConfig addresses a Google Document AI processor, used by both
// the layout-aware PDF converter and the OCR adapter.
type DocumentAIConfig struct {
	ProjectID    string `yaml:"project_id"`
	Location     string `yaml:"location"`
	ProcessorID  string `yaml:"processor_id"`
	OCRProcessor string `yaml:"ocr_processor_id"`
}

// PdfConfig configures the PDF-to-Markdown converter cascade.
type PdfConfig struct {
	Variant    string           `yaml:"variant"` // "layout-aware-engine" | "plain-text-extractor"
	DocumentAI DocumentAIConfig `yaml:"document_ai"`
}

// OCRConfig configures the OCR fallback adapter.
type OCRConfig struct {
	Enabled    bool             `yaml:"enabled"`
	DocumentAI DocumentAIConfig `yaml:"document_ai"`
}

// ProvidersConfig groups every C1 provider adapter's configuration.
type ProvidersConfig struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	ChatLLM   ChatLLMConfig   `yaml:"chat_llm"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	Pdf       PdfConfig       `yaml:"pdf"`
	OCR       OCRConfig       `yaml:"ocr"`
}

// ConversionConfig tunes the C5 conversion worker.
type ConversionConfig struct {
	Workers      int `yaml:"workers"`
	MinTextChars int `yaml:"min_text_chars"`
	MaxRetries   int `yaml:"max_retries"`
	JobTimeout   int `yaml:"job_timeout_seconds"`
}

// RetrievalDefaults seeds per-tenant settings when a tenant has none.
type RetrievalDefaults struct {
	TopK            int      `yaml:"top_k"`
	ChunkStrategy   string   `yaml:"chunk_strategy"`
	ChunkSize       int      `yaml:"chunk_size"`
	OverlapPercent  int      `yaml:"overlap_percent"`
	Delimiters      []string `yaml:"delimiters"`
	RerankEnabled   bool     `yaml:"rerank_enabled"`
	GenerationModel string   `yaml:"generation_model"`
}

// RedisConfig addresses an optional Redis instance used to cache
// connectivity-diagnostics probe results and C3 partition-existence checks.
type RedisConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Addr                  string `yaml:"addr"`
	Password              string `yaml:"password"`
	DB                    int    `yaml:"db"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
	ProbeTTLSeconds       int    `yaml:"probe_ttl_seconds"`
}

// ObsConfig configures tracing/metrics export.
type ObsConfig struct {
	Metrics          string `yaml:"metrics"` // "otel" | "prometheus" | "noop"
	OTLP             string `yaml:"otlp_endpoint"`
	ServiceName      string `yaml:"service_name"`
	ServiceVersion   string `yaml:"service_version"`
	Environment      string `yaml:"environment"`
	PrometheusListen string `yaml:"prometheus_listen"`
}

// Config is the root configuration for every binary in this module.
type Config struct {
	LogLevel   string            `yaml:"log_level"`
	LogPath    string            `yaml:"log_path"`
	Database   DatabaseConfig    `yaml:"database"`
	ObjectStor ObjectStoreConfig `yaml:"object_store"`
	VectorStor VectorStoreConfig `yaml:"vector_store"`
	Broker     BrokerConfig      `yaml:"broker"`
	Providers  ProvidersConfig   `yaml:"providers"`
	Conversion ConversionConfig  `yaml:"conversion"`
	Retrieval  RetrievalDefaults `yaml:"retrieval_defaults"`
	Obs        ObsConfig         `yaml:"observability"`
	Redis      RedisConfig       `yaml:"redis"`
}

// Load reads and parses a YAML configuration file, applying defaults and
// environment-variable overrides for secrets.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Conversion.Workers <= 0 {
		cfg.Conversion.Workers = 4
		log.Info().Int("workers", 4).Msg("conversion.workers not set, defaulting")
	}
	if cfg.Conversion.MinTextChars <= 0 {
		cfg.Conversion.MinTextChars = 200
	}
	if cfg.Conversion.MaxRetries <= 0 {
		cfg.Conversion.MaxRetries = 3
	}
	if cfg.Conversion.JobTimeout <= 0 {
		cfg.Conversion.JobTimeout = 120
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = 8
	}
	if cfg.Retrieval.ChunkStrategy == "" {
		cfg.Retrieval.ChunkStrategy = "recursive-separator"
		log.Info().Str("chunk_strategy", "recursive-separator").Msg("retrieval_defaults.chunk_strategy not set, defaulting")
	}
	if cfg.Retrieval.ChunkSize <= 0 {
		cfg.Retrieval.ChunkSize = 1000
	}
	if cfg.VectorStor.Backend == "" {
		cfg.VectorStor.Backend = "memory"
	}
	if cfg.ObjectStor.Backend == "" {
		cfg.ObjectStor.Backend = "memory"
	}
	if cfg.Broker.Backend == "" {
		cfg.Broker.Backend = "memory"
	}
	if cfg.Obs.Metrics == "" {
		cfg.Obs.Metrics = "otel"
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "ragkb"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Redis.ProbeTTLSeconds <= 0 {
		cfg.Redis.ProbeTTLSeconds = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RAGKB_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("RAGKB_S3_ACCESS_KEY_ID"); v != "" {
		cfg.ObjectStor.S3.AccessKey = v
	}
	if v := os.Getenv("RAGKB_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.ObjectStor.S3.SecretKey = v
	}
	if v := os.Getenv("RAGKB_EMBEDDING_API_KEY"); v != "" {
		cfg.Providers.Embedding.APIKey = v
	}
	if v := os.Getenv("RAGKB_CHAT_LLM_API_KEY"); v != "" {
		cfg.Providers.ChatLLM.APIKey = v
	}
	if v := os.Getenv("RAGKB_RERANKER_API_KEY"); v != "" {
		cfg.Providers.Reranker.APIKey = v
	}
}

// ConnMaxLifetime returns the configured Postgres connection lifetime.
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	if d.MaxConnLife <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(d.MaxConnLife) * time.Minute
}
