// Package config loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Reranker providers.
const (
	RerankerMonoVLM = "monovlm"
	RerankerLLM     = "llm"
	RerankerNone    = "none"
)

// Config holds all configuration for the pagerag service
type Config struct {
	// Server
	GRPCPort       int           `env:"GRPC_PORT" envDefault:"9090"`
	HTTPPort       int           `env:"HTTP_PORT" envDefault:"8080"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"64"`
	AskRateLimit   float64       `env:"ASK_RATE_LIMIT" envDefault:"2"`
	AskRateBurst   int           `env:"ASK_RATE_BURST" envDefault:"4"`
	QueryTimeout   time.Duration `env:"QUERY_TIMEOUT" envDefault:"5m"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Auth
	APIKey         string        `env:"API_KEY"`
	PageLinkSecret string        `env:"PAGE_LINK_SECRET"`
	PageLinkExpiry time.Duration `env:"PAGE_LINK_EXPIRY" envDefault:"1h"`

	// PostgreSQL (optional audit trail of indexing runs)
	DatabaseURL string `env:"DATABASE_URL"`

	// Qdrant
	QdrantGRPCURL  string        `env:"QDRANT_GRPC_URL" envDefault:"localhost:6334"`
	IndexName      string        `env:"INDEX_NAME" envDefault:"pdf_upload_index"`
	IndexDropGrace time.Duration `env:"INDEX_DROP_GRACE" envDefault:"0s"`

	// Retrieval embedder
	EmbedderURL         string `env:"EMBEDDER_URL" envDefault:"http://localhost:8001"`
	EmbedderModel       string `env:"EMBEDDER_MODEL" envDefault:"vidore/colqwen2-v1.0-merged"`
	EmbedderBatchSize   int    `env:"EMBEDDER_BATCH_SIZE" envDefault:"4"`
	EmbedderConcurrency int    `env:"EMBEDDER_CONCURRENCY" envDefault:"2"`

	// Reranker
	RerankerProvider          string `env:"RERANKER_PROVIDER" envDefault:"monovlm"`
	RerankerURL               string `env:"RERANKER_URL" envDefault:"http://localhost:8002"`
	RerankerModel             string `env:"RERANKER_MODEL" envDefault:"monovlm"`
	OllamaURL                 string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaRerankModel         string `env:"OLLAMA_RERANK_MODEL" envDefault:"qwen2.5vl"`
	RerankCandidateMultiplier int    `env:"RERANK_CANDIDATE_MULTIPLIER" envDefault:"3"`

	// Generator
	GeneratorURL       string `env:"GENERATOR_URL" envDefault:"http://localhost:8003"`
	GeneratorModel     string `env:"GENERATOR_MODEL" envDefault:"Qwen/Qwen2.5-VL-7B-Instruct"`
	RequireAccelerator bool   `env:"REQUIRE_ACCELERATOR" envDefault:"true"`
	MaxNewTokens       int    `env:"MAX_NEW_TOKENS" envDefault:"500"`
	PromptWrapQuery    bool   `env:"PROMPT_WRAP_QUERY" envDefault:"true"`

	// Query
	DefaultTopK int `env:"DEFAULT_TOP_K" envDefault:"3"`
	MaxTopK     int `env:"MAX_TOP_K" envDefault:"10"`

	// Answer history
	HistoryMaxEntries int           `env:"HISTORY_MAX_ENTRIES" envDefault:"50"`
	HistoryTTL        time.Duration `env:"HISTORY_TTL" envDefault:"24h"`

	// Rasterizer
	PdftoppmPath      string `env:"PDFTOPPM_PATH" envDefault:"pdftoppm"`
	RasterDPI         int    `env:"RASTER_DPI" envDefault:"100"`
	PageMaxDim        int    `env:"PAGE_MAX_DIM" envDefault:"448"`
	RasterConcurrency int    `env:"RASTER_CONCURRENCY" envDefault:"4"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxTopK < 1 {
		errs = append(errs, fmt.Errorf("MAX_TOP_K must be positive, got %d", c.MaxTopK))
	}
	if c.DefaultTopK < 1 || c.DefaultTopK > c.MaxTopK {
		errs = append(errs, fmt.Errorf("DEFAULT_TOP_K must be between 1 and MAX_TOP_K (%d), got %d", c.MaxTopK, c.DefaultTopK))
	}
	switch c.RerankerProvider {
	case RerankerMonoVLM, RerankerLLM, RerankerNone:
	default:
		errs = append(errs, fmt.Errorf("unknown RERANKER_PROVIDER %q", c.RerankerProvider))
	}
	if c.RerankCandidateMultiplier < 1 {
		errs = append(errs, fmt.Errorf("RERANK_CANDIDATE_MULTIPLIER must be positive, got %d", c.RerankCandidateMultiplier))
	}
	if c.PageMaxDim <= 0 {
		errs = append(errs, fmt.Errorf("PAGE_MAX_DIM must be positive, got %d", c.PageMaxDim))
	}
	if c.RasterDPI <= 0 {
		errs = append(errs, fmt.Errorf("RASTER_DPI must be positive, got %d", c.RasterDPI))
	}
	if c.MaxNewTokens <= 0 {
		errs = append(errs, fmt.Errorf("MAX_NEW_TOKENS must be positive, got %d", c.MaxNewTokens))
	}
	if c.HistoryMaxEntries < 1 {
		errs = append(errs, fmt.Errorf("HISTORY_MAX_ENTRIES must be positive, got %d", c.HistoryMaxEntries))
	}
	if c.HistoryTTL <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_TTL must be positive, got %s", c.HistoryTTL))
	}
	if c.IndexName == "" {
		errs = append(errs, errors.New("INDEX_NAME is required"))
	}

	return errors.Join(errs...)
}

// RerankEnabled reports whether a reranker provider is configured.
func (c *Config) RerankEnabled() bool {
	return c.RerankerProvider != RerankerNone
}
