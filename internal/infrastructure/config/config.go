package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	ObjectStore ObjectStoreConfig `koanf:"object_store"`

	OCR    OCRConfig    `koanf:"ocr"`
	Search SearchConfig `koanf:"search"`
	Stream StreamConfig `koanf:"stream"`
	Verify VerifyConfig `koanf:"verify"`
	AI     AIConfig     `koanf:"ai"`

	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type ObjectStoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`
	// SignedURLTTL bounds presigned download links.
	SignedURLTTL time.Duration `koanf:"signed_url_ttl"`
}

type OCRConfig struct {
	// ChunkPages is the default split size; MaxChunkPages is the hard
	// ceiling the OCR provider accepts.
	ChunkPages    int `koanf:"chunk_pages" validate:"gt=0,lte=30"`
	MaxChunkPages int `koanf:"max_chunk_pages" validate:"gt=0,lte=30"`
	// MemoryBudgetBytes caps in-memory splitting; streaming mode kicks in
	// for anything larger than StreamingThresholdBytes.
	MemoryBudgetBytes       int64         `koanf:"memory_budget_bytes"`
	StreamingThresholdBytes int64         `koanf:"streaming_threshold_bytes"`
	SplitTimeout            time.Duration `koanf:"split_timeout"`
	// Validation thresholds. Words at or above LLMThreshold are accepted;
	// below HumanThreshold they go to the review queue.
	LLMThreshold   float64 `koanf:"llm_threshold" validate:"gte=0,lte=1"`
	HumanThreshold float64 `koanf:"human_threshold" validate:"gte=0,lte=1"`
	LLMBatchSize   int     `koanf:"llm_batch_size" validate:"gt=0,lte=20"`
}

type SearchConfig struct {
	DefaultLimit   int     `koanf:"default_limit" validate:"gt=0,lte=50"`
	BM25Weight     float64 `koanf:"bm25_weight" validate:"gte=0,lte=2"`
	SemanticWeight float64 `koanf:"semantic_weight" validate:"gte=0,lte=2"`
	RRFK           int     `koanf:"rrf_k" validate:"gt=0"`
	RerankEnabled  bool    `koanf:"rerank_enabled"`
	RerankTopN     int     `koanf:"rerank_top_n" validate:"gt=0"`
	// PerMatterLimit is the per-matter K for global search fan-out.
	PerMatterLimit int           `koanf:"per_matter_limit" validate:"gt=0"`
	ModelTimeout   time.Duration `koanf:"model_timeout"`
}

type StreamConfig struct {
	// TokenDelay paces token emission to protect downstream consumers.
	TokenDelay    time.Duration `koanf:"token_delay"`
	ChannelBuffer int           `koanf:"channel_buffer" validate:"gt=0"`
}

type VerifyConfig struct {
	// Backoff is the retry schedule for a failed verification batch.
	Backoff    []time.Duration `koanf:"backoff"`
	MaxRetries int             `koanf:"max_retries" validate:"gte=0"`
	// BulkLimit bounds bulk verification updates.
	BulkLimit int `koanf:"bulk_limit" validate:"gt=0"`
}

// AIConfig points at the model providers. BaseURL speaks the
// OpenAI-compatible chat/embeddings surface; RerankURL and OCRBaseURL
// are separate services with their own endpoints.
type AIConfig struct {
	BaseURL     string        `koanf:"base_url"`
	APIKey      string        `koanf:"api_key"`
	Model       string        `koanf:"model"`
	EmbedModel  string        `koanf:"embed_model"`
	RerankURL   string        `koanf:"rerank_url"`
	RerankModel string        `koanf:"rerank_model"`
	OCRBaseURL  string        `koanf:"ocr_base_url"`
	Timeout     time.Duration `koanf:"timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint   string  `koanf:"otlp_endpoint"`
	SampleRate     float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
	MetricsEnabled bool    `koanf:"metrics_enabled"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Bucket:       "matterdock",
			SignedURLTTL: 15 * time.Minute,
		},
		OCR: OCRConfig{
			ChunkPages:              15,
			MaxChunkPages:           30,
			MemoryBudgetBytes:       50 << 20,
			StreamingThresholdBytes: 100 << 20,
			SplitTimeout:            30 * time.Second,
			LLMThreshold:            0.85,
			HumanThreshold:          0.50,
			LLMBatchSize:            20,
		},
		Search: SearchConfig{
			DefaultLimit:   20,
			BM25Weight:     1.0,
			SemanticWeight: 1.0,
			RRFK:           60,
			RerankEnabled:  false,
			RerankTopN:     10,
			PerMatterLimit: 10,
			ModelTimeout:   30 * time.Second,
		},
		Stream: StreamConfig{
			TokenDelay:    5 * time.Millisecond,
			ChannelBuffer: 64,
		},
		Verify: VerifyConfig{
			Backoff:    []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
			MaxRetries: 3,
			BulkLimit:  100,
		},
		AI: AIConfig{
			BaseURL: "http://localhost:11434/v1",
			Model:   "llama3.1",
			// Model loading on first request can be slow on local
			// providers; the per-call context still bounds each request.
			Timeout: 120 * time.Second,
		},
		Telemetry: TelemetryConfig{
			SampleRate:     0.1,
			MetricsEnabled: true,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional; environment variables win over it.
	if err := k.Load(file.Provider("configs/config.yaml"), yaml.Parser()); err != nil {
		// Missing file is fine.
	}

	if err := k.Load(env.Provider("MDK_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "MDK_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
