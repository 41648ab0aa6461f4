package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"studio-agents/internal/domain/model"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SubmitLimit     int           `yaml:"submit_limit"`  // per user per window, 0 disables
	SubmitWindow    time.Duration `yaml:"submit_window"`
	StatusCacheSize int           `yaml:"status_cache_size"` // terminal rows kept in process, negative disables
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"` // empty disables bearer auth
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"` // terminal transaction cache
}

type QueueConfig struct {
	Backend       string        `yaml:"backend"` // redis | memory
	Stream        string        `yaml:"stream"`
	ConsumerGroup string        `yaml:"consumer_group"`
	Block         time.Duration `yaml:"block"`
	MaxAttempts   int           `yaml:"max_attempts"`
	ClaimIdle     time.Duration `yaml:"claim_idle"` // idle time before another worker reclaims a delivery
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type StagesConfig struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
}

// Timeout returns the configured timeout for a stage.
func (s StagesConfig) Timeout(stage model.StageKind) time.Duration {
	if d, ok := s.Timeouts[string(stage)]; ok && d > 0 {
		return d
	}
	return s.DefaultTimeout
}

// MaxTimeout is the longest time any stage may run.
func (s StagesConfig) MaxTimeout() time.Duration {
	longest := s.DefaultTimeout
	for _, d := range s.Timeouts {
		if d > longest {
			longest = d
		}
	}
	return longest
}

type IngestConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkOverlap int           `yaml:"chunk_overlap"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	FetchRate    float64       `yaml:"fetch_rate"` // fetches per second, 0 means unlimited
	MaxBytes     int64         `yaml:"max_bytes"`
}

type VectorConfig struct {
	PersistPath    string `yaml:"persist_path"`    // empty keeps collections in memory
	EmbeddingModel string `yaml:"embedding_model"` // OpenAI embedding model
	SearchTopK     int    `yaml:"search_top_k"`
}

type PriceConfig struct {
	InputMicros  int64 `yaml:"input_micros"`
	OutputMicros int64 `yaml:"output_micros"`
}

type AIConfig struct {
	Provider        string                 `yaml:"provider"` // openai | gemini | canned
	OpenAIKey       string                 `yaml:"openai_key"`
	OpenAIBaseURL   string                 `yaml:"openai_base_url"`
	GeminiKey       string                 `yaml:"gemini_key"`
	GeminiURL       string                 `yaml:"gemini_url"`
	DefaultModel    string                 `yaml:"default_model"`
	ModelProviders  map[string]string      `yaml:"model_providers"`
	MaxOutputTokens int                    `yaml:"max_output_tokens"`
	ConcurrentLimit int                    `yaml:"concurrent_limit"` // max concurrent AI calls
	Pricing         map[string]PriceConfig `yaml:"pricing"`
}

// PricingTable converts the configured prices into per-model pricing.
func (a AIConfig) PricingTable() map[string]*model.ModelPricing {
	out := make(map[string]*model.ModelPricing, len(a.Pricing))
	for name, p := range a.Pricing {
		out[name] = model.NewModelPricing(name, p.InputMicros, p.OutputMicros)
	}
	return out
}

type CallbackConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

type ReaperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

type Config struct {
	Log      LogConfig       `yaml:"log"`
	HTTP     HTTPConfig      `yaml:"http"`
	Auth     AuthConfig      `yaml:"auth"`
	Database DatabaseConfig  `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Queue    QueueConfig     `yaml:"queue"`
	Worker   WorkerConfig    `yaml:"worker"`
	Stages   StagesConfig    `yaml:"stages"`
	Ingest   IngestConfig    `yaml:"ingest"`
	Vector   VectorConfig    `yaml:"vector"`
	AI       AIConfig        `yaml:"ai"`
	Services []model.Service `yaml:"services"`
	Callback CallbackConfig  `yaml:"callback"`
	Reaper   ReaperConfig    `yaml:"reaper"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, applies env overrides and defaults, and validates.
// A missing file is allowed; everything then comes from env and defaults.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	applyEnv(&cfg)
	cfg.ApplyDefaults()
	cfg.Runtime.Dev = dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.AI.OpenAIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.AI.GeminiKey = v
	}
	if v := os.Getenv("AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// ApplyDefaults fills every unset field.
func (cfg *Config) ApplyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 15 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.HTTP.SubmitWindow <= 0 {
		cfg.HTTP.SubmitWindow = time.Minute
	}
	if cfg.HTTP.StatusCacheSize == 0 {
		cfg.HTTP.StatusCacheSize = 1024
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = 10 * time.Minute
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "redis"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "chains:v1:links"
	}
	if cfg.Queue.ConsumerGroup == "" {
		cfg.Queue.ConsumerGroup = "studio-workers"
	}
	if cfg.Queue.Block <= 0 {
		cfg.Queue.Block = 2 * time.Second
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 2
	}
	if cfg.Stages.DefaultTimeout <= 0 {
		cfg.Stages.DefaultTimeout = 50 * time.Minute
	}
	if cfg.Queue.ClaimIdle <= 0 {
		cfg.Queue.ClaimIdle = cfg.Stages.MaxTimeout() + 5*time.Minute
	}
	if cfg.Ingest.ChunkSize <= 0 {
		cfg.Ingest.ChunkSize = 500
	}
	if cfg.Ingest.ChunkOverlap <= 0 {
		cfg.Ingest.ChunkOverlap = 100
	}
	if cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		cfg.Ingest.ChunkOverlap = cfg.Ingest.ChunkSize / 5
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = 10
	}
	if cfg.Ingest.Concurrency <= 0 {
		cfg.Ingest.Concurrency = 4
	}
	if cfg.Ingest.FetchTimeout <= 0 {
		cfg.Ingest.FetchTimeout = 30 * time.Second
	}
	if cfg.Ingest.MaxBytes <= 0 {
		cfg.Ingest.MaxBytes = 20 << 20
	}
	if cfg.Vector.EmbeddingModel == "" {
		cfg.Vector.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Vector.SearchTopK <= 0 {
		cfg.Vector.SearchTopK = 5
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "openai"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 2048
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices()
	}
	if cfg.Callback.Timeout <= 0 {
		cfg.Callback.Timeout = 10 * time.Second
	}
	if cfg.Callback.Attempts <= 0 {
		cfg.Callback.Attempts = 3
	}
	if cfg.Reaper.Interval <= 0 {
		cfg.Reaper.Interval = time.Minute
	}
	if cfg.Reaper.StaleAfter <= 0 {
		cfg.Reaper.StaleAfter = 2 * time.Hour
	}
	if cfg.Reaper.BatchSize <= 0 {
		cfg.Reaper.BatchSize = 100
	}
}

// Validate performs minimal validation.
func (cfg *Config) Validate() error {
	switch cfg.Queue.Backend {
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required for the redis queue")
		}
		// a live delivery must not be reclaimed while its stage may still be running
		if cfg.Queue.ClaimIdle <= cfg.Stages.MaxTimeout() {
			return errors.New("queue.claim_idle must exceed the longest stage timeout")
		}
	case "memory":
	default:
		return fmt.Errorf("queue.backend %q is not supported", cfg.Queue.Backend)
	}
	if cfg.Reaper.StaleAfter <= cfg.Stages.MaxTimeout() {
		return errors.New("reaper.stale_after must exceed the longest stage timeout")
	}
	if _, err := model.NewServiceTable(cfg.Services); err != nil {
		return fmt.Errorf("services: %w", err)
	}
	return nil
}

// DefaultServices is the built-in routing table.
func DefaultServices() []model.Service {
	return []model.Service{
		{
			ID:          "primer",
			URL:         "/services/consultant-primer",
			Stage:       model.StagePrimer,
			Description: "Consultant primer on a topic",
		},
		{
			ID:          "personalized-email",
			URL:         "/services/personalized-email",
			Stage:       model.StageEmail,
			Description: "Personalized sales email for a prospect",
			Schema: []model.SchemaField{
				{Name: "name", Description: "Full name of the prospect", Type: "string"},
				{Name: "title", Description: "Job title of the prospect", Type: "string"},
				{Name: "company", Description: "Company the prospect works for", Type: "string"},
				{Name: "industry", Description: "Industry of the company", Type: "string"},
				{Name: "linkedin_url", Description: "LinkedIn profile URL of the prospect", Type: "string"},
				{Name: "our_product", Description: "Product being offered", Type: "string"},
				{Name: "product_url", Description: "URL of the product being offered", Type: "string"},
				{Name: "my_profile", Description: "Short profile of the sender", Type: "string"},
				{Name: "platform", Description: "Channel the message is written for", Type: "string", Default: "Email"},
			},
		},
		{
			ID:          "summarizer",
			URL:         "/services/document-summarizer",
			Stage:       model.StageSummary,
			Description: "Summary of the attached documents",
			Schema: []model.SchemaField{
				{Name: "document", Description: "Document or text to summarize", Type: "string"},
				{Name: "collection_name", Description: "Vector collection holding the documents", Type: "string"},
				{Name: "insight", Description: "What the reader wants to learn", Type: "string"},
			},
		},
		{
			ID:          "text-to-schema",
			URL:         "/services/text-to-schema",
			Stage:       model.StageSchemaExtract,
			Description: "Structured fields extracted from free text",
		},
	}
}
