package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all worker configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3004"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Graph service client
	Graph GraphConfig

	// LLM configuration
	LLM LLMConfig

	// Extraction pipeline tuning
	Extraction ExtractionConfig

	// OpenTelemetry
	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"1800s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"1800s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// GraphConfig holds graph service client settings.
// The base URL is NOT configured here: each job carries its own api_base.
type GraphConfig struct {
	APIKey         string        `env:"GRAPH_API_KEY" envDefault:""`
	RequestTimeout time.Duration `env:"GRAPH_REQUEST_TIMEOUT" envDefault:"30s"`

	// Client-side rate limit across all graph calls of one worker process.
	RateLimit float64 `env:"GRAPH_RATE_LIMIT" envDefault:"100"`
	RateBurst int     `env:"GRAPH_RATE_BURST" envDefault:"50"`
}

// LLMConfig holds LLM provider settings
type LLMConfig struct {
	APIKey   string `env:"LLM_API_KEY" envDefault:""`
	Endpoint string `env:"LLM_ENDPOINT" envDefault:"https://generativelanguage.googleapis.com"`
	Model    string `env:"LLM_MODEL" envDefault:"gemini-2.5-flash"`

	Temperature     float64 `env:"LLM_TEMPERATURE" envDefault:"0.2"`
	MaxOutputTokens int     `env:"LLM_MAX_OUTPUT_TOKENS" envDefault:"65536"`

	// Per-attempt timeout; the attempt is aborted when it elapses.
	AttemptTimeout time.Duration `env:"LLM_ATTEMPT_TIMEOUT" envDefault:"120s"`
	MaxRetries     int           `env:"LLM_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"LLM_RETRY_BASE_DELAY" envDefault:"15s"`
	RetryMaxDelay  time.Duration `env:"LLM_RETRY_MAX_DELAY" envDefault:"120s"`

	// Informational cost accounting, USD per million tokens.
	PromptTokenRate     float64 `env:"LLM_PROMPT_TOKEN_RATE" envDefault:"0.30"`
	CompletionTokenRate float64 `env:"LLM_COMPLETION_TOKEN_RATE" envDefault:"2.50"`
}

// ExtractionConfig holds the pipeline and check-create knobs
type ExtractionConfig struct {
	// Input guards
	MinTextLength int `env:"EXTRACT_MIN_TEXT_LENGTH" envDefault:"50"`
	MaxTextBytes  int `env:"EXTRACT_MAX_TEXT_BYTES" envDefault:"512000"`
	WarnTextBytes int `env:"EXTRACT_WARN_TEXT_BYTES" envDefault:"102400"`

	// Check-create protocol
	CheckCreateConcurrency int           `env:"EXTRACT_CHECK_CREATE_CONCURRENCY" envDefault:"20"`
	SettleDelay            time.Duration `env:"EXTRACT_SETTLE_DELAY" envDefault:"100ms"`
	SettleJitter           time.Duration `env:"EXTRACT_SETTLE_JITTER" envDefault:"100ms"`
	RecheckDelay           time.Duration `env:"EXTRACT_RECHECK_DELAY" envDefault:"150ms"`
	LookupRetries          int           `env:"EXTRACT_LOOKUP_RETRIES" envDefault:"2"`

	// Additive update batching
	UpdateBatchSize   int           `env:"EXTRACT_UPDATE_BATCH_SIZE" envDefault:"1000"`
	UpdateFireTimeout time.Duration `env:"EXTRACT_UPDATE_FIRE_TIMEOUT" envDefault:"120s"`
	UpdateFireRetries uint64        `env:"EXTRACT_UPDATE_FIRE_RETRIES" envDefault:"2"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("llm_model", cfg.LLM.Model),
		slog.Int("check_create_concurrency", cfg.Extraction.CheckCreateConcurrency),
	)

	return cfg, nil
}
