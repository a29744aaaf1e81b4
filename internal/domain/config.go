package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	KB         KBConfig         `mapstructure:"kb"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Rerank     RerankConfig     `mapstructure:"rerank"`
	Confidence ConfidenceConfig `mapstructure:"confidence"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// KBConfig points at the externally built knowledge base artifacts.
type KBConfig struct {
	Path           string `mapstructure:"path"`
	EmbeddingsPath string `mapstructure:"embeddings_path"`
}

// RetrievalConfig configures the candidate retriever and its encoder.
type RetrievalConfig struct {
	DefaultK           int           `mapstructure:"default_k"`
	EncoderURL         string        `mapstructure:"encoder_url"`
	EncoderModel       string        `mapstructure:"encoder_model"`
	EmbeddingDim       int           `mapstructure:"embedding_dim"`
	Timeout            time.Duration `mapstructure:"timeout"`
	EmbeddingCacheSize int           `mapstructure:"embedding_cache_size"`
}

// RerankConfig configures the cross-encoder reranker.
type RerankConfig struct {
	DefaultK    int           `mapstructure:"default_k"`
	ScorerURL   string        `mapstructure:"scorer_url"`
	ScorerModel string        `mapstructure:"scorer_model"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ConfidenceConfig holds the calibration coefficients of the confidence
// policy. The defaults reproduce the production heuristic; they are
// configuration rather than constants because the calibration was never
// derived from labeled accuracy data.
type ConfidenceConfig struct {
	Scale          float64 `mapstructure:"scale"`
	Floor          float64 `mapstructure:"floor"`
	Ceiling        float64 `mapstructure:"ceiling"`
	RankDecay      float64 `mapstructure:"rank_decay"`
	PerCodeFloor   int     `mapstructure:"per_code_floor"`
	PerCodeCeiling int     `mapstructure:"per_code_ceiling"`
}

// IncompatibleRule names two sets of code prefixes that must not appear
// together in one evidence set (e.g. pregnancy codes with male-only codes).
type IncompatibleRule struct {
	Name          string   `mapstructure:"name"`
	LeftPrefixes  []string `mapstructure:"left_prefixes"`
	RightPrefixes []string `mapstructure:"right_prefixes"`
}

// GuardrailsConfig configures the deterministic compliance rules.
// Category limits are keyed by ICD-10 section (e.g. "a00-b99"). The shipped
// caps mirror the original policy tables and carry no cited coding-standard
// source; they are policy, not fact.
type GuardrailsConfig struct {
	CategoryLimits map[string]int     `mapstructure:"category_limits"`
	Incompatible   []IncompatibleRule `mapstructure:"incompatible"`
}

// LLMConfig configures the external grounding model.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   int           `mapstructure:"rate_limit"`
}

// CacheConfig configures the optional redis result cache.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	RedisURL   string        `mapstructure:"redis_url"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
}

// DatabaseConfig represents the postgres connection for the feedback store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// FeedbackConfig selects the feedback storage backend.
type FeedbackConfig struct {
	Backend    string `mapstructure:"backend"` // "sqlite" or "postgres"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
