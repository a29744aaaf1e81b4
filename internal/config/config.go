package config

import (
	"fmt"
	"strings"

	"github.com/medical-coding-server/internal/domain"
	"github.com/spf13/viper"
)

// Manager loads and validates service configuration using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment, and defaults
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/medical-coding-server/")

	viper.SetEnvPrefix("MEDCODE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and env vars cover a full setup
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Knowledge base artifacts
	viper.SetDefault("kb.path", "data/kb.json")
	viper.SetDefault("kb.embeddings_path", "data/kb_embeddings.json")

	// Retrieval defaults
	viper.SetDefault("retrieval.default_k", 100)
	viper.SetDefault("retrieval.encoder_url", "")
	viper.SetDefault("retrieval.encoder_model", "all-MiniLM-L6-v2")
	viper.SetDefault("retrieval.embedding_dim", 384)
	viper.SetDefault("retrieval.timeout", "10s")
	viper.SetDefault("retrieval.embedding_cache_size", 1024)

	// Rerank defaults
	viper.SetDefault("rerank.default_k", 10)
	viper.SetDefault("rerank.scorer_url", "")
	viper.SetDefault("rerank.scorer_model", "ms-marco-MiniLM-L-6-v2")
	viper.SetDefault("rerank.timeout", "10s")

	// Confidence policy (heuristic calibration carried over from the
	// original system; tune via config, not code)
	viper.SetDefault("confidence.scale", 0.8)
	viper.SetDefault("confidence.floor", 0.3)
	viper.SetDefault("confidence.ceiling", 0.9)
	viper.SetDefault("confidence.rank_decay", 0.15)
	viper.SetDefault("confidence.per_code_floor", 30)
	viper.SetDefault("confidence.per_code_ceiling", 95)

	// Guardrail policy tables
	viper.SetDefault("guardrails.category_limits", map[string]int{
		"a00-b99": 3,
		"i00-i99": 5,
		"j00-j99": 4,
	})

	// LLM grounding defaults
	viper.SetDefault("llm.provider", "mock")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.model", "gpt-3.5-turbo")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.max_tokens", 500)
	viper.SetDefault("llm.timeout", "30s")
	viper.SetDefault("llm.rate_limit", 10)

	// Result cache defaults
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "1h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)

	// Feedback store defaults
	viper.SetDefault("feedback.backend", "sqlite")
	viper.SetDefault("feedback.sqlite_path", "data/feedback.db")

	// Database defaults (postgres feedback backend)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "medical_coding")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "migrations")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.KB.Path == "" {
		return fmt.Errorf("kb path is required")
	}

	if config.Retrieval.DefaultK <= 0 {
		return fmt.Errorf("retrieval default_k must be positive: %d", config.Retrieval.DefaultK)
	}
	if config.Rerank.DefaultK <= 0 {
		return fmt.Errorf("rerank default_k must be positive: %d", config.Rerank.DefaultK)
	}
	if config.Retrieval.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dim must be positive: %d", config.Retrieval.EmbeddingDim)
	}

	c := config.Confidence
	if c.Floor < 0 || c.Ceiling > 1 || c.Floor >= c.Ceiling {
		return fmt.Errorf("confidence floor/ceiling must satisfy 0 <= floor < ceiling <= 1, got [%f, %f]",
			c.Floor, c.Ceiling)
	}
	if c.PerCodeFloor < 0 || c.PerCodeCeiling > 100 || c.PerCodeFloor >= c.PerCodeCeiling {
		return fmt.Errorf("per-code confidence bounds must satisfy 0 <= floor < ceiling <= 100, got [%d, %d]",
			c.PerCodeFloor, c.PerCodeCeiling)
	}

	provider := domain.ProviderMode(config.LLM.Provider)
	if !provider.IsValid() {
		return fmt.Errorf("invalid llm provider: %s", config.LLM.Provider)
	}
	if provider == domain.ProviderExternal && config.LLM.BaseURL == "" {
		return fmt.Errorf("llm base URL is required for external provider")
	}

	switch config.Feedback.Backend {
	case "sqlite":
		if config.Feedback.SQLitePath == "" {
			return fmt.Errorf("feedback sqlite path is required")
		}
	case "postgres":
		if config.Database.Host == "" || config.Database.Database == "" {
			return fmt.Errorf("database host and name are required for postgres feedback backend")
		}
	default:
		return fmt.Errorf("invalid feedback backend: %s", config.Feedback.Backend)
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required when cache is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted postgres connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}
