// Package config provides configuration management for Memoir.
// Settings are resolved in order: a .env file in the working directory,
// built-in defaults, an optional YAML file named by MEMOIR_CONFIG_FILE,
// then environment variables with the MEMOIR_ prefix.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/scrypster/memoir/internal/engine"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/providers"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/pkg/types"
)

// Config holds all configuration settings for the Memoir application.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Queue     QueueConfig
	LLM       LLMConfig
	Providers ProvidersConfig
	Engine    EngineConfig
	Security  SecurityConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Server port (default: 6464)
	Host string // Server host (default: 127.0.0.1)
}

// StorageConfig contains database and vector index configuration.
type StorageConfig struct {
	Engine      string // Record store: sqlite, postgres (default: sqlite)
	DataPath    string // Data directory for the sqlite file and the event spool (default: ./data)
	PostgresDSN string // Required when Engine or VectorIndex is postgres
	VectorIndex string // Vector index: sqlite, postgres, chromem (default: same as Engine)

	// Snapshots of the sqlite database. Ignored for postgres.
	BackupDir      string // default: <DataPath>/backups
	BackupSchedule string // cron rule for the backup task; "off" disables (default: 30 3 * * *)
	BackupVerify   bool   // integrity_check each snapshot (default: true)
}

// QueueConfig contains job queue configuration.
type QueueConfig struct {
	Backend     string // memory, sqlite, redis (default: sqlite)
	RedisURL    string // Required when Backend is redis
	RedisPrefix string // Key prefix for the redis backend (default: memoir)
	MaxAttempts int    // Attempts before a job is dead-lettered (default: 5)
}

// LLMConfig contains classifier and embedder configuration.
type LLMConfig struct {
	Provider          string        // rules, openai, anthropic, ollama (default: rules)
	APIKey            string        // Classifier API key
	BaseURL           string        // Classifier endpoint override
	Model             string        // Classifier model
	EmbeddingProvider string        // hash, openai, ollama (default: hash)
	EmbeddingAPIKey   string        // Embedder API key (default: APIKey)
	EmbeddingBaseURL  string        // Embedder endpoint override
	EmbeddingModel    string        // Embedder model
	Dimension         int           // Embedding dimension (default: 384)
	Timeout           time.Duration // HTTP timeout for LLM calls (default: 60s)
}

// ProvidersConfig contains external content provider credentials.
type ProvidersConfig struct {
	TMDBKey        string
	TMDBLanguage   string // default: en-US
	GoogleBooksKey string
	GoogleCSEKey   string
	PlacesCX       string
	WebCX          string
	SpoonacularKey string
	RatePerSecond  float64       // Outbound quota per provider (default: 5)
	Timeout        time.Duration // HTTP timeout per call (default: 10s)
}

// EngineConfig contains worker pool, search and scheduler tuning.
type EngineConfig struct {
	NumWorkers          int
	PollInterval        time.Duration
	LeaseDuration       time.Duration
	SweepInterval       time.Duration
	ShutdownTimeout     time.Duration
	ClassifyTimeout     time.Duration
	EmbedTimeout        time.Duration
	ProviderTimeout     time.Duration
	ConfidenceThreshold float64
	Taxonomy            []string
	IntentProviders     map[types.Intent][]string
	FallbackProviders   []string
	QueryCacheSize      int
	ReindexBatchSize    int
	SchedulerInterval   time.Duration
	Schedules           []types.ScheduleDefinition
	RecoverPending      bool // Re-submit Pending records on start (always on for the memory queue)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string  // development, production (default: development)
	APIToken     string  // Bearer token, required in production
	RateLimit    float64 // Requests per second per client, 0 disables (default: 20)
	RateBurst    int     // Token bucket size (default: 40)
}

// LoadConfig loads configuration from .env, defaults, the optional YAML
// file and environment variables. The result is not validated.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("MEMOIR_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// Defaults returns a Config populated with built-in defaults only.
func Defaults() *Config {
	eng := engine.DefaultConfig()
	return &Config{
		Server: ServerConfig{Port: 6464, Host: "127.0.0.1"},
		Storage: StorageConfig{
			Engine:         "sqlite",
			DataPath:       "./data",
			BackupSchedule: "30 3 * * *",
			BackupVerify:   true,
		},
		Queue: QueueConfig{
			Backend:     "sqlite",
			RedisPrefix: "memoir",
			MaxAttempts: 5,
		},
		LLM: LLMConfig{
			Provider:          "rules",
			EmbeddingProvider: "hash",
			Dimension:         384,
			Timeout:           60 * time.Second,
		},
		Providers: ProvidersConfig{
			TMDBLanguage:  "en-US",
			RatePerSecond: 5,
			Timeout:       10 * time.Second,
		},
		Engine: EngineConfig{
			NumWorkers:          eng.NumWorkers,
			PollInterval:        eng.PollInterval,
			LeaseDuration:       eng.LeaseDuration,
			SweepInterval:       eng.SweepInterval,
			ShutdownTimeout:     eng.ShutdownTimeout,
			ClassifyTimeout:     eng.ClassifyTimeout,
			EmbedTimeout:        eng.EmbedTimeout,
			ProviderTimeout:     eng.ProviderTimeout,
			ConfidenceThreshold: eng.ConfidenceThreshold,
			Taxonomy:            eng.Taxonomy,
			IntentProviders:     eng.IntentProviders,
			FallbackProviders:   eng.FallbackProviders,
			QueryCacheSize:      eng.QueryCacheSize,
			ReindexBatchSize:    eng.ReindexBatchSize,
			SchedulerInterval:   eng.SchedulerInterval,
			Schedules:           eng.Schedules,
		},
		Security: SecurityConfig{
			SecurityMode: "development",
			RateLimit:    20,
			RateBurst:    40,
		},
	}
}

// applyEnv overlays MEMOIR_ environment variables, using the current
// values as defaults.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("MEMOIR_PORT", c.Server.Port)
	c.Server.Host = getEnv("MEMOIR_HOST", c.Server.Host)

	c.Storage.Engine = getEnv("MEMOIR_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("MEMOIR_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("MEMOIR_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.VectorIndex = getEnv("MEMOIR_VECTOR_BACKEND", c.Storage.VectorIndex)
	if c.Storage.VectorIndex == "" {
		c.Storage.VectorIndex = c.Storage.Engine
	}
	c.Storage.BackupDir = getEnv("MEMOIR_BACKUP_DIR", c.Storage.BackupDir)
	if c.Storage.BackupDir == "" {
		c.Storage.BackupDir = filepath.Join(c.Storage.DataPath, "backups")
	}
	c.Storage.BackupSchedule = getEnv("MEMOIR_BACKUP_SCHEDULE", c.Storage.BackupSchedule)
	c.Storage.BackupVerify = getEnvBool("MEMOIR_BACKUP_VERIFY", c.Storage.BackupVerify)

	c.Queue.Backend = getEnv("MEMOIR_QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.RedisURL = getEnv("MEMOIR_REDIS_URL", c.Queue.RedisURL)
	c.Queue.RedisPrefix = getEnv("MEMOIR_REDIS_PREFIX", c.Queue.RedisPrefix)
	c.Queue.MaxAttempts = getEnvInt("MEMOIR_MAX_ATTEMPTS", c.Queue.MaxAttempts)

	c.LLM.Provider = getEnv("MEMOIR_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.APIKey = getEnv("MEMOIR_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = getEnv("MEMOIR_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("MEMOIR_LLM_MODEL", c.LLM.Model)
	c.LLM.EmbeddingProvider = getEnv("MEMOIR_EMBEDDING_PROVIDER", c.LLM.EmbeddingProvider)
	c.LLM.EmbeddingAPIKey = getEnv("MEMOIR_EMBEDDING_API_KEY", c.LLM.EmbeddingAPIKey)
	if c.LLM.EmbeddingAPIKey == "" {
		c.LLM.EmbeddingAPIKey = c.LLM.APIKey
	}
	c.LLM.EmbeddingBaseURL = getEnv("MEMOIR_EMBEDDING_BASE_URL", c.LLM.EmbeddingBaseURL)
	c.LLM.EmbeddingModel = getEnv("MEMOIR_EMBEDDING_MODEL", c.LLM.EmbeddingModel)
	c.LLM.Dimension = getEnvInt("MEMOIR_EMBEDDING_DIMENSION", c.LLM.Dimension)
	c.LLM.Timeout = getEnvDuration("MEMOIR_LLM_TIMEOUT", c.LLM.Timeout)

	c.Providers.TMDBKey = getEnv("MEMOIR_TMDB_API_KEY", c.Providers.TMDBKey)
	c.Providers.TMDBLanguage = getEnv("MEMOIR_TMDB_LANGUAGE", c.Providers.TMDBLanguage)
	c.Providers.GoogleBooksKey = getEnv("MEMOIR_GOOGLE_BOOKS_API_KEY", c.Providers.GoogleBooksKey)
	c.Providers.GoogleCSEKey = getEnv("MEMOIR_GOOGLE_CSE_API_KEY", c.Providers.GoogleCSEKey)
	c.Providers.PlacesCX = getEnv("MEMOIR_GOOGLE_PLACES_CX", c.Providers.PlacesCX)
	c.Providers.WebCX = getEnv("MEMOIR_GOOGLE_WEB_CX", c.Providers.WebCX)
	c.Providers.SpoonacularKey = getEnv("MEMOIR_SPOONACULAR_API_KEY", c.Providers.SpoonacularKey)
	c.Providers.RatePerSecond = getEnvFloat("MEMOIR_PROVIDER_RATE", c.Providers.RatePerSecond)
	c.Providers.Timeout = getEnvDuration("MEMOIR_PROVIDER_HTTP_TIMEOUT", c.Providers.Timeout)

	e := &c.Engine
	e.NumWorkers = getEnvInt("MEMOIR_NUM_WORKERS", e.NumWorkers)
	e.PollInterval = getEnvDuration("MEMOIR_POLL_INTERVAL", e.PollInterval)
	e.LeaseDuration = getEnvDuration("MEMOIR_LEASE_DURATION", e.LeaseDuration)
	e.SweepInterval = getEnvDuration("MEMOIR_SWEEP_INTERVAL", e.SweepInterval)
	e.ShutdownTimeout = getEnvDuration("MEMOIR_SHUTDOWN_TIMEOUT", e.ShutdownTimeout)
	e.ClassifyTimeout = getEnvDuration("MEMOIR_CLASSIFY_TIMEOUT", e.ClassifyTimeout)
	e.EmbedTimeout = getEnvDuration("MEMOIR_EMBED_TIMEOUT", e.EmbedTimeout)
	e.ProviderTimeout = getEnvDuration("MEMOIR_PROVIDER_TIMEOUT", e.ProviderTimeout)
	e.ConfidenceThreshold = getEnvFloat("MEMOIR_CONFIDENCE_THRESHOLD", e.ConfidenceThreshold)
	e.Taxonomy = getEnvList("MEMOIR_TAXONOMY", e.Taxonomy)
	e.FallbackProviders = getEnvList("MEMOIR_FALLBACK_PROVIDERS", e.FallbackProviders)
	e.QueryCacheSize = getEnvInt("MEMOIR_QUERY_CACHE_SIZE", e.QueryCacheSize)
	e.ReindexBatchSize = getEnvInt("MEMOIR_REINDEX_BATCH_SIZE", e.ReindexBatchSize)
	e.SchedulerInterval = getEnvDuration("MEMOIR_SCHEDULER_INTERVAL", e.SchedulerInterval)
	e.RecoverPending = getEnvBool("MEMOIR_RECOVER_PENDING", e.RecoverPending)

	c.Security.SecurityMode = getEnv("MEMOIR_SECURITY_MODE", c.Security.SecurityMode)
	c.Security.APIToken = getEnv("MEMOIR_API_TOKEN", c.Security.APIToken)
	c.Security.RateLimit = getEnvFloat("MEMOIR_RATE_LIMIT", c.Security.RateLimit)
	c.Security.RateBurst = getEnvInt("MEMOIR_RATE_BURST", c.Security.RateBurst)
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port must be within 1-65535, got %d", c.Server.Port)
	}

	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported storage engine %q", c.Storage.Engine)
	}
	switch c.Storage.VectorIndex {
	case "sqlite", "postgres", "chromem":
	default:
		return fmt.Errorf("config: unsupported vector backend %q", c.Storage.VectorIndex)
	}
	if c.Storage.VectorIndex == "sqlite" && c.Storage.Engine != "sqlite" {
		return fmt.Errorf("config: sqlite vector backend requires the sqlite storage engine")
	}
	if c.Storage.VectorIndex == "postgres" && c.Storage.Engine != "postgres" {
		return fmt.Errorf("config: postgres vector backend requires the postgres storage engine")
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: MEMOIR_POSTGRES_DSN is required for the postgres storage engine")
	}
	if c.Storage.DataPath == "" {
		return fmt.Errorf("config: data path must not be empty")
	}

	switch c.Queue.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("config: MEMOIR_REDIS_URL is required for the redis queue backend")
		}
	default:
		return fmt.Errorf("config: unsupported queue backend %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "sqlite" && c.Storage.Engine != "sqlite" {
		return fmt.Errorf("config: sqlite queue backend requires the sqlite storage engine")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: max attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}

	if c.LLM.Dimension < 1 {
		return fmt.Errorf("config: embedding dimension must be >= 1, got %d", c.LLM.Dimension)
	}
	if c.Providers.RatePerSecond < 0 {
		return fmt.Errorf("config: provider rate must be >= 0, got %v", c.Providers.RatePerSecond)
	}

	switch c.Security.SecurityMode {
	case "development":
	case "production":
		if c.Security.APIToken == "" {
			return fmt.Errorf("config: MEMOIR_API_TOKEN is required in production mode")
		}
	default:
		return fmt.Errorf("config: unsupported security mode %q", c.Security.SecurityMode)
	}
	if c.Security.RateLimit < 0 || c.Security.RateBurst < 0 {
		return fmt.Errorf("config: rate limit and burst must be >= 0")
	}

	eng := c.EngineSettings()
	if err := eng.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EngineSettings converts the engine section to engine.Config.
func (c *Config) EngineSettings() engine.Config {
	e := c.Engine
	cfg := engine.DefaultConfig()
	cfg.NumWorkers = e.NumWorkers
	cfg.PollInterval = e.PollInterval
	cfg.LeaseDuration = e.LeaseDuration
	cfg.SweepInterval = e.SweepInterval
	cfg.ShutdownTimeout = e.ShutdownTimeout
	cfg.ClassifyTimeout = e.ClassifyTimeout
	cfg.EmbedTimeout = e.EmbedTimeout
	cfg.ProviderTimeout = e.ProviderTimeout
	cfg.ConfidenceThreshold = e.ConfidenceThreshold
	cfg.Taxonomy = e.Taxonomy
	cfg.IntentProviders = e.IntentProviders
	cfg.FallbackProviders = e.FallbackProviders
	cfg.QueryCacheSize = e.QueryCacheSize
	cfg.ReindexBatchSize = e.ReindexBatchSize
	cfg.SchedulerInterval = e.SchedulerInterval
	cfg.Schedules = e.Schedules
	if c.BackupsEnabled() {
		cfg.Schedules = append(append([]types.ScheduleDefinition(nil), e.Schedules...), types.ScheduleDefinition{
			Name:  BackupScheduleName,
			Rule:  c.Storage.BackupSchedule,
			Task:  scheduler.TaskBackup,
			Grace: time.Hour,
		})
	}
	// Without a durable queue, Pending records are lost on restart.
	cfg.RecoverPendingOnStart = e.RecoverPending || c.Queue.Backend == "memory"
	return cfg
}

// BackupScheduleName is the schedule that snapshots the sqlite database.
const BackupScheduleName = "database-backup"

// BackupsEnabled reports whether the backup schedule is registered.
func (c *Config) BackupsEnabled() bool {
	return c.Storage.Engine == "sqlite" && c.Storage.BackupSchedule != "" && c.Storage.BackupSchedule != "off"
}

// LLMSettings converts the LLM section to llm.Config.
func (c *Config) LLMSettings() llm.Config {
	return llm.Config{
		Provider:          c.LLM.Provider,
		APIKey:            c.LLM.APIKey,
		BaseURL:           c.LLM.BaseURL,
		Model:             c.LLM.Model,
		EmbeddingProvider: c.LLM.EmbeddingProvider,
		EmbeddingAPIKey:   c.LLM.EmbeddingAPIKey,
		EmbeddingBaseURL:  c.LLM.EmbeddingBaseURL,
		EmbeddingModel:    c.LLM.EmbeddingModel,
		Dimension:         c.LLM.Dimension,
		Timeout:           c.LLM.Timeout,
		Taxonomy:          c.Engine.Taxonomy,
	}
}

// ProviderKeys returns the credentials passed to providers.Build.
func (c *Config) ProviderKeys() providers.Keys {
	p := c.Providers
	return providers.Keys{
		TMDB:         p.TMDBKey,
		TMDBLanguage: p.TMDBLanguage,
		GoogleBooks:  p.GoogleBooksKey,
		GoogleCSE:    p.GoogleCSEKey,
		PlacesCX:     p.PlacesCX,
		WebCX:        p.WebCX,
		Spoonacular:  p.SpoonacularKey,
	}
}

// ProviderClient returns the transport settings passed to providers.Build.
func (c *Config) ProviderClient() providers.ClientConfig {
	return providers.ClientConfig{
		RatePerSecond: c.Providers.RatePerSecond,
		Timeout:       c.Providers.Timeout,
	}
}

// IsProduction reports whether bearer authentication is enforced.
func (c *Config) IsProduction() bool {
	return c.Security.SecurityMode == "production"
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a time.Duration environment variable ("90s", "5m")
// or returns a default value when unset or unparsable.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated list. Empty items are dropped.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
