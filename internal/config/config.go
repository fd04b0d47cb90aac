package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/agent/queue"
	"github.com/haasonsaas/llmops/internal/files"
	"github.com/haasonsaas/llmops/internal/memory"
	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/internal/rag/indexing"
	"github.com/haasonsaas/llmops/internal/rag/retrieval"
	"github.com/haasonsaas/llmops/internal/ratelimit"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/internal/tasks"
)

// Config is the main configuration structure for llmops.
type Config struct {
	Version    int                       `yaml:"version"`
	Server     ServerConfig              `yaml:"server"`
	Database   DatabaseConfig            `yaml:"database"`
	Cache      CacheConfig               `yaml:"cache"`
	Vector     VectorConfig              `yaml:"vector"`
	Files      FilesConfig               `yaml:"files"`
	LLM        LLMConfig                 `yaml:"llm"`
	Embeddings EmbeddingsConfig          `yaml:"embeddings"`
	Agent      AgentConfig               `yaml:"agent"`
	Apps       map[string]AppConfig      `yaml:"apps"`
	Queue      queue.Config              `yaml:"queue"`
	Indexing   indexing.Config           `yaml:"indexing"`
	Retrieval  retrieval.Config          `yaml:"retrieval"`
	Tasks      tasks.Config              `yaml:"tasks"`
	Logging    observability.LogConfig   `yaml:"logging"`
	Tracing    observability.TraceConfig `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit caps chat and hit-testing requests per account.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate *bool `yaml:"auto_migrate"`
}

// Storage converts the section into storage connection settings.
func (d DatabaseConfig) Storage() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Driver = d.Driver
	cfg.DSN = d.DSN
	cfg.MaxOpenConns = d.MaxConnections
	cfg.MaxIdleConns = d.MaxIdle
	cfg.ConnMaxLifetime = d.ConnMaxLifetime
	cfg.ConnectTimeout = d.ConnectTimeout
	cfg.RunMigrations = d.AutoMigrate == nil || *d.AutoMigrate
	return cfg
}

// CacheConfig selects the shared cache used for locks and the task queue.
type CacheConfig struct {
	// Backend is memory or sql. The sql backend shares the database pool.
	Backend string `yaml:"backend"`

	// SweepSchedule is a cron expression for purging expired entries.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type VectorConfig struct {
	// Backend is memory or pgvector.
	Backend   string `yaml:"backend"`
	DSN       string `yaml:"dsn"`
	Dimension int    `yaml:"dimension"`
}

type FilesConfig struct {
	// Backend is local or s3.
	Backend string         `yaml:"backend"`
	Path    string         `yaml:"path"`
	S3      files.S3Config `yaml:"s3"`
}

type LLMConfig struct {
	// Provider is openai, anthropic, gemini or bedrock.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// Bedrock only. Without keys the default AWS credential chain applies.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type EmbeddingsConfig struct {
	// Provider is openai, ollama or hashing.
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Dimension int    `yaml:"dimension"`
}

// AgentConfig holds the defaults applied to every chat app.
type AgentConfig struct {
	// MaxIterationCount caps model calls per turn. Zero answers without
	// calling any tool.
	MaxIterationCount *int `yaml:"max_iteration_count"`

	MaxTokens    int                 `yaml:"max_tokens"`
	SystemPrompt string              `yaml:"system_prompt"`
	Memory       memory.BufferConfig `yaml:"memory"`
}

// AppConfig describes one chat app served at /v1/apps/{id}/chat.
type AppConfig struct {
	AccountID    string `yaml:"account_id"`
	PresetPrompt string `yaml:"preset_prompt"`
	Model        string `yaml:"model"`

	// DatasetIDs are searched by the dataset_retrieval tool. The tool is
	// bound only when at least one dataset is listed.
	DatasetIDs []string         `yaml:"dataset_ids"`
	Retrieval  retrieval.Config `yaml:"retrieval"`

	// Tools lists further tools as "provider/name", e.g. "time/current_time".
	Tools []string `yaml:"tools"`

	LongTermMemory    bool               `yaml:"long_term_memory"`
	MaxIterationCount *int               `yaml:"max_iteration_count"`
	Review            agent.ReviewConfig `yaml:"review"`
}

// ToolKeys parses Tools.
func (a AppConfig) ToolKeys() ([]agent.ToolKey, error) {
	keys := make([]agent.ToolKey, 0, len(a.Tools))
	for _, t := range a.Tools {
		provider, name, ok := strings.Cut(t, "/")
		if !ok || provider == "" || name == "" {
			return nil, fmt.Errorf("tool %q must be provider/name", t)
		}
		keys = append(keys, agent.ToolKey{Provider: provider, Name: name})
	}
	return keys, nil
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config invalid"
	}
	return "config invalid:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Default returns a configuration with every default applied. It runs
// fully in-process with SQLite and in-memory backends.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges, decodes, defaults and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	rl := ratelimit.DefaultConfig()
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = rl.RequestsPerSecond
	}
	if cfg.Server.RateLimit.BurstSize == 0 {
		cfg.Server.RateLimit.BurstSize = rl.BurstSize
	}

	db := storage.DefaultConfig()
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = db.Driver
		if cfg.Database.DSN == "" {
			cfg.Database.DSN = db.DSN
		}
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = db.MaxOpenConns
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = db.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = db.ConnMaxLifetime
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = db.ConnectTimeout
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.SweepSchedule == "" {
		cfg.Cache.SweepSchedule = "@every 5m"
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "memory"
	}
	if cfg.Files.Backend == "" {
		cfg.Files.Backend = "local"
	}
	if cfg.Files.Backend == "local" && cfg.Files.Path == "" {
		cfg.Files.Path = "data/uploads"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "hashing"
	}

	if cfg.Agent.MaxIterationCount == nil {
		cfg.Agent.MaxIterationCount = agent.IntPtr(agent.DefaultMaxIterationCount)
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.Memory.MaxTokens == 0 {
		cfg.Agent.Memory.MaxTokens = memory.DefaultMaxTokens
	}
	if cfg.Agent.Memory.MaxMessages == 0 {
		cfg.Agent.Memory.MaxMessages = memory.DefaultMaxMessages
	}

	q := queue.DefaultConfig()
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = q.PollInterval
	}
	if cfg.Queue.PingInterval == 0 {
		cfg.Queue.PingInterval = q.PingInterval
	}
	if cfg.Queue.Timeout == 0 {
		cfg.Queue.Timeout = q.Timeout
	}
	if cfg.Queue.BelongTTL == 0 {
		cfg.Queue.BelongTTL = q.BelongTTL
	}
	if cfg.Queue.StopTTL == 0 {
		cfg.Queue.StopTTL = q.StopTTL
	}

	idx := indexing.DefaultConfig()
	if cfg.Indexing.BatchSize == 0 {
		cfg.Indexing.BatchSize = idx.BatchSize
	}
	if cfg.Indexing.Concurrency == 0 {
		cfg.Indexing.Concurrency = idx.Concurrency
	}

	ret := retrieval.DefaultConfig()
	if cfg.Retrieval.Strategy == "" {
		cfg.Retrieval.Strategy = ret.Strategy
	}
	if cfg.Retrieval.K == 0 {
		cfg.Retrieval.K = ret.K
	}

	tk := tasks.DefaultConfig()
	if cfg.Tasks.Workers == 0 {
		cfg.Tasks.Workers = tk.Workers
	}
	if cfg.Tasks.QueueSize == 0 {
		cfg.Tasks.QueueSize = tk.QueueSize
	}
	if cfg.Tasks.MaxAttempts == 0 {
		cfg.Tasks.MaxAttempts = tk.MaxAttempts
	}
	if cfg.Tasks.Timeout == 0 {
		cfg.Tasks.Timeout = tk.Timeout
	}
	if cfg.Tasks.Backoff.Initial == 0 {
		cfg.Tasks.Backoff = tk.Backoff
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "llmops"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 0 and 65535")
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.BurstSize < 0 {
		add("server.rate_limit values must not be negative")
	}

	if _, err := storage.ParseDialect(c.Database.Driver); err != nil {
		add("database.driver: %v", err)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		add("database.dsn is required")
	}

	switch c.Cache.Backend {
	case "memory", "sql":
	default:
		add("cache.backend must be memory or sql, got %q", c.Cache.Backend)
	}
	if err := tasks.ValidateSchedule(c.Cache.SweepSchedule); err != nil {
		add("cache.sweep_schedule: %v", err)
	}

	switch c.Vector.Backend {
	case "memory":
	case "pgvector":
		if c.Vector.DSN == "" && c.Database.Driver != string(storage.DialectPostgres) {
			add("vector.dsn is required unless database.driver is postgres")
		}
	default:
		add("vector.backend must be memory or pgvector, got %q", c.Vector.Backend)
	}
	if c.Vector.Dimension < 0 {
		add("vector.dimension must not be negative")
	}

	switch c.Files.Backend {
	case "local":
		if strings.TrimSpace(c.Files.Path) == "" {
			add("files.path is required for the local backend")
		}
	case "s3":
		if strings.TrimSpace(c.Files.S3.Bucket) == "" {
			add("files.s3.bucket is required for the s3 backend")
		}
	default:
		add("files.backend must be local or s3, got %q", c.Files.Backend)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini", "bedrock":
	default:
		add("llm.provider must be openai, anthropic, gemini or bedrock, got %q", c.LLM.Provider)
	}
	switch c.Embeddings.Provider {
	case "openai":
		if c.Embeddings.APIKey == "" && c.LLM.APIKey == "" {
			add("embeddings.api_key is required for the openai provider")
		}
	case "ollama", "hashing":
	default:
		add("embeddings.provider must be openai, ollama or hashing, got %q", c.Embeddings.Provider)
	}

	if n := c.Agent.MaxIterationCount; n != nil && *n < 0 {
		add("agent.max_iteration_count must not be negative")
	}
	for _, id := range slices.Sorted(maps.Keys(c.Apps)) {
		app := c.Apps[id]
		if _, err := app.ToolKeys(); err != nil {
			add("apps.%s.tools: %v", id, err)
		}
		if n := app.MaxIterationCount; n != nil && *n < 0 {
			add("apps.%s.max_iteration_count must not be negative", id)
		}
		if app.Retrieval.Strategy != "" {
			if _, err := retrieval.ParseStrategy(string(app.Retrieval.Strategy)); err != nil {
				add("apps.%s.retrieval.strategy: %v", id, err)
			}
		}
	}
	if c.Agent.MaxTokens < 0 {
		add("agent.max_tokens must not be negative")
	}

	if c.Queue.PollInterval < 0 || c.Queue.PingInterval < 0 || c.Queue.Timeout < 0 {
		add("queue intervals must not be negative")
	}
	if c.Indexing.BatchSize < 0 || c.Indexing.Concurrency < 0 {
		add("indexing.batch_size and indexing.concurrency must not be negative")
	}

	if _, err := retrieval.ParseStrategy(string(c.Retrieval.Strategy)); err != nil {
		add("retrieval.strategy: %v", err)
	}
	if c.Retrieval.K < 1 {
		add("retrieval.k must be positive")
	}
	if c.Retrieval.ScoreThreshold < 0 || c.Retrieval.ScoreThreshold > 1 {
		add("retrieval.score must be between 0 and 1")
	}

	if c.Tasks.Workers < 0 || c.Tasks.MaxAttempts < 0 {
		add("tasks.workers and tasks.max_attempts must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
