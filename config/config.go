// Package config loads the application configuration (ingenious.yml).
//
// The file selects the conversation store, the named models agents refer
// to, the retrieval backend, where workflows and prompt templates live,
// logging and the orchestration defaults applied to workflows that leave
// them unset. Every scalar connection setting can be overridden with an
// INGENIOUS_* environment variable, and ${VAR} references in the file are
// expanded before parsing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/ingest"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/workflow"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Retrieval backends.
const (
	RetrievalNone    = "none"
	RetrievalLexical = "lexical"
	RetrievalVector  = "vector"
	RetrievalSQLite  = "sqlite"
)

// Model providers.
const (
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azure_openai"
	ProviderAnthropic   = "anthropic"
	ProviderMock        = "mock"
)

// Config is the top-level ingenious.yml configuration.
type Config struct {
	Store        StoreConfig            `yaml:"store"`
	Models       map[string]ModelConfig `yaml:"models"`
	Retrieval    RetrievalConfig        `yaml:"retrieval"`
	Ingest       ingest.Config          `yaml:"ingest,omitempty"`
	WorkflowsDir string                 `yaml:"workflows_dir"`
	PromptsDir   string                 `yaml:"prompts_dir,omitempty"`
	Logging      LoggingConfig          `yaml:"logging"`
	Orchestrator OrchestratorConfig     `yaml:"orchestrator,omitempty"`

	envErrs []error
}

// StoreConfig selects and configures the conversation store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path  string      `yaml:"path,omitempty"`
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	Namespace string `yaml:"namespace"`
}

// ModelConfig describes one named model.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	// Model is the provider model id (ignored for azure_openai, which uses
	// Deployment).
	Model       string   `yaml:"model,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	Endpoint    string   `yaml:"endpoint,omitempty"`
	APIVersion  string   `yaml:"api_version,omitempty"`
	Deployment  string   `yaml:"deployment,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int64    `yaml:"max_tokens,omitempty"`
	// Responses seeds the mock provider with canned replies keyed by prompt.
	Responses map[string]string `yaml:"responses,omitempty"`
}

// RetrievalBackendConfig describes one retrieval index.
type RetrievalBackendConfig struct {
	Backend string `yaml:"backend"`
	// Path is the SQLite FTS database file.
	Path string `yaml:"path,omitempty"`
	// EmbeddingModel names the entry in Models whose client serves
	// embeddings for the vector backend; EmbeddingModelID is the provider
	// embedding model id.
	EmbeddingModel   string `yaml:"embedding_model,omitempty"`
	EmbeddingModelID string `yaml:"embedding_model_id,omitempty"`
}

// RetrievalConfig selects the retrieval backend. When Backends lists more
// than one index, queries fan out to all of them and the results are
// merged; ingestion writes to every listed index. Backend and Backends are
// mutually exclusive.
type RetrievalConfig struct {
	RetrievalBackendConfig `yaml:",inline"`
	Backends               []RetrievalBackendConfig `yaml:"backends,omitempty"`
	MinScore               float64                  `yaml:"min_score,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OrchestratorConfig holds defaults for workflows that leave them unset.
type OrchestratorConfig struct {
	MaxStepsPerAdvance int                      `yaml:"max_steps_per_advance,omitempty"`
	ContextWindow      int                      `yaml:"context_window,omitempty"`
	Retry              workflow.RetryPolicy     `yaml:"retry,omitempty"`
	Timeouts           workflow.Timeouts        `yaml:"timeouts,omitempty"`
	Concurrency        workflow.ConcurrencyMode `yaml:"concurrency,omitempty"`
	EventBufferSize    int                      `yaml:"event_buffer_size,omitempty"`
}

// Default returns the configuration used when no file is given: in-memory
// store, a single mock model, the lexical index and workflows from
// ./workflows.
func Default() *Config {
	cfg := &Config{
		Store:        StoreConfig{Driver: StoreMemory},
		Models:       map[string]ModelConfig{"default": {Provider: ProviderMock}},
		Retrieval:    RetrievalConfig{RetrievalBackendConfig: RetrievalBackendConfig{Backend: RetrievalLexical}},
		WorkflowsDir: "workflows",
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path yields Default with overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv(os.LookupEnv)
		cfg.applyDefaults()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data, expanding ${VAR} references and applying INGENIOUS_*
// overrides with lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		v, _ := lookup(key)
		return v
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, core.NewError(core.KindConfiguration, "config.parse", err)
	}
	cfg.applyEnv(lookup)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Store.Driver == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = "ingenious.db"
	}
	if c.Store.Driver == StoreRedis {
		if c.Store.Redis.Addr == "" {
			c.Store.Redis.Addr = "localhost:6379"
		}
		if c.Store.Redis.Namespace == "" {
			c.Store.Redis.Namespace = "default"
		}
	}
	if len(c.Models) == 0 {
		c.Models = map[string]ModelConfig{"default": {Provider: ProviderMock}}
	}
	if c.Retrieval.Backend == "" && len(c.Retrieval.Backends) == 0 {
		c.Retrieval.Backend = RetrievalLexical
	}
	c.Retrieval.RetrievalBackendConfig.applyDefaults()
	for i := range c.Retrieval.Backends {
		c.Retrieval.Backends[i].applyDefaults()
	}
	if c.WorkflowsDir == "" {
		c.WorkflowsDir = "workflows"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Ingest.ApplyDefaults()
	if c.Orchestrator.EventBufferSize == 0 {
		c.Orchestrator.EventBufferSize = 32
	}
}

// envOverrides maps INGENIOUS_* variables onto config fields.
var envOverrides = map[string]func(c *Config, v string) error{
	"INGENIOUS_STORE_DRIVER":      func(c *Config, v string) error { c.Store.Driver = v; return nil },
	"INGENIOUS_STORE_PATH":        func(c *Config, v string) error { c.Store.Path = v; return nil },
	"INGENIOUS_REDIS_ADDR":        func(c *Config, v string) error { c.Store.Redis.Addr = v; return nil },
	"INGENIOUS_REDIS_PASSWORD":    func(c *Config, v string) error { c.Store.Redis.Password = v; return nil },
	"INGENIOUS_REDIS_NAMESPACE":   func(c *Config, v string) error { c.Store.Redis.Namespace = v; return nil },
	"INGENIOUS_RETRIEVAL_BACKEND": func(c *Config, v string) error { c.Retrieval.Backend = v; return nil },
	"INGENIOUS_RETRIEVAL_PATH":    func(c *Config, v string) error { c.Retrieval.Path = v; return nil },
	"INGENIOUS_WORKFLOWS_DIR":     func(c *Config, v string) error { c.WorkflowsDir = v; return nil },
	"INGENIOUS_PROMPTS_DIR":       func(c *Config, v string) error { c.PromptsDir = v; return nil },
	"INGENIOUS_LOG_LEVEL":         func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"INGENIOUS_LOG_FORMAT":        func(c *Config, v string) error { c.Logging.Format = v; return nil },
	"INGENIOUS_REDIS_DB": func(c *Config, v string) error {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INGENIOUS_REDIS_DB: %w", err)
		}
		c.Store.Redis.DB = db
		return nil
	},
	"INGENIOUS_MODEL_TIMEOUT": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("INGENIOUS_MODEL_TIMEOUT: %w", err)
		}
		c.Orchestrator.Timeouts.Model = d
		return nil
	},
}

// applyEnv applies overrides. Malformed numeric values are kept as parse
// errors on the config and reported by Validate.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for key, set := range envOverrides {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			c.envErrs = append(c.envErrs, err)
		}
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	const op = "config.validate"
	if len(c.envErrs) > 0 {
		return core.NewError(core.KindConfiguration, op, c.envErrs[0])
	}

	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.Store.Redis.Namespace == "" {
			return core.Errorf(core.KindConfiguration, op, "store.redis.namespace is required")
		}
	default:
		return core.Errorf(core.KindConfiguration, op, "unknown store.driver %q", c.Store.Driver)
	}

	for name, m := range c.Models {
		if err := m.validate(name); err != nil {
			return err
		}
	}

	if len(c.Retrieval.Backends) > 0 {
		if c.Retrieval.Backend != "" {
			return core.Errorf(core.KindConfiguration, op, "set either retrieval.backend or retrieval.backends, not both")
		}
		for i, b := range c.Retrieval.Backends {
			if b.Backend == RetrievalNone {
				return core.Errorf(core.KindConfiguration, op, "retrieval.backends[%d]: backend %q cannot be combined", i, b.Backend)
			}
			if err := b.validate(fmt.Sprintf("retrieval.backends[%d]", i), c.Models); err != nil {
				return err
			}
		}
	} else if err := c.Retrieval.RetrievalBackendConfig.validate("retrieval", c.Models); err != nil {
		return err
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return core.Errorf(core.KindConfiguration, op, "retrieval.min_score must be in [0, 1]")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return core.NewError(core.KindConfiguration, op, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return core.Errorf(core.KindConfiguration, op, "logging.format must be text or json (got %q)", c.Logging.Format)
	}
	if err := c.Ingest.Validate(); err != nil {
		return err
	}
	switch c.Orchestrator.Concurrency {
	case "", workflow.ConcurrencyReject, workflow.ConcurrencyQueue:
	default:
		return core.Errorf(core.KindConfiguration, op, "unknown orchestrator.concurrency %q", c.Orchestrator.Concurrency)
	}
	return nil
}

func (m ModelConfig) validate(name string) error {
	const op = "config.validate"
	switch m.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderMock:
	case ProviderAzureOpenAI:
		if m.Endpoint == "" || m.Deployment == "" || m.APIVersion == "" {
			return core.Errorf(core.KindConfiguration, op, "model %q: azure_openai requires endpoint, api_version and deployment", name)
		}
	default:
		return core.Errorf(core.KindConfiguration, op, "model %q: unknown provider %q", name, m.Provider)
	}
	return nil
}

// WorkflowDefaults returns the workflow defaults implied by the
// orchestrator section, on top of workflow.Defaults.
func (c *Config) WorkflowDefaults() workflow.Config {
	o := c.Orchestrator
	d := workflow.Config{
		MaxStepsPerAdvance: o.MaxStepsPerAdvance,
		ContextWindow:      o.ContextWindow,
		Retry:              o.Retry,
		Timeouts:           o.Timeouts,
		Concurrency:        o.Concurrency,
	}
	d.ApplyDefaults(workflow.Defaults())
	return d
}

// LoggerConfig converts the logging section for logging.NewLogger.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return &logging.LoggerConfig{Level: level, Format: c.Logging.Format, Output: os.Stderr}
}

func (b *RetrievalBackendConfig) applyDefaults() {
	if b.Backend == RetrievalSQLite && b.Path == "" {
		b.Path = "index.db"
	}
}

func (b RetrievalBackendConfig) validate(field string, models map[string]ModelConfig) error {
	const op = "config.validate"
	switch b.Backend {
	case RetrievalNone, RetrievalLexical, RetrievalSQLite:
	case RetrievalVector:
		m, ok := models[b.EmbeddingModel]
		if !ok {
			return core.Errorf(core.KindConfiguration, op, "%s.embedding_model %q is not a configured model", field, b.EmbeddingModel)
		}
		if m.Provider != ProviderOpenAI && m.Provider != ProviderAzureOpenAI {
			return core.Errorf(core.KindConfiguration, op, "%s.embedding_model %q must use an openai or azure_openai provider", field, b.EmbeddingModel)
		}
	default:
		return core.Errorf(core.KindConfiguration, op, "unknown %s.backend %q", field, b.Backend)
	}
	return nil
}
