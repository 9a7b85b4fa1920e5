// Package config loads settings from a JSON file and DOCBT_-prefixed
// environment variables, env taking precedence over file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/aleenprd/docbt/internal/llm"
	"github.com/aleenprd/docbt/internal/source"
)

// Config is the full application configuration.
type Config struct {
	Source   SourceConfig  `json:"source"   envPrefix:"DOCBT_"`
	Backend  BackendConfig `json:"backend"  envPrefix:"DOCBT_BACKEND_"`
	Fallback BackendConfig `json:"fallback" envPrefix:"DOCBT_FALLBACK_"`
	Engine   EngineConfig  `json:"engine"   envPrefix:"DOCBT_"`
	Prompt   PromptConfig  `json:"prompt"   envPrefix:"DOCBT_"`
	Cache    CacheConfig   `json:"cache"    envPrefix:"DOCBT_"`
	Logging  LoggingConfig `json:"logging"  envPrefix:"DOCBT_"`
}

// SourceConfig selects the data source to document.
type SourceConfig struct {
	Kind       string `json:"kind"        env:"SOURCE_KIND"`
	Name       string `json:"name"        env:"SOURCE_NAME"`
	DSN        string `json:"dsn"         env:"SOURCE_DSN"`
	Schema     string `json:"schema"      env:"SOURCE_SCHEMA"`
	SampleRows int    `json:"sample_rows" env:"SOURCE_SAMPLE_ROWS"`
}

// BackendConfig describes one model backend. A fallback with an empty
// provider is disabled.
type BackendConfig struct {
	Provider         string `json:"provider"           env:"PROVIDER"`
	Model            string `json:"model"              env:"MODEL"`
	APIKey           string `json:"api_key"            env:"API_KEY"`
	BaseURL          string `json:"base_url"           env:"BASE_URL"`
	MaxContextTokens int    `json:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
}

// EngineConfig holds the generation policy knobs.
type EngineConfig struct {
	Workers      int    `json:"workers"       env:"WORKERS"`
	MaxAttempts  int    `json:"max_attempts"  env:"MAX_ATTEMPTS"`
	BaseBackoff  string `json:"base_backoff"  env:"BASE_BACKOFF"`
	MaxBackoff   string `json:"max_backoff"   env:"MAX_BACKOFF"`
	CallTimeout  string `json:"call_timeout"  env:"CALL_TIMEOUT"`
	BatchTimeout string `json:"batch_timeout" env:"BATCH_TIMEOUT"`
	// IncludeColumnSummaries is a pointer so an explicit false in the
	// config file survives the default of true.
	IncludeColumnSummaries *bool `json:"include_column_summaries" env:"COLUMN_SUMMARIES"`
}

// ColumnSummaries resolves the column-summary toggle, defaulting to on.
func (c *Config) ColumnSummaries() bool {
	if c.Engine.IncludeColumnSummaries == nil {
		return true
	}

	return *c.Engine.IncludeColumnSummaries
}

// PromptConfig points at an optional YAML template override file.
type PromptConfig struct {
	TemplateFile string `json:"template_file" env:"PROMPT_TEMPLATE_FILE"`
}

// CacheConfig locates the result cache.
type CacheConfig struct {
	Directory string `json:"directory" env:"CACHE_DIR"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `json:"level"  env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Kind:       source.KindPostgres,
			SampleRows: 20,
		},
		Engine: EngineConfig{
			Workers:      3,
			MaxAttempts:  3,
			BaseBackoff:  "500ms",
			MaxBackoff:   "8s",
			CallTimeout:  "60s",
			BatchTimeout: "0s",
		},
		Cache:   CacheConfig{Directory: "~/.cache/docbt"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load starts from defaults, merges the config file (if present), applies
// environment variables on top, then validates.
func Load() (*Config, error) {
	cfg, err := LoadRaw()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadRaw loads without validating, for commands that only need a subset
// of the configuration, like cache inspection.
func LoadRaw() (*Config, error) {
	cfg := Default()

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	merge(cfg, &fileCfg)

	return nil
}

// merge copies non-zero fields of source into target recursively.
func merge(target, fileCfg *Config) {
	var mergeValues func(t, s reflect.Value)
	mergeValues = func(t, s reflect.Value) {
		if t.Kind() != s.Kind() {
			return
		}

		if t.Kind() == reflect.Struct {
			for i := 0; i < s.NumField(); i++ {
				mergeValues(t.Field(i), s.Field(i))
			}
		} else if !s.IsZero() {
			t.Set(s)
		}
	}

	mergeValues(reflect.ValueOf(target).Elem(), reflect.ValueOf(fileCfg).Elem())
}

// Validate checks the configuration for common mistakes.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case source.KindPostgres, source.KindDuckDB:
	default:
		return fmt.Errorf("invalid source kind: %s (must be postgres or duckdb)", c.Source.Kind)
	}

	if err := validateBackend("backend", c.Backend, true); err != nil {
		return err
	}

	if err := validateBackend("fallback", c.Fallback, false); err != nil {
		return err
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive: %d", c.Engine.Workers)
	}

	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine max attempts must be positive: %d", c.Engine.MaxAttempts)
	}

	for name, value := range map[string]string{
		"base backoff":  c.Engine.BaseBackoff,
		"max backoff":   c.Engine.MaxBackoff,
		"call timeout":  c.Engine.CallTimeout,
		"batch timeout": c.Engine.BatchTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid engine %s: %s", name, value)
		}
	}

	return nil
}

func validateBackend(role string, b BackendConfig, required bool) error {
	if b.Provider == "" {
		if required {
			return fmt.Errorf("%s provider is required", role)
		}

		return nil
	}

	switch b.Provider {
	case llm.ProviderOpenAI, llm.ProviderOllama, llm.ProviderLMStudio:
	default:
		return fmt.Errorf("invalid %s provider: %s (must be openai, ollama, or lmstudio)", role, b.Provider)
	}

	if b.Model == "" {
		return fmt.Errorf("%s model is required", role)
	}

	return nil
}

// BackendConfigs returns the ordered backend preference list: primary
// first, then the fallback when configured.
func (c *Config) BackendConfigs() []llm.Config {
	configs := []llm.Config{c.Backend.toLLM()}

	if c.Fallback.Provider != "" {
		configs = append(configs, c.Fallback.toLLM())
	}

	return configs
}

func (b BackendConfig) toLLM() llm.Config {
	return llm.Config{
		Provider:         b.Provider,
		Model:            b.Model,
		APIKey:           b.APIKey,
		BaseURL:          b.BaseURL,
		MaxContextTokens: b.MaxContextTokens,
	}
}

// SourceConfig returns the adapter configuration. The source name
// defaults to its kind when unset.
func (c *Config) SourceConfig() source.Config {
	name := c.Source.Name
	if name == "" {
		name = c.Source.Kind
	}

	return source.Config{
		Kind:       c.Source.Kind,
		Name:       name,
		DSN:        c.Source.DSN,
		Schema:     c.Source.Schema,
		SampleRows: c.Source.SampleRows,
	}
}

// Duration accessors; Validate has already checked these parse.

func (c *Config) BaseBackoff() time.Duration  { return mustDuration(c.Engine.BaseBackoff) }
func (c *Config) MaxBackoff() time.Duration   { return mustDuration(c.Engine.MaxBackoff) }
func (c *Config) CallTimeout() time.Duration  { return mustDuration(c.Engine.CallTimeout) }
func (c *Config) BatchTimeout() time.Duration { return mustDuration(c.Engine.BatchTimeout) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// Save writes the configuration to the config file path.
func Save(cfg *Config) error {
	configPath := getConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// getConfigPath returns the config file location, honoring DOCBT_CONFIG.
func getConfigPath() string {
	if path := os.Getenv("DOCBT_CONFIG"); path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	return filepath.Join(home, ".config", "docbt", "config.json")
}
