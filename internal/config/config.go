// Package config loads the pipeline's recognized configuration keys
// from a YAML file layered with environment-variable overrides,
// and validates the documented ranges and production constraints.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Environment is one of the three recognized deployment tiers.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// WorkerCounts mirrors workers.counts.{parser,ai,media,aggregator}.
type WorkerCounts struct {
	Parser     int `mapstructure:"parser" yaml:"parser"`
	AI         int `mapstructure:"ai" yaml:"ai"`
	Media      int `mapstructure:"media" yaml:"media"`
	Aggregator int `mapstructure:"aggregator" yaml:"aggregator"`
}

// WorkersConfig mirrors the workers.* key group.
type WorkersConfig struct {
	Counts             WorkerCounts `mapstructure:"counts" yaml:"counts"`
	MaxConcurrentTasks int          `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
}

// APIConfig mirrors the api.* key group. Keys are looked up by service
// name at the call site (anthropic, openai, bedrock, ...); Viper's
// nested-map support keeps this dynamic rather than a fixed struct.
type APIConfig struct {
	APIKeys          map[string]string `mapstructure:"api_keys" yaml:"api_keys"`
	RateLimits       map[string]int    `mapstructure:"rate_limits" yaml:"rate_limits"`
	Timeout          int               `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries       int               `mapstructure:"max_retries" yaml:"max_retries"`
	GeneratorBackend map[string]string `mapstructure:"generator_backend" yaml:"generator_backend"`
}

// CacheConfig mirrors the cache.* key group.
type CacheConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
	TTL  int `mapstructure:"ttl" yaml:"ttl"`
}

// StateConfig mirrors the state.* key group.
type StateConfig struct {
	RedisURL      string `mapstructure:"redis_url" yaml:"redis_url"`
	FileRoot      string `mapstructure:"file_root" yaml:"file_root"`
	ExecutionTTL  int    `mapstructure:"execution_ttl" yaml:"execution_ttl"`
	CheckpointTTL int    `mapstructure:"checkpoint_ttl" yaml:"checkpoint_ttl"`
}

// VCSConfig mirrors the vcs.* key group: when repo_path is set, the
// pipeline commits a per-workflow summary into the named branch of a
// local clone after every completed run.
type VCSConfig struct {
	RepoPath string `mapstructure:"repo_path" yaml:"repo_path"`
	Branch   string `mapstructure:"branch" yaml:"branch"`
	Username string `mapstructure:"username" yaml:"username"`
	Token    string `mapstructure:"token" yaml:"token"`
}

// MetricsConfig mirrors the metrics.* key group.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LoggingConfig mirrors the logging.* key group.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the fully-loaded, validated configuration tree.
type Config struct {
	Workers     WorkersConfig `mapstructure:"workers" yaml:"workers"`
	API         APIConfig     `mapstructure:"api" yaml:"api"`
	Cache       CacheConfig   `mapstructure:"cache" yaml:"cache"`
	State       StateConfig   `mapstructure:"state" yaml:"state"`
	VCS         VCSConfig     `mapstructure:"vcs" yaml:"vcs"`
	Metrics     MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Environment Environment   `mapstructure:"environment" yaml:"environment"`
}

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// Load reads configFile (if non-empty) plus environment-variable
// overrides into a Config and validates it. An empty configFile relies
// entirely on defaults and environment variables.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers.counts.parser", 2)
	v.SetDefault("workers.counts.ai", 3)
	v.SetDefault("workers.counts.media", 2)
	v.SetDefault("workers.counts.aggregator", 1)
	v.SetDefault("workers.max_concurrent_tasks", 10)

	v.SetDefault("api.timeout", 30)
	v.SetDefault("api.max_retries", 3)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("environment", "development")
}

// bindEnv wires the documented environment-variable overrides. Viper's
// key replacer turns a dotted key like workers.counts.ai into
// WORKERS_COUNTS_AI automatically via AutomaticEnv, but the API
// service-keyed maps (api.anthropic_api_key, api.openai_rate_limit, ...)
// need explicit binding since they are not declared as struct fields.
func bindEnv(v *viper.Viper) {
	for _, svc := range []string{"anthropic", "openai", "bedrock"} {
		v.BindEnv(fmt.Sprintf("api.api_keys.%s", svc), fmt.Sprintf("API_%s_API_KEY", strings.ToUpper(svc)))
		v.BindEnv(fmt.Sprintf("api.rate_limits.%s", svc), fmt.Sprintf("API_%s_RATE_LIMIT", strings.ToUpper(svc)))
	}
	v.BindEnv("state.redis_url", "STATE_REDIS_URL")
	v.BindEnv("state.file_root", "STATE_FILE_ROOT")
	v.BindEnv("vcs.repo_path", "VCS_REPO_PATH")
	v.BindEnv("vcs.branch", "VCS_BRANCH")
	v.BindEnv("vcs.token", "VCS_TOKEN")
	v.BindEnv("environment", "ENVIRONMENT")
	v.BindEnv("logging.level", "LOGGING_LEVEL")
}

// Validate enforces the documented ranges and the production
// constraint: a production environment requires at least one LM
// API key and a non-localhost kv/state URL.
func Validate(cfg *Config) error {
	if cfg.Workers.MaxConcurrentTasks < 1 || cfg.Workers.MaxConcurrentTasks > 100 {
		return fmt.Errorf("config: workers.max_concurrent_tasks must be 1-100, got %d", cfg.Workers.MaxConcurrentTasks)
	}
	for svc, limit := range cfg.API.RateLimits {
		if limit < 1 || limit > 1000 {
			return fmt.Errorf("config: api.rate_limits.%s must be 1-1000, got %d", svc, limit)
		}
	}
	for svc, key := range cfg.API.APIKeys {
		if len(key) < 10 {
			return fmt.Errorf("config: api.api_keys.%s must be at least 10 characters", svc)
		}
	}
	if cfg.API.Timeout < 1 || cfg.API.Timeout > 300 {
		return fmt.Errorf("config: api.timeout must be 1-300, got %d", cfg.API.Timeout)
	}
	if cfg.API.MaxRetries < 0 || cfg.API.MaxRetries > 10 {
		return fmt.Errorf("config: api.max_retries must be 0-10, got %d", cfg.API.MaxRetries)
	}
	if cfg.Logging.Level != "" && !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level %q is not one of DEBUG/INFO/WARNING/ERROR/CRITICAL", cfg.Logging.Level)
	}

	switch cfg.Environment {
	case Development, Staging, Production, "":
	default:
		return fmt.Errorf("config: environment %q is not one of development/staging/production", cfg.Environment)
	}

	if cfg.Environment == Production {
		lmKeys := 0
		for _, svc := range []string{"anthropic", "openai", "bedrock"} {
			if cfg.API.APIKeys[svc] != "" {
				lmKeys++
			}
		}
		if lmKeys == 0 {
			return fmt.Errorf("config: production environment requires at least one LM key in api.api_keys (anthropic, openai or bedrock)")
		}
		if isLocalhostKV(cfg.State.RedisURL) {
			return fmt.Errorf("config: production environment requires a non-localhost state.redis_url")
		}
	}

	return nil
}

// Dump marshals the effective, validated configuration back to YAML in
// the same key layout Load reads, so an operator can inspect what
// defaults and environment overrides resolved to.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	return out, nil
}

// Save writes the effective configuration to path as YAML.
func (c *Config) Save(path string) error {
	out, err := c.Dump()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func isLocalhostKV(url string) bool {
	if url == "" {
		return true
	}
	for _, host := range []string{"localhost", "127.0.0.1", "::1"} {
		if strings.Contains(url, host) {
			return true
		}
	}
	return false
}
