// Package config handles configuration loading and management for Weft.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/weft/pkg/models"
)

// ProjectConfigName is the filename of the per-project configuration.
const ProjectConfigName = "weft.yaml"

// Config holds all configuration for Weft.
type Config struct {
	Anthropic AnthropicConfig    `mapstructure:"anthropic"`
	AWS       AWSConfig          `mapstructure:"aws"`
	Run       RunConfig          `mapstructure:"run"`
	Model     ModelConfig        `mapstructure:"model"`
	Retries   RetriesConfig      `mapstructure:"retries"`
	Profile   string             `mapstructure:"profile"`
	Profiles  map[string]Profile `mapstructure:"profiles"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// AWSConfig holds settings for running against AWS Bedrock instead of the
// Anthropic API.
type AWSConfig struct {
	Bedrock bool   `mapstructure:"bedrock"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// RunConfig holds run-level settings.
type RunConfig struct {
	// UnitsDir is where unit definitions live, relative to the project root.
	UnitsDir string `mapstructure:"units_dir"`
	// MaxParallelism caps concurrent unit executions.
	MaxParallelism int `mapstructure:"max_parallelism"`
	// AttemptTimeout bounds each model call.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// Debug enables the run debug log under .weft/logs.
	Debug bool `mapstructure:"debug"`
}

// ModelConfig holds the default model settings applied to units that do
// not declare their own.
type ModelConfig struct {
	Name        string  `mapstructure:"name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// RetriesConfig holds the default failure policy applied to units that do
// not declare their own.
type RetriesConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	OnExhausted string        `mapstructure:"on_exhausted"`
}

// Profile overrides model and run settings for a named environment, e.g.
// a cheaper model for development and a larger one for production runs.
type Profile struct {
	Model          *ModelConfig `mapstructure:"model"`
	MaxParallelism int          `mapstructure:"max_parallelism"`
}

// DefaultModel converts the configured model defaults into the unit model
// shape.
func (c *Config) DefaultModel() models.ModelConfig {
	return models.ModelConfig{
		Name:        c.Model.Name,
		MaxTokens:   c.Model.MaxTokens,
		Temperature: c.Model.Temperature,
	}
}

// DefaultPolicy converts the configured retry defaults into the unit
// failure policy shape.
func (c *Config) DefaultPolicy() models.FailurePolicy {
	action := models.ExhaustionAction(c.Retries.OnExhausted)
	if !action.Valid() {
		action = models.ActionFail
	}
	return models.FailurePolicy{
		MaxAttempts: c.Retries.MaxAttempts,
		BackoffBase: c.Retries.Backoff,
		BackoffCap:  c.Retries.BackoffCap,
		OnExhausted: action,
	}
}

// ApplyProfile overlays the named profile onto the config. An empty name
// applies the config's own profile setting; an unknown name is an error.
func (c *Config) ApplyProfile(name string) error {
	if name == "" {
		name = c.Profile
	}
	if name == "" {
		return nil
	}

	p, ok := c.Profiles[name]
	if !ok {
		return fmt.Errorf("unknown profile %q", name)
	}
	if p.Model != nil {
		c.Model = *p.Model
	}
	if p.MaxParallelism > 0 {
		c.Run.MaxParallelism = p.MaxParallelism
	}
	c.Profile = name
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, WEFT_PROFILE, WEFT_DEBUG)
// 2. Project config (weft.yaml in current directory or parent)
// 3. User config (~/.config/weft/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("profile", "WEFT_PROFILE")
	v.BindEnv("run.debug", "WEFT_DEBUG")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	if err := cfg.ApplyProfile(""); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// ProjectRoot returns the directory holding the project config, or the
// current directory when no project config exists.
func ProjectRoot() string {
	if p := findProjectConfig(); p != "" {
		return filepath.Dir(p)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("run.units_dir", "units")
	v.SetDefault("run.max_parallelism", 4)
	v.SetDefault("run.attempt_timeout", "2m")
	v.SetDefault("run.debug", false)

	v.SetDefault("model.name", "claude-sonnet-4-20250514")
	v.SetDefault("model.max_tokens", 1024)
	v.SetDefault("model.temperature", 0.0)

	v.SetDefault("retries.max_attempts", 1)
	v.SetDefault("retries.backoff", "1s")
	v.SetDefault("retries.backoff_cap", "30s")
	v.SetDefault("retries.on_exhausted", "fail")
}

// getUserConfigDir returns the XDG config directory for Weft.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "weft")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "weft")
	}
	return filepath.Join(home, ".config", "weft")
}

// findProjectConfig searches for weft.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			UnitsDir:       "units",
			MaxParallelism: 4,
			AttemptTimeout: 2 * time.Minute,
		},
		Model: ModelConfig{
			Name:      "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		Retries: RetriesConfig{
			MaxAttempts: 1,
			Backoff:     time.Second,
			BackoffCap:  30 * time.Second,
			OnExhausted: "fail",
		},
	}
}
