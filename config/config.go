// Package config loads coachd configuration from a YAML file with
// environment-variable overrides. A .env file in the working directory is
// loaded first so local development does not need exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full coachd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Turn     TurnConfig     `yaml:"turn"`
	Database DatabaseConfig `yaml:"database"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// ProviderConfig configures model provider access.
type ProviderConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	Model           string `yaml:"model"`
	MaxTokens       int64  `yaml:"max_tokens"`
}

// TurnConfig bounds a single orchestration turn.
type TurnConfig struct {
	MaxSteps         int `yaml:"max_steps"`
	MaxParallelTools int `yaml:"max_parallel_tools"`
}

// DatabaseConfig configures the durable store. An empty path selects the
// in-memory store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Provider: ProviderConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 8192},
		Turn:     TurnConfig{MaxSteps: 10, MaxParallelTools: 4},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables. Missing .env is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "COACHD_ADDR")
	setString(&cfg.Server.JWTSecret, "COACHD_JWT_SECRET")
	setString(&cfg.Provider.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Provider.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.Provider.Model, "COACHD_MODEL")
	setInt64(&cfg.Provider.MaxTokens, "COACHD_MAX_TOKENS")
	setInt(&cfg.Turn.MaxSteps, "COACHD_MAX_STEPS")
	setInt(&cfg.Turn.MaxParallelTools, "COACHD_MAX_PARALLEL_TOOLS")
	setString(&cfg.Database.Path, "COACHD_DB_PATH")
	setString(&cfg.LogLevel, "COACHD_LOG_LEVEL")
}

// Validate checks the settings a running server cannot do without.
func (c Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("config: jwt secret is required")
	}
	if c.Provider.AnthropicAPIKey == "" && c.Provider.OpenAIAPIKey == "" {
		return fmt.Errorf("config: at least one provider api key is required")
	}
	if c.Turn.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
