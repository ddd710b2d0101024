// Package config loads llamachat settings.
//
// Sources, lowest precedence first: built-in defaults, the TOML file, a
// .env file, then environment variables. The API key is only ever read
// from the environment (or .env); it is never written anywhere.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/RichardoC/llamachat/internal/models"
)

const (
	DefaultPath     = "llamachat.toml"
	DefaultGreeting = "How may I assist you today?"
)

// Config is the complete server configuration.
type Config struct {
	Server ServerConfig  `toml:"server"`
	LLM    LLMConfig     `toml:"llm"`
	Chat   ChatConfig    `toml:"chat"`
	Store  StoreConfig   `toml:"store"`
	Audit  AuditConfig   `toml:"audit"`
	Log    LogConfig     `toml:"log"`
	Models []ModelConfig `toml:"models"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	// APIKey comes from TOGETHER_API_KEY only.
	APIKey               string        `toml:"-"`
	RequestsPerMinute    int           `toml:"requests_per_minute"`
	Timeout              time.Duration `toml:"timeout"`
	DefaultContextLength int           `toml:"default_context_length"`
}

type ChatConfig struct {
	Greeting    string  `toml:"greeting"`
	Temperature float64 `toml:"temperature"`
	TopP        float64 `toml:"top_p"`
	MaxLength   int     `toml:"max_length"`
}

type StoreConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

type AuditConfig struct {
	// Path of the sqlite audit database; empty disables auditing.
	Path string `toml:"path"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// ModelConfig is a model offered when the remote catalog is unreachable.
type ModelConfig struct {
	ID            string `toml:"id"`
	ContextLength int    `toml:"context_length"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8100"},
		LLM: LLMConfig{
			BaseURL:              "https://api.together.xyz/v1",
			DefaultContextLength: 2048,
		},
		Chat: ChatConfig{
			Greeting:    DefaultGreeting,
			Temperature: models.DefaultTemperature,
			TopP:        models.DefaultTopP,
			MaxLength:   models.DefaultMaxLength,
		},
		Store: StoreConfig{Path: "sessions.json", Watch: true},
		Audit: AuditConfig{Path: "llamachat-audit.db"},
		Log:   LogConfig{Level: "info"},
		Models: []ModelConfig{
			{ID: "meta-llama/Llama-2-7b-chat-hf", ContextLength: 4096},
			{ID: "meta-llama/Llama-2-13b-chat-hf", ContextLength: 4096},
			{ID: "meta-llama/Llama-2-70b-chat-hf", ContextLength: 4096},
		},
	}
}

// Load reads path (missing file is fine), then envFile, then the
// environment, and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) ApplyEnvOverrides() {
	c.LLM.APIKey = strings.TrimSpace(os.Getenv("TOGETHER_API_KEY"))
	c.Server.Addr = envOrDefault("LLAMACHAT_ADDR", c.Server.Addr)
	c.LLM.BaseURL = envOrDefault("LLAMACHAT_BASE_URL", c.LLM.BaseURL)
	c.LLM.RequestsPerMinute = envIntOrDefault("LLAMACHAT_REQUESTS_PER_MINUTE", c.LLM.RequestsPerMinute)
	c.Store.Path = envOrDefault("LLAMACHAT_SESSIONS_FILE", c.Store.Path)
	c.Audit.Path = envOrDefault("LLAMACHAT_AUDIT_DB", c.Audit.Path)
	c.Log.Level = envOrDefault("LLAMACHAT_LOG_LEVEL", c.Log.Level)
}

// HasCredential reports whether an API key is configured.
func (c *Config) HasCredential() bool {
	return c.LLM.APIKey != ""
}

// DefaultParams are the sampling parameters for a new chat.
func (c *Config) DefaultParams() models.Params {
	return models.Params{
		Temperature: c.Chat.Temperature,
		TopP:        c.Chat.TopP,
		MaxLength:   c.Chat.MaxLength,
	}
}

// StaticModels converts the configured model list.
func (c *Config) StaticModels() []models.ModelInfo {
	out := make([]models.ModelInfo, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, models.ModelInfo{ID: m.ID, ContextLength: m.ContextLength})
	}
	return out
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, ValidationError{"server.addr", "must not be empty"})
	}
	if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{"llm.base_url", fmt.Sprintf("invalid URL %q", c.LLM.BaseURL)})
	}
	if c.LLM.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{"llm.requests_per_minute", "must not be negative"})
	}
	if c.LLM.Timeout < 0 {
		errs = append(errs, ValidationError{"llm.timeout", "must not be negative"})
	}
	if c.LLM.DefaultContextLength < models.MinMaxLength {
		errs = append(errs, ValidationError{"llm.default_context_length", fmt.Sprintf("must be at least %d", models.MinMaxLength)})
	}
	if strings.TrimSpace(c.Chat.Greeting) == "" {
		errs = append(errs, ValidationError{"chat.greeting", "must not be empty"})
	}
	if err := c.DefaultParams().Validate(0); err != nil {
		errs = append(errs, ValidationError{"chat", err.Error()})
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, ValidationError{"store.path", "must not be empty"})
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"log.level", fmt.Sprintf("unknown level %q", c.Log.Level)})
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			errs = append(errs, ValidationError{fmt.Sprintf("models[%d].id", i), "must not be empty"})
		}
		if m.ContextLength < models.MinMaxLength {
			errs = append(errs, ValidationError{fmt.Sprintf("models[%d].context_length", i), fmt.Sprintf("must be at least %d", models.MinMaxLength)})
		}
	}

	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
