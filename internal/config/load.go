package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// BOARDSYNC_API_BASE_URL.
const EnvPrefix = "BOARDSYNC"

// configFileEnv names a YAML/JSON/TOML config file to read before the
// environment is applied.
const configFileEnv = EnvPrefix + "_CONFIG_FILE"

var defaults = map[string]any{
	"log.level":        "info",
	"log.file":         "",
	"log.max_size_mb":  50,
	"log.max_backups":  3,
	"log.max_age_days": 14,
	"log.compress":     false,

	"api.base_url":         "",
	"api.token":            "",
	"api.timeout":          "15s",
	"api.breaker_failures": 3,
	"api.breaker_cooldown": "30s",

	"push.url":               "",
	"push.handshake_timeout": "10s",
	"push.backoff_base":      "500ms",
	"push.backoff_cap":       "30s",
	"push.jitter_percent":    20,

	"ai.provider":             "server",
	"ai.gemini_api_key":       "",
	"ai.model_name":           "gemini-2.0-flash",
	"ai.prompt_template_path": "",
	"ai.timeout":              "45s",
	"ai.workers":              2,
	"ai.queue_size":           16,
	"ai.subtask_count":        4,

	"session.workspace_id":  "",
	"session.project_id":    "",
	"session.notice_buffer": 32,
	"session.http_addr":     "",
}

// Load configuration from environment variables and optionally config files.
// A .env file in the working directory is read first if present; real
// environment variables take precedence over it, and over the config file.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path := os.Getenv(configFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags plus the rules that span fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.AI.Provider == "gemini" {
		if c.AI.GeminiAPIKey == "" {
			return errors.New("config validation failed: ai.gemini_api_key is required when ai.provider is gemini")
		}
		if c.AI.ModelName == "" {
			return errors.New("config validation failed: ai.model_name is required when ai.provider is gemini")
		}
	}

	if !strings.HasPrefix(c.Push.URL, "ws://") && !strings.HasPrefix(c.Push.URL, "wss://") {
		return fmt.Errorf("config validation failed: push.url must use ws or wss, got %q", c.Push.URL)
	}
	return nil
}
