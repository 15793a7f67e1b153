package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Log     LogConfig     `mapstructure:"log"     validate:"required"`
	API     APIConfig     `mapstructure:"api"     validate:"required"`
	Push    PushConfig    `mapstructure:"push"    validate:"required"`
	AI      AIConfig      `mapstructure:"ai"      validate:"required"`
	Session SessionConfig `mapstructure:"session" validate:"required"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`

	// File, when set, receives a copy of the log with size-based rotation.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"  validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups"  validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// APIConfig contains the REST transport settings.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Token   string        `mapstructure:"token"    validate:"required"`
	Timeout time.Duration `mapstructure:"timeout"  validate:"gt=0"`

	BreakerFailures uint32        `mapstructure:"breaker_failures" validate:"gt=0"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`
}

// PushConfig contains the push channel settings.
type PushConfig struct {
	URL              string        `mapstructure:"url"               validate:"required,url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"      validate:"gt=0"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"       validate:"gtefield=BackoffBase"`
	JitterPercent    uint64        `mapstructure:"jitter_percent"    validate:"lte=100"`
}

// AIConfig contains AI enrichment settings.
type AIConfig struct {
	// Provider selects the subtask generator: gemini calls the Gemini API
	// directly, server uses the task server's generation endpoint, none
	// disables enrichment.
	Provider           string        `mapstructure:"provider"             validate:"required,oneof=gemini server none"`
	GeminiAPIKey       string        `mapstructure:"gemini_api_key"`
	ModelName          string        `mapstructure:"model_name"`
	PromptTemplatePath string        `mapstructure:"prompt_template_path"`
	Timeout            time.Duration `mapstructure:"timeout"              validate:"gt=0"`
	Workers            int           `mapstructure:"workers"              validate:"gt=0"`
	QueueSize          int           `mapstructure:"queue_size"           validate:"gt=0"`
	SubtaskCount       int           `mapstructure:"subtask_count"        validate:"gt=0,lte=20"`
}

// SessionConfig scopes the session to one project board.
type SessionConfig struct {
	WorkspaceID  string `mapstructure:"workspace_id"  validate:"required"`
	ProjectID    string `mapstructure:"project_id"    validate:"required"`
	NoticeBuffer int    `mapstructure:"notice_buffer" validate:"gt=0"`

	// HTTPAddr, when set, serves a read-only board snapshot.
	HTTPAddr string `mapstructure:"http_addr"`
}
