// Package config provides configuration loading for the mu control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the control-plane process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Repo     RepoConfig     `mapstructure:"repo"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Operator OperatorConfig `mapstructure:"operator"`
	Reload   ReloadConfig   `mapstructure:"reload"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// RepoConfig locates the repository this control plane serves.
type RepoConfig struct {
	Root string `mapstructure:"root"`
}

// ChannelsConfig holds the per-channel ingress settings.
type ChannelsConfig struct {
	Slack    SlackConfig    `mapstructure:"slack"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Terminal TerminalConfig `mapstructure:"terminal"`
}

// SlackConfig holds Slack webhook verification and delivery settings.
type SlackConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SigningSecret string `mapstructure:"signing_secret"`
	BotToken      string `mapstructure:"bot_token"`
}

// DiscordConfig holds Discord webhook verification and delivery settings.
type DiscordConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SigningSecret  string `mapstructure:"signing_secret"`
	WebhookBaseURL string `mapstructure:"webhook_base_url"`
}

// TelegramConfig holds Telegram webhook verification and delivery settings.
type TelegramConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SecretToken    string `mapstructure:"secret_token"`
	BotToken       string `mapstructure:"bot_token"`
	BotName        string `mapstructure:"bot_name"`
	APIBaseURL     string `mapstructure:"api_base_url"`
	Conversational bool   `mapstructure:"conversational"`
}

// TerminalConfig holds the shared secret for local terminal and editor callers.
type TerminalConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SharedSecret string `mapstructure:"shared_secret"`
}

// PipelineConfig tunes confirmation gating and idempotency retention.
type PipelineConfig struct {
	ConfirmTTL            time.Duration `mapstructure:"confirm_ttl"`
	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyMaxEntries int           `mapstructure:"idempotency_max_entries"`
	DeferRetry            time.Duration `mapstructure:"defer_retry"`
	MaxClockSkew          time.Duration `mapstructure:"max_clock_skew"`
}

// OutboxConfig tunes the outbound delivery worker.
type OutboxConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// ExecutorConfig tunes issue and CLI execution.
type ExecutorConfig struct {
	CLIPath        string        `mapstructure:"cli_path"`
	CLIReadTimeout time.Duration `mapstructure:"cli_read_timeout"`
	CLIRunTimeout  time.Duration `mapstructure:"cli_run_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryOutcomes  []string      `mapstructure:"retry_outcomes"`
	DeferOnTimeout bool          `mapstructure:"defer_on_timeout"`
}

// OperatorConfig locates the operator backend.
type OperatorConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReloadConfig tunes adapter reloads.
type ReloadConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	WatchPolicy bool          `mapstructure:"watch_policy"`
}

// AuditConfig tunes the adapter audit journal.
type AuditConfig struct {
	RotateMaxBytes int64 `mapstructure:"rotate_max_bytes"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./.mu")

	// Enable environment variable override, e.g. MU_CHANNELS_SLACK_SIGNING_SECRET.
	v.SetEnvPrefix("MU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicitly bind channel secrets (nested struct issue with viper).
	v.BindEnv("channels.slack.signing_secret", "MU_CHANNELS_SLACK_SIGNING_SECRET")
	v.BindEnv("channels.slack.bot_token", "MU_CHANNELS_SLACK_BOT_TOKEN")
	v.BindEnv("channels.discord.signing_secret", "MU_CHANNELS_DISCORD_SIGNING_SECRET")
	v.BindEnv("channels.discord.webhook_base_url", "MU_CHANNELS_DISCORD_WEBHOOK_BASE_URL")
	v.BindEnv("channels.telegram.secret_token", "MU_CHANNELS_TELEGRAM_SECRET_TOKEN")
	v.BindEnv("channels.telegram.bot_token", "MU_CHANNELS_TELEGRAM_BOT_TOKEN")
	v.BindEnv("channels.terminal.shared_secret", "MU_CHANNELS_TERMINAL_SHARED_SECRET")
	v.BindEnv("operator.url", "MU_OPERATOR_URL")
	v.BindEnv("repo.root", "MU_REPO_ROOT")

	// Read config file (optional).
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 7343)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Repo defaults
	v.SetDefault("repo.root", ".")

	// Channel defaults: terminal is always available locally, chat channels
	// stay off until a secret is configured.
	v.SetDefault("channels.slack.enabled", false)
	v.SetDefault("channels.discord.enabled", false)
	v.SetDefault("channels.telegram.enabled", false)
	v.SetDefault("channels.telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("channels.telegram.conversational", false)
	v.SetDefault("channels.terminal.enabled", true)

	// Pipeline defaults
	v.SetDefault("pipeline.confirm_ttl", "15m")
	v.SetDefault("pipeline.idempotency_ttl", "168h") // 7 days
	v.SetDefault("pipeline.idempotency_max_entries", 10000)
	v.SetDefault("pipeline.defer_retry", "30s")
	v.SetDefault("pipeline.max_clock_skew", "5m")

	// Outbox defaults
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.base_backoff", "2s")
	v.SetDefault("outbox.max_backoff", "5m")
	v.SetDefault("outbox.jitter_fraction", 0.2)
	v.SetDefault("outbox.poll_interval", "1s")

	// Executor defaults
	v.SetDefault("executor.cli_path", "mu")
	v.SetDefault("executor.cli_read_timeout", "20s")
	v.SetDefault("executor.cli_run_timeout", "10m")
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.retry_outcomes", []string{"failure", "needs_work"})
	v.SetDefault("executor.defer_on_timeout", false)

	// Operator defaults
	v.SetDefault("operator.url", "http://localhost:7344")
	v.SetDefault("operator.timeout", "10s")

	// Reload defaults
	v.SetDefault("reload.timeout", "10s")
	v.SetDefault("reload.watch_policy", true)

	// Audit defaults
	v.SetDefault("audit.rotate_max_bytes", 8<<20)
}
