// Package config provides configuration management for the signal advisor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	apperrors "signal-advisor/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	Scraper     ScraperConfig  `mapstructure:"scraper"`
	Push        PushConfig     `mapstructure:"push"`
	Store       StoreConfig    `mapstructure:"store"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Alerts      AlertConfig    `mapstructure:"alerts"`
	Agents      AgentConfig    `mapstructure:"agents"`
	Credentials Credentials    `mapstructure:"-" json:"-"` // Loaded separately
}

// PipelineConfig holds event runtime and stage configuration.
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Lease            time.Duration `mapstructure:"lease"`
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	NotificationURL  string        `mapstructure:"notification_url"`
}

// ScraperConfig holds browser scraping configuration.
type ScraperConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Headless           bool          `mapstructure:"headless"`
	UserAgent          string        `mapstructure:"user_agent"`
	CookieDir          string        `mapstructure:"cookie_dir"`
	MaxPostsPerAccount int           `mapstructure:"max_posts_per_account"`
	MaxScrolls         int           `mapstructure:"max_scrolls"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	SelectorTimeout    time.Duration `mapstructure:"selector_timeout"`
	MinDelay           time.Duration `mapstructure:"min_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Cron               string        `mapstructure:"cron"`
}

// PushConfig holds Web Push delivery configuration.
type PushConfig struct {
	Subject string        `mapstructure:"subject"`
	TTL     int           `mapstructure:"ttl"`
	Urgency string        `mapstructure:"urgency"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// AlertConfig holds operator alert configuration.
type AlertConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook alert configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram alert configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// AgentConfig holds proposal synthesis configuration.
type AgentConfig struct {
	Model         string `mapstructure:"model"`
	MaxToolRounds int    `mapstructure:"max_tool_rounds"`
	ProposedBy    string `mapstructure:"proposed_by"`
	// Consecutive model failures after which synthesis falls back to rules
	// until BreakerCooldown has passed.
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// Credentials holds secrets.
type Credentials struct {
	X      XCredentials      `mapstructure:"x"`
	OpenAI OpenAICredentials `mapstructure:"openai"`
	VAPID  VAPIDCredentials  `mapstructure:"vapid"`
	Cookie CookieCredentials `mapstructure:"cookie"`
}

// XCredentials holds the scraper's platform login.
type XCredentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Email    string `mapstructure:"email"` // answered when the platform asks for it
}

// OpenAICredentials holds OpenAI API credentials.
type OpenAICredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// VAPIDCredentials holds the Web Push application server keys.
type VAPIDCredentials struct {
	PublicKey  string `mapstructure:"public_key"`
	PrivateKey string `mapstructure:"private_key"`
}

// CookieCredentials holds the secret used to seal cookie jars at rest.
type CookieCredentials struct {
	Secret string `mapstructure:"secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/signal-advisor"
	}
	return filepath.Join(home, ".config", "signal-advisor")
}

// Default returns the configuration used when a key is absent from config.toml.
func Default(configDir string) *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers:          4,
			BatchSize:        16,
			PollInterval:     time.Second,
			Lease:            5 * time.Minute,
			StepTimeout:      3 * time.Minute,
			SynthesisTimeout: 2 * time.Minute,
			MaxAttempts:      5,
			InitialBackoff:   2 * time.Second,
			MaxBackoff:       5 * time.Minute,
			BackoffFactor:    2.0,
			NotificationURL:  "/proposals",
		},
		Scraper: ScraperConfig{
			BaseURL:            "https://x.com",
			Headless:           true,
			UserAgent:          "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			CookieDir:          filepath.Join(configDir, "sessions"),
			MaxPostsPerAccount: 20,
			MaxScrolls:         5,
			RunTimeout:         15 * time.Minute,
			SelectorTimeout:    15 * time.Second,
			MinDelay:           400 * time.Millisecond,
			MaxDelay:           3 * time.Second,
			Cron:               "*/30 * * * *",
		},
		Push: PushConfig{
			Subject: "mailto:ops@example.com",
			TTL:     3600,
			Urgency: "normal",
			Timeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(configDir, "advisor.db"),
		},
		Logging: LoggingConfig{
			Level:    "info",
			File:     true,
			FilePath: filepath.Join(configDir, "logs", "advisor.log"),
		},
		Agents: AgentConfig{
			Model:           "gpt-4o-mini",
			MaxToolRounds:   6,
			ProposedBy:      "advisor",
			BreakerFailures: 5,
			BreakerCooldown: time.Minute,
		},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default(configDir)

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("X_USERNAME"); v != "" {
		cfg.Credentials.X.Username = v
	}
	if v := os.Getenv("X_PASSWORD"); v != "" {
		cfg.Credentials.X.Password = v
	}
	if v := os.Getenv("X_EMAIL"); v != "" {
		cfg.Credentials.X.Email = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.OpenAI.APIKey = v
	}

	if v := os.Getenv("VAPID_PUBLIC_KEY"); v != "" {
		cfg.Credentials.VAPID.PublicKey = v
	}
	if v := os.Getenv("VAPID_PRIVATE_KEY"); v != "" {
		cfg.Credentials.VAPID.PrivateKey = v
	}
	if v := os.Getenv("VAPID_SUBJECT"); v != "" {
		cfg.Push.Subject = v
	}

	if v := os.Getenv("COOKIE_SECRET"); v != "" {
		cfg.Credentials.Cookie.Secret = v
	}

	if v := os.Getenv("ADVISOR_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return invalid("pipeline.workers", c.Pipeline.Workers, "must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return invalid("pipeline.max_attempts", c.Pipeline.MaxAttempts, "must be positive")
	}
	if c.Pipeline.BackoffFactor < 1 {
		return invalid("pipeline.backoff_factor", c.Pipeline.BackoffFactor, "must be at least 1")
	}
	if c.Pipeline.SynthesisTimeout <= 0 {
		return invalid("pipeline.synthesis_timeout", c.Pipeline.SynthesisTimeout, "must be positive")
	}

	if c.Scraper.MaxPostsPerAccount <= 0 {
		return invalid("scraper.max_posts_per_account", c.Scraper.MaxPostsPerAccount, "must be positive")
	}
	if c.Scraper.MinDelay < 0 || c.Scraper.MaxDelay < c.Scraper.MinDelay {
		return invalid("scraper.max_delay", c.Scraper.MaxDelay, "must be at least min_delay")
	}

	switch c.Push.Urgency {
	case "", "very-low", "low", "normal", "high":
	default:
		return invalid("push.urgency", c.Push.Urgency, "must be very-low, low, normal or high")
	}

	if c.Store.Path == "" {
		return invalid("store.path", c.Store.Path, "is required")
	}

	return nil
}

// RequireScraper checks the credentials the scrape command cannot run without.
func (c *Config) RequireScraper() error {
	if c.Credentials.X.Username == "" || c.Credentials.X.Password == "" {
		return fmt.Errorf("%w: x username and password are required (credentials.toml or X_USERNAME/X_PASSWORD)", apperrors.ErrConfigInvalid)
	}
	if c.Credentials.Cookie.Secret == "" {
		return fmt.Errorf("%w: cookie secret is required (credentials.toml or COOKIE_SECRET)", apperrors.ErrConfigInvalid)
	}
	return nil
}

// RequirePush checks the VAPID keys push delivery cannot run without.
func (c *Config) RequirePush() error {
	if c.Credentials.VAPID.PublicKey == "" || c.Credentials.VAPID.PrivateKey == "" {
		return fmt.Errorf("%w: vapid public and private keys are required (credentials.toml or VAPID_PUBLIC_KEY/VAPID_PRIVATE_KEY)", apperrors.ErrConfigInvalid)
	}
	return nil
}

func invalid(field string, value interface{}, message string) error {
	return fmt.Errorf("%w: %w", apperrors.ErrConfigInvalid, apperrors.NewValidationError(field, value, message))
}
