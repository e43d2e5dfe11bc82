package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Security SecurityConfig `yaml:"security"`
	Admin    AdminConfig    `yaml:"admin"`
	Drip     DripConfig     `yaml:"drip"`
	Email    EmailConfig    `yaml:"email"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the bind host, defaulting to localhost
func (c ServerConfig) GetHost() string {
	if c.Host == "" {
		return "localhost"
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins"`
}

// RedisConfig holds the Redis connection for rate-limit state.
// When URL is empty the limiter runs on in-process counters only.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SecurityConfig holds request-guard and rate-limit settings
type SecurityConfig struct {
	RateLimitMax     int   `yaml:"rate_limit_max"`      // requests per window
	RateWindowMs     int64 `yaml:"rate_window_ms"`      // window length
	BlockDurationMs  int64 `yaml:"block_duration_ms"`   // base block duration
	MaxBodyBytes     int64 `yaml:"max_body_bytes"`      // request size ceiling
	EventLogCapacity int   `yaml:"event_log_capacity"`  // security event ring size
	CleanupMins      int   `yaml:"cleanup_mins"`        // in-memory counter sweep
}

// RateWindow returns the rate-limit window as a duration
func (c SecurityConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMs) * time.Millisecond
}

// BlockDuration returns the base block duration as a duration
func (c SecurityConfig) BlockDuration() time.Duration {
	return time.Duration(c.BlockDurationMs) * time.Millisecond
}

// AdminConfig holds the admin API bearer token
type AdminConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// DripConfig holds drip sequencer settings
type DripConfig struct {
	Enabled             bool `yaml:"enabled"`
	TickIntervalSeconds int  `yaml:"tick_interval_seconds"`
	DispatchBatchSize   int  `yaml:"dispatch_batch_size"`
}

// TickInterval returns the sequencer poll interval as a duration
func (c DripConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// EmailConfig holds the outbound email provider settings
type EmailConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	FromName       string `yaml:"from_name"`
	FromEmail      string `yaml:"from_email"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the email API request timeout
func (c EmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WhatsAppConfig holds the WhatsApp Business API settings
type WhatsAppConfig struct {
	BaseURL        string `yaml:"base_url"`
	PhoneID        string `yaml:"phone_id"`
	AccessToken    string `yaml:"access_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the WhatsApp API request timeout
func (c WhatsAppConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 3
	}
	if cfg.Database.ConnMaxLifeMins == 0 {
		cfg.Database.ConnMaxLifeMins = 5
	}
	if cfg.Security.RateLimitMax == 0 {
		cfg.Security.RateLimitMax = 5
	}
	if cfg.Security.RateWindowMs == 0 {
		cfg.Security.RateWindowMs = 60_000
	}
	if cfg.Security.BlockDurationMs == 0 {
		cfg.Security.BlockDurationMs = 30 * 60 * 1000
	}
	if cfg.Security.MaxBodyBytes == 0 {
		cfg.Security.MaxBodyBytes = 1 << 20
	}
	if cfg.Security.EventLogCapacity == 0 {
		cfg.Security.EventLogCapacity = 1000
	}
	if cfg.Security.CleanupMins == 0 {
		cfg.Security.CleanupMins = 5
	}
	if cfg.Drip.TickIntervalSeconds == 0 {
		cfg.Drip.TickIntervalSeconds = 30
	}
	if cfg.Drip.DispatchBatchSize == 0 {
		cfg.Drip.DispatchBatchSize = 100
	}
	if cfg.Email.TimeoutSeconds == 0 {
		cfg.Email.TimeoutSeconds = 30
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = "Lumora"
	}
	if cfg.WhatsApp.TimeoutSeconds == 0 {
		cfg.WhatsApp.TimeoutSeconds = 30
	}
	if cfg.WhatsApp.BaseURL == "" {
		cfg.WhatsApp.BaseURL = "https://graph.facebook.com/v19.0"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ADMIN_BEARER_TOKEN"); v != "" {
		cfg.Admin.BearerToken = v
	}
	if v := os.Getenv("EMAIL_API_KEY"); v != "" {
		cfg.Email.APIKey = v
	}
	if v := os.Getenv("EMAIL_BASE_URL"); v != "" {
		cfg.Email.BaseURL = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("WHATSAPP_ACCESS_TOKEN"); v != "" {
		cfg.WhatsApp.AccessToken = v
	}
	if v := os.Getenv("WHATSAPP_PHONE_ID"); v != "" {
		cfg.WhatsApp.PhoneID = v
	}
	if v := os.Getenv("LEADGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LEADGATE_RATE_LIMIT_MAX"); v != "" {
		if max, err := strconv.Atoi(v); err == nil && max > 0 {
			cfg.Security.RateLimitMax = max
		}
	}

	return cfg, nil
}
