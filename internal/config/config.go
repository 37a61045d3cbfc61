package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the genforge server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Generation GenerationConfig
	Poller     PollerConfig
	Credits    CreditsConfig
	RateLimit  RateLimitConfig
	Auth       AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. An empty URL selects the in-process cache, which is
// only correct for a single server instance.
type RedisConfig struct {
	URL string
}

type GenerationConfig struct {
	Provider       string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
	HTTP           HTTPProviderConfig
	Gemini         GeminiConfig
}

type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
}

type GeminiConfig struct {
	APIKey     string
	ImageModel string
	VideoModel string
}

type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

type CreditsConfig struct {
	DefaultAllowance   int
	GenerateCost       int
	EditCost           int
	SequentialEditCost int
	BatchEditCost      int
	StyleVariationCost int
	VideoBaseCost      int
	FailedItemCharge   int
	ResetSchedule      string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type AuthConfig struct {
	// BootstrapAdminKey, when set, is installed as an admin API key at startup.
	BootstrapAdminKey string
}

var validProviders = map[string]bool{
	"http":   true,
	"gemini": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file (ENV_FILE, default ".env") is loaded first when present; variables
// already set in the environment take precedence.
func Load() (*Config, error) {
	if err := loadEnvFile(envString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GENFORGE_PORT", 8080),
			Env:  envString("GENFORGE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Generation: GenerationConfig{
			Provider:       envString("GENERATION_PROVIDER", "http"),
			RequestTimeout: envDurationSecs("GENERATION_REQUEST_TIMEOUT_SECS", 120*time.Second),
			RatePerSecond:  envFloat("GENERATION_RATE_PER_SEC", 2),
			RateBurst:      envInt("GENERATION_RATE_BURST", 2),
			HTTP: HTTPProviderConfig{
				BaseURL: os.Getenv("GENERATION_BASE_URL"),
				APIKey:  os.Getenv("GENERATION_API_KEY"),
			},
			Gemini: GeminiConfig{
				APIKey:     os.Getenv("GEMINI_API_KEY"),
				ImageModel: envString("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
				VideoModel: envString("GEMINI_VIDEO_MODEL", "veo-3.0-fast-generate-001"),
			},
		},
		Poller: PollerConfig{
			Interval:    envDuration("POLLER_INTERVAL", time.Second),
			MaxAttempts: envInt("POLLER_MAX_ATTEMPTS", 30),
		},
		Credits: CreditsConfig{
			DefaultAllowance:   envInt("CREDITS_DEFAULT_ALLOWANCE", 5),
			GenerateCost:       envInt("CREDITS_GENERATE_COST", 2),
			EditCost:           envInt("CREDITS_EDIT_COST", 2),
			SequentialEditCost: envInt("CREDITS_SEQUENTIAL_EDIT_COST", 2),
			BatchEditCost:      envInt("CREDITS_BATCH_EDIT_COST", 2),
			StyleVariationCost: envInt("CREDITS_STYLE_VARIATION_COST", 2),
			VideoBaseCost:      envInt("CREDITS_VIDEO_BASE_COST", 8),
			FailedItemCharge:   envInt("CREDITS_FAILED_ITEM_CHARGE", 0),
			ResetSchedule:      envString("CREDITS_RESET_SCHEDULE", "0 0 1 * *"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Auth: AuthConfig{
			BootstrapAdminKey: os.Getenv("BOOTSTRAP_ADMIN_KEY"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Generation.Provider == "" || !validProviders[c.Generation.Provider] {
		return fmt.Errorf("GENERATION_PROVIDER must be one of http, gemini, mock; got %q", c.Generation.Provider)
	}
	if c.Generation.Provider == "http" {
		if c.Generation.HTTP.BaseURL == "" {
			return fmt.Errorf("GENERATION_BASE_URL is required when GENERATION_PROVIDER is http")
		}
		if !strings.HasPrefix(c.Generation.HTTP.BaseURL, "http://") && !strings.HasPrefix(c.Generation.HTTP.BaseURL, "https://") {
			return fmt.Errorf("GENERATION_BASE_URL must start with http:// or https://, got %q", c.Generation.HTTP.BaseURL)
		}
	}
	if c.Generation.Provider == "gemini" && c.Generation.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when GENERATION_PROVIDER is gemini")
	}
	if c.Generation.RequestTimeout <= 0 {
		return fmt.Errorf("GENERATION_REQUEST_TIMEOUT_SECS must be positive")
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("POLLER_INTERVAL must be positive, got %s", c.Poller.Interval)
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("POLLER_MAX_ATTEMPTS must be positive, got %d", c.Poller.MaxAttempts)
	}

	if c.Credits.DefaultAllowance < 0 {
		return fmt.Errorf("CREDITS_DEFAULT_ALLOWANCE must not be negative")
	}
	if c.Credits.FailedItemCharge < 0 {
		return fmt.Errorf("CREDITS_FAILED_ITEM_CHARGE must not be negative")
	}

	if c.Auth.BootstrapAdminKey != "" && len(c.Auth.BootstrapAdminKey) < 16 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_KEY must be at least 16 characters")
	}

	return nil
}

func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
