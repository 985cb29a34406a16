package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Generation service
	APIBaseURL     string        `mapstructure:"api-base-url"`
	APIToken       string        `mapstructure:"api-token"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Polling
	PollInterval        time.Duration `mapstructure:"poll-interval"`
	InpaintPollInterval time.Duration `mapstructure:"inpaint-poll-interval"`
	PollMaxAttempts     int           `mapstructure:"poll-max-attempts"`

	// Generation defaults
	NegativePrompt    string  `mapstructure:"negative-prompt"`
	Width             int     `mapstructure:"width"`
	Height            int     `mapstructure:"height"`
	NumImages         int     `mapstructure:"num-images"`
	Steps             int     `mapstructure:"steps"`
	Seed              int64   `mapstructure:"seed"`
	DenoisingStrength float64 `mapstructure:"denoising-strength"`

	// Input limits
	MaxImageBytes   int64 `mapstructure:"max-image-bytes"`
	MaxImagePixels  int64 `mapstructure:"max-image-pixels"`
	MaxPromptLength int   `mapstructure:"max-prompt-length"`

	// Mask archive
	S3Bucket    string `mapstructure:"s3-bucket"`
	S3Region    string `mapstructure:"s3-region"`
	S3Prefix    string `mapstructure:"s3-prefix"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`
	OutputDir   string `mapstructure:"output-dir"`

	// Job workflow
	FSMDBPath     string `mapstructure:"fsm-db-path"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`

	// Auth service
	AuthListen        string `mapstructure:"auth-listen"`
	AuthServiceURL    string `mapstructure:"auth-service-url"`
	AuthDBDriver      string `mapstructure:"auth-db-driver"`
	AuthDBDSN         string `mapstructure:"auth-db-dsn"`
	ProgramServiceURL string `mapstructure:"program-service-url"`
	LoginURL          string `mapstructure:"login-url"`
	PurgeSchedule     string `mapstructure:"purge-schedule"`

	// Upstream OAuth provider
	OAuthClientID     string   `mapstructure:"oauth-client-id"`
	OAuthClientSecret string   `mapstructure:"oauth-client-secret"`
	OAuthRedirectURI  string   `mapstructure:"oauth-redirect-uri"`
	OAuthAuthorizeURL string   `mapstructure:"oauth-authorize-url"`
	OAuthTokenURL     string   `mapstructure:"oauth-token-url"`
	OAuthUserInfoURL  string   `mapstructure:"oauth-userinfo-url"`
	OAuthScopes       []string `mapstructure:"oauth-scopes"`

	// Token cache
	TokenCache     string        `mapstructure:"token-cache"`
	TokenCacheTTL  time.Duration `mapstructure:"token-cache-ttl"`
	TokenCacheSize int           `mapstructure:"token-cache-size"`
	RedisAddr      string        `mapstructure:"redis-addr"`
}

// Load reads configuration from .env, environment, config file, and defaults
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	viper.SetDefault("api-base-url", "http://localhost:5000")
	viper.SetDefault("request-timeout", 30*time.Second)

	viper.SetDefault("poll-interval", 5*time.Second)
	viper.SetDefault("inpaint-poll-interval", 2*time.Second)
	viper.SetDefault("poll-max-attempts", 30)

	viper.SetDefault("negative-prompt", "NSFW")
	viper.SetDefault("width", 512)
	viper.SetDefault("height", 512)
	viper.SetDefault("num-images", 1)
	viper.SetDefault("steps", 20)
	viper.SetDefault("seed", -1)
	viper.SetDefault("denoising-strength", 0.75)

	viper.SetDefault("max-image-bytes", 20*1024*1024)
	viper.SetDefault("max-image-pixels", 4096*4096)
	viper.SetDefault("max-prompt-length", 999)

	viper.SetDefault("s3-bucket", "sdclient-masks")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-prefix", "masks/")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("output-dir", ".artifacts/output")

	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("fsm-max-retries", 5)

	viper.SetDefault("auth-listen", ":25002")
	viper.SetDefault("auth-service-url", "http://localhost:25002")
	viper.SetDefault("auth-db-driver", "sqlite")
	viper.SetDefault("auth-db-dsn", ".artifacts/auth.db")
	viper.SetDefault("program-service-url", "http://localhost:5000")
	viper.SetDefault("login-url", "http://localhost:25002/oauth/authorize")
	viper.SetDefault("purge-schedule", "0 */10 * * * *")
	viper.SetDefault("oauth-scopes", []string{"openid", "profile"})

	viper.SetDefault("token-cache", "memory")
	viper.SetDefault("token-cache-ttl", 5*time.Minute)
	viper.SetDefault("token-cache-size", 1024)
	viper.SetDefault("redis-addr", "localhost:6379")

	// Environment variables (will be SDCLIENT_API_BASE_URL, etc.)
	viper.SetEnvPrefix("SDCLIENT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.sdclient")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api-base-url cannot be empty")
	}
	if c.PollInterval <= 0 || c.InpaintPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("poll-max-attempts must be positive")
	}
	if c.MaxImageBytes <= 0 || c.MaxImagePixels <= 0 {
		return fmt.Errorf("image limits must be positive")
	}
	if c.MaxPromptLength <= 0 {
		return fmt.Errorf("max-prompt-length must be positive")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	switch c.AuthDBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("auth-db-driver must be sqlite or postgres, got %q", c.AuthDBDriver)
	}
	switch c.TokenCache {
	case "memory", "redis":
	default:
		return fmt.Errorf("token-cache must be memory or redis, got %q", c.TokenCache)
	}
	if c.TokenCacheTTL <= 0 {
		return fmt.Errorf("token-cache-ttl must be positive")
	}
	return nil
}

// ValidateOAuth checks the settings the auth service needs on top of Validate
func (c *Config) ValidateOAuth() error {
	if c.OAuthClientID == "" || c.OAuthClientSecret == "" {
		return fmt.Errorf("oauth-client-id and oauth-client-secret are required")
	}
	if c.OAuthAuthorizeURL == "" || c.OAuthTokenURL == "" || c.OAuthUserInfoURL == "" {
		return fmt.Errorf("oauth-authorize-url, oauth-token-url and oauth-userinfo-url are required")
	}
	if c.OAuthRedirectURI == "" {
		return fmt.Errorf("oauth-redirect-uri cannot be empty")
	}
	return nil
}
