package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SETTLE_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL     string `usage:"Redis connection URL; enables shared demo rate limiting" flag:"redis-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (SETTLE_API_KEY_PEPPER)" flag:"api-key-pepper"`

	Providers ProvidersConfig
	DemoLimit DemoLimitConfig
	Sweep     SweepConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// ProvidersConfig carries one connection per supported payment provider.
// A provider with an empty base URL is not registered; its methods are then
// rejected at checkout.
type ProvidersConfig struct {
	Mollie   ProviderConfig
	Stripe   ProviderConfig
	Buckaroo ProviderConfig
	Payconiq ProviderConfig
}

// ProviderConfig is one provider bridge connection.
type ProviderConfig struct {
	BaseURL string        `usage:"Provider bridge base URL"`
	APIKey  string        `usage:"Provider bridge API key"`
	Timeout time.Duration `default:"10s" usage:"Per-call timeout"`
	// Methods routed to this provider.
	Methods []string `usage:"Payment methods routed to this provider"`
}

// DemoLimitConfig throttles checkouts from demo organizations.
type DemoLimitConfig struct {
	Hourly int64 `default:"100" usage:"Max demo checkouts per organization per hour"`
	Daily  int64 `default:"500" usage:"Max demo checkouts per organization per day"`
}

// SweepConfig controls the background reconciliation sweep.
type SweepConfig struct {
	Interval time.Duration `default:"10m" usage:"How often expired payments are reconciled"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SETTLE",
		Files:     []string{"config.yaml", "/etc/settle/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set SETTLE_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that
// use standard names like DATABASE_URL and PORT to the application's
// SETTLE_-prefixed configuration, and fills default method routing.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.RedisURL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.RedisURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}

	if len(c.Providers.Mollie.Methods) == 0 {
		c.Providers.Mollie.Methods = []string{"ideal", "bancontact"}
	}
	if len(c.Providers.Stripe.Methods) == 0 {
		c.Providers.Stripe.Methods = []string{"card"}
	}
	if len(c.Providers.Payconiq.Methods) == 0 {
		c.Providers.Payconiq.Methods = []string{"payconiq"}
	}
}
