// Package config handles brushwork configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	Inference  InferenceConfig  `json:"inference"`
	Billing    BillingConfig    `json:"billing"`
	Generation GenerationConfig `json:"generation,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider    string   `json:"provider,omitempty"`     // "builtin" (default) or "clerk"
	ClerkIssuer string   `json:"clerk_issuer,omitempty"` // e.g. "https://foo.clerk.accounts.dev"
	JWTSecret   string   `json:"jwt_secret,omitempty"`
	JWTExpiry   Duration `json:"jwt_expiry,omitempty"`
	// AllowRegistration enables POST /api/auth/register for the builtin provider.
	AllowRegistration bool     `json:"allow_registration,omitempty"`
	Admins            []string `json:"admins,omitempty"` // external IDs allowed to read the audit log
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`    // e.g. "brushwork.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"`
}

// InferenceConfig selects and configures the text-to-image provider.
type InferenceConfig struct {
	Provider string   `json:"provider,omitempty"` // "stability" (default) or "openai"
	APIKey   string   `json:"api_key,omitempty"`
	BaseURL  string   `json:"base_url,omitempty"`
	Engine   string   `json:"engine,omitempty"` // stability engine or openai model
	Timeout  Duration `json:"timeout,omitempty"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	Steps    int      `json:"steps,omitempty"`
	CFGScale float64  `json:"cfg_scale,omitempty"`
}

// BillingConfig defines Stripe settings. Disabled by default.
type BillingConfig struct {
	Enabled             bool   `json:"enabled,omitempty"`
	StripeSecretKey     string `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"`
	AppURL              string `json:"app_url,omitempty"` // base for checkout success/cancel redirects
	Currency            string `json:"currency,omitempty"`
	PackPriceCents      int64  `json:"pack_price_cents,omitempty"`
	CreditsPerPack      int64  `json:"credits_per_pack,omitempty"`
	MaxPacks            int64  `json:"max_packs,omitempty"`
}

// GenerationConfig defines the credit economics of a generation request.
type GenerationConfig struct {
	DefaultBalance  int64 `json:"default_balance,omitempty"`
	Cost            int64 `json:"cost,omitempty"`
	MaxPromptLength int   `json:"max_prompt_length,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 5
	Burst             int     `json:"burst,omitempty"`               // default 10
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides and validates it.
// A missing file is not an error when the environment supplies everything
// validate requires.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// env-only configuration
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides secrets and deployment-specific values from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("BRUSHWORK_ADDR", &c.Server.Addr)
	set("BRUSHWORK_JWT_SECRET", &c.Auth.JWTSecret)
	set("CLERK_ISSUER", &c.Auth.ClerkIssuer)
	set("DATABASE_URL", &c.Storage.DSN)
	set("STRIPE_SECRET_KEY", &c.Billing.StripeSecretKey)
	set("STRIPE_WEBHOOK_SECRET", &c.Billing.StripeWebhookSecret)
	set("APP_URL", &c.Billing.AppURL)

	switch c.Inference.Provider {
	case "openai":
		set("OPENAI_API_KEY", &c.Inference.APIKey)
	default:
		set("STABILITY_API_KEY", &c.Inference.APIKey)
	}

	if v, ok := lookup("DATABASE_URL"); ok && v != "" && c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Auth.ClerkIssuer != "" && c.Auth.Provider == "" {
		c.Auth.Provider = "clerk"
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Auth.Provider {
	case "", "builtin":
	case "clerk":
		if c.Auth.ClerkIssuer == "" {
			return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
		}
	default:
		return fmt.Errorf("auth.provider %q is not supported", c.Auth.Provider)
	}
	switch c.Inference.Provider {
	case "", "stability", "openai":
	default:
		return fmt.Errorf("inference.provider %q is not supported", c.Inference.Provider)
	}
	if c.Inference.APIKey == "" {
		return fmt.Errorf("inference.api_key is required")
	}
	if c.Billing.Enabled {
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
		}
		if c.Billing.StripeWebhookSecret == "" {
			return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
		}
		if c.Billing.AppURL == "" {
			return fmt.Errorf("billing.app_url is required when billing is enabled")
		}
	}
	if c.Generation.Cost < 0 || c.Generation.DefaultBalance < 0 {
		return fmt.Errorf("generation.cost and generation.default_balance must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "brushwork.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 90 * 24 * time.Hour
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Inference.Provider == "" {
		c.Inference.Provider = "stability"
	}
	if c.Inference.Timeout.Duration == 0 {
		c.Inference.Timeout.Duration = 60 * time.Second
	}
	if c.Inference.Width == 0 {
		c.Inference.Width = 1024
	}
	if c.Inference.Height == 0 {
		c.Inference.Height = 1024
	}
	if c.Inference.Steps == 0 {
		c.Inference.Steps = 30
	}
	if c.Inference.CFGScale == 0 {
		c.Inference.CFGScale = 7
	}
	if c.Billing.Currency == "" {
		c.Billing.Currency = "usd"
	}
	if c.Billing.PackPriceCents == 0 {
		c.Billing.PackPriceCents = 500 // $5.00
	}
	if c.Billing.CreditsPerPack == 0 {
		c.Billing.CreditsPerPack = 10
	}
	if c.Billing.MaxPacks == 0 {
		c.Billing.MaxPacks = 100
	}
	if c.Generation.DefaultBalance == 0 {
		c.Generation.DefaultBalance = 100
	}
	if c.Generation.Cost == 0 {
		c.Generation.Cost = 1
	}
	if c.Generation.MaxPromptLength == 0 {
		c.Generation.MaxPromptLength = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
}
