package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the runtime configuration. Values come from RELAY_* env
// vars (optionally via .env), an optional YAML file, then defaults.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Security SecurityConfig
	Webhook  WebhookConfig
	Broker   BrokerConfig
	Safety   SafetyConfig
	Ledger   LedgerConfig
	LogLevel string
}

type ServerConfig struct {
	ListenAddr      string
	BodyLimitBytes  int
	AllowedOrigins  string
	GlobalRateLimit int // requests per minute per client IP
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory". Memory is for local runs only.
	Driver string
	URL    string
}

type RedisConfig struct {
	// URL enables the shared rate-limit window, nonce cache and broker.
	// Empty means process-local fallbacks.
	URL string
}

type SecurityConfig struct {
	// ServerSecret keys the rotation and device-token HMACs.
	ServerSecret         string
	RotationGrace        time.Duration
	IpBlacklistThreshold int
}

type WebhookConfig struct {
	Timeout time.Duration
	Backoff []time.Duration
}

type BrokerConfig struct {
	// Mode is one of none, redis, http.
	Mode string
	URL  string
}

type SafetyConfig struct {
	ReceiptSecret string
	NonceTTL      time.Duration
}

type LedgerConfig struct {
	ReferencePrefix     string
	ExpirySweepInterval time.Duration
}

// New returns a viper instance with env binding and defaults applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("body_limit_mb", 4)
	v.SetDefault("allowed_origins", "*")
	v.SetDefault("global_rate_limit", 300)
	v.SetDefault("store", "postgres")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("server_secret", "")
	v.SetDefault("rotation_grace", "24h")
	v.SetDefault("ip_blacklist_threshold", 20)
	v.SetDefault("webhook_timeout", "10s")
	v.SetDefault("webhook_backoff", "2s,10s")
	v.SetDefault("broker", "none")
	v.SetDefault("broker_url", "")
	v.SetDefault("safety_receipt_secret", "")
	v.SetDefault("nonce_ttl", "10m")
	v.SetDefault("refcode_prefix", "REQ")
	v.SetDefault("expiry_sweep_interval", "1m")
	v.SetDefault("log_level", "info")
	return v
}

// Load reads .env (if present) and the optional config file, then builds
// and validates a Config.
func Load(v *viper.Viper) (*Config, error) {
	_ = godotenv.Load()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	backoff, err := parseDurations(v.GetString("webhook_backoff"))
	if err != nil {
		return nil, fmt.Errorf("webhook_backoff: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      v.GetString("listen_addr"),
			BodyLimitBytes:  v.GetInt("body_limit_mb") * 1024 * 1024,
			AllowedOrigins:  v.GetString("allowed_origins"),
			GlobalRateLimit: v.GetInt("global_rate_limit"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("store")),
			URL:    strings.TrimSpace(v.GetString("database_url")),
		},
		Redis: RedisConfig{URL: strings.TrimSpace(v.GetString("redis_url"))},
		Security: SecurityConfig{
			ServerSecret:         v.GetString("server_secret"),
			RotationGrace:        v.GetDuration("rotation_grace"),
			IpBlacklistThreshold: v.GetInt("ip_blacklist_threshold"),
		},
		Webhook: WebhookConfig{
			Timeout: v.GetDuration("webhook_timeout"),
			Backoff: backoff,
		},
		Broker: BrokerConfig{
			Mode: strings.ToLower(v.GetString("broker")),
			URL:  v.GetString("broker_url"),
		},
		Safety: SafetyConfig{
			ReceiptSecret: v.GetString("safety_receipt_secret"),
			NonceTTL:      v.GetDuration("nonce_ttl"),
		},
		Ledger: LedgerConfig{
			ReferencePrefix:     strings.ToUpper(v.GetString("refcode_prefix")),
			ExpirySweepInterval: v.GetDuration("expiry_sweep_interval"),
		},
		LogLevel: v.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Security.ServerSecret) < 32 {
		return errors.New("RELAY_SERVER_SECRET must be at least 32 characters")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("RELAY_DATABASE_URL is required (PostgreSQL URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store %q (postgres|memory)", c.Database.Driver)
	}
	switch c.Broker.Mode {
	case "none":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("broker=redis needs RELAY_REDIS_URL")
		}
	case "http":
		if c.Broker.URL == "" {
			return errors.New("broker=http needs RELAY_BROKER_URL")
		}
	default:
		return fmt.Errorf("unknown broker %q (none|redis|http)", c.Broker.Mode)
	}
	if c.Security.IpBlacklistThreshold < 1 {
		return errors.New("ip_blacklist_threshold must be positive")
	}
	if c.Webhook.Timeout <= 0 {
		return errors.New("webhook_timeout must be positive")
	}
	return nil
}

// parseDurations reads a comma separated list like "2s,10s".
func parseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
