package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// jwtSecretPlaceholder is the value shipped in example env files. Booting
// with it would let anyone mint valid tokens, so Load rejects it outright.
const jwtSecretPlaceholder = "change-me-in-production"

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "api", "worker", "migrate" or "seed".
	Mode string `env:"TASKOWL_MODE" envDefault:"api"`

	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	// Database
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Redis
	RedisURL string `env:"REDIS_URL,required"`

	// NATS
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Auth
	JWTSecret        string `env:"JWT_SECRET,required"`
	TokenTTL         string `env:"TOKEN_TTL" envDefault:"24h"`
	LoginMaxAttempts int    `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginLockoutTTL  int    `env:"LOGIN_LOCKOUT_TTL_SECONDS" envDefault:"900"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Migrations
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// CORS
	CORSAllowOrigins []string `env:"CORS_ALLOW_ORIGINS" envDefault:"*" envSeparator:","`

	// Budget
	DefaultTenantLimit int64 `env:"DEFAULT_TENANT_LIMIT" envDefault:"100000"`
	SweepIntervalSecs  int   `env:"SWEEP_INTERVAL_SECONDS" envDefault:"300"`

	// Slack (optional — if not set, critical DLQ alerts go to NATS only)
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}

	if cfg.JWTSecret == jwtSecretPlaceholder {
		return nil, fmt.Errorf("JWT_SECRET is still the placeholder value; set a real secret")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(cfg.JWTSecret))
	}

	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
