package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the service configuration read from the environment. Database
// and logger settings live with their packages.
type Config struct {
	HTTPAddr       string   `env:"HTTP_ADDR" envDefault:"0.0.0.0:8431"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	SnowflakeNode  int64    `env:"SNOWFLAKE_NODE" envDefault:"1"`
	RedisURL       string   `env:"REDIS_URL"`

	Issuer         string        `env:"AUTH_ISSUER" envDefault:"identity-bridge"`
	SigningKeyFile string        `env:"AUTH_SIGNING_KEY_FILE"`
	AccessTTL      time.Duration `env:"AUTH_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL     time.Duration `env:"AUTH_REFRESH_TTL" envDefault:"168h"`
	// RefreshRetention keeps inactive refresh tokens for audit before pruning.
	RefreshRetention time.Duration `env:"AUTH_REFRESH_RETENTION" envDefault:"48h"`

	LockoutThreshold int           `env:"AUTH_LOCKOUT_THRESHOLD" envDefault:"6"`
	LockoutDuration  time.Duration `env:"AUTH_LOCKOUT_DURATION" envDefault:"15m"`
	LegacyBcryptCost int           `env:"LEGACY_BCRYPT_COST" envDefault:"10"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.AccessTTL <= 0 {
		errs = append(errs, errors.New("AUTH_ACCESS_TTL must be positive"))
	}
	if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New("AUTH_REFRESH_TTL must exceed AUTH_ACCESS_TTL"))
	}
	if c.LockoutThreshold < 1 {
		errs = append(errs, errors.New("AUTH_LOCKOUT_THRESHOLD must be at least 1"))
	}
	if c.LegacyBcryptCost < 4 || c.LegacyBcryptCost > 31 {
		errs = append(errs, errors.New("LEGACY_BCRYPT_COST must be between 4 and 31"))
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		errs = append(errs, errors.New("SNOWFLAKE_NODE must be between 0 and 1023"))
	}
	return errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
