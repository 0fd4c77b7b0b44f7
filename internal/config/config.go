// Package config loads the server configuration from the environment.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	DSN       string `env:"DB_DSN,required,notEmpty"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"` // console or json

	// Optimistic concurrency retry bounds
	StaffMaxRetries   int `env:"STAFF_MAX_RETRIES" envDefault:"5"`
	SessionMaxRetries int `env:"SESSION_MAX_RETRIES" envDefault:"5"`

	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	LimiterSweepInterval time.Duration `env:"LIMITER_SWEEP_INTERVAL" envDefault:"5m"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return errors.Wrap(err, "parse env")
	}
	return nil
}

// Load reads the given dotenv files (missing ones are skipped, real
// environment variables win) and parses Config.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, errors.Wrapf(err, "load %s", f)
		}
	}

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.StaffMaxRetries < 1 || cfg.SessionMaxRetries < 1 {
		return nil, errors.New("retry bounds must be at least 1")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return nil, errors.Errorf("unknown LOG_FORMAT %q", cfg.LogFormat)
	}
	return cfg, nil
}
