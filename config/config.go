// Package config reads the viewctl settings from the environment, after
// loading a .env file when there is one.
package config

import (
	"io/fs"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Dir          string        `env:"VIEWDB_DIR" envDefault:"viewdb-data"`
	Engine       string        `env:"VIEWDB_ENGINE" envDefault:"pebble"`
	LogLevel     string        `env:"VIEWDB_LOG_LEVEL" envDefault:"info"`
	BatchSize    int           `env:"VIEWDB_BATCH_SIZE" envDefault:"512"`
	RedisAddr    string        `env:"VIEWDB_REDIS_ADDR"`
	RedisChannel string        `env:"VIEWDB_REDIS_CHANNEL" envDefault:"viewdb:commits"`
	PollInterval time.Duration `env:"VIEWDB_POLL_INTERVAL" envDefault:"500ms"`
	MetricsAddr  string        `env:"VIEWDB_METRICS_ADDR"`
}

// Load reads the given .env files (".env" when none are named) and then
// the environment. Missing .env files are fine.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "load %s", f)
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	switch cfg.Engine {
	case "pebble", "sqlite":
	default:
		return nil, errors.Errorf("unknown engine %q", cfg.Engine)
	}
	return cfg, nil
}
