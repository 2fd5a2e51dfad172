// Package config loads runtime settings from WAC_-prefixed environment
// variables.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/warp/costing-engine/costing"
)

const envPrefix = "WAC_"

const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

type Config struct {
	DBPath string `env:"DB_PATH" envDefault:"./data/costing.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// LockBackend selects the per-key writer lock: memory for a single
	// process, redis when several processes write to one database.
	LockBackend string        `env:"LOCK_BACKEND" envDefault:"memory"`
	RedisAddr   string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	MaxRetries int                    `env:"MAX_RETRIES" envDefault:"3"`
	Oversell   costing.OversellPolicy `env:"OVERSELL_POLICY" envDefault:"clamp"`

	SweepInterval time.Duration   `env:"SWEEP_INTERVAL" envDefault:"1h"`
	Tolerance     decimal.Decimal `env:"RECONCILE_TOLERANCE" envDefault:"0"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: envPrefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(costing.OversellPolicy("")): func(v string) (any, error) {
				return costing.ParseOversellPolicy(v)
			},
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid %sLOG_FORMAT %q: want json or console", envPrefix, c.LogFormat)
	}
	switch c.LockBackend {
	case LockMemory, LockRedis:
	default:
		return fmt.Errorf("invalid %sLOCK_BACKEND %q: want memory or redis", envPrefix, c.LockBackend)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid %sMAX_RETRIES %d: must not be negative", envPrefix, c.MaxRetries)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid %sSWEEP_INTERVAL %s: must be positive", envPrefix, c.SweepInterval)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("invalid %sLOCK_TTL %s: must be positive", envPrefix, c.LockTTL)
	}
	if c.Tolerance.IsNegative() {
		return fmt.Errorf("invalid %sRECONCILE_TOLERANCE %s: must not be negative", envPrefix, c.Tolerance)
	}
	return nil
}
