package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/watmarket/market-engine/internal/money"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads a .env file if present, then applies environment
// overrides. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads the service's environment variables and
// overwrites the corresponding fields when a variable is set. Values that
// fail to parse leave the field alone and are reported by Validate.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Port, "PORT")
	setStr(&cfg.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.RedisURL, "REDIS_URL")
	setStr(&cfg.NATSURL, "NATS_URL")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	cfg.setDuration(&cfg.LockWait, "LOCK_WAIT")
	cfg.setDuration(&cfg.LockLease, "LOCK_LEASE")
	cfg.setDuration(&cfg.CacheTTL, "CACHE_TTL")
	setStr(&cfg.AuditSchedule, "AUDIT_SCHEDULE")
	cfg.setAmount(&cfg.DefaultLiquidity, "DEFAULT_LIQUIDITY")
	cfg.setAmount(&cfg.StartingBalance, "STARTING_BALANCE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) setDuration(dst *duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Sprintf("%s=%q: %v", key, v, err))
		return
	}
	dst.Duration = d
}

func (c *Config) setAmount(dst *amount, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	a, err := money.Parse(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Sprintf("%s=%q: %v", key, v, err))
		return
	}
	dst.Amount = a
}
