// Package config defines the market engine's configuration and its
// validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/watmarket/market-engine/internal/money"
)

// Config is the root configuration. Fields come from the defaults, then an
// optional TOML file, then environment variables.
type Config struct {
	Port        string `toml:"port"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	NATSURL     string `toml:"nats_url"`
	LogLevel    string `toml:"log_level"`

	// LockWait bounds how long a unit waits for its entity locks before
	// failing with Busy.
	LockWait duration `toml:"lock_wait"`
	// LockLease is how long a Redis lock survives a crashed holder.
	LockLease duration `toml:"lock_lease"`
	CacheTTL  duration `toml:"cache_ttl"`

	AuditSchedule string `toml:"audit_schedule"`

	DefaultLiquidity amount `toml:"default_liquidity"`
	StartingBalance  amount `toml:"starting_balance"`

	// envErrs holds environment overrides that failed to parse.
	envErrs []string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:             "8080",
		LogLevel:         "info",
		LockWait:         duration{2 * time.Second},
		LockLease:        duration{10 * time.Second},
		CacheTTL:         duration{30 * time.Second},
		AuditSchedule:    "0 */5 * * * *",
		DefaultLiquidity: amount{money.MustInt(100)},
		StartingBalance:  amount{money.MustInt(1000)},
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	return validLogLevels[strings.ToLower(c.LogLevel)]
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	errs := append([]string(nil), c.envErrs...)

	if c.Port == "" {
		errs = append(errs, "port must not be empty")
	}
	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.LockWait.Duration <= 0 {
		errs = append(errs, "lock_wait must be positive")
	}
	if c.RedisURL != "" && c.LockLease.Duration <= c.LockWait.Duration {
		errs = append(errs, "lock_lease must exceed lock_wait")
	}
	if c.CacheTTL.Duration <= 0 {
		errs = append(errs, "cache_ttl must be positive")
	}
	if c.AuditSchedule != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.AuditSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("audit_schedule %q: %v", c.AuditSchedule, err))
		}
	}
	if !c.DefaultLiquidity.IsPositive() {
		errs = append(errs, "default_liquidity must be positive")
	}
	if c.StartingBalance.IsNegative() {
		errs = append(errs, "starting_balance must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// duration is a time.Duration that TOML decodes from strings like "2s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// amount is a money.Amount that TOML decodes from decimal strings.
type amount struct {
	money.Amount
}

func (a *amount) UnmarshalText(text []byte) error {
	var err error
	a.Amount, err = money.Parse(string(text))
	return err
}

func (a amount) MarshalText() ([]byte, error) {
	return []byte(a.Amount.String()), nil
}
