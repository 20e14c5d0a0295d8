// Package config loads the engine's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/wallet"
)

type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the read-through cache
	CacheTTL    time.Duration

	LockoutDuration time.Duration
	LockTimeout     time.Duration
	Limits          wallet.Limits
	Currency        string

	JWTSecret string
	JWTIssuer string
}

// Load reads the configuration. Every setting has a default except
// JWT_SECRET.
func Load() (Config, error) {
	c := Config{
		Port:        getenv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		Currency:    strings.ToUpper(getenv("CURRENCY", "USD")),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   os.Getenv("JWT_ISSUER"),
	}

	var errs []error
	c.CacheTTL = duration("CACHE_TTL", 30*time.Second, &errs)
	c.LockoutDuration = duration("LOCKOUT_DURATION", wallet.DefaultLockout, &errs)
	c.LockTimeout = duration("LOCK_TIMEOUT", 5*time.Second, &errs)

	def := wallet.DefaultLimits()
	c.Limits = wallet.Limits{
		Junior: amount("DAILY_LIMIT_JUNIOR", def.Junior, &errs),
		Mid:    amount("DAILY_LIMIT_MID", def.Mid, &errs),
		Senior: amount("DAILY_LIMIT_SENIOR", def.Senior, &errs),
	}
	if err := c.Limits.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	}
	return c, errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: want a positive duration like 30s", key, raw))
		return fallback
	}
	return d
}

func amount(key string, fallback decimal.Decimal, errs *[]error) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return v
}
