// Package config loads service configuration from the environment. A .env
// file in the working directory, if present, is read first; variables
// already set in the environment win.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/capwater/waterfall-engine/internal/waterfall"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Port        string        // PORT
	DatabaseURL string        // DATABASE_URL, PostgreSQL; takes precedence over SQLitePath
	SQLitePath  string        // SQLITE_PATH, used when DATABASE_URL is unset
	RedisURL    string        // REDIS_URL, enables the cache and the distributed lock
	CacheTTL    time.Duration // CACHE_TTL
	LockTTL     time.Duration // LOCK_TTL, expiry of a distributed scenario lock
	LockWait    time.Duration // LOCK_WAIT, how long a calculation waits for its lock
	AMQPURL     string        // AMQP_URL, enables scenario events
	Currency    string        // CURRENCY, default for new scenarios
	CORSOrigins []string      // CORS_ALLOWED_ORIGINS, comma separated

	Engine waterfall.Options // WATERFALL_FUNDING, WATERFALL_REDISTRIBUTE_CAP_EXCESS, WATERFALL_ROUNDING
}

// Load reads the .env file (if any) and the environment. Malformed values
// are errors; missing values take their defaults.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function such as os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port:        get("PORT", "8080"),
		DatabaseURL: get("DATABASE_URL", ""),
		SQLitePath:  get("SQLITE_PATH", ""),
		RedisURL:    get("REDIS_URL", ""),
		AMQPURL:     get("AMQP_URL", ""),
		Currency:    strings.ToUpper(get("CURRENCY", waterfall.DefaultCurrency)),
		CORSOrigins: splitList(get("CORS_ALLOWED_ORIGINS", "*")),
		Engine:      waterfall.DefaultOptions(),
	}

	var err error
	if cfg.CacheTTL, err = duration(get("CACHE_TTL", "30s"), "CACHE_TTL"); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = duration(get("LOCK_TTL", "30s"), "LOCK_TTL"); err != nil {
		return Config{}, err
	}
	if cfg.LockWait, err = duration(get("LOCK_WAIT", "10s"), "LOCK_WAIT"); err != nil {
		return Config{}, err
	}

	switch funding := get("WATERFALL_FUNDING", waterfall.FundFromProceeds.String()); funding {
	case waterfall.FundFromProceeds.String(), waterfall.FundOutsideWaterfall.String():
		cfg.Engine.Funding = waterfall.ParseFunding(funding)
	default:
		return Config{}, fmt.Errorf("config: invalid WATERFALL_FUNDING %q", funding)
	}

	if v, ok := lookup("WATERFALL_REDISTRIBUTE_CAP_EXCESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid WATERFALL_REDISTRIBUTE_CAP_EXCESS %q", v)
		}
		cfg.Engine.RedistributeCapExcess = b
	}

	switch rounding := get("WATERFALL_ROUNDING", waterfall.RoundLargestRemainder.String()); rounding {
	case waterfall.RoundLargestRemainder.String():
		cfg.Engine.Rounding = waterfall.RoundLargestRemainder
	case waterfall.RoundHalfUp.String():
		cfg.Engine.Rounding = waterfall.RoundHalfUp
	default:
		return Config{}, fmt.Errorf("config: invalid WATERFALL_ROUNDING %q", rounding)
	}

	return cfg, nil
}

func duration(s, key string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewRedisClient parses RedisURL and pings the server with a short timeout.
// It returns nil when Redis is not configured.
func (c Config) NewRedisClient(ctx context.Context) (*redis.Client, error) {
	if c.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("config: invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("config: redis ping: %w", err)
	}
	return client, nil
}
