// Package config loads MallQuest configuration from the environment
// (prefix MALLQUEST_) with an optional .env file, plus a YAML file of
// per-tenant policy overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitRule is one per-action bucket: Max requests per Window.
type RateLimitRule struct {
	Max    int
	Window time.Duration
	// FailClosed decides the degraded-store behavior: reject (true) or
	// allow (false) when the backing store is unreachable past the grace
	// period. Declared per action, never inferred.
	FailClosed bool
}

// PolicyConfig holds the tenant-default reward policy knobs.
type PolicyConfig struct {
	BaseRate           float64
	XPRate             float64
	XPPerLevel         int64
	EventMultiplierCap float64
	MaxReceiptAmount   float64
	SuspiciousAmount   float64
	// DuplicateWindow / DuplicateCount drive the repeat-receipt fraud
	// heuristic: >= Count receipts for the same store within Window.
	DuplicateWindow time.Duration
	DuplicateCount  int
}

// Config is the full process configuration.
type Config struct {
	Port string
	Env  string

	ShardCount    int
	ShardStrategy string
	DatabaseURLs  []string // one DSN per shard; empty = in-memory store

	RedisURL     string
	RedisEnabled bool

	AuthSecret     string
	AuthSecretPrev string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration

	RateLimits map[string]RateLimitRule

	Policy PolicyConfig

	MissionTemplateCacheTTL time.Duration
	UserCacheTTL            time.Duration
	UserCacheSize           int
	TemplateCacheSize       int

	NotifyQueue     int
	TimezoneDefault string

	TenantsFile string // optional YAML with per-tenant policy overrides
}

const envPrefix = "MALLQUEST_"

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		Env:           getenv("ENV", "development"),
		ShardCount:    getint("SHARD_COUNT", 1),
		ShardStrategy: getenv("SHARD_STRATEGY", "hash"),
		RedisURL:      getenv("REDIS_URL", ""),
		RedisEnabled:  getbool("REDIS_ENABLED", false),

		AuthSecret:     getenv("AUTH_SECRET", ""),
		AuthSecretPrev: getenv("AUTH_SECRET_PREV", ""),
		AccessTTL:      getdur("ACCESS_TTL", 24*time.Hour),
		RefreshTTL:     getdur("REFRESH_TTL", 7*24*time.Hour),

		Policy: PolicyConfig{
			BaseRate:           getfloat("POLICY_BASE_RATE", 0.10),
			XPRate:             getfloat("POLICY_XP_RATE", 0.20),
			XPPerLevel:         int64(getint("POLICY_XP_PER_LEVEL", 100)),
			EventMultiplierCap: getfloat("POLICY_EVENT_CAP", 3.0),
			MaxReceiptAmount:   getfloat("POLICY_MAX_RECEIPT", 10000),
			SuspiciousAmount:   getfloat("POLICY_SUSPICIOUS_AMOUNT", 5000),
			DuplicateWindow:    getdur("POLICY_DUPLICATE_WINDOW", 10*time.Minute),
			DuplicateCount:     getint("POLICY_DUPLICATE_COUNT", 3),
		},

		MissionTemplateCacheTTL: getdur("MISSION_TEMPLATE_CACHE_TTL", 10*time.Minute),
		UserCacheTTL:            getdur("USER_CACHE_TTL", 60*time.Second),
		UserCacheSize:           getint("USER_CACHE_SIZE", 1000),
		TemplateCacheSize:       getint("TEMPLATE_CACHE_SIZE", 1000),

		NotifyQueue:     getint("NOTIFY_QUEUE", 1024),
		TimezoneDefault: getenv("TIMEZONE_DEFAULT", "Asia/Dubai"),
		TenantsFile:     getenv("TENANTS_FILE", ""),
	}

	if cfg.ShardCount < 1 {
		return nil, fmt.Errorf("SHARD_COUNT must be >= 1, got %d", cfg.ShardCount)
	}

	// Shard DSNs: DATABASE_URL for every shard unless DATABASE_URL_SHARD_i
	// overrides a specific one.
	if primary := getenv("DATABASE_URL", ""); primary != "" {
		cfg.DatabaseURLs = make([]string, cfg.ShardCount)
		for i := 0; i < cfg.ShardCount; i++ {
			cfg.DatabaseURLs[i] = getenv(fmt.Sprintf("DATABASE_URL_SHARD_%d", i), primary)
		}
	}

	cfg.RateLimits = defaultRateLimits()
	for action, rule := range cfg.RateLimits {
		key := "RATE_LIMIT_" + strings.ToUpper(action)
		if raw := getenv(key, ""); raw != "" {
			parsed, err := parseRateLimit(raw, rule.FailClosed)
			if err != nil {
				return nil, fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			cfg.RateLimits[action] = parsed
		}
	}

	return cfg, nil
}

// Validate enforces invariants that must hold before serving. A missing
// signing secret is fatal at startup, not at first login.
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		if c.Env == "production" {
			return fmt.Errorf("%sAUTH_SECRET must be set in production", envPrefix)
		}
		c.AuthSecret = "mallquest-dev-secret-change-me"
	}
	if len(c.DatabaseURLs) > 0 && len(c.DatabaseURLs) != c.ShardCount {
		return fmt.Errorf("expected %d shard DSNs, got %d", c.ShardCount, len(c.DatabaseURLs))
	}
	return nil
}

// defaultRateLimits mirrors the public endpoint contract.
func defaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"login":          {Max: 5, Window: 5 * time.Minute, FailClosed: true},
		"refresh":        {Max: 10, Window: time.Minute, FailClosed: true},
		"mfa_setup":      {Max: 3, Window: time.Hour, FailClosed: true},
		"mfa_verify":     {Max: 10, Window: 5 * time.Minute, FailClosed: true},
		"submit_receipt": {Max: 10, Window: time.Minute, FailClosed: false},
		"pos_purchase":   {Max: 100, Window: time.Minute, FailClosed: false},
		"read_user":      {Max: 30, Window: time.Minute, FailClosed: false},
		"gen_mission":    {Max: 5, Window: 5 * time.Minute, FailClosed: false},
		"claim_mission":  {Max: 30, Window: time.Minute, FailClosed: false},
		"read_board":     {Max: 30, Window: time.Minute, FailClosed: false},
		"register":       {Max: 5, Window: 5 * time.Minute, FailClosed: true},
		"login_bonus":    {Max: 5, Window: time.Minute, FailClosed: false},
		"add_friend":     {Max: 10, Window: time.Minute, FailClosed: false},
		"empire_write":   {Max: 30, Window: time.Minute, FailClosed: false},
		"companion_care": {Max: 30, Window: time.Minute, FailClosed: false},
	}
}

// parseRateLimit accepts "max/window", e.g. "10/1m" or "5/5m".
func parseRateLimit(raw string, failClosed bool) (RateLimitRule, error) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return RateLimitRule{}, fmt.Errorf("want max/window, got %q", raw)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || max <= 0 {
		return RateLimitRule{}, fmt.Errorf("bad max %q", parts[0])
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return RateLimitRule{}, fmt.Errorf("bad window %q", parts[1])
	}
	return RateLimitRule{Max: max, Window: window, FailClosed: failClosed}, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds, matching the original deployment.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
