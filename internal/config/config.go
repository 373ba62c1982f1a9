package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database（トークン失効ストア）
	DatabaseURL string

	// Redis（クォータカウンタ）
	RedisURL string

	// Auth
	AuthSecret        string
	AuthLeeway        time.Duration
	AuthRequiredScope string
	AuthTokenTTL      time.Duration

	// Quota
	RateLimitWindow time.Duration
	RateLimitMax    int64
	QuotaFailMode   string
	QuotaRetries    int

	// Content
	SupportedLanguages []string
	DefaultLanguage    string
	MinContentLength   int
	MaxTitleLength     int
	MaxSubtitleLength  int
	MaxTags            int
	RequireHeading     bool

	// Asset
	ContentRoot        string
	AssetCheckTimeout  time.Duration
	AssetMaxConcurrent int
	AssetRetries       int
	AssetHostRate      float64

	// Gate
	GateDeadline time.Duration

	// Revocation cleanup
	TokenRetentionDays int
	CleanupInterval    time.Duration

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.AuthSecret = os.Getenv("AUTH_SECRET")
	if cfg.AuthSecret == "" {
		missing = append(missing, "AUTH_SECRET")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AuthLeeway = getEnvDuration("AUTH_LEEWAY", 0)
	cfg.AuthRequiredScope = getEnvString("AUTH_REQUIRED_SCOPE", "publish")
	cfg.AuthTokenTTL = getEnvDuration("AUTH_TOKEN_TTL", 24*time.Hour)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", time.Hour)
	cfg.RateLimitMax = getEnvInt64("RATE_LIMIT_MAX", 100)
	cfg.QuotaFailMode = strings.ToLower(getEnvString("QUOTA_FAIL_MODE", "closed"))
	cfg.QuotaRetries = getEnvInt("QUOTA_RETRIES", 2)
	cfg.SupportedLanguages = getEnvList("SUPPORTED_LANGUAGES", []string{"en"})
	cfg.DefaultLanguage = getEnvString("DEFAULT_LANGUAGE", "en")
	cfg.MinContentLength = getEnvInt("MIN_CONTENT_LENGTH", 50)
	cfg.MaxTitleLength = getEnvInt("MAX_TITLE_LENGTH", 100)
	cfg.MaxSubtitleLength = getEnvInt("MAX_SUBTITLE_LENGTH", 200)
	cfg.MaxTags = getEnvInt("MAX_TAGS", 5)
	cfg.RequireHeading = getEnvBool("REQUIRE_HEADING", false)
	cfg.ContentRoot = getEnvString("CONTENT_ROOT", ".")
	cfg.AssetCheckTimeout = getEnvDuration("ASSET_CHECK_TIMEOUT", 5*time.Second)
	cfg.AssetMaxConcurrent = getEnvInt("ASSET_MAX_CONCURRENT", 8)
	cfg.AssetRetries = getEnvInt("ASSET_RETRIES", 2)
	cfg.AssetHostRate = getEnvFloat("ASSET_HOST_RATE", 5)
	cfg.GateDeadline = getEnvDuration("GATE_DEADLINE", 20*time.Second)
	cfg.TokenRetentionDays = getEnvInt("TOKEN_RETENTION_DAYS", 7)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive: %s", cfg.RateLimitWindow)
	}
	if cfg.QuotaFailMode != "open" && cfg.QuotaFailMode != "closed" {
		return nil, fmt.Errorf("QUOTA_FAIL_MODE must be \"open\" or \"closed\": %q", cfg.QuotaFailMode)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
