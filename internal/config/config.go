package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Source system
	SourceBaseURL        string
	SourceAPIToken       string
	SourceTimeout        time.Duration
	SourceRateLimit      int
	SourcePageSize       int
	SourceMaxAttempts    int
	SourceChangesFeedURL string

	// Ticketing
	TicketingBaseURL  string
	TicketingAPIToken string

	// Governance
	BusinessTimezone        *time.Location
	GovernanceBatchInterval time.Duration
	GovernanceOutdatedAfter time.Duration
	ClassificationFile      string

	// Sync
	SyncTickInterval       time.Duration
	SyncFullWorkers        int
	SyncFullParallel       bool
	SyncItemTimeout        time.Duration
	SyncChunkSize          int
	SyncSurgicalPages      int
	SyncMissingCutoff      time.Duration
	SyncWindowFallbackDays int
	SyncWindowMaxDays      int
	SyncStaleRunAfter      time.Duration

	// Messaging
	RabbitMQURL      string
	RabbitMQExchange string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	RateLimitTrigger  int

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SourceBaseURL = os.Getenv("SOURCE_BASE_URL")
	if cfg.SourceBaseURL == "" {
		missing = append(missing, "SOURCE_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	tzName := getEnvString("BUSINESS_TIMEZONE", "America/Sao_Paulo")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", tzName, err)
	}
	cfg.BusinessTimezone = loc

	// Optional fields with defaults
	cfg.SourceAPIToken = getEnvString("SOURCE_API_TOKEN", "")
	cfg.SourceTimeout = getEnvDuration("SOURCE_TIMEOUT", 15*time.Second)
	cfg.SourceRateLimit = getEnvInt("SOURCE_RATE_LIMIT", 5)
	cfg.SourcePageSize = getEnvInt("SOURCE_PAGE_SIZE", 50)
	cfg.SourceMaxAttempts = getEnvInt("SOURCE_MAX_ATTEMPTS", 3)
	cfg.SourceChangesFeedURL = getEnvString("SOURCE_CHANGES_FEED_URL", "")
	cfg.TicketingBaseURL = getEnvString("TICKETING_BASE_URL", "")
	cfg.TicketingAPIToken = getEnvString("TICKETING_API_TOKEN", "")
	cfg.GovernanceBatchInterval = getEnvDuration("GOVERNANCE_BATCH_INTERVAL", time.Hour)
	cfg.GovernanceOutdatedAfter = getEnvDuration("GOVERNANCE_OUTDATED_AFTER", 365*24*time.Hour)
	cfg.ClassificationFile = getEnvString("CLASSIFICATION_FILE", "")
	cfg.SyncTickInterval = getEnvDuration("SYNC_TICK_INTERVAL", time.Minute)
	cfg.SyncFullWorkers = getEnvInt("SYNC_FULL_WORKERS", 4)
	cfg.SyncFullParallel = getEnvBool("SYNC_FULL_PARALLEL", false)
	cfg.SyncItemTimeout = getEnvDuration("SYNC_ITEM_TIMEOUT", 30*time.Second)
	cfg.SyncChunkSize = getEnvInt("SYNC_CHUNK_SIZE", 100)
	cfg.SyncSurgicalPages = getEnvInt("SYNC_SURGICAL_PAGES", 3)
	cfg.SyncMissingCutoff = getEnvDuration("SYNC_MISSING_CUTOFF", 2*time.Hour)
	cfg.SyncWindowFallbackDays = getEnvInt("SYNC_WINDOW_FALLBACK_DAYS", 2)
	cfg.SyncWindowMaxDays = getEnvInt("SYNC_WINDOW_MAX_DAYS", 7)
	cfg.SyncStaleRunAfter = getEnvDuration("SYNC_STALE_RUN_AFTER", 6*time.Hour)
	cfg.RabbitMQURL = getEnvString("RABBITMQ_URL", "")
	cfg.RabbitMQExchange = getEnvString("RABBITMQ_EXCHANGE", "kbsync.governance")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.RateLimitTrigger = getEnvInt("RATE_LIMIT_TRIGGER", 6)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は件数・間隔の設定値が正であることを検証する。
func (c *Config) validate() error {
	var invalid []string
	for name, v := range map[string]int{
		"SOURCE_RATE_LIMIT":         c.SourceRateLimit,
		"SOURCE_PAGE_SIZE":          c.SourcePageSize,
		"SOURCE_MAX_ATTEMPTS":       c.SourceMaxAttempts,
		"SYNC_FULL_WORKERS":         c.SyncFullWorkers,
		"SYNC_CHUNK_SIZE":           c.SyncChunkSize,
		"SYNC_SURGICAL_PAGES":       c.SyncSurgicalPages,
		"SYNC_WINDOW_FALLBACK_DAYS": c.SyncWindowFallbackDays,
		"SYNC_WINDOW_MAX_DAYS":      c.SyncWindowMaxDays,
	} {
		if v < 1 {
			invalid = append(invalid, name)
		}
	}
	for name, d := range map[string]time.Duration{
		"SOURCE_TIMEOUT":            c.SourceTimeout,
		"SYNC_TICK_INTERVAL":        c.SyncTickInterval,
		"SYNC_ITEM_TIMEOUT":         c.SyncItemTimeout,
		"GOVERNANCE_BATCH_INTERVAL": c.GovernanceBatchInterval,
	} {
		if d <= 0 {
			invalid = append(invalid, name)
		}
	}
	if c.RateLimitTrigger < 0 {
		invalid = append(invalid, "RATE_LIMIT_TRIGGER")
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("environment variables must be positive: %v", invalid)
	}
	return nil
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
