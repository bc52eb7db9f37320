package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/feedgrab/internal/downloader"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// ダウンローダーの認証情報は含めず、EnvCredentialsで呼び出しごとに読み直す。
type Config struct {
	// Storage
	DataDir string

	// Downloader
	DownloaderURL string

	// Scheduler
	CheckIntervalMinutes int
	MaxConcurrentFeeds   int
	TickInterval         time.Duration
	HeartbeatInterval    time.Duration
	HealthThreshold      time.Duration
	RunTimeout           time.Duration
	MaintenanceSchedule  string
	RetentionDays        int

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxAttempts   int
	FetchRetryInterval time.Duration
	PageRateLimit      float64
	ArticleBatchSize   int
	AllowPrivateHosts  bool

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 認証情報の片方のみが設定されている場合や、数値設定が正でない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DataDir = getEnvString("DATA_DIR", "./data")
	cfg.DownloaderURL = getEnvString("DOWNLOADER_URL", "http://localhost:3129")
	cfg.CheckIntervalMinutes = getEnvInt("CHECK_INTERVAL_MINUTES", 15)
	cfg.MaxConcurrentFeeds = getEnvInt("MAX_CONCURRENT_FEEDS", 3)
	cfg.TickInterval = getEnvDuration("TICK_INTERVAL", time.Minute)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.HealthThreshold = getEnvDuration("HEALTH_THRESHOLD", 2*time.Minute)
	cfg.RunTimeout = getEnvDuration("RUN_TIMEOUT", 10*time.Minute)
	cfg.MaintenanceSchedule = getEnvString("MAINTENANCE_SCHEDULE", "0 3 * * *")
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 60)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 15*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxAttempts = getEnvInt("FETCH_MAX_ATTEMPTS", 3)
	cfg.FetchRetryInterval = getEnvDuration("FETCH_RETRY_INTERVAL", time.Second)
	cfg.PageRateLimit = getEnvFloat("PAGE_RATE_LIMIT", 2)
	cfg.ArticleBatchSize = getEnvInt("ARTICLE_BATCH_SIZE", 10)
	cfg.AllowPrivateHosts = getEnvBool("ALLOW_PRIVATE_HOSTS", false)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	var invalid []string
	email := os.Getenv("DOWNLOADER_EMAIL")
	password := os.Getenv("DOWNLOADER_PASSWORD")
	if (email == "") != (password == "") {
		invalid = append(invalid, "DOWNLOADER_EMAIL/DOWNLOADER_PASSWORD (both or neither)")
	}
	if cfg.MaxConcurrentFeeds <= 0 {
		invalid = append(invalid, "MAX_CONCURRENT_FEEDS")
	}
	if cfg.CheckIntervalMinutes <= 0 {
		invalid = append(invalid, "CHECK_INTERVAL_MINUTES")
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	return cfg, nil
}

// EnvCredentials は環境変数からダウンローダーの認証情報を返す。
// 呼び出しごとに読み直すため、再起動なしで認証情報の変更が反映される。
type EnvCredentials struct{}

// Credentials は現在の環境変数の認証情報を返す。
func (EnvCredentials) Credentials() downloader.Credentials {
	return downloader.Credentials{
		Email:    strings.TrimSpace(os.Getenv("DOWNLOADER_EMAIL")),
		Password: os.Getenv("DOWNLOADER_PASSWORD"),
		Device:   strings.TrimSpace(os.Getenv("DOWNLOADER_DEVICE")),
	}
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
