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
	// Database
	DatabaseURL             string
	DatabaseMaxOpenConns    int
	DatabaseMaxIdleConns    int
	DatabaseConnMaxLifetime time.Duration

	// Discord
	DiscordBotToken         string
	DiscordClientID         string
	DiscordClientSecret     string
	DiscordRedirectURL      string
	DiscordRegisterCommands bool
	AddMemberRatePerMinute  int // 0の場合は共有リミッターを無効化する
	TransferMemberDelay     time.Duration

	// Session
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Rate Limit
	RateLimitGeneral       int
	RateLimitTransferStart int

	// Server
	ServerPort    string
	BaseURL       string
	DashboardPath string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"DISCORD_BOT_TOKEN", &cfg.DiscordBotToken},
		{"DISCORD_CLIENT_ID", &cfg.DiscordClientID},
		{"DISCORD_CLIENT_SECRET", &cfg.DiscordClientSecret},
		{"DISCORD_REDIRECT_URL", &cfg.DiscordRedirectURL},
		{"BASE_URL", &cfg.BaseURL},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabaseMaxOpenConns = getEnvInt("DATABASE_MAX_OPEN_CONNS", 20)
	cfg.DatabaseMaxIdleConns = getEnvInt("DATABASE_MAX_IDLE_CONNS", 5)
	cfg.DatabaseConnMaxLifetime = getEnvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 2592000)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.TransferMemberDelay = getEnvDuration("TRANSFER_MEMBER_DELAY", time.Second)
	cfg.AddMemberRatePerMinute = getEnvInt("DISCORD_ADD_MEMBER_RATE_PER_MINUTE", 50)
	cfg.DiscordRegisterCommands = getEnvBool("DISCORD_REGISTER_COMMANDS", true)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitTransferStart = getEnvInt("RATE_LIMIT_TRANSFER_START", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.DashboardPath = getEnvString("DASHBOARD_PATH", "/dashboard")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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
