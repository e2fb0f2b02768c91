// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// MaxSessionTTL はセッション有効期間の上限。
	MaxSessionTTL = 7 * 24 * time.Hour

	// セッションストアの種類
	SessionStorePostgres = "postgres"
	SessionStoreRedis    = "redis"
)

// ProviderConfig は1つのIdPのOAuthクライアント設定。
type ProviderConfig struct {
	Name         string // google, facebook, github
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Frontend / Server
	ClientURL     string // ログイン後のリダイレクト先、CORS許可オリジン
	PublicBaseURL string // IdPコールバックURLの既定値に使うAPIの外部URL
	ServerPort    string

	// IdP（資格情報が揃っているもののみ）
	Providers []ProviderConfig

	// Session
	SessionTTL     time.Duration
	SessionSliding bool
	SessionStore   string
	RedisURL       string

	// Cookie
	CookieMode   string
	CookieSecure bool
	CookieDomain string
	CSRFEnabled  bool

	// TrustedProxy がtrueの場合のみ転送ヘッダーからクライアントIPを復元する
	TrustedProxy bool

	// Image search
	UnsplashAccessKey string
	UnsplashTimeout   time.Duration

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitSearch  int
	RateLimitLogin   int

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
}

// providerEnv はIdPごとの環境変数名。
var providerEnv = []struct {
	name, idKey, secretKey, callbackKey string
}{
	{"google", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_CALLBACK_URL"},
	{"facebook", "FACEBOOK_APP_ID", "FACEBOOK_APP_SECRET", "FACEBOOK_CALLBACK_URL"},
	{"github", "GITHUB_CLIENT_ID", "GITHUB_CLIENT_SECRET", "GITHUB_CALLBACK_URL"},
}

// Load はカレントディレクトリの.envを読み込んだうえで環境変数からConfigを読み込む。
// 既に設定されている環境変数は.envで上書きしない。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv は環境変数のみからConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.ClientURL = strings.TrimRight(os.Getenv("CLIENT_URL"), "/")
	if cfg.ClientURL == "" {
		missing = append(missing, "CLIENT_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.PublicBaseURL = strings.TrimRight(getEnvString("PUBLIC_BASE_URL", "http://localhost:"+cfg.ServerPort), "/")

	// IdP: クライアントIDとシークレットの両方が設定されたもののみ有効
	for _, p := range providerEnv {
		id, secret := os.Getenv(p.idKey), os.Getenv(p.secretKey)
		if id == "" || secret == "" {
			continue
		}
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:         p.name,
			ClientID:     id,
			ClientSecret: secret,
			CallbackURL:  getEnvString(p.callbackKey, cfg.PublicBaseURL+"/auth/"+p.name+"/callback"),
		})
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no identity provider configured: set client id and secret for at least one of google, facebook, github")
	}

	// Session
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 24*time.Hour)
	if cfg.SessionTTL <= 0 || cfg.SessionTTL > MaxSessionTTL {
		return nil, fmt.Errorf("SESSION_TTL must be between 0 and %s, got %s", MaxSessionTTL, cfg.SessionTTL)
	}
	cfg.SessionSliding = getEnvBool("SESSION_SLIDING", false)
	cfg.SessionStore = getEnvString("SESSION_STORE", SessionStorePostgres)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	switch cfg.SessionStore {
	case SessionStorePostgres:
	case SessionStoreRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required when SESSION_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("unknown SESSION_STORE: %q (allowed: %s, %s)", cfg.SessionStore, SessionStorePostgres, SessionStoreRedis)
	}

	// Cookie
	cfg.CookieMode = getEnvString("COOKIE_MODE", "same-origin")
	cfg.CookieSecure = strings.HasPrefix(cfg.ClientURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CSRFEnabled = getEnvBool("CSRF_ENABLED", false)
	cfg.TrustedProxy = getEnvBool("TRUSTED_PROXY", false)

	// Image search
	cfg.UnsplashAccessKey = os.Getenv("UNSPLASH_ACCESS_KEY")
	cfg.UnsplashTimeout = getEnvDuration("UNSPLASH_TIMEOUT", 10*time.Second)

	// Rate Limit
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSearch = getEnvInt("RATE_LIMIT_SEARCH", 30)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 20)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)

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
