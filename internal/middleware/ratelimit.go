package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/pixsearch/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 認証済みAPI全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	SearchRate      rate.Limit    // 画像検索のレート（req/sec）。30/60
	SearchBurst     int           // 画像検索のバーストサイズ
	LoginRate       rate.Limit    // IPごとのログイン開始・コールバックのレート（req/sec）。20/60
	LoginBurst      int           // ログインのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、画像検索 30 req/min/user、ログイン 20 req/min/IP
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		SearchRate:      rate.Limit(30.0 / 60.0),
		SearchBurst:     30,
		LoginRate:       rate.Limit(20.0 / 60.0),
		LoginBurst:      20,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterGroup は同一設定のリミッターをキー（ユーザーIDやIP）ごとに管理する。
type limiterGroup struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
}

func newLimiterGroup(name string, limit rate.Limit, burst int) *limiterGroup {
	return &limiterGroup{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
	}
}

// allow はキーのリミッターを取得または作成し、1トークン消費できるかを返す。
func (g *limiterGroup) allow(key string) bool {
	g.mu.Lock()
	kl, exists := g.limiters[key]
	if !exists {
		kl = &keyedLimiter{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.limiters[key] = kl
	}
	kl.lastAccess = time.Now()
	g.mu.Unlock()

	return kl.limiter.Allow()
}

func (g *limiterGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}

// evict は最終アクセス時刻からttlを超えたエントリを削除する。
func (g *limiterGroup) evict(now time.Time, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, kl := range g.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(g.limiters, key)
		}
	}
}

// RateLimiter はユーザーまたはIPごとのレート制限を管理する。
// API全般、画像検索、ログインの3種類を独立に提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterGroup
	search  *limiterGroup
	login   *limiterGroup
	stopCh  chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterGroup("general", config.GeneralRate, config.GeneralBurst),
		search:  newLimiterGroup("search", config.SearchRate, config.SearchBurst),
		login:   newLimiterGroup("login", config.LoginRate, config.LoginBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware は認証済みAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.perUser(rl.general)
}

// SearchMiddleware は画像検索専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) SearchMiddleware() func(next http.Handler) http.Handler {
	return rl.perUser(rl.search)
}

// LoginMiddleware はクライアントIPごとのログインレート制限ミドルウェアを返す。
// 認証前のルートに配置するため、ユーザーIDではなくIPをキーにする。
func (rl *RateLimiter) LoginMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.login.allow(ip) {
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", rl.login.name),
				)
				writeRateLimitResponse(w, rl.login.limit)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) perUser(group *limiterGroup) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationRequiredError())
				return
			}

			if !group.allow(userID) {
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", group.name),
				)
				writeRateLimitResponse(w, group.limit)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.count() }

// SearchLimiterCount は現在管理されている画像検索リミッターのエントリ数を返す。
func (rl *RateLimiter) SearchLimiterCount() int { return rl.search.count() }

// LoginLimiterCount は現在管理されているログインリミッターのエントリ数を返す。
func (rl *RateLimiter) LoginLimiterCount() int { return rl.login.count() }

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	for _, g := range []*limiterGroup{rl.general, rl.search, rl.login} {
		g.evict(now, ttl)
	}
}

// clientIP はRemoteAddrからホスト部を取り出す。
// RemoteAddrが転送ヘッダーで書き換わるのはTRUSTED_PROXY有効時のみ。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
