package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/pixsearch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// 認証
	LoginFlow  LoginFlow
	Sessions   SessionService
	AuthConfig AuthHandlerConfig
	// CSRFEnabled がtrueの場合、状態変更リクエストにダブルサブミットトークンを要求する
	CSRFEnabled bool

	// TrustProxyHeaders がtrueの場合のみX-Forwarded-For等からクライアントIPを復元する。
	// 信頼できるリバースプロキシ配下以外で有効にするとIP単位のレート制限を回避される。
	TrustProxyHeaders bool

	// 画像検索
	SearchService SearchServiceInterface

	// MetricsHandler はnilの場合/metricsを公開しない
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → [RealIP] → Logging → Recovery → SecurityHeaders → CORS
//	  └ 保護ルート: Session → [CSRF] → RateLimit(General) → [RateLimit(Search)]
//
// 認証ルート（/auth/*）、ヘルスチェック、メトリクスはセッションゲートの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(strings.TrimRight(deps.AuthConfig.ClientURL, "/")))

	authHandler := NewAuthHandler(deps.LoginFlow, deps.Sessions, deps.AuthConfig)
	searchHandler := NewSearchHandler(deps.SearchService)

	csrf := func(next http.Handler) http.Handler { return next }
	if deps.CSRFEnabled {
		csrf = middleware.NewCSRFMiddleware(deps.AuthConfig.CookiePolicy)
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.AuthConfig.CookiePolicy))
	}

	// --- 認証不要のルート ---

	r.Get("/api/health", Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/user", authHandler.User)
		r.With(csrf).Post("/logout", authHandler.Logout)

		// IdPログインフロー（IP単位のレート制限）
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.LoginMiddleware())
			r.Get("/{provider}", authHandler.Login)
			r.Get("/{provider}/callback", authHandler.Callback)
		})
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(csrf)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/search", func(r chi.Router) {
			r.With(deps.RateLimiter.SearchMiddleware()).Post("/search", searchHandler.Search)
			r.Get("/top-searches", searchHandler.TopSearches)
		})

		r.Get("/api/history/history", searchHandler.History)
	})

	return r
}
