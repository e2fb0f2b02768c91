package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/pixsearch/internal/auth"
	"github.com/hitoshi/pixsearch/internal/config"
	"github.com/hitoshi/pixsearch/internal/database"
	"github.com/hitoshi/pixsearch/internal/handler"
	"github.com/hitoshi/pixsearch/internal/identity"
	"github.com/hitoshi/pixsearch/internal/logger"
	"github.com/hitoshi/pixsearch/internal/metrics"
	"github.com/hitoshi/pixsearch/internal/middleware"
	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/repository"
	"github.com/hitoshi/pixsearch/internal/search"
	"github.com/hitoshi/pixsearch/internal/security"
	"github.com/hitoshi/pixsearch/internal/session"
	"github.com/hitoshi/pixsearch/internal/worker/cleanup"
)

// idpTimeout はIdPとのトークン交換・プロフィール取得のタイムアウト。
const idpTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数（.envがあればその内容も）からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("unknown log level, falling back to info", slog.String("log_level", cfg.LogLevel))
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("client_url", cfg.ClientURL),
		slog.String("session_store", cfg.SessionStore),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を確立し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. DB接続
	pool := database.NewPool(cfg.DatabaseURL)
	defer pool.Close()

	db, err := pool.DB(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	searchRepo := repository.NewPostgresSearchRepo(db)

	sessionRepo, closeSessions, err := openSessionStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeSessions()

	// 3. メトリクス
	collector, metricsHandler := newMetrics(cfg)

	// 4. セキュリティサービスの初期化
	urlGuard := security.NewURLGuard()
	sanitizer := security.NewTextSanitizer()

	// 5. ドメインサービスの初期化
	registry, err := buildRegistry(cfg, urlGuard.NewSafeClient(idpTimeout))
	if err != nil {
		return err
	}
	slog.Info("identity providers registered", slog.Any("providers", registry.Providers()))

	resolver := identity.NewResolver(userRepo, identRepo, sanitizer, urlGuard, collector)
	manager := session.NewManager(sessionRepo, userRepo, collector, session.Config{
		TTL:     cfg.SessionTTL,
		Sliding: cfg.SessionSliding,
	})
	authService := auth.NewService(registry, resolver, manager, collector)

	imageClient := search.NewClient(urlGuard.NewSafeClient(cfg.UnsplashTimeout), slog.Default(), cfg.UnsplashAccessKey)
	searchService := search.NewService(imageClient, searchRepo, sanitizer, collector)

	cookiePolicy, err := session.NewCookiePolicy(cfg.CookieMode, cfg.CookieSecure, cfg.CookieDomain, manager.TTL())
	if err != nil {
		return fmt.Errorf("invalid cookie configuration: %w", err)
	}

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      slog.Default(),
		RateLimiter: rateLimiter,
		LoginFlow:   authService,
		Sessions:    manager,
		AuthConfig: handler.AuthHandlerConfig{
			ClientURL:    cfg.ClientURL,
			CookiePolicy: cookiePolicy,
		},
		CSRFEnabled:       cfg.CSRFEnabled,
		TrustProxyHeaders: cfg.TrustedProxy,
		SearchService:     searchService,
		MetricsHandler:    metricsHandler,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// openSessionStore は設定に応じたセッションストアを返す。
// 返されるclose関数は常に非nil。
func openSessionStore(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.SessionRepository, func(), error) {
	switch cfg.SessionStore {
	case config.SessionStoreRedis:
		store, err := repository.NewRedisSessionRepoWithURL(cfg.RedisURL)
		if err != nil {
			return nil, func() {}, err
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, func() {}, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis session store connected")
		return store, func() { store.Close() }, nil
	default:
		return repository.NewPostgresSessionRepo(db), func() {}, nil
	}
}

// newMetrics はメトリクスコレクタと/metricsハンドラを返す。
// 無効な場合はNopコレクタとnilハンドラを返す。
func newMetrics(cfg *config.Config) (metrics.MetricsCollector, http.Handler) {
	if !cfg.MetricsEnabled {
		return metrics.Nop(), nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), metrics.Handler(reg)
}

// buildRegistry は資格情報が設定されたIdPだけを登録したレジストリを構築する。
func buildRegistry(cfg *config.Config, httpClient *http.Client) (*auth.Registry, error) {
	registry := auth.NewRegistry()
	for _, pc := range cfg.Providers {
		provider, err := model.ParseProvider(pc.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid provider %q: %w", pc.Name, err)
		}
		spec, err := auth.SpecFor(provider)
		if err != nil {
			return nil, err
		}
		registry.Register(provider, auth.NewOAuthProvider(spec, auth.Credentials{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.CallbackURL,
		}, httpClient))
	}
	return registry, nil
}

// rateLimiterConfig はreq/min単位の設定をreq/secのレート制限設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rc := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rc.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rc.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitSearch > 0 {
		rc.SearchRate = rate.Limit(float64(cfg.RateLimitSearch) / 60.0)
		rc.SearchBurst = cfg.RateLimitSearch
	}
	if cfg.RateLimitLogin > 0 {
		rc.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rc.LoginBurst = cfg.RateLimitLogin
	}
	return rc
}

// runWorker はワーカーモードで起動する。
// 不要セッションの削除ジョブを起動直後と以後24時間ごとに実行する。
// Redisストアではキー自体が期限切れになるため、ジョブは不要で即時に終了する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.SessionStore == config.SessionStoreRedis {
		slog.Info("session store is redis, cleanup worker has nothing to do")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	pool := database.NewPool(cfg.DatabaseURL)
	defer pool.Close()

	db, err := pool.DB(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewSessionCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting", slog.Int("retention_days", cleanupJob.RetentionDays))

	runCleanupLoop(ctx, cleanupJob, 24*time.Hour)

	slog.Info("worker stopped gracefully")
	return nil
}

// cleanupRunner はrunCleanupLoopが実行するジョブ。
type cleanupRunner interface {
	Run(ctx context.Context) error
}

// runCleanupLoop は起動直後に1回、以後interval毎にジョブを実行する。ctxがキャンセルされるまでブロックする。
func runCleanupLoop(ctx context.Context, job cleanupRunner, interval time.Duration) {
	if err := job.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /api/health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/api/health", port))
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
