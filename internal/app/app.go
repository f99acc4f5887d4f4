package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/courseref/internal/config"
	"github.com/hitoshi/courseref/internal/database"
	"github.com/hitoshi/courseref/internal/handler"
	"github.com/hitoshi/courseref/internal/logger"
	"github.com/hitoshi/courseref/internal/mail"
	"github.com/hitoshi/courseref/internal/metrics"
	"github.com/hitoshi/courseref/internal/middleware"
	"github.com/hitoshi/courseref/internal/referral"
	"github.com/hitoshi/courseref/internal/repository"
	"github.com/hitoshi/courseref/internal/security"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Init はアプリケーションの初期化を行う。
// .envファイルがあれば環境変数に読み込み、JSON構造化ログをセットアップしてからConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	level := new(slog.LevelVar)
	logger.SetupDefault(w, level)

	// 2. .envの読み込み（既存の環境変数は上書きしない）
	loadDotEnv(".env")

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. ログレベルの反映
	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("falling back to info log level", slog.String("error", err.Error()))
	}
	level.Set(lvl)

	return cfg, nil
}

// loadDotEnv は指定された.envファイルを読み込む。ファイルがない場合は何もしない。
func loadDotEnv(path string) {
	err := godotenv.Load(path)
	if err == nil {
		slog.Info("loaded environment file", slog.String("path", path))
		return
	}
	if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load environment file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "3001"
		}
		return runHealthcheck(fmt.Sprintf("http://localhost:%s/health", port))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. レート制限
	limiter, closeLimiter, err := newRateLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// 3. ルーターの構築
	router := newRouter(cfg, db, limiter)

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newRouter は紹介サービスとその依存関係を組み立て、HTTPルーターを返す。
func newRouter(cfg *config.Config, db *sqlx.DB, limiter middleware.Limiter) http.Handler {
	// メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// ストアとメール
	repo := repository.NewPostgresReferralRepo(db)
	sender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
	}, slog.Default())

	service := referral.NewService(
		repo, sender, security.NewContentSanitizer(), collector,
		referral.ServiceConfig{
			MailFrom:         cfg.MailFrom,
			NotifyBestEffort: cfg.NotifyBestEffort,
		},
	)

	return handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		Metrics:           collector,
		Gatherer:          reg,
		HealthChecker:     db,
		ReferralService:   service,
	})
}

// newRateLimiter はREDIS_URLが設定されていればRedis、なければインメモリのレートリミッターを返す。
// RATE_LIMIT_REFERRALSが1未満の場合は既定値を使う。
// 戻り値の関数でリソースを解放する。
func newRateLimiter(ctx context.Context, cfg *config.Config) (middleware.Limiter, func(), error) {
	perMinute := cfg.RateLimitReferrals
	rlCfg := middleware.PerMinuteRateLimiterConfig(perMinute)
	if perMinute < 1 {
		slog.Warn("invalid RATE_LIMIT_REFERRALS, using default",
			slog.Int("value", perMinute),
			slog.Int("default", middleware.DefaultRequestsPerMinute),
		)
		perMinute = middleware.DefaultRequestsPerMinute
		rlCfg = middleware.DefaultRateLimiterConfig()
	}

	if cfg.RedisURL == "" {
		rl := middleware.NewRateLimiter(rlCfg)
		slog.Info("using in-memory rate limiter",
			slog.Int("per_minute", perMinute),
		)
		return rl, rl.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("using redis rate limiter",
		slog.String("addr", opts.Addr),
		slog.Int("per_minute", perMinute),
	)
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	return middleware.NewRedisRateLimiter(client, perMinute, time.Minute), closeFn, nil
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
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
