package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/courseref/internal/metrics"
	"github.com/hitoshi/courseref/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       middleware.Limiter
	Metrics           metrics.MetricsCollector

	// /metrics の公開元。nilの場合はエンドポイントを登録しない。
	Gatherer prometheus.Gatherer

	HealthChecker   HealthChecker
	ReferralService ReferralServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Metrics → Recovery → SecurityHeaders → CORS
//
// Recoveryは内側に置き、panicから復帰した500もログとメトリクスに残す。
// POST /api/referrals にはさらにクライアントIPごとのレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	healthHandler := NewHealthHandler(deps.HealthChecker)
	referralHandler := NewReferralHandler(deps.ReferralService)

	r.Get("/health", healthHandler.Health)

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/referrals", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(middleware.NewRateLimitMiddleware(deps.RateLimiter, collector))
		}
		r.Post("/", referralHandler.SubmitReferral)
	})

	return r
}
