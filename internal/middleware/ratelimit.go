package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/courseref/internal/metrics"
	"github.com/hitoshi/courseref/internal/model"
	"golang.org/x/time/rate"
)

// Limiter はクライアントキーごとにリクエストを許可するか判定する。
type Limiter interface {
	// Allow はkeyのリクエストを1件消費し、許可される場合trueを返す。
	Allow(ctx context.Context, key string) (bool, error)
	// RetryAfterSeconds は拒否時にRetry-Afterヘッダーへ設定する秒数を返す。
	RetryAfterSeconds() int
	// Backend はメトリクス用のバックエンド名を返す。
	Backend() string
}

// RateLimiterConfig はインメモリレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // 補充レート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRequestsPerMinute はクライアントごとの1分あたりの既定許可件数。
// 紹介登録はメール送信を伴うため 10 req/min/client に抑える。
const DefaultRequestsPerMinute = 10

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(DefaultRequestsPerMinute)
}

// PerMinuteRateLimiterConfig は1分あたりの許可件数からレート制限設定を生成する。
func PerMinuteRateLimiterConfig(perMinute int) RateLimiterConfig {
	if perMinute < 1 {
		perMinute = 1
	}
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はプロセス内でクライアントごとのレート制限を管理する。
// 単一インスタンス構成向け。複数インスタンスではRedisRateLimiterを使う。
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.RWMutex
	limiters map[string]*clientLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Allow はクライアントのトークンを1つ消費する。
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	return rl.getOrCreateLimiter(key).Allow(), nil
}

// RetryAfterSeconds は1トークンが補充されるまでの秒数を返す。
func (rl *RateLimiter) RetryAfterSeconds() int {
	sec := int(math.Ceil(1.0 / float64(rl.config.Rate)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// Backend はメトリクス用のバックエンド名を返す。
func (rl *RateLimiter) Backend() string {
	return "memory"
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// getOrCreateLimiter はクライアントのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	cl, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		rl.mu.Lock()
		cl.lastAccess = time.Now()
		rl.mu.Unlock()
		return cl.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// ダブルチェック
	if cl, exists := rl.limiters[key]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	rl.limiters[key] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

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

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.limiters, key)
		}
	}
}

// NewRateLimitMiddleware はクライアントIPごとのレート制限ミドルウェアを返す。
// クライアントIPはRemoteAddrから取得するため、プロキシ配下ではchiのRealIPの後に配置する。
// リミッター自体が失敗した場合は500を返す。
func NewRateLimitMiddleware(limiter Limiter, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Error("rate limit check failed",
					slog.String("backend", limiter.Backend()),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			if !allowed {
				collector.RecordRateLimited(limiter.Backend())
				writeRateLimitResponse(w, limiter.RetryAfterSeconds())
				slog.Warn("rate limit exceeded",
					slog.String("client", key),
					slog.String("backend", limiter.Backend()),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey はリクエスト元のIPアドレスを返す。
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
func writeRateLimitResponse(w http.ResponseWriter, retryAfterSec int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}

var _ Limiter = (*RateLimiter)(nil)
