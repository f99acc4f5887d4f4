// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 紹介登録の結果ラベル
const (
	ResultCreated  = "created"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やミドルウェアから利用する。
type MetricsCollector interface {
	RecordSubmission(result string)
	RecordNotification(sent bool, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordRateLimited(backend string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	submissions         *prometheus.CounterVec
	notifications       *prometheus.CounterVec
	notificationLatency prometheus.Histogram
	httpStatus          *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseref_referral_submissions_total",
			Help: "紹介登録リクエストの結果別件数",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseref_notifications_total",
			Help: "紹介通知メールの送信結果別件数",
		}, []string{"result"}),
		notificationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courseref_notification_latency_seconds",
			Help:    "紹介通知メール送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseref_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courseref_rate_limit_rejected_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		c.submissions,
		c.notifications,
		c.notificationLatency,
		c.httpStatus,
		c.rateLimited,
	)

	return c
}

// RecordSubmission は紹介登録の結果を記録する。
func (c *Collector) RecordSubmission(result string) {
	c.submissions.WithLabelValues(result).Inc()
}

// RecordNotification は通知メールの送信結果とレイテンシを記録する。
func (c *Collector) RecordNotification(sent bool, duration time.Duration) {
	result := "sent"
	if !sent {
		result = "failed"
	}
	c.notifications.WithLabelValues(result).Inc()
	c.notificationLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(backend string) {
	c.rateLimited.WithLabelValues(backend).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。
// メトリクスを使わないテストや構成で利用する。
type Nop struct{}

func (Nop) RecordSubmission(string) {}
func (Nop) RecordNotification(bool, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRateLimited(string) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
