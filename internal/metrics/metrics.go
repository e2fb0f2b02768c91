// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証フロー、セッション管理、画像検索から利用する。
type MetricsCollector interface {
	RecordLogin(provider string, outcome string)
	RecordAccountCreated(provider string)
	RecordSessionCreated()
	RecordSessionRevoked()
	RecordSearch(outcome string)
	RecordUpstreamStatus(statusCode int)
	RecordSearchLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	accountsCreated *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	sessionsRevoked prometheus.Counter
	searches        *prometheus.CounterVec
	upstreamStatus  *prometheus.CounterVec
	searchLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixsearch_logins_total",
			Help: "IdP別・結果別のログイン試行数",
		}, []string{"provider", "outcome"}),
		accountsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixsearch_accounts_created_total",
			Help: "IdP別の新規アカウント作成数",
		}, []string{"provider"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixsearch_sessions_created_total",
			Help: "発行したセッションの合計数",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixsearch_sessions_revoked_total",
			Help: "ログアウトで失効したセッションの合計数",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixsearch_searches_total",
			Help: "結果別の画像検索数",
		}, []string{"outcome"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixsearch_upstream_status_total",
			Help: "画像検索APIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixsearch_search_latency_seconds",
			Help:    "画像検索APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.accountsCreated,
		c.sessionsCreated,
		c.sessionsRevoked,
		c.searches,
		c.upstreamStatus,
		c.searchLatency,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(provider string, outcome string) {
	c.logins.WithLabelValues(provider, outcome).Inc()
}

// RecordAccountCreated は新規アカウント作成を記録する。
func (c *Collector) RecordAccountCreated(provider string) {
	c.accountsCreated.WithLabelValues(provider).Inc()
}

// RecordSessionCreated はセッション発行を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordSessionRevoked はセッション失効を記録する。
func (c *Collector) RecordSessionRevoked() {
	c.sessionsRevoked.Inc()
}

// RecordSearch は画像検索の結果を記録する。
func (c *Collector) RecordSearch(outcome string) {
	c.searches.WithLabelValues(outcome).Inc()
}

// RecordUpstreamStatus は画像検索APIのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSearchLatency は画像検索APIのレイテンシを記録する。
func (c *Collector) RecordSearchLatency(duration time.Duration) {
	c.searchLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// nopCollector は何も記録しないMetricsCollector。
type nopCollector struct{}

// Nop は何も記録しないMetricsCollectorを返す。テストやメトリクス無効時に使用する。
func Nop() MetricsCollector { return nopCollector{} }

func (nopCollector) RecordLogin(string, string)        {}
func (nopCollector) RecordAccountCreated(string)       {}
func (nopCollector) RecordSessionCreated()             {}
func (nopCollector) RecordSessionRevoked()             {}
func (nopCollector) RecordSearch(string)               {}
func (nopCollector) RecordUpstreamStatus(int)          {}
func (nopCollector) RecordSearchLatency(time.Duration) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = nopCollector{}
)
