// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// Gate、クォータ台帳、参照確認、HTTP層から利用する。
type MetricsCollector interface {
	RecordDecision(outcome, reason string)
	RecordEvaluationLatency(duration time.Duration)
	ObserveQuotaUtilization(identity, operation string, utilization float64)
	RecordQuotaStoreUnavailable(failMode string)
	ObserveAssetCheck(status string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	decisions        *prometheus.CounterVec
	latency          prometheus.Histogram
	quotaUtilization *prometheus.GaugeVec
	quotaUnavailable *prometheus.CounterVec
	assetChecks      *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publishgate_decisions_total",
			Help: "Gate判定の合計数（結果・拒否理由別）。複数の理由で拒否された判定は理由ごとに数える",
		}, []string{"outcome", "reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "publishgate_evaluation_seconds",
			Help:    "Gate評価のレイテンシ（秒）",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		quotaUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "publishgate_quota_utilization_ratio",
			Help: "上限超過時のクォータ使用率（count/limit）",
		}, []string{"identity", "operation"}),
		quotaUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publishgate_quota_store_unavailable_total",
			Help: "クォータストアに到達できなかった回数（フェイルモード別）",
		}, []string{"fail_mode"}),
		assetChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publishgate_asset_checks_total",
			Help: "画像・リンク確認の合計数（結果別）",
		}, []string{"status"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publishgate_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.decisions,
		c.latency,
		c.quotaUtilization,
		c.quotaUnavailable,
		c.assetChecks,
		c.httpStatus,
	)

	return c
}

// RecordDecision はGate判定を記録する。受理の場合reasonは"none"とする。
// 拒否理由が複数ある判定では理由ごとに呼び出される。
func (c *Collector) RecordDecision(outcome, reason string) {
	c.decisions.WithLabelValues(outcome, reason).Inc()
}

// RecordEvaluationLatency はGate評価のレイテンシを記録する。
func (c *Collector) RecordEvaluationLatency(duration time.Duration) {
	c.latency.Observe(duration.Seconds())
}

// ObserveQuotaUtilization はクォータ使用率を記録する。
func (c *Collector) ObserveQuotaUtilization(identity, operation string, utilization float64) {
	c.quotaUtilization.WithLabelValues(identity, operation).Set(utilization)
}

// RecordQuotaStoreUnavailable はクォータストア到達不能を記録する。
func (c *Collector) RecordQuotaStoreUnavailable(failMode string) {
	c.quotaUnavailable.WithLabelValues(failMode).Inc()
}

// ObserveAssetCheck は参照1件の確認結果を記録する。
func (c *Collector) ObserveAssetCheck(status string) {
	c.assetChecks.WithLabelValues(status).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
