// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 移行オーケストレーター、Discordゲートウェイ、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordTransferStarted()
	RecordTransferFinished(status string)
	RecordMemberProcessed(outcome string)
	RecordHTTPStatus(statusCode int)
	ObserveAddMemberLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transfersStarted  prometheus.Counter
	transfersFinished *prometheus.CounterVec
	membersProcessed  *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	addMemberLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transfersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guildtransfer_transfers_started_total",
			Help: "開始された移行ジョブの合計数",
		}),
		transfersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildtransfer_transfers_finished_total",
			Help: "終端状態別の移行ジョブ完了数",
		}, []string{"status"}),
		membersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildtransfer_members_processed_total",
			Help: "処理結果別のメンバー処理数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildtransfer_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		addMemberLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guildtransfer_add_member_latency_seconds",
			Help:    "メンバー追加APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.transfersStarted,
		c.transfersFinished,
		c.membersProcessed,
		c.httpStatus,
		c.addMemberLatency,
	)

	return c
}

// RecordTransferStarted は移行ジョブの開始を記録する。
func (c *Collector) RecordTransferStarted() {
	c.transfersStarted.Inc()
}

// RecordTransferFinished は移行ジョブの終了を終端状態付きで記録する。
func (c *Collector) RecordTransferFinished(status string) {
	c.transfersFinished.WithLabelValues(status).Inc()
}

// RecordMemberProcessed はメンバー1件の処理結果を記録する。
func (c *Collector) RecordMemberProcessed(outcome string) {
	c.membersProcessed.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// ObserveAddMemberLatency はメンバー追加APIのレイテンシを記録する。
func (c *Collector) ObserveAddMemberLatency(duration time.Duration) {
	c.addMemberLatency.Observe(duration.Seconds())
}

// NewRegistry はGoランタイムとプロセスのコレクターを登録済みのレジストリを返す。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集中のエラーはレスポンスに含めて500にせず、取得できた分だけを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// SetupMetricsRoute はGET /metricsのみを受け付けるハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
