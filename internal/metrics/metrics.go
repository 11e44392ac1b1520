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
// オーケストレーター・ミラー・課題ライフサイクルから利用する。
type MetricsCollector interface {
	RecordSyncRun(mode, status string, duration time.Duration)
	RecordSyncItem(outcome string)
	RecordLockConflict()
	RecordIssueTransition(issueType, action string)
	RecordSourceStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncRuns         *prometheus.CounterVec
	syncItems        *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	lockConflicts    prometheus.Counter
	issueTransitions *prometheus.CounterVec
	sourceStatus     *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbsync_sync_runs_total",
			Help: "モード・結果別の同期実行数",
		}, []string{"mode", "status"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbsync_sync_items_total",
			Help: "結果別の記事同期数",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kbsync_sync_run_duration_seconds",
			Help:    "同期実行の所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"mode"}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kbsync_sync_lock_conflicts_total",
			Help: "実行中の同期と競合して拒否された起動要求の数",
		}),
		issueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbsync_issue_transitions_total",
			Help: "課題種別・アクション別のライフサイクル遷移数",
		}, []string{"type", "action"}),
		sourceStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbsync_source_http_status_total",
			Help: "ソースAPIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncItems,
		c.syncDuration,
		c.lockConflicts,
		c.issueTransitions,
		c.sourceStatus,
	)

	return c
}

// RecordSyncRun は確定した同期実行を記録する。
func (c *Collector) RecordSyncRun(mode, status string, duration time.Duration) {
	c.syncRuns.WithLabelValues(mode, status).Inc()
	c.syncDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordSyncItem は記事1件の同期結果を記録する。
func (c *Collector) RecordSyncItem(outcome string) {
	c.syncItems.WithLabelValues(outcome).Inc()
}

// RecordLockConflict は実行ロックの競合を記録する。
func (c *Collector) RecordLockConflict() {
	c.lockConflicts.Inc()
}

// RecordIssueTransition は課題のライフサイクル遷移を記録する。
func (c *Collector) RecordIssueTransition(issueType, action string) {
	c.issueTransitions.WithLabelValues(issueType, action).Inc()
}

// RecordSourceStatus はソースAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordSourceStatus(statusCode int) {
	c.sourceStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordSyncRun(string, string, time.Duration) {}
func (Nop) RecordSyncItem(string)                       {}
func (Nop) RecordLockConflict()                         {}
func (Nop) RecordIssueTransition(string, string)        {}
func (Nop) RecordSourceStatus(int)                      {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
