// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// スケジューラのスキップ理由。
const (
	SkipInFlight = "inflight"
	SkipCapacity = "capacity"
)

// 送信結果。
const (
	SubmitSuccess = "success"
	SubmitFailure = "failure"
	SubmitSkipped = "skipped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スケジューラ、パイプライン、接続マネージャーから利用する。
type MetricsCollector interface {
	RecordRun(status string, duration time.Duration)
	RecordFetchFailure(kind string)
	RecordItemsSeen(count int)
	RecordLinksExtracted(count int)
	RecordSubmission(result string)
	RecordSchedulerSkip(reason string)
	SetRunningJobs(n int)
	SetDownloaderConnected(connected bool)
	RecordCleanupDeleted(collection string, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
	fetchFail      *prometheus.CounterVec
	itemsSeen      prometheus.Counter
	linksExtracted prometheus.Counter
	submissions    *prometheus.CounterVec
	skips          *prometheus.CounterVec
	runningJobs    prometheus.Gauge
	connected      prometheus.Gauge
	cleanupDeleted *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedgrab_pipeline_runs_total",
			Help: "パイプライン実行の結果別合計数",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedgrab_pipeline_run_duration_seconds",
			Help:    "パイプライン1回の実行時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedgrab_fetch_fail_total",
			Help: "フィード取得失敗の種別ごとの合計数",
		}, []string{"kind"}),
		itemsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedgrab_items_seen_total",
			Help: "新規に検出した記事の合計数",
		}),
		linksExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedgrab_links_extracted_total",
			Help: "抽出したダウンロードリンクの合計数",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedgrab_submissions_total",
			Help: "ダウンローダーへの送信結果別合計数",
		}, []string{"result"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedgrab_scheduler_skips_total",
			Help: "スケジューラがスキップしたティックの理由別合計数",
		}, []string{"reason"}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedgrab_scheduler_running_jobs",
			Help: "実行中のパイプライン数",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedgrab_downloader_connected",
			Help: "ダウンローダーに接続中なら1",
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedgrab_cleanup_deleted_total",
			Help: "経過日数クリーンアップで削除したエントリのコレクション別合計数",
		}, []string{"collection"}),
	}

	reg.MustRegister(
		c.runs,
		c.runDuration,
		c.fetchFail,
		c.itemsSeen,
		c.linksExtracted,
		c.submissions,
		c.skips,
		c.runningJobs,
		c.connected,
		c.cleanupDeleted,
	)

	return c
}

// RecordRun はパイプライン実行の結果と所要時間を記録する。
func (c *Collector) RecordRun(status string, duration time.Duration) {
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// RecordFetchFailure はフィード取得失敗を記録する。
func (c *Collector) RecordFetchFailure(kind string) {
	c.fetchFail.WithLabelValues(kind).Inc()
}

// RecordItemsSeen は新規記事数を記録する。
func (c *Collector) RecordItemsSeen(count int) {
	c.itemsSeen.Add(float64(count))
}

// RecordLinksExtracted は抽出リンク数を記録する。
func (c *Collector) RecordLinksExtracted(count int) {
	c.linksExtracted.Add(float64(count))
}

// RecordSubmission は送信結果を記録する。
func (c *Collector) RecordSubmission(result string) {
	c.submissions.WithLabelValues(result).Inc()
}

// RecordSchedulerSkip はスキップされたティックを記録する。
func (c *Collector) RecordSchedulerSkip(reason string) {
	c.skips.WithLabelValues(reason).Inc()
}

// SetRunningJobs は実行中のパイプライン数を設定する。
func (c *Collector) SetRunningJobs(n int) {
	c.runningJobs.Set(float64(n))
}

// SetDownloaderConnected は接続状態を設定する。
func (c *Collector) SetDownloaderConnected(connected bool) {
	if connected {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}

// RecordCleanupDeleted はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordCleanupDeleted(collection string, count int) {
	c.cleanupDeleted.WithLabelValues(collection).Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordRun(string, time.Duration)  {}
func (Nop) RecordFetchFailure(string)        {}
func (Nop) RecordItemsSeen(int)              {}
func (Nop) RecordLinksExtracted(int)         {}
func (Nop) RecordSubmission(string)          {}
func (Nop) RecordSchedulerSkip(string)       {}
func (Nop) SetRunningJobs(int)               {}
func (Nop) SetDownloaderConnected(bool)      {}
func (Nop) RecordCleanupDeleted(string, int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
