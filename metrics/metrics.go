// Package metrics 提供 Prometheus 指标。
// 指标以包级变量注册到默认 Registry，宿主进程可按需通过 promhttp 暴露。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InteractionsRecorded 交互记录次数（kind: like / unlike / view）
	InteractionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedrec_interactions_recorded_total",
			Help: "Total number of recorded interactions",
		},
		[]string{"kind"},
	)

	// StoreErrors 持久化故障次数（已降级为内存状态）
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedrec_store_errors_total",
			Help: "Total number of persistence faults absorbed by in-memory fallback",
		},
		[]string{"component", "operation"},
	)

	// UserVectorBuilds 用户向量重建次数（result: ok / zero / error / busy）
	UserVectorBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedrec_user_vector_builds_total",
			Help: "Total number of user vector rebuilds by result",
		},
		[]string{"result"},
	)

	// VideoVectorFetches 视频向量查询次数（provider: http / feast / static / cache，result: ok / error / hit / miss）
	VideoVectorFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedrec_video_vector_fetches_total",
			Help: "Total number of video vector lookups by provider and result",
		},
		[]string{"provider", "result"},
	)

	// TrainingPasses 本地训练次数（result: trained / degenerate / error / busy）
	TrainingPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedrec_training_passes_total",
			Help: "Total number of local training passes by result",
		},
		[]string{"result"},
	)

	// TrainingLoss 最近一次训练的最终 loss
	TrainingLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fedrec_training_loss",
			Help: "Binary cross-entropy loss after the latest local training pass",
		},
	)

	// SyncPushes 联邦同步次数（result: ok / rejected / dropped / queued / breaker_open）
	SyncPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedrec_sync_pushes_total",
			Help: "Total number of federated sync pushes by result",
		},
		[]string{"result"},
	)

	// ProjectionDuration 投影耗时
	ProjectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedrec_projection_duration_seconds",
			Help:    "Duration of PCA projections in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ObserveProjection 记录一次投影耗时
func ObserveProjection(start time.Time) {
	ProjectionDuration.Observe(time.Since(start).Seconds())
}
