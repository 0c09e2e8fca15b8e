package core

import "time"

// 默认参数。config 包以这些值作为默认层，文件与环境变量可覆盖。
const (
	// DefaultTrainThreshold 每累计多少次交互触发一次本地训练 + 同步
	DefaultTrainThreshold = 10

	// DefaultTrainBatchSize 每次训练取交互日志尾部的条数（不超过 threshold）
	DefaultTrainBatchSize = 10

	// DefaultLearningRate SGD 学习率
	DefaultLearningRate = 0.01

	// DefaultEpochs 每次训练的全批次迭代次数
	DefaultEpochs = 1

	// DefaultProjectionPadding 投影归一化的留白
	DefaultProjectionPadding = 0.1

	// DefaultPowerIterations 幂迭代次数
	DefaultPowerIterations = 50

	// DefaultNeighborK 可视化连线使用的近邻数
	DefaultNeighborK = 5

	// DefaultRecommendTopK 推荐请求的 top_k
	DefaultRecommendTopK = 10

	// DefaultSyncTimeout 同步请求超时时间
	DefaultSyncTimeout = 10 * time.Second

	// DefaultSyncRetries 同步失败后的最大重试次数（之后丢弃或进入 outbox）
	DefaultSyncRetries = 2
)

// TrainConfig 是训练相关的配置接口，用于提供默认值。
type TrainConfig interface {
	// Threshold 返回触发训练的交互间隔
	Threshold() int

	// BatchSize 返回单次训练的样本数
	BatchSize() int

	// LearningRate 返回学习率
	LearningRate() float64

	// Epochs 返回训练轮数
	Epochs() int
}

// DefaultTrainConfig 是默认的训练配置实现。
type DefaultTrainConfig struct{}

func (c *DefaultTrainConfig) Threshold() int { return DefaultTrainThreshold }

func (c *DefaultTrainConfig) BatchSize() int { return DefaultTrainBatchSize }

func (c *DefaultTrainConfig) LearningRate() float64 { return DefaultLearningRate }

func (c *DefaultTrainConfig) Epochs() int { return DefaultEpochs }
