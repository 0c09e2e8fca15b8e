package train

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/metrics"
	"github.com/rushteam/fedrec/model"
)

// ErrDegenerateBatch 表示批次中只有一种标签（或样本不足 2 条），本次训练被跳过。
var ErrDegenerateBatch = core.NewDomainError(core.ModuleTrain, core.ErrorCodeDegenerateBatch, "train: batch needs both liked and not-liked samples")

// defaultPrediction 是模型尚未训练时的预测值
const defaultPrediction = 0.5

// Config 训练配置
type Config struct {
	// Threshold 每累计多少次交互触发一次训练 + 同步
	Threshold int `yaml:"threshold" koanf:"threshold" validate:"gt=0"`

	// BatchSize 每次训练取交互日志尾部的条数，不超过 Threshold
	BatchSize int `yaml:"batch_size" koanf:"batch_size" validate:"gt=0,ltefield=Threshold"`

	// Epochs 每次训练的全批次迭代次数
	Epochs int `yaml:"epochs" koanf:"epochs" validate:"gt=0"`

	// LearningRate SGD 学习率
	LearningRate float64 `yaml:"learning_rate" koanf:"learning_rate" validate:"gt=0"`

	// Seed 初始化随机种子
	Seed uint64 `yaml:"seed" koanf:"seed"`

	// Hidden 隐藏层宽度（默认 64,64）
	Hidden []int `yaml:"hidden" koanf:"hidden" validate:"omitempty,dive,gt=0"`

	// Rule 自定义触发规则（CEL），为空使用默认策略
	Rule string `yaml:"rule" koanf:"rule"`
}

// DefaultConfig 返回默认训练配置
func DefaultConfig() Config {
	c := &core.DefaultTrainConfig{}
	return Config{
		Threshold:    c.Threshold(),
		BatchSize:    c.BatchSize(),
		Epochs:       c.Epochs(),
		LearningRate: c.LearningRate(),
		Seed:         1,
		Hidden:       append([]int(nil), model.DefaultHidden...),
	}
}

// TailSource 提供最近的交互记录，interaction.Store 实现该接口。
type TailSource interface {
	Tail(k int) []core.Interaction
}

// Result 是一次训练的结果
type Result struct {
	// Weights 训练后的模型参数
	Weights core.ModelWeights

	// Losses 每轮的 BCE loss
	Losses []float64

	// Samples 参与训练的样本数（缺失向量的交互被跳过）
	Samples int

	// X / Y 训练批次，batch 同步模式上传
	X [][]float64
	Y []float64

	// Round 本进程内的训练轮次（从 1 开始）
	Round int
}

// Trainer 在最近的交互上训练本地模型并导出权重。
//
// 每次训练：
//  1. 取交互日志尾部 BatchSize 条
//  2. 对每条交互构造 user ‖ video 特征，喜欢为 1，否则为 0
//  3. 单一标签的批次跳过（ErrDegenerateBatch）
//  4. 全批次训练 Epochs 轮，导出权重并持久化快照
type Trainer struct {
	source   TailSource
	provider core.VideoVectorProvider
	kv       core.Store
	cfg      Config
	dim      int

	mu    sync.Mutex // 串行化训练 / 恢复 / 重置
	model *model.MLP
	ready bool
	round int

	logger *zerolog.Logger
}

// NewTrainer 创建训练器。dim 是用户向量与视频向量的维度，模型输入为 2*dim。
// kv 为 nil 时不持久化模型快照。
func NewTrainer(source TailSource, provider core.VideoVectorProvider, kv core.Store, dim int, cfg Config) (*Trainer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = core.DefaultTrainBatchSize
	}
	if cfg.Threshold > 0 && cfg.BatchSize > cfg.Threshold {
		cfg.BatchSize = cfg.Threshold
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = core.DefaultEpochs
	}
	t := &Trainer{
		source:   source,
		provider: provider,
		kv:       kv,
		cfg:      cfg,
		dim:      dim,
		logger:   logging.Component("train"),
	}
	m, err := t.newModel()
	if err != nil {
		return nil, err
	}
	t.model = m
	return t, nil
}

func (t *Trainer) newModel() (*model.MLP, error) {
	opts := []model.MLPOption{
		model.WithLearningRate(t.cfg.LearningRate),
		model.WithSeed(t.cfg.Seed),
	}
	if len(t.cfg.Hidden) > 0 {
		opts = append(opts, model.WithHidden(t.cfg.Hidden...))
	}
	return model.NewMLP(2*t.dim, opts...)
}

// Ready 返回模型是否已训练或已从快照恢复
func (t *Trainer) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Restore 从持久化快照恢复模型。
// 快照不存在、损坏或版本不符时记录日志并保留新初始化的模型，不返回错误。
func (t *Trainer) Restore(ctx context.Context) {
	if t.kv == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := model.LoadSnapshot(ctx, t.kv, t.model)
	switch {
	case err == nil:
		t.ready = true
		t.logger.Debug().Str("version", snap.Version).Time("saved_at", snap.SavedAt).Msg("model restored")
	case core.IsStoreNotFound(err):
	case core.IsInvalidSchema(err):
		t.logger.Warn().Err(err).Msg("ignoring incompatible model snapshot, using fresh model")
	default:
		metrics.StoreErrors.WithLabelValues("train", "load").Inc()
		t.logger.Warn().Err(err).Msg("model snapshot unavailable, using fresh model")
	}
}

// PrepareBatch 为交互构造训练批次：行 = user ‖ video，标签 = 是否喜欢。
// 视频向量缺失的交互被跳过；任一向量维度不符返回 DIMENSION_MISMATCH。
func (t *Trainer) PrepareBatch(ctx context.Context, user core.Vector, interactions []core.Interaction) ([][]float64, []float64, error) {
	if len(user) != t.dim {
		return nil, nil, core.DimensionMismatch(core.ModuleTrain, t.dim, len(user), "user vector")
	}
	if len(interactions) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, len(interactions))
	for i, it := range interactions {
		ids[i] = it.VideoID
	}
	vecs, err := t.provider.Fetch(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch training video vectors: %w", err)
	}
	if len(vecs) != len(ids) {
		return nil, nil, core.NewDomainError(core.ModuleTrain, core.ErrorCodeInternalError,
			fmt.Sprintf("train: provider %s returned %d vectors for %d ids", t.provider.Name(), len(vecs), len(ids)))
	}
	if err := core.CheckDim(core.ModuleTrain, t.dim, vecs); err != nil {
		return nil, nil, err
	}

	X := make([][]float64, 0, len(ids))
	y := make([]float64, 0, len(ids))
	for i, v := range vecs {
		if v.Empty() {
			continue
		}
		row := make([]float64, 0, 2*t.dim)
		row = append(row, user...)
		row = append(row, v...)
		X = append(X, row)
		y = append(y, interactions[i].Label())
	}
	return X, y, nil
}

// Pass 在最近 BatchSize 条交互上执行一次训练。
// 单一标签批次返回 ErrDegenerateBatch，模型不变。
func (t *Trainer) Pass(ctx context.Context, user core.Vector) (*Result, error) {
	batch := t.source.Tail(t.cfg.BatchSize)
	X, y, err := t.PrepareBatch(ctx, user, batch)
	if err != nil {
		metrics.TrainingPasses.WithLabelValues("error").Inc()
		return nil, err
	}
	if degenerate(y) {
		metrics.TrainingPasses.WithLabelValues("degenerate").Inc()
		t.logger.Info().Int("samples", len(y)).Msg("skipping training on degenerate batch")
		return nil, ErrDegenerateBatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	losses, err := t.model.Train(X, y, t.cfg.Epochs)
	if err != nil {
		metrics.TrainingPasses.WithLabelValues("error").Inc()
		return nil, err
	}
	t.ready = true
	t.round++
	weights := t.model.ExtractWeights()

	if t.kv != nil {
		if err := model.SaveSnapshot(ctx, t.kv, t.model); err != nil {
			metrics.StoreErrors.WithLabelValues("train", "save").Inc()
			t.logger.Warn().Err(err).Msg("model snapshot not persisted")
		}
	}

	final := losses[len(losses)-1]
	metrics.TrainingPasses.WithLabelValues("trained").Inc()
	metrics.TrainingLoss.Set(final)
	t.logger.Info().
		Int("round", t.round).
		Int("samples", len(y)).
		Float64("loss", final).
		Msg("local training pass completed")

	return &Result{
		Weights: weights,
		Losses:  losses,
		Samples: len(y),
		X:       X,
		Y:       y,
		Round:   t.round,
	}, nil
}

// Predict 预测用户喜欢视频的概率；模型尚未训练时返回 0.5。
func (t *Trainer) Predict(ctx context.Context, user, video core.Vector) (float64, error) {
	if len(user) != t.dim {
		return 0, core.DimensionMismatch(core.ModuleTrain, t.dim, len(user), "user vector")
	}
	if len(video) != t.dim {
		return 0, core.DimensionMismatch(core.ModuleTrain, t.dim, len(video), "video vector")
	}
	t.mu.Lock()
	m, ready := t.model, t.ready
	t.mu.Unlock()
	if !ready {
		return defaultPrediction, nil
	}

	row := make([]float64, 0, 2*t.dim)
	row = append(row, user...)
	row = append(row, video...)
	return m.Predict(row)
}

// Weights 返回当前模型参数
func (t *Trainer) Weights() core.ModelWeights {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model.ExtractWeights()
}

// Reset 删除模型快照并重新初始化模型
func (t *Trainer) Reset(ctx context.Context) error {
	m, err := t.newModel()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.model = m
	t.ready = false
	t.round = 0
	t.mu.Unlock()

	if t.kv == nil {
		return nil
	}
	return t.kv.Delete(ctx, core.KeyModelWeights)
}

// degenerate 样本不足 2 条或只有一种标签
func degenerate(y []float64) bool {
	if len(y) < 2 {
		return true
	}
	for _, v := range y[1:] {
		if v != y[0] {
			return false
		}
	}
	return true
}
