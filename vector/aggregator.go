package vector

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/metrics"
)

const userVectorVersion = 1

// LikedSource 提供喜欢的视频 ID（按交互顺序），interaction.Store 实现该接口。
type LikedSource interface {
	LikedIDs() []string
}

// persistedUserVector 是用户向量在 Store 中的版本化结构
type persistedUserVector struct {
	Version int         `json:"version"`
	Dim     int         `json:"dim"`
	Vector  core.Vector `json:"vector"`
}

// Aggregator 将喜欢的视频向量聚合为用户向量。
//
// 规则：
//   - 没有喜欢记录：返回 Dim 维零向量（默认 core.CanonicalDim）
//   - provider 未返回的视频不参与计算，分母是实际参与求和的向量数
//   - 全部缺失：返回零向量
//   - 任一向量长度 != Dim：DIMENSION_MISMATCH，不持久化
type Aggregator struct {
	source   LikedSource
	provider core.VideoVectorProvider
	kv       core.Store
	dim      int
	logger   *zerolog.Logger
}

// AggregatorOption Aggregator 配置选项
type AggregatorOption func(*Aggregator)

// WithDim 设置向量维度
func WithDim(dim int) AggregatorOption {
	return func(a *Aggregator) {
		if dim > 0 {
			a.dim = dim
		}
	}
}

// WithStore 设置用户向量的持久化存储
func WithStore(kv core.Store) AggregatorOption {
	return func(a *Aggregator) {
		a.kv = kv
	}
}

// NewAggregator 创建用户向量聚合器
func NewAggregator(source LikedSource, provider core.VideoVectorProvider, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		source:   source,
		provider: provider,
		dim:      core.CanonicalDim,
		logger:   logging.Component("vector"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dim 返回用户向量维度
func (a *Aggregator) Dim() int { return a.dim }

// Build 重新计算用户向量并持久化。
// provider 整体失败时返回错误，已持久化的用户向量保持不变。
func (a *Aggregator) Build(ctx context.Context) (core.Vector, error) {
	ids := a.source.LikedIDs()
	if len(ids) == 0 {
		v := core.Zero(a.dim)
		metrics.UserVectorBuilds.WithLabelValues("zero").Inc()
		a.persist(ctx, v)
		return v, nil
	}

	vecs, err := a.provider.Fetch(ctx, ids)
	if err != nil {
		metrics.UserVectorBuilds.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch liked video vectors: %w", err)
	}
	if len(vecs) != len(ids) {
		metrics.UserVectorBuilds.WithLabelValues("error").Inc()
		return nil, core.NewDomainError(core.ModuleVector, core.ErrorCodeInternalError,
			fmt.Sprintf("vector: provider %s returned %d vectors for %d ids", a.provider.Name(), len(vecs), len(ids)))
	}

	v, used, err := Mean(a.dim, vecs)
	if err != nil {
		metrics.UserVectorBuilds.WithLabelValues("error").Inc()
		return nil, err
	}
	if used < len(ids) {
		a.logger.Debug().Int("liked", len(ids)).Int("used", used).Msg("liked videos without vectors excluded")
	}

	result := "ok"
	if used == 0 {
		result = "zero"
	}
	metrics.UserVectorBuilds.WithLabelValues(result).Inc()
	a.persist(ctx, v)
	return v, nil
}

// Cached 返回上一次持久化的用户向量；不存在、损坏或维度不符时返回零向量。
func (a *Aggregator) Cached(ctx context.Context) core.Vector {
	if a.kv == nil {
		return core.Zero(a.dim)
	}
	data, err := a.kv.Get(ctx, core.KeyUserVector)
	if err != nil {
		if !core.IsStoreNotFound(err) {
			a.fault("load", err)
		}
		return core.Zero(a.dim)
	}
	v, err := decodeUserVector(data, a.dim)
	if err != nil {
		a.fault("decode", err)
		return core.Zero(a.dim)
	}
	return v
}

// Reset 删除持久化的用户向量
func (a *Aggregator) Reset(ctx context.Context) error {
	if a.kv == nil {
		return nil
	}
	return a.kv.Delete(ctx, core.KeyUserVector)
}

func (a *Aggregator) persist(ctx context.Context, v core.Vector) {
	if a.kv == nil {
		return
	}
	data, err := json.Marshal(persistedUserVector{Version: userVectorVersion, Dim: len(v), Vector: v})
	if err != nil {
		a.fault("encode", err)
		return
	}
	if err := a.kv.Set(ctx, core.KeyUserVector, data); err != nil {
		a.fault("save", err)
	}
}

func (a *Aggregator) fault(op string, err error) {
	metrics.StoreErrors.WithLabelValues("vector", op).Inc()
	a.logger.Warn().Err(err).Str("op", op).Msg("user vector persistence fault")
}

func decodeUserVector(data []byte, dim int) (core.Vector, error) {
	var p persistedUserVector
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.WrapDomainError(core.ModuleVector, core.ErrorCodeInvalidSchema, "vector: malformed user vector", err)
	}
	if p.Version != userVectorVersion {
		return nil, core.NewDomainError(core.ModuleVector, core.ErrorCodeInvalidSchema,
			fmt.Sprintf("vector: unsupported user vector version %d", p.Version))
	}
	if len(p.Vector) != dim || p.Dim != dim {
		return nil, core.DimensionMismatch(core.ModuleVector, dim, len(p.Vector), "persisted user vector")
	}
	return p.Vector, nil
}

// Mean 计算非空向量的逐元素平均值，返回 (平均向量, 参与计算的向量数, 错误)。
// 没有非空向量时返回 dim 维零向量；任一非空向量长度 != dim 时返回 DIMENSION_MISMATCH。
func Mean(dim int, vectors []core.Vector) (core.Vector, int, error) {
	if err := core.CheckDim(core.ModuleVector, dim, vectors); err != nil {
		return nil, 0, err
	}
	sum := core.Zero(dim)
	n := 0
	for _, v := range vectors {
		if v.Empty() {
			continue
		}
		floats.Add(sum, v)
		n++
	}
	if n > 0 {
		floats.Scale(1/float64(n), sum)
	}
	return sum, n, nil
}
