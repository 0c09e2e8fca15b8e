package core

import (
	"context"
	"fmt"
)

// CanonicalDim 是视频 / 用户 embedding 的规范维度，与后端 videos.gen_vector 列保持一致。
// 没有任何喜欢记录时，用户向量是该维度的零向量，而不是运行时推断的维度。
const CanonicalDim = 1024

// Vector 是定长的 embedding 向量。
// 同一次聚合、训练批次或投影中的向量必须等长。
type Vector []float64

// Zero 返回 dim 维零向量。
func Zero(dim int) Vector {
	return make(Vector, dim)
}

// Clone 返回向量的拷贝。
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Empty 表示 provider 未返回该视频的向量（"无贡献"）。
func (v Vector) Empty() bool { return len(v) == 0 }

// DimensionMismatch 构造维度不一致错误。
func DimensionMismatch(module string, want, got int, what string) error {
	return NewDomainError(module, ErrorCodeDimensionMismatch,
		fmt.Sprintf("%s: dimension mismatch: want %d, got %d (%s)", module, want, got, what))
}

// CheckDim 校验所有非空向量长度均为 dim。
func CheckDim(module string, dim int, vectors []Vector) error {
	for i, v := range vectors {
		if v.Empty() {
			continue
		}
		if len(v) != dim {
			return DimensionMismatch(module, dim, len(v), fmt.Sprintf("vector #%d", i))
		}
	}
	return nil
}

// VideoVectorProvider 是视频向量查询的领域接口（外部协作方）。
//
// 约定：
//   - 返回切片与 videoIDs 等长且顺序一致
//   - 未找到的视频对应空向量（调用方视为"无贡献"，而不是错误）
//   - error 只表示整体失败（网络 / 存储不可用）
//
// 实现：
//   - vector.HTTPProvider（REST 行查询，Supabase / PostgREST 风格）
//   - vector.FeastProvider（Feast 在线特征）
//   - vector.StaticProvider（内存，测试 / 回放）
//   - vector.ChunkedProvider / vector.CachedProvider（装饰器）
type VideoVectorProvider interface {
	// Name 返回 provider 名称（用于日志/监控）
	Name() string

	// Fetch 按请求顺序返回视频向量
	Fetch(ctx context.Context, videoIDs []string) ([]Vector, error)
}

// ProjectionResult 是一批向量的二维投影结果。
// Points 落在 [padding, 1-padding]² 内，按批次自身的 min/max 归一化，跨批次不可比较。
type ProjectionResult struct {
	// Points 与输入顺序一一对应
	Points [][2]float64

	// UserIndex 是用户向量在 Points 中的下标；不存在时为 -1
	UserIndex int
}

// Neighbor 是一个近邻结果：候选下标 + 原始空间欧氏距离。
type Neighbor struct {
	Index    int
	Distance float64
}
