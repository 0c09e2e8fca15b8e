// Package rank 在原始向量空间中对候选视频排序。
package rank

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/rushteam/fedrec/core"
)

// TopK 返回与 query 欧氏距离最近的 k 个候选（原始空间，不经过投影）。
//
// 距离升序、稳定排序：距离相同时保持候选的原始顺序。
// k <= 0 或 k > len(candidates) 时返回全部候选。
// 任一候选长度与 query 不同时返回 DIMENSION_MISMATCH。
func TopK(query core.Vector, candidates []core.Vector, k int) ([]core.Neighbor, error) {
	for i, c := range candidates {
		if len(c) != len(query) {
			return nil, core.DimensionMismatch(core.ModuleVector, len(query), len(c), fmt.Sprintf("candidate #%d", i))
		}
	}

	out := make([]core.Neighbor, len(candidates))
	for i, c := range candidates {
		out[i] = core.Neighbor{Index: i, Distance: floats.Distance(query, c, 2)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance < out[j].Distance
	})

	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out, nil
}

// Scorer 为 (user, video) 打分，train.Trainer 实现该接口。
type Scorer interface {
	Predict(ctx context.Context, user, video core.Vector) (float64, error)
}

// Scored 是一个带模型分数的候选
type Scored struct {
	Index int
	Score float64
}

// ByScore 用本地模型为候选打分并按分数降序（稳定）排序，用于检查本地模型与近邻结果是否一致。
func ByScore(ctx context.Context, scorer Scorer, user core.Vector, candidates []core.Vector) ([]Scored, error) {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		s, err := scorer.Predict(ctx, user, c)
		if err != nil {
			return nil, err
		}
		out[i] = Scored{Index: i, Score: s}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, nil
}
