package vector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rushteam/fedrec/core"
)

// ChunkedProvider 将大批量 id 拆分为多个分块并发查询，结果按请求顺序拼回。
// 任一分块失败则整体失败（调用方保留上一次的用户向量），不返回部分结果。
type ChunkedProvider struct {
	inner         core.VideoVectorProvider
	ChunkSize     int // 单个分块的最大 id 数
	MaxConcurrent int // 最大并发数（0 表示无限制）
}

// NewChunkedProvider 创建分块 provider
func NewChunkedProvider(inner core.VideoVectorProvider, chunkSize, maxConcurrent int) *ChunkedProvider {
	return &ChunkedProvider{inner: inner, ChunkSize: chunkSize, MaxConcurrent: maxConcurrent}
}

func (p *ChunkedProvider) Name() string { return p.inner.Name() }

// Fetch 实现 core.VideoVectorProvider
func (p *ChunkedProvider) Fetch(ctx context.Context, videoIDs []string) ([]core.Vector, error) {
	if p.ChunkSize <= 0 || len(videoIDs) <= p.ChunkSize {
		return p.inner.Fetch(ctx, videoIDs)
	}

	out := make([]core.Vector, len(videoIDs))
	eg, egCtx := errgroup.WithContext(ctx)
	if p.MaxConcurrent > 0 {
		eg.SetLimit(p.MaxConcurrent)
	}

	for start := 0; start < len(videoIDs); start += p.ChunkSize {
		start := start // per-iteration copy (go < 1.22 loop semantics)
		end := min(start+p.ChunkSize, len(videoIDs))
		eg.Go(func() error {
			vecs, err := p.inner.Fetch(egCtx, videoIDs[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return core.NewDomainError(core.ModuleVector, core.ErrorCodeInternalError,
					fmt.Sprintf("vector: provider %s returned %d vectors for %d ids", p.inner.Name(), len(vecs), end-start))
			}
			// 各分块写入互不重叠的区间
			copy(out[start:end], vecs)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ core.VideoVectorProvider = (*ChunkedProvider)(nil)
