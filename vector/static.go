package vector

import (
	"context"
	"sync"

	"github.com/rushteam/fedrec/core"
)

// StaticProvider 是内存中的视频向量表，用于测试与事件回放。
type StaticProvider struct {
	mu      sync.RWMutex
	vectors map[string]core.Vector
}

// NewStaticProvider 创建静态 provider，vectors 会被拷贝。
func NewStaticProvider(vectors map[string]core.Vector) *StaticProvider {
	p := &StaticProvider{vectors: make(map[string]core.Vector, len(vectors))}
	for id, v := range vectors {
		p.vectors[id] = v.Clone()
	}
	return p
}

func (p *StaticProvider) Name() string { return "static" }

// Put 写入或替换单个视频向量
func (p *StaticProvider) Put(videoID string, v core.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vectors[videoID] = v.Clone()
}

// Fetch 按请求顺序返回向量，未知 id 对应空向量。
func (p *StaticProvider) Fetch(ctx context.Context, videoIDs []string) ([]core.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.Vector, len(videoIDs))
	for i, id := range videoIDs {
		out[i] = p.vectors[id].Clone()
	}
	return out, nil
}

var _ core.VideoVectorProvider = (*StaticProvider)(nil)
