package vector

import (
	"context"
	"sync"
	"time"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/metrics"
)

// CachedProvider 是视频向量的内存缓存，采用 LRU + TTL 策略。
// 视频向量在后端很少变化，缓存可以避免每次喜欢 / 取消喜欢都重新拉取全部向量。
// 只缓存非空向量：缺失的视频下次仍会查询，以便拿到后来上传的 embedding。
type CachedProvider struct {
	inner      core.VideoVectorProvider
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time
}

type cacheEntry struct {
	vector     core.Vector
	expireTime time.Time
	accessTime time.Time
}

// NewCachedProvider 创建缓存 provider，ttl <= 0 时条目不过期。
func NewCachedProvider(inner core.VideoVectorProvider, maxSize int, ttl time.Duration) *CachedProvider {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &CachedProvider{
		inner:      inner,
		entries:    make(map[string]*cacheEntry),
		maxSize:    maxSize,
		defaultTTL: ttl,
		now:        time.Now,
	}
}

func (c *CachedProvider) Name() string { return c.inner.Name() }

// Fetch 先查缓存，未命中的 id 一次性交给下游 provider。
func (c *CachedProvider) Fetch(ctx context.Context, videoIDs []string) ([]core.Vector, error) {
	out := make([]core.Vector, len(videoIDs))
	var (
		missIDs []string
		missPos []int
	)

	c.mu.Lock()
	now := c.now()
	for i, id := range videoIDs {
		if e, ok := c.entries[id]; ok {
			if c.defaultTTL <= 0 || now.Before(e.expireTime) {
				e.accessTime = now
				out[i] = e.vector.Clone()
				continue
			}
			delete(c.entries, id)
		}
		missIDs = append(missIDs, id)
		missPos = append(missPos, i)
	}
	c.mu.Unlock()

	hits := len(videoIDs) - len(missIDs)
	if hits > 0 {
		metrics.VideoVectorFetches.WithLabelValues("cache", "hit").Add(float64(hits))
	}
	if len(missIDs) == 0 {
		return out, nil
	}
	metrics.VideoVectorFetches.WithLabelValues("cache", "miss").Add(float64(len(missIDs)))

	vecs, err := c.inner.Fetch(ctx, missIDs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now = c.now()
	for j, pos := range missPos {
		if j >= len(vecs) {
			break
		}
		out[pos] = vecs[j]
		if vecs[j].Empty() {
			continue
		}
		c.setLocked(missIDs[j], vecs[j], now)
	}
	return out, nil
}

func (c *CachedProvider) setLocked(id string, v core.Vector, now time.Time) {
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.maxSize {
		c.evictLRU()
	}
	c.entries[id] = &cacheEntry{
		vector:     v.Clone(),
		expireTime: now.Add(c.defaultTTL),
		accessTime: now,
	}
}

// evictLRU 删除最久未访问的条目
func (c *CachedProvider) evictLRU() {
	var (
		oldestKey  string
		oldestTime time.Time
		first      = true
	)
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.accessTime
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Invalidate 删除单个视频的缓存
func (c *CachedProvider) Invalidate(videoID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, videoID)
}

// Clear 清空缓存
func (c *CachedProvider) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len 返回缓存条目数
func (c *CachedProvider) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

var _ core.VideoVectorProvider = (*CachedProvider)(nil)
