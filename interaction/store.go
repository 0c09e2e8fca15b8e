// Package interaction 维护视频交互记录（viewed / liked），是下游所有组件的数据源。
package interaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/metrics"
)

// schemaVersion 是持久化结构的版本号，不匹配时按 INVALID_SCHEMA 处理。
const schemaVersion = 1

// persisted 是交互记录在 Store 中的版本化结构。
// Interactions 按最近一次写入排序，尾部是最新的交互。
type persisted struct {
	Version      int                `json:"version"`
	Count        int                `json:"count"`
	Interactions []core.Interaction `json:"interactions"`
}

// Store 是交互记录存储。
//
// 语义：
//   - 以 videoID 为键，只保留当前状态，后写覆盖
//   - 内存状态是权威数据；持久化失败只记录日志，本次会话内继续使用内存状态
//   - Count 是单调递增的交互计数（仅统计改变状态的写入），供训练调度读取
type Store struct {
	wmu     sync.Mutex // 串行化 写入 + 持久化，保证落盘顺序与内存一致
	mu      sync.RWMutex
	kv      core.Store
	key     string
	index   map[string]int
	log     []core.Interaction
	count   int
	lastErr error
	logger  *zerolog.Logger
}

// NewStore 创建交互记录存储，kv 为 nil 时只保存在内存中。
func NewStore(kv core.Store) *Store {
	return &Store{
		kv:     kv,
		key:    core.KeyInteractions,
		index:  make(map[string]int),
		logger: logging.Component("interaction"),
	}
}

// Load 从持久化层恢复状态。
// 读取失败或结构不合法时记录日志并以空状态启动，不向调用方返回错误。
func (s *Store) Load(ctx context.Context) {
	if s.kv == nil {
		return
	}
	data, err := s.kv.Get(ctx, s.key)
	if core.IsStoreNotFound(err) {
		return
	}
	if err != nil {
		s.fault("load", err)
		return
	}

	p, err := decode(data)
	if err != nil {
		s.fault("decode", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = p.Interactions
	s.count = p.Count
	s.reindex()
}

// Record 记录一次明确的喜欢 / 不喜欢：viewed=true, liked=liked。
// 对相同参数的重复调用是幂等的。
func (s *Store) Record(ctx context.Context, videoID string, liked bool) error {
	if videoID == "" {
		return core.NewDomainError(core.ModuleInteraction, core.ErrorCodeInvalidInput, "interaction: empty video id")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if i, ok := s.index[videoID]; ok {
		cur := s.log[i]
		if cur.Viewed && cur.Liked == liked {
			s.mu.Unlock()
			return nil
		}
	}
	s.upsert(core.Interaction{VideoID: videoID, Viewed: true, Liked: liked})
	p := s.snapshotLocked()
	s.mu.Unlock()

	kind := "unlike"
	if liked {
		kind = "like"
	}
	metrics.InteractionsRecorded.WithLabelValues(kind).Inc()
	s.persist(ctx, p)
	return nil
}

// RecordViewed 记录一次曝光：仅当该视频不存在记录时创建 {viewed:true, liked:false}。
// 已存在的记录（尤其是明确的喜欢）不会被覆盖。
func (s *Store) RecordViewed(ctx context.Context, videoID string) error {
	if videoID == "" {
		return core.NewDomainError(core.ModuleInteraction, core.ErrorCodeInvalidInput, "interaction: empty video id")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if _, ok := s.index[videoID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.upsert(core.Interaction{VideoID: videoID, Viewed: true})
	p := s.snapshotLocked()
	s.mu.Unlock()

	metrics.InteractionsRecorded.WithLabelValues("view").Inc()
	s.persist(ctx, p)
	return nil
}

// Get 返回单个视频的交互状态
func (s *Store) Get(videoID string) (core.Interaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[videoID]
	if !ok {
		return core.Interaction{}, false
	}
	return s.log[i], true
}

// Liked 返回所有喜欢的视频 ID 集合
func (s *Store) Liked() map[string]struct{} {
	return s.collect(func(it core.Interaction) bool { return it.Liked })
}

// Viewed 返回所有看过的视频 ID 集合
func (s *Store) Viewed() map[string]struct{} {
	return s.collect(func(it core.Interaction) bool { return it.Viewed })
}

// LikedIDs 按交互顺序返回喜欢的视频 ID
func (s *Store) LikedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.log))
	for _, it := range s.log {
		if it.Liked {
			ids = append(ids, it.VideoID)
		}
	}
	return ids
}

// Snapshot 返回全部交互记录的拷贝，按最近写入排序
func (s *Store) Snapshot() []core.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Interaction(nil), s.log...)
}

// Tail 返回最近写入的 k 条交互记录（k <= 0 时返回空）
func (s *Store) Tail(k int) []core.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k <= 0 {
		return nil
	}
	if k > len(s.log) {
		k = len(s.log)
	}
	return append([]core.Interaction(nil), s.log[len(s.log)-k:]...)
}

// Len 返回记录的视频数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Count 返回累计交互次数
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// LastError 返回最近一次持久化故障（用于诊断），没有时返回 nil
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Reset 清空全部交互记录与计数，仅用于用户主动清除数据。
func (s *Store) Reset(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	s.log = nil
	s.count = 0
	s.index = make(map[string]int)
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, s.key); err != nil {
		s.fault("reset", err)
		// 删除失败时覆盖为空记录，下次 Load 不会恢复已清除的数据
		data, merr := json.Marshal(persisted{Version: schemaVersion, Interactions: []core.Interaction{}})
		if merr != nil {
			return err
		}
		if serr := s.kv.Set(ctx, s.key, data); serr != nil {
			s.fault("reset", serr)
			return err
		}
	}
	return nil
}

// upsert 写入记录并移动到尾部（调用方持有锁）
func (s *Store) upsert(it core.Interaction) {
	if i, ok := s.index[it.VideoID]; ok {
		s.log = append(s.log[:i], s.log[i+1:]...)
	}
	s.log = append(s.log, it)
	s.count++
	s.reindex()
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.log))
	for i, it := range s.log {
		s.index[it.VideoID] = i
	}
}

func (s *Store) collect(pred func(core.Interaction) bool) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, it := range s.log {
		if pred(it) {
			out[it.VideoID] = struct{}{}
		}
	}
	return out
}

func (s *Store) snapshotLocked() persisted {
	return persisted{
		Version:      schemaVersion,
		Count:        s.count,
		Interactions: append([]core.Interaction(nil), s.log...),
	}
}

func (s *Store) persist(ctx context.Context, p persisted) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		s.fault("encode", err)
		return
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		s.fault("save", err)
		return
	}
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Store) fault(op string, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	metrics.StoreErrors.WithLabelValues("interaction", op).Inc()
	s.logger.Warn().Err(err).Str("op", op).Msg("interaction persistence fault, using in-memory state")
}

func decode(data []byte) (*persisted, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.WrapDomainError(core.ModuleInteraction, core.ErrorCodeInvalidSchema, "interaction: malformed payload", err)
	}
	if p.Version != schemaVersion {
		return nil, core.NewDomainError(core.ModuleInteraction, core.ErrorCodeInvalidSchema,
			fmt.Sprintf("interaction: unsupported schema version %d", p.Version))
	}
	for i, it := range p.Interactions {
		if it.VideoID == "" {
			return nil, core.NewDomainError(core.ModuleInteraction, core.ErrorCodeInvalidSchema,
				fmt.Sprintf("interaction: entry %d has empty video id", i))
		}
	}
	return &p, nil
}
