package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/metrics"
)

const outboxVersion = 1

type persistedOutbox struct {
	Version  int                 `json:"version"`
	Payloads []*core.SyncPayload `json:"payloads"`
}

// Outbox 是待重发的同步载荷队列，持久化在 core.KeySyncOutbox。
//
// 有界：超过 capacity 时淘汰最旧的载荷（联邦训练只关心较新的贡献）。
// 持久化失败只记录指标，内存队列仍然有效。
type Outbox struct {
	mu       sync.Mutex
	kv       core.Store
	capacity int
	pending  []*core.SyncPayload
}

// NewOutbox 创建 outbox 并从 kv 恢复（kv 可为 nil）。
// 持久化数据损坏时返回空队列与 INVALID_SCHEMA 错误，调用方记录日志即可。
func NewOutbox(ctx context.Context, kv core.Store, capacity int) (*Outbox, error) {
	o := &Outbox{kv: kv, capacity: capacity}
	if kv == nil {
		return o, nil
	}
	data, err := kv.Get(ctx, core.KeySyncOutbox)
	if core.IsStoreNotFound(err) {
		return o, nil
	}
	if err != nil {
		return o, err
	}
	var p persistedOutbox
	if err := json.Unmarshal(data, &p); err != nil {
		return o, core.WrapDomainError(core.ModuleSync, core.ErrorCodeInvalidSchema, "sync: malformed outbox", err)
	}
	if p.Version != outboxVersion {
		return o, core.NewDomainError(core.ModuleSync, core.ErrorCodeInvalidSchema,
			fmt.Sprintf("sync: unsupported outbox version %d", p.Version))
	}
	o.pending = p.Payloads
	o.trim()
	return o, nil
}

// Len 返回待发送数量
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Enqueue 追加载荷，超出容量时淘汰最旧的
func (o *Outbox) Enqueue(ctx context.Context, p *core.SyncPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, p)
	o.trim()
	o.persist(ctx)
}

// Drain 按入队顺序发送，遇到第一个可重试的失败即停止。
// 被聚合端拒绝（INVALID_INPUT）的载荷直接丢弃并继续，不会阻塞后面的载荷。
// 返回成功发送数、丢弃数与停止原因。
func (o *Outbox) Drain(ctx context.Context, send func(context.Context, *core.SyncPayload) error) (sent, dropped int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	done := 0
	for _, p := range o.pending {
		serr := send(ctx, p)
		if serr != nil && !core.IsInvalidInput(serr) {
			err = serr
			break
		}
		if serr != nil {
			dropped++
		} else {
			sent++
		}
		done++
	}
	if done > 0 {
		o.pending = append([]*core.SyncPayload(nil), o.pending[done:]...)
		o.persist(ctx)
	}
	return sent, dropped, err
}

// Clear 清空队列并删除持久化数据
func (o *Outbox) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
	if o.kv == nil {
		return nil
	}
	return o.kv.Delete(ctx, core.KeySyncOutbox)
}

func (o *Outbox) trim() {
	if o.capacity > 0 && len(o.pending) > o.capacity {
		o.pending = append([]*core.SyncPayload(nil), o.pending[len(o.pending)-o.capacity:]...)
	}
}

// persist 写入持久化层（调用方持锁）
func (o *Outbox) persist(ctx context.Context) {
	if o.kv == nil {
		return
	}
	data, err := json.Marshal(persistedOutbox{Version: outboxVersion, Payloads: o.pending})
	if err == nil {
		err = o.kv.Set(ctx, core.KeySyncOutbox, data)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sync", "outbox").Inc()
	}
}
