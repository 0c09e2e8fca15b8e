package core

import "context"

// SyncMode 决定向聚合端上传训练批次还是本地权重。
type SyncMode string

const (
	SyncModeBatch   SyncMode = "batch"   // 上传 {X, y}，由服务端训练（/local/train 现有契约）
	SyncModeWeights SyncMode = "weights" // 上传本地训练后的权重，服务端做联邦平均
)

// SyncPayload 是一次联邦同步的载荷。
// Batch 模式填充 X / Y；Weights 模式填充 Weights / ModelVersion。
type SyncPayload struct {
	ClientID     string       `json:"client_id"`
	X            [][]float64  `json:"X,omitempty"`
	Y            []float64    `json:"y,omitempty"`
	Weights      ModelWeights `json:"weights,omitempty"`
	ModelVersion string       `json:"model_version,omitempty"`
	Round        int          `json:"round,omitempty"`
}

// SyncService 是联邦聚合端的领域接口（外部协作方边界）。
//
// 语义：at-most-once；失败由实现记录日志并丢弃（或进入 outbox），
// 本地训练结果不受影响。
type SyncService interface {
	// Push 上传一次训练贡献
	Push(ctx context.Context, payload *SyncPayload) error

	// Close 释放连接
	Close() error
}
