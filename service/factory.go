package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/model"
)

// SyncConfig 联邦同步与推荐服务配置
type SyncConfig struct {
	// Endpoint 聚合端 / 推荐服务地址，为空表示离线模式（不上传）
	Endpoint string `yaml:"endpoint" koanf:"endpoint" validate:"omitempty,url"`

	// Mode 同步模式：batch / weights
	Mode core.SyncMode `yaml:"mode" koanf:"mode" validate:"omitempty,oneof=batch weights"`

	// Timeout 单次同步超时
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`

	// MaxRetries 失败后的最大重试次数
	MaxRetries int `yaml:"max_retries" koanf:"max_retries" validate:"gte=0"`

	// OutboxSize 持久化 outbox 容量，0 表示失败即丢弃（at-most-once）
	OutboxSize int `yaml:"outbox_size" koanf:"outbox_size" validate:"gte=0"`

	// BreakerFailures 连续失败多少次后熔断
	BreakerFailures uint32 `yaml:"breaker_failures" koanf:"breaker_failures"`

	// TopK 推荐请求的默认 top_k
	TopK int `yaml:"top_k" koanf:"top_k" validate:"gte=0"`

	// Auth 认证信息，Type 为空表示不认证
	Auth AuthConfig `yaml:"auth" koanf:"auth"`
}

// DefaultSyncConfig 返回默认配置
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Mode:            core.SyncModeBatch,
		Timeout:         core.DefaultSyncTimeout,
		MaxRetries:      core.DefaultSyncRetries,
		BreakerFailures: 5,
		TopK:            core.DefaultRecommendTopK,
	}
}

// NewSyncService 根据配置创建同步服务（工厂方法）。
// Endpoint 为空时返回 NopSync；OutboxSize > 0 时从 kv 恢复 outbox。
func NewSyncService(ctx context.Context, cfg *SyncConfig, kv core.Store) (core.SyncService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sync config is required")
	}
	if cfg.Endpoint == "" {
		return NopSync{}, nil
	}

	opts := []SyncOption{
		WithSyncMode(cfg.Mode),
		WithModelVersion(model.Version),
		WithSyncTimeout(cfg.Timeout),
		WithSyncRetries(cfg.MaxRetries),
		WithBreakerFailures(cfg.BreakerFailures),
	}
	if cfg.Auth.Type != "" {
		auth := cfg.Auth
		opts = append(opts, WithSyncAuth(&auth))
	}
	if cfg.OutboxSize > 0 {
		outbox, err := NewOutbox(ctx, kv, cfg.OutboxSize)
		if err != nil {
			// 损坏的 outbox 不影响后续同步
			logging.Component("sync").Warn().Err(err).Msg("sync outbox not restored, starting empty")
		}
		opts = append(opts, WithOutbox(outbox))
	}
	return NewSyncClient(cfg.Endpoint, opts...), nil
}

// NewRecommendService 根据配置创建推荐客户端，Endpoint 为空时返回 nil。
func NewRecommendService(cfg *SyncConfig) *RecommendClient {
	if cfg == nil || cfg.Endpoint == "" {
		return nil
	}
	opts := []RecommendOption{
		WithRecommendTimeout(cfg.Timeout),
		WithRecommendTopK(cfg.TopK),
	}
	if cfg.Auth.Type != "" {
		auth := cfg.Auth
		opts = append(opts, WithRecommendAuth(&auth))
	}
	return NewRecommendClient(cfg.Endpoint, opts...)
}
