// Package fedrec 是短视频 feed 的端上个性化与联邦学习客户端。
//
// 设计要点：
// - Session-first: 交互记录、用户向量、本地训练、联邦同步与可视化由 session.Session 统一持有
// - Store-backed: 所有本地状态通过 core.Store 持久化，带版本号，损坏时降级为空状态
// - At-most-once sync: 同步失败只记录日志（可选 outbox 补发），不影响本地训练
package fedrec

import (
	"context"

	"github.com/rushteam/fedrec/config"
	"github.com/rushteam/fedrec/session"
)

// 轻量 facade：便于用户直接 import "fedrec" 使用核心抽象。
type Session = session.Session
type Outcome = session.Outcome
type Visualization = session.Visualization
type Config = config.Config

// Open 按配置创建会话
func Open(ctx context.Context, cfg *Config) (*Session, error) {
	return session.Open(ctx, cfg)
}

// LoadConfig 加载配置（默认值 -> YAML 文件 -> FEDREC_* 环境变量）
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
