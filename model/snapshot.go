package model

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/fedrec/core"
)

// Version 是模型结构版本。结构（层数、宽度、激活）变化时必须升级，
// 旧版本快照在加载时被忽略，改用新初始化的模型。
const Version = "1.0.0"

// Snapshot 是持久化的模型快照
type Snapshot struct {
	Version string            `json:"version"`
	Sizes   []int             `json:"sizes"`
	Weights core.ModelWeights `json:"weights"`
	SavedAt time.Time         `json:"saved_at"`
}

// SaveSnapshot 将模型参数写入 Store（key: core.KeyModelWeights）
func SaveSnapshot(ctx context.Context, kv core.Store, m *MLP) error {
	snap := Snapshot{
		Version: Version,
		Sizes:   m.Sizes(),
		Weights: m.ExtractWeights(),
		SavedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode model snapshot: %w", err)
	}
	return kv.Set(ctx, core.KeyModelWeights, data)
}

// LoadSnapshot 读取模型快照。
// 版本或结构与 m 不一致时返回 INVALID_SCHEMA，调用方应继续使用新初始化的模型。
func LoadSnapshot(ctx context.Context, kv core.Store, m *MLP) (*Snapshot, error) {
	data, err := kv.Get(ctx, core.KeyModelWeights)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, core.WrapDomainError(core.ModuleModel, core.ErrorCodeInvalidSchema, "model: malformed snapshot", err)
	}
	if snap.Version != Version {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidSchema,
			fmt.Sprintf("model: snapshot version %q, want %q", snap.Version, Version))
	}
	if !slices.Equal(snap.Sizes, m.Sizes()) {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidSchema,
			fmt.Sprintf("model: snapshot sizes %v, want %v", snap.Sizes, m.Sizes()))
	}
	if err := m.LoadWeights(snap.Weights); err != nil {
		return nil, err
	}
	return &snap, nil
}
