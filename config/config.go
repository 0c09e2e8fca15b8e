// Package config 加载 fedrec 的分层配置。
//
// 优先级（低 -> 高）：
//  1. Default() 中的默认值
//  2. YAML 配置文件（可选）
//  3. 环境变量 FEDREC_<SECTION>_<KEY>，例如 FEDREC_SYNC_ENDPOINT、FEDREC_TRAIN_THRESHOLD
//
// 加载完成后统一做结构校验（validator）。
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/projection"
	"github.com/rushteam/fedrec/service"
	"github.com/rushteam/fedrec/store"
	"github.com/rushteam/fedrec/train"
	"github.com/rushteam/fedrec/vector"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "FEDREC_"

// Config 是 fedrec 的完整配置
type Config struct {
	Store      store.Config       `yaml:"store" koanf:"store"`
	Vector     vector.Config      `yaml:"vector" koanf:"vector"`
	Train      train.Config       `yaml:"train" koanf:"train"`
	Sync       service.SyncConfig `yaml:"sync" koanf:"sync"`
	Projection projection.Config  `yaml:"projection" koanf:"projection"`
	Log        logging.Config     `yaml:"log" koanf:"log"`

	// NeighborK 可视化近邻数
	NeighborK int `yaml:"neighbor_k" koanf:"neighbor_k" validate:"gte=0"`
}

// Default 返回全部默认值
func Default() *Config {
	return &Config{
		Store:      store.Config{Backend: store.BackendBadger, Path: store.DefaultPath()},
		Vector:     vector.DefaultConfig(),
		Train:      train.DefaultConfig(),
		Sync:       service.DefaultSyncConfig(),
		Projection: projection.DefaultConfig(),
		Log:        logging.DefaultConfig(),
		NeighborK:  core.DefaultNeighborK,
	}
}

// Load 按 默认值 -> 文件 -> 环境变量 的顺序加载配置，path 为空时跳过文件。
func Load(path string) (*Config, error) {
	base := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// 文件中未出现的字段保留默认值
		if err := yaml.Unmarshal(data, base); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(base, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Log.Output = base.Log.Output

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return core.WrapDomainError("config", core.ErrorCodeInvalidInput, "config: validation failed", err)
	}
	return nil
}

// sections 是可以通过环境变量覆盖的配置段
var sections = map[string]bool{
	"store": true, "vector": true, "train": true, "sync": true, "projection": true, "log": true,
}

// envKey FEDREC_SYNC_MAX_RETRIES -> sync.max_retries，FEDREC_NEIGHBOR_K -> neighbor_k。
// 只有第一个下划线可能是层级分隔符，其余属于字段名。
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok || !sections[section] {
		return key
	}
	return section + "." + field
}
