package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rushteam/fedrec/core"
)

// 注意：此包只包含实现，接口定义在 core 包。
//
// 示例：
//   var s core.Store = NewMemoryStore()
//   s, err := Open(Config{Backend: BackendBadger, Path: "/data/fedrec"})

// Backend 存储后端类型
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendRedis  Backend = "redis"
)

// Config 存储配置
type Config struct {
	Backend   Backend `yaml:"backend" koanf:"backend" validate:"omitempty,oneof=memory badger redis"`
	Path      string  `yaml:"path" koanf:"path" validate:"required_if=Backend badger InMemory false"`
	InMemory  bool    `yaml:"in_memory" koanf:"in_memory"`
	RedisAddr string  `yaml:"redis_addr" koanf:"redis_addr"`
	RedisDB   int     `yaml:"redis_db" koanf:"redis_db"`
	Prefix    string  `yaml:"prefix" koanf:"prefix"`
}

// Open 根据配置创建 Store（工厂方法）。
func Open(cfg Config) (core.Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		if cfg.Path == "" && !cfg.InMemory {
			return nil, errors.New("badger store requires a path (set in_memory for a volatile store)")
		}
		return NewBadgerStore(BadgerConfig{Path: cfg.Path, InMemory: cfg.InMemory})
	case BackendRedis:
		return NewRedisStore(cfg.RedisAddr, cfg.RedisDB, WithRedisPrefix(cfg.Prefix))
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

// DefaultPath 端上默认数据目录：$XDG_DATA_HOME/fedrec，未设置时为 ~/.local/share/fedrec。
// 取不到 home 目录时返回空串，由配置校验报错。
func DefaultPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "fedrec")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".local", "share", "fedrec")
}
