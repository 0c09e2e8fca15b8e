// Package vector 负责用户向量的聚合与视频向量的获取。
//
// 视频向量 provider 实现 core.VideoVectorProvider：
//   - HTTPProvider：REST 行查询（PostgREST / Supabase 风格的 videos 表）
//   - FeastProvider：Feast 在线特征
//   - StaticProvider：内存 map（测试 / 事件回放）
//
// 装饰器：
//   - ChunkedProvider：大批量 id 分块并发查询，按请求顺序拼回
//   - CachedProvider：LRU + TTL 内存缓存
package vector

import (
	"fmt"
	"time"

	"github.com/rushteam/fedrec/core"
)

// ProviderType provider 类型
type ProviderType string

const (
	ProviderHTTP   ProviderType = "http"
	ProviderFeast  ProviderType = "feast"
	ProviderStatic ProviderType = "static"
)

// Config 视频向量与用户向量配置
type Config struct {
	// Dim 向量维度（默认 core.CanonicalDim）
	Dim int `yaml:"dim" koanf:"dim" validate:"gte=0"`

	// Provider provider 类型：http / feast / static
	Provider ProviderType `yaml:"provider" koanf:"provider" validate:"omitempty,oneof=http feast static"`

	// Endpoint REST 服务地址，例如 "https://xxx.supabase.co"
	Endpoint string `yaml:"endpoint" koanf:"endpoint" validate:"required_if=Provider http"`

	// APIKey REST 服务的 apikey
	APIKey string `yaml:"api_key" koanf:"api_key"`

	// Table / Column 视频表与向量列（默认 videos / gen_vector）
	Table  string `yaml:"table" koanf:"table"`
	Column string `yaml:"column" koanf:"column"`

	// Feast 在线特征配置
	FeastHost    string `yaml:"feast_host" koanf:"feast_host" validate:"required_if=Provider feast"`
	FeastPort    int    `yaml:"feast_port" koanf:"feast_port"`
	FeastProject string `yaml:"feast_project" koanf:"feast_project"`
	FeastFeature string `yaml:"feast_feature" koanf:"feast_feature"`
	FeastToken   string `yaml:"feast_token" koanf:"feast_token"`

	// Timeout 单次查询超时
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`

	// ChunkSize 单次查询的最大 id 数（0 表示不分块）
	ChunkSize int `yaml:"chunk_size" koanf:"chunk_size" validate:"gte=0"`

	// Concurrency 分块查询的最大并发数（0 表示不限制）
	Concurrency int `yaml:"concurrency" koanf:"concurrency" validate:"gte=0"`

	// CacheSize 缓存条目上限（0 表示不缓存）
	CacheSize int `yaml:"cache_size" koanf:"cache_size" validate:"gte=0"`

	// CacheTTL 缓存过期时间
	CacheTTL time.Duration `yaml:"cache_ttl" koanf:"cache_ttl"`

	// Static 静态向量（仅 static provider，不从配置文件读取）
	Static map[string]core.Vector `yaml:"-" koanf:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Dim:          core.CanonicalDim,
		Provider:     ProviderStatic,
		Table:        "videos",
		Column:       "gen_vector",
		FeastPort:    6565,
		FeastFeature: "video_embeddings:gen_vector",
		Timeout:      10 * time.Second,
		ChunkSize:    100,
		Concurrency:  4,
		CacheSize:    1024,
		CacheTTL:     10 * time.Minute,
	}
}

// NewProvider 根据配置创建 provider（工厂方法），并按配置套上分块与缓存装饰器。
func NewProvider(cfg *Config) (core.VideoVectorProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector config is required")
	}

	var (
		base core.VideoVectorProvider
		err  error
	)
	switch cfg.Provider {
	case ProviderHTTP:
		opts := []HTTPOption{WithHTTPTimeout(cfg.Timeout)}
		if cfg.APIKey != "" {
			opts = append(opts, WithAPIKey(cfg.APIKey))
		}
		if cfg.Table != "" || cfg.Column != "" {
			opts = append(opts, WithTable(cfg.Table, cfg.Column))
		}
		base = NewHTTPProvider(cfg.Endpoint, opts...)

	case ProviderFeast:
		var opts []FeastOption
		if cfg.FeastFeature != "" {
			opts = append(opts, WithFeastFeature(cfg.FeastFeature))
		}
		if cfg.FeastToken != "" {
			opts = append(opts, WithFeastToken(cfg.FeastToken))
		}
		base, err = NewFeastProvider(cfg.FeastHost, cfg.FeastPort, cfg.FeastProject, opts...)
		if err != nil {
			return nil, err
		}

	case "", ProviderStatic:
		base = NewStaticProvider(cfg.Static)

	default:
		return nil, fmt.Errorf("unsupported vector provider: %s", cfg.Provider)
	}

	if cfg.ChunkSize > 0 {
		base = NewChunkedProvider(base, cfg.ChunkSize, cfg.Concurrency)
	}
	if cfg.CacheSize > 0 {
		base = NewCachedProvider(base, cfg.CacheSize, cfg.CacheTTL)
	}
	return base, nil
}
