package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rushteam/fedrec/core"
)

// RedisStore 是 Redis 实现的 Store。
// 用于共享设备 / 模拟器调试环境，多个客户端通过 Prefix 隔离命名空间。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption RedisStore 配置选项
type RedisOption func(*RedisStore)

// WithRedisPrefix 为所有 key 增加前缀（例如按 client id 隔离）
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.prefix = prefix
	}
}

func NewRedisStore(addr string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, core.StoreUnavailable("redis", err)
	}
	return NewRedisStoreWithClient(client, opts...), nil
}

// NewRedisStoreWithClient 使用已有 client 创建 RedisStore
func NewRedisStoreWithClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	r := &RedisStore{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrStoreNotFound
	}
	if err != nil {
		return nil, core.StoreUnavailable("redis", err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	return core.StoreUnavailable("redis", r.client.Set(ctx, r.key(key), value, expiration(ttl...)).Err())
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return core.StoreUnavailable("redis", r.client.Del(ctx, r.key(key)).Err())
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func expiration(ttl ...int) time.Duration {
	if len(ttl) > 0 && ttl[0] > 0 {
		return time.Duration(ttl[0]) * time.Second
	}
	return 0
}

var _ core.Store = (*RedisStore)(nil)
