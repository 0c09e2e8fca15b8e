package core

import "context"

// Store 是本地持久化的领域接口（端上 KV）。
//
// 设计原则：
//   - 定义在领域层（core），由基础设施层（store）实现
//   - 遵循依赖倒置原则：领域层定义接口，基础设施层实现接口
//   - 值一律为已序列化的字节，版本化结构由上层（interaction / vector / train）负责编解码
//
// 使用场景：
//   - 交互记录：videoID -> {viewed, liked}
//   - 用户向量缓存
//   - 模型权重快照、同步 outbox、client id
//
// 实现：
//   - store.MemoryStore（测试 / 开发）
//   - store.BadgerStore（端上默认，进程重启后保留）
//   - store.RedisStore（共享设备 / 调试环境）
type Store interface {
	// Name 返回存储后端名称（用于日志/监控）
	Name() string

	// Get 读取单个 key 的值，不存在时返回 ErrStoreNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入单个 key-value
	Set(ctx context.Context, key string, value []byte, ttl ...int) error

	// Delete 删除单个 key，key 不存在时不报错（幂等）
	Delete(ctx context.Context, key string) error

	// Close 关闭连接/释放资源
	Close() error
}

// 持久化 key，所有组件共享同一命名空间。
const (
	KeyInteractions = "fedrec:interactions"
	KeyUserVector   = "fedrec:user_vector"
	KeyModelWeights = "fedrec:model_weights"
	KeySyncOutbox   = "fedrec:sync_outbox"
	KeyClientID     = "fedrec:client_id"
)

// PersistedKeys 返回 Reset 时需要清理的全部 key。
// client id 不在其中：设备标识在数据清除后保持不变。
func PersistedKeys() []string {
	return []string{KeyInteractions, KeyUserVector, KeyModelWeights, KeySyncOutbox}
}

// Store 错误定义（使用统一的 DomainError）
var (
	// ErrStoreNotFound 表示 key 不存在
	ErrStoreNotFound = NewDomainError(ModuleStore, ErrorCodeNotFound, "store: key not found")

	// ErrStoreNotSupported 表示操作不支持
	ErrStoreNotSupported = NewDomainError(ModuleStore, ErrorCodeNotSupported, "store: operation not supported")
)

// IsStoreNotFound 检查错误是否为 key 不存在
func IsStoreNotFound(err error) bool {
	domainErr := GetDomainError(err)
	if domainErr != nil && domainErr.Module == ModuleStore {
		return domainErr.Code == ErrorCodeNotFound
	}
	return false
}

// StoreUnavailable 将后端错误包装为 UNAVAILABLE 存储故障。
func StoreUnavailable(backend string, err error) error {
	if err == nil {
		return nil
	}
	return WrapDomainError(ModuleStore, ErrorCodeUnavailable, "store("+backend+"): unavailable", err)
}
