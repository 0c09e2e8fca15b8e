package core

import "errors"

// DomainError 是领域层的统一错误类型。
//
// 设计原则：
//   - 所有领域层错误都使用此类型
//   - 提供错误代码（Code）和消息（Message）
//   - 支持错误检查函数（IsXXX），通过 errors.As 穿透 fmt.Errorf("%w") 包装
//
// 使用场景：
//   - Store 错误：NOT_FOUND, UNAVAILABLE
//   - Vector / Train 错误：DIMENSION_MISMATCH
//   - Train 错误：DEGENERATE_BATCH
//   - 持久化反序列化错误：INVALID_SCHEMA
//   - Session 重入保护：BUSY, SUPERSEDED
type DomainError struct {
	Code    string // 错误代码（如 "NOT_FOUND", "DIMENSION_MISMATCH"）
	Message string // 错误消息
	Module  string // 模块名称（如 "store", "vector", "train"）
	Err     error  // 底层错误（可选）
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

// Is 按 Module + Code 比较，使 errors.Is(err, ErrStoreNotFound) 对包装后的同类错误成立。
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Module == t.Module && e.Code == t.Code
}

// IsDomainError 检查错误是否为 DomainError 类型
func IsDomainError(err error) bool {
	return GetDomainError(err) != nil
}

// GetDomainError 获取 DomainError，如果不是则返回 nil
func GetDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// NewDomainError 创建新的领域错误
func NewDomainError(module, code, message string) *DomainError {
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: message,
	}
}

// WrapDomainError 创建携带底层错误的领域错误
func WrapDomainError(module, code, message string, err error) *DomainError {
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// 错误代码常量
const (
	// 通用错误代码
	ErrorCodeNotFound      = "NOT_FOUND"      // 资源不存在
	ErrorCodeNotSupported  = "NOT_SUPPORTED"  // 操作不支持
	ErrorCodeUnavailable   = "UNAVAILABLE"    // 服务不可用（存储 / 网络）
	ErrorCodeInvalidInput  = "INVALID_INPUT"  // 输入无效
	ErrorCodeInternalError = "INTERNAL_ERROR" // 内部错误

	// 个性化链路错误代码
	ErrorCodeDimensionMismatch = "DIMENSION_MISMATCH" // 向量维度不一致
	ErrorCodeDegenerateBatch   = "DEGENERATE_BATCH"   // 训练批次只有单一标签
	ErrorCodeInvalidSchema     = "INVALID_SCHEMA"     // 持久化数据版本或结构不合法
	ErrorCodeBusy              = "BUSY"               // 同类操作正在进行中
	ErrorCodeSuperseded        = "SUPERSEDED"         // 请求已被更新的请求取代
)

// 模块名称常量
const (
	ModuleStore       = "store"       // 存储模块
	ModuleInteraction = "interaction" // 交互记录模块
	ModuleVector      = "vector"      // 用户向量 / 视频向量模块
	ModuleModel       = "model"       // 本地模型模块
	ModuleTrain       = "train"       // 本地训练模块
	ModuleSync        = "sync"        // 联邦同步模块
	ModuleProjection  = "projection"  // 降维可视化模块
	ModuleSession     = "session"     // 会话编排模块
)

func hasCode(err error, code string) bool {
	if domainErr := GetDomainError(err); domainErr != nil {
		return domainErr.Code == code
	}
	return false
}

// IsNotFound 检查错误是否为 NOT_FOUND
func IsNotFound(err error) bool { return hasCode(err, ErrorCodeNotFound) }

// IsNotSupported 检查错误是否为 NOT_SUPPORTED
func IsNotSupported(err error) bool { return hasCode(err, ErrorCodeNotSupported) }

// IsUnavailable 检查错误是否为 UNAVAILABLE
func IsUnavailable(err error) bool { return hasCode(err, ErrorCodeUnavailable) }

// IsInvalidInput 检查错误是否为 INVALID_INPUT
func IsInvalidInput(err error) bool { return hasCode(err, ErrorCodeInvalidInput) }

// IsDimensionMismatch 检查错误是否为 DIMENSION_MISMATCH
func IsDimensionMismatch(err error) bool { return hasCode(err, ErrorCodeDimensionMismatch) }

// IsDegenerateBatch 检查错误是否为 DEGENERATE_BATCH
func IsDegenerateBatch(err error) bool { return hasCode(err, ErrorCodeDegenerateBatch) }

// IsInvalidSchema 检查错误是否为 INVALID_SCHEMA
func IsInvalidSchema(err error) bool { return hasCode(err, ErrorCodeInvalidSchema) }

// IsBusy 检查错误是否为 BUSY
func IsBusy(err error) bool { return hasCode(err, ErrorCodeBusy) }

// IsSuperseded 检查错误是否为 SUPERSEDED
func IsSuperseded(err error) bool { return hasCode(err, ErrorCodeSuperseded) }
