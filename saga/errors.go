package saga

import (
	"errors"
	"fmt"
)

// Code 标识错误的种类（对应 spec §7 的错误分类表）。
type Code string

const (
	CodeDefinitionInvalid     Code = "DEFINITION_INVALID"
	CodeRoutingMiss           Code = "ROUTING_MISS"
	CodeStartRequired         Code = "START_REQUIRED"
	CodeConcurrencyConflict   Code = "CONCURRENCY_CONFLICT"
	CodeConcurrencyExhausted  Code = "CONCURRENCY_EXHAUSTED"
	CodeStoreUnavailable      Code = "STORE_UNAVAILABLE"
	CodeHandlerFailure        Code = "HANDLER_FAILURE"
	CodeEffectDispatchFailure Code = "EFFECT_DISPATCH_FAILURE"
	CodeTransportFatal        Code = "TRANSPORT_FATAL"
	CodeNotFound              Code = "NOT_FOUND"
	CodeAlreadyExists         Code = "ALREADY_EXISTS"
)

// Error 是核心运行时抛出的所有错误的统一形态：code + message + cause + details。
//
// 形态借鉴自通用应用错误体系（code/cause/details 三段式），但收窄到 saga
// 运行时自身关心的几类错误，不引入通用的跨领域错误框架。
type Error struct {
	code    Code
	message string
	cause   error
	details map[string]any
}

func newError(code Code, message string) *Error {
	return &Error{code: code, message: message, details: map[string]any{}}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause, details: map[string]any{}}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 返回错误种类。
func (e *Error) Code() Code { return e.code }

// Cause 返回原始错误（可能为 nil）。
func (e *Error) Cause() error { return e.cause }

// Unwrap 支持 errors.Is/errors.As 沿 cause 链匹配。
func (e *Error) Unwrap() error { return e.cause }

// Details 返回错误详情的只读拷贝。
func (e *Error) Details() map[string]any {
	out := make(map[string]any, len(e.details))
	for k, v := range e.details {
		out[k] = v
	}
	return out
}

// WithDetails 返回附加了 details 的新错误（不可变风格）。
func (e *Error) WithDetails(kv map[string]any) *Error {
	merged := e.Details()
	for k, v := range kv {
		merged[k] = v
	}
	return &Error{code: e.code, message: e.message, cause: e.cause, details: merged}
}

// Is 允许 errors.Is(err, ErrConcurrencyConflict) 之类的哨兵比较按 Code 匹配。
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.code == other.code
	}
	return false
}

// 哨兵错误，仅用于 errors.Is 比较；业务代码应通过下方工厂函数构造带详情的实例。
var (
	ErrDefinitionInvalid     = newError(CodeDefinitionInvalid, "saga definition invalid")
	ErrRoutingMiss           = newError(CodeRoutingMiss, "no correlation rule matched")
	ErrStartRequired         = newError(CodeStartRequired, "no starting instance and rule is not canStart")
	ErrConcurrencyConflict   = newError(CodeConcurrencyConflict, "optimistic concurrency conflict")
	ErrConcurrencyExhausted  = newError(CodeConcurrencyExhausted, "concurrency retry attempts exhausted")
	ErrStoreUnavailable      = newError(CodeStoreUnavailable, "store unavailable")
	ErrHandlerFailure        = newError(CodeHandlerFailure, "handler invocation failed")
	ErrEffectDispatchFailure = newError(CodeEffectDispatchFailure, "effect dispatch failed after commit")
	ErrTransportFatal        = newError(CodeTransportFatal, "transport connection lost permanently")
	ErrNotFound              = newError(CodeNotFound, "saga instance not found")
	ErrAlreadyExists         = newError(CodeAlreadyExists, "saga instance already exists")
)

// NewDefinitionInvalidError 构造“定义无效”错误，附带失败原因。
func NewDefinitionInvalidError(name, reason string) *Error {
	return wrapError(CodeDefinitionInvalid, fmt.Sprintf("definition %q invalid: %s", name, reason), nil)
}

// NewConcurrencyConflictError 构造乐观并发冲突错误。
func NewConcurrencyConflictError(sagaName, sagaID string, expected, actual uint64) *Error {
	return wrapError(CodeConcurrencyConflict, "version mismatch on commit", nil).WithDetails(map[string]any{
		"sagaName": sagaName,
		"sagaId":   sagaID,
		"expected": expected,
		"actual":   actual,
	})
}

// NewConcurrencyExhaustedError 构造重试次数耗尽错误。
func NewConcurrencyExhaustedError(sagaName, correlationID string, attempts int, cause error) *Error {
	return wrapError(CodeConcurrencyExhausted, fmt.Sprintf("exhausted after %d attempts", attempts), cause).WithDetails(map[string]any{
		"sagaName":      sagaName,
		"correlationId": correlationID,
		"attempts":      attempts,
	})
}

// NewStoreUnavailableError 包装底层 Store 的传输/后端错误。
func NewStoreUnavailableError(op string, cause error) *Error {
	return wrapError(CodeStoreUnavailable, fmt.Sprintf("store operation %q failed", op), cause)
}

// NewHandlerFailureError 包装 handler 执行期间抛出的错误。
func NewHandlerFailureError(sagaName, correlationID, messageType string, cause error) *Error {
	return wrapError(CodeHandlerFailure, "handler returned error", cause).WithDetails(map[string]any{
		"sagaName":      sagaName,
		"correlationId": correlationID,
		"messageType":   messageType,
	})
}

// NewEffectDispatchFailureError 包装 Step 7 效果派发失败（commit 已生效，不回滚）。
func NewEffectDispatchFailureError(sagaName, sagaID string, cause error) *Error {
	return wrapError(CodeEffectDispatchFailure, "effect dispatch failed, commit already applied", cause).WithDetails(map[string]any{
		"sagaName": sagaName,
		"sagaId":   sagaID,
	})
}

// IsNotFound 判断错误是否为“未找到”。
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConcurrencyConflict 判断错误是否为乐观并发冲突。
func IsConcurrencyConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }

// IsAlreadyExists 判断错误是否为“已存在”（insert 碰撞）。
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
