package errors

import (
	"errors"
	"fmt"
)

type CodeError struct {
	Code    int
	Message string
	Err     error
}

// Error 返回带错误码的可读文本（用于日志与对外错误描述）。
func (e *CodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap 返回底层错误，便于 errors.Is/errors.As 继续判断。
func (e *CodeError) Unwrap() error { return e.Err }

// Is 让错误码与消息都相同的 CodeError 互相匹配，哨兵错误据此判断。
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) || ce == nil {
		return false
	}
	return ce.Code == e.Code && ce.Message == e.Message
}

// New 构造一个仅包含错误码与消息的 CodeError。
func New(code int, msg string) *CodeError { return &CodeError{Code: code, Message: msg} }

// Wrap 将底层错误包装为带错误码的 CodeError。
// 参数：
// - code: 错误码
// - msg: 错误描述
// - err: 底层错误（可为 nil）
func Wrap(code int, msg string, err error) *CodeError {
	return &CodeError{Code: code, Message: msg, Err: err}
}

// Mark 用哨兵的错误码与消息包装具体原因，使 errors.Is(err, sentinel) 成立。
func Mark(sentinel *CodeError, detail error) *CodeError {
	return &CodeError{Code: sentinel.Code, Message: sentinel.Message, Err: detail}
}

// Code 提取错误码。
// 返回：
// - 0: err 为 nil
// - CodeError: 返回其中的 Code
// - 其它错误: 默认返回 CodeInternal
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

const (
	CodeInternal      = 500
	CodeBadRequest    = 502
	CodeConflict      = 503
	CodeUnavailable   = 504
	CodeBindExhausted = 505
	CodeTooLarge      = 506
	CodeProcessExited = 507
	CodeInvalidState  = 508
)
