// Package errors 提供统一的错误定义
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误 (1xxx)
	CodeSuccess         ErrorCode = "0"
	CodeUnknown         ErrorCode = "1000"
	CodeInvalidParam    ErrorCode = "1001"
	CodeNotFound        ErrorCode = "1004"
	CodeConflict        ErrorCode = "1005"
	CodeInternalError   ErrorCode = "1007"
	CodeProjectNotFound ErrorCode = "1010"

	// 生成网关错误 (2xxx) —— 编排器按错误种类决定重试策略
	CodeConfiguration ErrorCode = "2001"
	CodeAuth          ErrorCode = "2002"
	CodeRateLimit     ErrorCode = "2003"
	CodeTransient     ErrorCode = "2004"
	CodeContentPolicy ErrorCode = "2005"

	// 流水线错误 (3xxx)
	CodeExtraction     ErrorCode = "3001"
	CodeStageBlocked   ErrorCode = "3002"
	CodeStageConflict  ErrorCode = "3003"
	CodeStageNotFound  ErrorCode = "3004"
	CodePipelineLocked ErrorCode = "3005"

	// 存储错误 (5xxx)
	CodeStorageIO ErrorCode = "5001"
)

// AppError 应用错误
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail 返回带详细信息的副本，预定义错误本身保持不变
func (e *AppError) WithDetail(detail string) *AppError {
	clone := *e
	clone.Detail = detail
	return &clone
}

// WithError 返回带底层错误的副本
func (e *AppError) WithError(err error) *AppError {
	clone := *e
	clone.Err = err
	return &clone
}

// New 创建新的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Err:        err,
	}
}

// codeToHTTPStatus 错误码转 HTTP 状态码
func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam, CodeConfiguration:
		return http.StatusBadRequest
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeNotFound, CodeProjectNotFound, CodeStageNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeStageConflict, CodePipelineLocked:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeContentPolicy, CodeStageBlocked:
		return http.StatusUnprocessableEntity
	case CodeTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "resource not found")
	ErrProjectNotFound = New(CodeProjectNotFound, "project not found")

	ErrConfiguration = New(CodeConfiguration, "provider not configured")
	ErrAuth          = New(CodeAuth, "provider rejected credential")
	ErrRateLimit     = New(CodeRateLimit, "provider rate limited")
	ErrTransient     = New(CodeTransient, "provider temporarily unavailable")
	ErrContentPolicy = New(CodeContentPolicy, "provider refused content")

	ErrExtraction     = New(CodeExtraction, "fact extraction failed")
	ErrStageBlocked   = New(CodeStageBlocked, "stage blocked by contradiction")
	ErrPipelineLocked = New(CodePipelineLocked, "project is generating")

	ErrStorageIO = New(CodeStorageIO, "storage write failed")
)

// IsAppError 检查是否为 AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError 将错误转换为 AppError
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeUnknown, "unknown error")
}

// CodeOf 返回错误的错误码，非 AppError 返回 CodeUnknown
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// Retryable 判断错误是否值得有限重试。
// 只有限流与瞬时错误重试；鉴权、内容策略、配置错误重试也不会成功。
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimit, CodeTransient:
		return true
	default:
		return false
	}
}
