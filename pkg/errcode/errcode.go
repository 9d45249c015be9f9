package errcode

import (
	"errors"
	"net/http"
)

// Kind 错误类别，调用方据此决定重试/重建/放弃
type Kind string

const (
	KindValidation    Kind = "validation"    // 参数不合法，签名前即被拒绝
	KindAuthorization Kind = "authorization" // 缺少签名或授权状态竞争，需要整体重建
	KindSignature     Kind = "signature"     // 签名无法通过校验，视为篡改
	KindLedger        Kind = "ledger"        // 链上回滚（nonce 已消耗）
	KindTransport     Kind = "transport"     // 网络失败，账本尚未接收，可重发同一载荷
	KindInternal      Kind = "internal"
)

// Error 结构化错误
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New 创建结构化错误
func New(kind Kind, code, msg string) error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap 包装底层错误
func Wrap(kind Kind, code, msg string, cause error) error {
	if cause == nil {
		return New(kind, code, msg)
	}
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// KindOf 返回错误类别，未知错误归为 internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind 判断错误类别
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// CodeOf 返回稳定的错误码，未知返回空串
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable 仅传输层错误可以原样重发
func Retryable(err error) bool {
	return IsKind(err, KindTransport)
}

// HTTPStatus 错误类别到HTTP状态码
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindSignature:
		return http.StatusUnauthorized
	case KindLedger:
		return http.StatusConflict
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
