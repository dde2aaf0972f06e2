// Package apperr 定义对外暴露的结构化错误
package apperr

import (
	"errors"
	"net/http"
)

// 错误名称
const (
	NameBadRequest          = "Bad Request"
	NameNotFound            = "Not Found"
	NameInternalServerError = "Internal Server Error"
)

// AppError 带HTTP状态码的应用错误
type AppError struct {
	ErrorCode int    `json:"errorCode"`
	Name      string `json:"name"`
	Message   string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Name + ": " + e.Message
}

// BadRequest 调用方或配置错误
func BadRequest(msg string) *AppError {
	return &AppError{ErrorCode: http.StatusBadRequest, Name: NameBadRequest, Message: msg}
}

// NotFound 资源不存在
func NotFound(msg string) *AppError {
	return &AppError{ErrorCode: http.StatusNotFound, Name: NameNotFound, Message: msg}
}

// InternalServerError 会话未连接等内部错误
func InternalServerError(msg string) *AppError {
	return &AppError{ErrorCode: http.StatusInternalServerError, Name: NameInternalServerError, Message: msg}
}

// From 从错误链中提取AppError，非AppError统一视为未知服务器错误
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		ErrorCode: http.StatusInternalServerError,
		Name:      NameInternalServerError,
		Message:   "Unknown Server Error",
	}
}

// Is 判断错误是否为指定状态码的AppError
func Is(err error, code int) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.ErrorCode == code
}
