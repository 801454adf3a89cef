// Package errors 提供房間中繼服務的錯誤碼與協議錯誤目錄
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidFormat 幀不是合法 JSON 或缺少 type
	ErrCodeInvalidFormat = "INVALID_FORMAT"
	// ErrCodeUnknownType 未知的幀類型
	ErrCodeUnknownType = "UNKNOWN_TYPE"
	// ErrCodeUsernameRequired 缺少用戶名
	ErrCodeUsernameRequired = "USERNAME_REQUIRED"
	// ErrCodeUsernameTooLong 用戶名過長
	ErrCodeUsernameTooLong = "USERNAME_TOO_LONG"
	// ErrCodeJoinFieldsRequired 加入房間缺少欄位
	ErrCodeJoinFieldsRequired = "JOIN_FIELDS_REQUIRED"
	// ErrCodeInvalidMessage 聊天訊息無效
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeRoomCodeExhausted 房間碼分配失敗
	ErrCodeRoomCodeExhausted = "ROOM_CODE_EXHAUSTED"
	// ErrCodeNotInRoom 尚未加入房間
	ErrCodeNotInRoom = "NOT_IN_ROOM"
	// ErrCodeAlreadyInRoom 已在房間中
	ErrCodeAlreadyInRoom = "ALREADY_IN_ROOM"
	// ErrCodeRateLimited 觸發限流
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
//
// Message 會原樣放進 error 幀回給客戶端，必須是人類可讀的句子。
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶詳細資訊的副本，不修改預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義協議錯誤
var (
	ErrInvalidFormat      = New(ErrCodeInvalidFormat, "Invalid message format")
	ErrUnknownType        = New(ErrCodeUnknownType, "Unknown message type")
	ErrUsernameRequired   = New(ErrCodeUsernameRequired, "Username required")
	ErrUsernameTooLong    = New(ErrCodeUsernameTooLong, "Username too long")
	ErrJoinFieldsRequired = New(ErrCodeJoinFieldsRequired, "Username and room code required")
	ErrInvalidMessage     = New(ErrCodeInvalidMessage, "Invalid message")
	ErrRoomNotFound       = New(ErrCodeRoomNotFound, "Invalid room code")
	ErrRoomCodeExhausted  = New(ErrCodeRoomCodeExhausted, "Could not allocate a room code, try again")
	ErrNotInRoom          = New(ErrCodeNotInRoom, "Join a room before sending messages")
	ErrAlreadyInRoom      = New(ErrCodeAlreadyInRoom, "Already in a room")
	ErrRateLimited        = New(ErrCodeRateLimited, "Rate limit exceeded")
	ErrInternal           = New(ErrCodeInternal, "Internal server error")
)

// Code 取出錯誤碼，非 AppError 視為內部錯誤
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// PublicMessage 取出可回傳給客戶端的訊息
//
// 非 AppError 的內部錯誤不外洩細節。
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

// IsRoomNotFound 檢查是否為房間不存在錯誤
func IsRoomNotFound(err error) bool {
	return Code(err) == ErrCodeRoomNotFound
}

// IsRoomCodeExhausted 檢查是否為房間碼耗盡錯誤
func IsRoomCodeExhausted(err error) bool {
	return Code(err) == ErrCodeRoomCodeExhausted
}
