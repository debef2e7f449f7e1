package errors

import (
	stderrors "errors"
	"fmt"
)

func (d Definition) Error() string {
	return d.Message
}

// Definition 表示业务错误码及默认信息。
type Definition struct {
	Code    string
	Message string
}

// With 携带底层原因返回 *Error，errors.Is 仍按错误码匹配。
func (d Definition) With(cause error) *Error {
	return &Error{Definition: d, Cause: cause}
}

// Withf 携带格式化的补充说明。
func (d Definition) Withf(format string, args ...interface{}) *Error {
	return &Error{Definition: d, Cause: fmt.Errorf(format, args...)}
}

// Error 业务错误 + 原因。
type Error struct {
	Cause error
	Definition
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较，使 errors.Is(err, PastSchedule) 对包装后的错误生效。
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Definition:
		return t.Code == e.Code
	case *Error:
		return t.Code == e.Code
	}
	return false
}

// 调度相关错误。
var (
	PastSchedule     = Definition{Code: "PAST_SCHEDULE", Message: "Scheduled time has already passed"}
	MissingField     = Definition{Code: "MISSING_FIELD", Message: "Required field missing"}
	PlatformRejected = Definition{Code: "PLATFORM_REJECTED", Message: "Platform rejected the notification"}
)

// 导航相关，NavigationNotReady 只表示需要延后，不是失败。
var (
	NavigationNotReady     = Definition{Code: "NAVIGATION_NOT_READY", Message: "Navigation runtime not ready"}
	UnroutableNotification = Definition{Code: "UNROUTABLE_NOTIFICATION", Message: "Notification has no usable navigation target"}
)

// 提醒模块错误。
var (
	ReminderNotFound        = Definition{Code: "REMINDER_NOT_FOUND", Message: "Reminder not found"}
	RepeatNone              = Definition{Code: "REPEAT_NONE", Message: "Reminder does not repeat"}
	RepeatCustomUnsupported = Definition{Code: "REPEAT_CUSTOM_UNSUPPORTED", Message: "Custom repeat requires an explicit next time"}
	ReminderAlreadyHandled  = Definition{Code: "REMINDER_ALREADY_HANDLED", Message: "Reminder was already completed without a follow-up"}
)

// 存储 / 外部接口错误。
var (
	StorageCorrupted = Definition{Code: "STORAGE_CORRUPTED", Message: "Stored data is corrupted"}
	CRMRejected      = Definition{Code: "CRM_REJECTED", Message: "CRM API rejected the request"}
	CRMUnavailable   = Definition{Code: "CRM_UNAVAILABLE", Message: "CRM API unavailable"}
	InvalidRequest   = Definition{Code: "INVALID_REQUEST", Message: "Invalid request"}
	TooManyRequests  = Definition{Code: "TOO_MANY_REQUESTS", Message: "Too many requests"}
)

// Lookup 提供错误码查询能力。
var Lookup = map[string]Definition{
	PastSchedule.Code:            PastSchedule,
	MissingField.Code:            MissingField,
	PlatformRejected.Code:        PlatformRejected,
	NavigationNotReady.Code:      NavigationNotReady,
	UnroutableNotification.Code:  UnroutableNotification,
	ReminderNotFound.Code:        ReminderNotFound,
	RepeatNone.Code:              RepeatNone,
	RepeatCustomUnsupported.Code: RepeatCustomUnsupported,
	ReminderAlreadyHandled.Code:  ReminderAlreadyHandled,
	StorageCorrupted.Code:        StorageCorrupted,
	CRMRejected.Code:             CRMRejected,
	CRMUnavailable.Code:          CRMUnavailable,
	InvalidRequest.Code:          InvalidRequest,
	TooManyRequests.Code:         TooManyRequests,
}

// Get 根据错误码返回 Definition，若不存在则返回空 Definition。
func Get(code string) Definition {
	if def, ok := Lookup[code]; ok {
		return def
	}
	return Definition{Code: code, Message: "Unexpected error"}
}

// As 从错误链中取出业务定义。
func As(err error) (Definition, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Definition, true
	}
	var d Definition
	if stderrors.As(err, &d) {
		return d, true
	}
	return Definition{}, false
}

// SkipMessageError 消费端用于表示重复消息，直接 ack 不重试。
type SkipMessageError struct {
	Reason string
}

func (e *SkipMessageError) Error() string {
	return e.Reason
}

// Is 同标准库 errors.Is，便于只引入本包。
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
