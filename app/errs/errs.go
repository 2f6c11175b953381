package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别，对应任务失败原因和 API 错误码
type Kind string

const (
	KindValidation  Kind = "VALIDATION_ERROR"   // 输入校验失败，不创建任务
	KindCapacity    Kind = "CAPACITY_ERROR"     // 并发上限已满，不创建任务
	KindDecode      Kind = "DECODE_ERROR"       // 视频无法解码，任务失败
	KindPreprocess  Kind = "PREPROCESS_ERROR"   // 单帧预处理失败，可跳过
	KindInference   Kind = "INFERENCE_ERROR"    // 推理失败，任务失败
	KindEmptyResult Kind = "EMPTY_RESULT_ERROR" // 无可分析帧，任务失败
	KindTimeout     Kind = "TIMEOUT_ERROR"      // 处理超时，任务失败
	KindNotFound    Kind = "TASK_NOT_FOUND"     // 任务不存在
	KindModel       Kind = "MODEL_ERROR"        // 模型加载失败
	KindCancelled   Kind = "TASK_CANCELLED"     // 用户取消，与系统失败区分
	KindInternal    Kind = "INTERNAL_ERROR"     // 其他内部错误
)

// Error 携带类别的错误
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建指定类别的错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf 创建指定类别的格式化错误
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并赋予类别
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf 提取错误类别，非本包错误返回 KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus 错误类别到 HTTP 状态码的映射
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindCapacity:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindDecode, KindPreprocess:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
