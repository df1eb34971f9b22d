package types

import (
	"context"
	"errors"
)

// 錯誤分類，跨套件以 errors.Is 比對
var (
	// ErrNotFound 實體或報表沒有來源資料
	ErrNotFound = errors.New("source data not found")
	// ErrLeaseBusy 租約已被他人持有，屬於預期中的競爭結果
	ErrLeaseBusy = errors.New("lease busy")
	// ErrStalePointer 登記表指向一個已無法解析的 handle，可安全重試取得租約
	ErrStalePointer = errors.New("stale in-flight pointer")
	// ErrUpstreamGeneration 補全服務呼叫失敗
	ErrUpstreamGeneration = errors.New("upstream generation failure")
	// ErrQuotaExceeded 補全服務限流（HTTP 429）
	ErrQuotaExceeded = errors.New("completion quota exceeded")
	// ErrConsistencyViolation 依賴任務回報成功卻沒有留下產物
	ErrConsistencyViolation = errors.New("consistency violation")
	// ErrInvalidInput 鍵或識別碼格式錯誤
	ErrInvalidInput = errors.New("invalid input")
	// ErrRetry 短暫競爭窗口，呼叫端應重新 resolve
	ErrRetry = errors.New("retry resolve")
	// ErrHandleNotFound 未知的 handle id
	ErrHandleNotFound = errors.New("handle not found")
)

// 結構化錯誤代碼
const (
	CodeUpstream    = "upstream_generation_failure"
	CodeQuota       = "quota_exceeded"
	CodeNotFound    = "not_found"
	CodeConsistency = "consistency_violation"
	CodeTimeout     = "timeout"
	CodePanic       = "internal_fault"
	CodeWorkerLost  = "worker_lost"
	CodeInternal    = "internal_error"
)

// ErrorInfoFrom 將錯誤轉為 handle 上的結構化錯誤
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	code := CodeInternal
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		code = CodeQuota
	case errors.Is(err, ErrUpstreamGeneration):
		code = CodeUpstream
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrConsistencyViolation):
		code = CodeConsistency
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}
	return &ErrorInfo{Code: code, Message: err.Error()}
}
