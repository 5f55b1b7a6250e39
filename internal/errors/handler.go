package errors

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCallback 案例失败回调
type ErrorCallback func(caseID string, err *TraceError)

// hourlyLimits 各严重级别每小时的错误数上限，超出时发出告警
var hourlyLimits = map[ErrorSeverity]int{
	SeverityLow:      1000,
	SeverityMedium:   500,
	SeverityHigh:     200,
	SeverityCritical: 100,
}

// ErrorHandler 分析错误处理器
// 将案例失败归一为TraceError，记录统计并按严重级别写日志
type ErrorHandler struct {
	logger    *logrus.Logger
	mu        sync.RWMutex
	stats     *ErrorStats
	callbacks []ErrorCallback
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// HandleCaseError 处理单个案例的失败，返回归一后的错误
func (eh *ErrorHandler) HandleCaseError(ctx context.Context, caseID string, err error) *TraceError {
	traceErr := normalize(err)
	if caseID != "" {
		traceErr.WithContext("case_id", caseID)
	}

	eh.mu.Lock()
	eh.stats.RecordError(traceErr)
	rate := eh.stats.GetErrorRate(time.Hour)
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.Unlock()

	if limit, ok := hourlyLimits[traceErr.Severity]; ok && rate > float64(limit) {
		eh.logger.Warnf("%s级错误超过每小时 %d 个", traceErr.Severity, limit)
	}

	for _, cb := range callbacks {
		eh.runCallback(cb, caseID, traceErr)
	}

	eh.log(ctx, caseID, traceErr)
	return traceErr
}

// normalize 非TraceError按取消与其他错误分类包装
func normalize(err error) *TraceError {
	var traceErr *TraceError
	if stderrors.As(err, &traceErr) {
		return traceErr
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrorTypeCanceled, SeverityLow, CodeCanceled, "分析被取消")
	}
	return WrapError(err, ErrorTypeSystem, SeverityMedium, CodeSystem, "未知错误")
}

func (eh *ErrorHandler) runCallback(cb ErrorCallback, caseID string, err *TraceError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(caseID, err)
}

// log 按严重级别记录日志，单个案例失败不终止进程
func (eh *ErrorHandler) log(ctx context.Context, caseID string, err *TraceError) {
	fields := logrus.Fields{
		"case_id":    caseID,
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
	}
	if err.StepIndex != nil {
		fields["step"] = *err.StepIndex
	}
	if err.TraceID != nil {
		fields["trace"] = *err.TraceID
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}
	entry := eh.logger.WithContext(ctx).WithFields(fields)

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
}

// AddCallback 添加案例失败回调，回调同步执行
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByComponent = copyCounts(eh.stats.ErrorsByComponent)
	snapshot.ErrorsByTrace = copyCounts(eh.stats.ErrorsByTrace)
	snapshot.RecentErrors = append([]*TraceError(nil), eh.stats.RecentErrors...)
	return snapshot
}

func copyCounts[K comparable](m map[K]int) map[K]int {
	out := make(map[K]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
