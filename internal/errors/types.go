package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 轨迹解析相关错误
	ErrorTypeParse ErrorType = iota
	ErrorTypeTraceConsistency

	// 数据相关错误
	ErrorTypeValidation
	ErrorTypeSerialization

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeFileIO
	ErrorTypeConfig
	ErrorTypeStorage

	// 输出相关错误
	ErrorTypeOutput
	ErrorTypeKafka
	ErrorTypeCanceled
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// TraceError 自定义错误类型
type TraceError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	StepIndex *int                   `json:"step_index,omitempty"`
	TraceID   *string                `json:"trace_id,omitempty"`
}

// Error 实现error接口
func (e *TraceError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.StepIndex != nil {
		msg = fmt.Sprintf("%s (step %d)", msg, *e.StepIndex)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap 支持errors.Unwrap
func (e *TraceError) Unwrap() error {
	return e.Cause
}

// Is 按类型与错误码匹配，支持errors.Is与预定义错误比较
func (e *TraceError) Is(target error) bool {
	t, ok := target.(*TraceError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *TraceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *TraceError) WithContext(key string, value interface{}) *TraceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithStep 添加步骤序号
func (e *TraceError) WithStep(index int) *TraceError {
	e.StepIndex = &index
	return e
}

// WithTrace 添加轨迹标识
func (e *TraceError) WithTrace(traceID string) *TraceError {
	e.TraceID = &traceID
	return e
}

// WithComponent 设置出错组件
func (e *TraceError) WithComponent(component string) *TraceError {
	e.Component = component
	return e
}

// NewTraceError 创建新的错误
func NewTraceError(errorType ErrorType, severity ErrorSeverity, code, message string) *TraceError {
	return &TraceError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType, code),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *TraceError {
	te := NewTraceError(errorType, severity, code, message)
	te.Cause = err
	return te
}

// NewParseError 创建解析错误
func NewParseError(message string, args ...interface{}) *TraceError {
	return NewTraceError(ErrorTypeParse, SeverityHigh, CodeParse, fmt.Sprintf(message, args...))
}

// NewConsistencyError 创建轨迹一致性错误
func NewConsistencyError(message string, args ...interface{}) *TraceError {
	return NewTraceError(ErrorTypeTraceConsistency, SeverityCritical, CodeTraceConsistency, fmt.Sprintf(message, args...))
}

// AsTraceError 提取错误链中的TraceError
func AsTraceError(err error) (*TraceError, bool) {
	var te *TraceError
	if stderrors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsParse 是否为解析错误
func IsParse(err error) bool {
	return stderrors.Is(err, ErrParse)
}

// IsTraceConsistency 是否为轨迹一致性错误
func IsTraceConsistency(err error) bool {
	return stderrors.Is(err, ErrTraceConsistency)
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType, code string) bool {
	switch errorType {
	case ErrorTypeKafka:
		return true
	case ErrorTypeOutput:
		// 序列化失败重试无意义
		return code != CodeSerialization
	case ErrorTypeStorage:
		return code == CodeStorageTimeout
	default:
		return false
	}
}

// 错误码
const (
	CodeParse            = "PARSE_ERROR"
	CodeTraceConsistency = "TRACE_CONSISTENCY"
	CodeValidation       = "DATA_VALIDATION_FAILED"
	CodeSerialization    = "SERIALIZATION_FAILED"
	CodeFileIO           = "FILE_IO_FAILED"
	CodeConfig           = "CONFIG_INVALID"
	CodeStorage          = "STORAGE_FAILED"
	CodeStorageTimeout   = "STORAGE_TIMEOUT"
	CodeNotFound         = "NOT_FOUND"
	CodeOutput           = "OUTPUT_FAILED"
	CodeKafka            = "KAFKA_PRODUCE_FAILED"
	CodeCanceled         = "CANCELED"
	CodeSystem           = "SYSTEM_ERROR"
)

// 预定义错误，仅用于errors.Is比较
var (
	ErrParse = NewTraceError(
		ErrorTypeParse,
		SeverityHigh,
		CodeParse,
		"轨迹解析失败",
	)

	ErrTraceConsistency = NewTraceError(
		ErrorTypeTraceConsistency,
		SeverityCritical,
		CodeTraceConsistency,
		"调用深度与调用帧不一致",
	)

	ErrDataValidation = NewTraceError(
		ErrorTypeValidation,
		SeverityMedium,
		CodeValidation,
		"数据验证失败",
	)

	ErrSerializationFailed = NewTraceError(
		ErrorTypeSerialization,
		SeverityMedium,
		CodeSerialization,
		"数据序列化失败",
	)

	ErrFileIOFailed = NewTraceError(
		ErrorTypeFileIO,
		SeverityHigh,
		CodeFileIO,
		"文件操作失败",
	)

	ErrConfigInvalid = NewTraceError(
		ErrorTypeConfig,
		SeverityCritical,
		CodeConfig,
		"配置无效",
	)

	ErrReportNotFound = NewTraceError(
		ErrorTypeStorage,
		SeverityLow,
		CodeNotFound,
		"报告不存在",
	)

	ErrKafkaProduceFailed = NewTraceError(
		ErrorTypeKafka,
		SeverityHigh,
		CodeKafka,
		"Kafka消息发送失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeParse:            "Parse",
	ErrorTypeTraceConsistency: "TraceConsistency",
	ErrorTypeValidation:       "Validation",
	ErrorTypeSerialization:    "Serialization",
	ErrorTypeSystem:           "System",
	ErrorTypeFileIO:           "FileIO",
	ErrorTypeConfig:           "Config",
	ErrorTypeStorage:          "Storage",
	ErrorTypeOutput:           "Output",
	ErrorTypeKafka:            "Kafka",
	ErrorTypeCanceled:         "Canceled",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// maxRecentErrors RecentErrors保留的条数
const maxRecentErrors = 100

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	ErrorsByTrace     map[string]int        `json:"errors_by_trace"`
	RecentErrors      []*TraceError         `json:"recent_errors"`
	LastError         *TraceError           `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		ErrorsByTrace:     make(map[string]int),
		RecentErrors:      make([]*TraceError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *TraceError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}
	if err.TraceID != nil {
		es.ErrorsByTrace[*err.TraceID]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	es.RecentErrors = append(es.RecentErrors, err)
	if n := len(es.RecentErrors); n > maxRecentErrors {
		es.RecentErrors = es.RecentErrors[n-maxRecentErrors:]
	}
}

// GetErrorRate 最近window内每小时的错误数，只统计RecentErrors中的条目
func (es *ErrorStats) GetErrorRate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-window)
	n := 0
	for _, e := range es.RecentErrors {
		if e.Timestamp.After(cutoff) {
			n++
		}
	}
	return float64(n) / window.Hours()
}

// NewReportNotFound 创建报告不存在错误，可用errors.Is匹配ErrReportNotFound
func NewReportNotFound(caseID string) *TraceError {
	return NewTraceError(ErrorTypeStorage, SeverityLow, CodeNotFound, "报告不存在").WithContext("case_id", caseID)
}
