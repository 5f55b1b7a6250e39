package validation

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"tracediff/internal/errors"
	"tracediff/internal/source"
	"tracediff/pkg/models"
)

// maxStackSize EVM栈深度上限
const maxStackSize = 1024

// Validator 轨迹数据验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式：警告也视为无效
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                 `json:"valid"`
	Errors   []*errors.TraceError `json:"errors,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
	DataType string               `json:"data_type"`
}

// Err 合并为单个错误，有效时返回nil
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	if len(r.Errors) > 0 {
		return r.Errors[0]
	}
	return errors.NewTraceError(errors.ErrorTypeValidation, errors.SeverityMedium,
		errors.CodeValidation, strings.Join(r.Warnings, "; "))
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		rules:      make(map[string]ValidationRule),
	}

	v.AddRule(NewEventValidationRule())
	v.AddRule(NewPairValidationRule())
	v.AddRule(NewInitialFrameValidationRule())

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateEvent 验证单个轨迹事件
func (v *Validator) ValidateEvent(ev *models.TraceEvent) *ValidationResult {
	if ev == nil {
		return &ValidationResult{
			Valid:    false,
			Errors:   []*errors.TraceError{validationError("EMPTY_EVENT", "轨迹事件为空")},
			DataType: "event",
		}
	}

	result := newResult("event")

	if ev.OpName != "" && !strings.EqualFold(ev.OpName, ev.Op.String()) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("操作码名称 %s 与操作码 0x%02x (%s) 不一致", ev.OpName, byte(ev.Op), ev.Op))
	}
	if ev.MemoryCaptured && ev.MemorySize != 0 && uint64(len(ev.Memory)) != ev.MemorySize {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("内存长度 %d 与memSize %d 不一致", len(ev.Memory), ev.MemorySize))
	}
	if ev.GasCost > ev.Gas && !ev.HasError() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("gasCost %d 超过剩余gas %d", ev.GasCost, ev.Gas))
	}

	v.applyRule(result, "event", ev)
	return v.finish(result)
}

// ValidatePair 验证相邻两个事件
func (v *Validator) ValidatePair(prev, curr *models.TraceEvent) *ValidationResult {
	result := newResult("pair")
	v.applyRule(result, "pair", [2]*models.TraceEvent{prev, curr})
	return v.finish(result)
}

// ValidateInitialFrame 验证根帧描述
func (v *Validator) ValidateInitialFrame(frame *models.InitialFrame) *ValidationResult {
	result := newResult("initial_frame")
	if frame.To == (common.Address{}) {
		result.Warnings = append(result.Warnings, "接收者为空，按合约创建处理")
	}
	v.applyRule(result, "initial_frame", frame)
	return v.finish(result)
}

func (v *Validator) applyRule(result *ValidationResult, name string, data interface{}) {
	rule, exists := v.rules[name]
	if !exists {
		return
	}
	if err := rule.Validate(data); err != nil {
		result.Valid = false
		if traceErr, ok := errors.AsTraceError(err); ok {
			result.Errors = append(result.Errors, traceErr)
		} else {
			result.Errors = append(result.Errors, errors.WrapError(err,
				errors.ErrorTypeValidation, errors.SeverityMedium,
				"RULE_VALIDATION_FAILED", fmt.Sprintf("规则 %s 验证失败", name)))
		}
	}
}

func (v *Validator) finish(result *ValidationResult) *ValidationResult {
	if v.strictMode && len(result.Warnings) > 0 {
		result.Valid = false
	}
	return result
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.TraceError, 0),
		Warnings: make([]string, 0),
	}
}

func validationError(code, message string) *errors.TraceError {
	return errors.NewTraceError(errors.ErrorTypeValidation, errors.SeverityHigh, code, message)
}

// EventValidationRule 单事件验证规则
type EventValidationRule struct{}

func NewEventValidationRule() *EventValidationRule {
	return &EventValidationRule{}
}

func (r *EventValidationRule) Name() string {
	return "event"
}

func (r *EventValidationRule) Description() string {
	return "轨迹事件字段验证规则"
}

func (r *EventValidationRule) Validate(data interface{}) error {
	ev, ok := data.(*models.TraceEvent)
	if !ok {
		return fmt.Errorf("数据类型不是轨迹事件")
	}
	if ev.Depth < 0 {
		return validationError("INVALID_DEPTH", fmt.Sprintf("调用深度无效: %d", ev.Depth))
	}
	if len(ev.Stack) > maxStackSize {
		return validationError("STACK_OVERFLOW", fmt.Sprintf("栈元素个数 %d 超过上限", len(ev.Stack)))
	}
	return nil
}

// PairValidationRule 相邻事件验证规则
type PairValidationRule struct{}

func NewPairValidationRule() *PairValidationRule {
	return &PairValidationRule{}
}

func (r *PairValidationRule) Name() string {
	return "pair"
}

func (r *PairValidationRule) Description() string {
	return "相邻轨迹事件验证规则"
}

func (r *PairValidationRule) Validate(data interface{}) error {
	pair, ok := data.([2]*models.TraceEvent)
	if !ok || pair[0] == nil || pair[1] == nil {
		return fmt.Errorf("数据类型不是事件对")
	}
	// 深度每步最多增加1
	if pair[1].Depth > pair[0].Depth+1 {
		return validationError("DEPTH_JUMP",
			fmt.Sprintf("调用深度从 %d 跳到 %d", pair[0].Depth, pair[1].Depth))
	}
	return nil
}

// InitialFrameValidationRule 根帧验证规则
type InitialFrameValidationRule struct{}

func NewInitialFrameValidationRule() *InitialFrameValidationRule {
	return &InitialFrameValidationRule{}
}

func (r *InitialFrameValidationRule) Name() string {
	return "initial_frame"
}

func (r *InitialFrameValidationRule) Description() string {
	return "交易根帧验证规则"
}

func (r *InitialFrameValidationRule) Validate(data interface{}) error {
	frame, ok := data.(*models.InitialFrame)
	if !ok {
		return fmt.Errorf("数据类型不是根帧描述")
	}
	if frame.Sender == (common.Address{}) {
		return validationError("INVALID_SENDER", "发送者地址为空")
	}
	return nil
}

// ValidatingSource 对事件来源逐个验证
type ValidatingSource struct {
	src       source.EventSource
	validator *Validator
	prev      *models.TraceEvent
	index     int
	warnings  int
}

// Wrap 包装事件来源，无效事件以错误结束遍历，警告只记录日志
func (v *Validator) Wrap(src source.EventSource) *ValidatingSource {
	return &ValidatingSource{src: src, validator: v}
}

// Next 返回下一个通过验证的事件
func (s *ValidatingSource) Next() (*models.TraceEvent, error) {
	ev, err := s.src.Next()
	if err != nil {
		return nil, err
	}

	results := []*ValidationResult{s.validator.ValidateEvent(ev)}
	if s.prev != nil {
		results = append(results, s.validator.ValidatePair(s.prev, ev))
	}
	for _, result := range results {
		for _, warning := range result.Warnings {
			s.warnings++
			s.validator.logger.WithField("event", s.index).Debug(warning)
		}
		if err := result.Err(); err != nil {
			if te, ok := errors.AsTraceError(err); ok {
				te.WithStep(s.index).WithComponent("validation")
			}
			return nil, err
		}
	}

	s.prev = ev
	s.index++
	return ev, nil
}

// Warnings 累计警告数
func (s *ValidatingSource) Warnings() int {
	return s.warnings
}

// Close 关闭底层来源
func (s *ValidatingSource) Close() error {
	return source.Close(s.src)
}
