// Package stream 将轨迹事件序列重建为指令与环境变化序列
package stream

import (
	"io"

	"tracediff/internal/callframe"
	"tracediff/internal/environment"
	"tracediff/internal/errors"
	"tracediff/internal/instruction"
	"tracediff/internal/source"
	"tracediff/pkg/models"
)

// Option 指令流选项
type Option func(*Stream)

// WithPolicy 设置调用帧推导策略
func WithPolicy(policy callframe.Policy) Option {
	return func(s *Stream) {
		s.policy = policy
	}
}

// WithName 设置轨迹名称，出现在错误信息中
func WithName(name string) Option {
	return func(s *Stream) {
		s.name = name
	}
}

// Stream 单遍、只进的指令流，每对相邻事件产出一项
// 同一时刻只持有当前与下一个事件
type Stream struct {
	src     source.EventSource
	root    models.InitialFrame
	policy  callframe.Policy
	name    string
	tracker *callframe.Tracker

	prev  *models.TraceEvent
	step  models.Step
	count int
	err   error
	done  bool
}

// New 创建指令流
func New(src source.EventSource, root models.InitialFrame, opts ...Option) *Stream {
	s := &Stream{
		src:    src,
		root:   root,
		policy: callframe.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next 推进到下一项，结束或出错时返回false
func (s *Stream) Next() bool {
	if s.done {
		return false
	}

	if s.prev == nil {
		first, err := s.src.Next()
		if err != nil {
			return s.stop(err)
		}
		// 根帧深度取第一个事件的深度
		s.prev = first
		s.tracker = callframe.NewTracker(s.root, first.Depth, s.policy)
	}

	curr, err := s.src.Next()
	if err != nil {
		return s.stop(err)
	}

	ins, err := instruction.Build(s.prev, curr, s.tracker.Current(), s.count)
	if err != nil {
		return s.stop(err)
	}
	change := environment.Compute(s.prev, curr)
	if _, err := s.tracker.OnStep(ins, s.prev, curr); err != nil {
		return s.stop(err)
	}

	s.step = models.Step{Instruction: *ins, Change: change}
	s.prev = curr
	s.count++
	return true
}

func (s *Stream) stop(err error) bool {
	s.done = true
	if err == io.EOF {
		return false
	}
	if te, ok := errors.AsTraceError(err); ok && s.name != "" && te.TraceID == nil {
		te.WithTrace(s.name)
	}
	s.err = err
	return false
}

// Step 当前项，仅在Next返回true后有效
func (s *Stream) Step() models.Step {
	return s.step
}

// Err 导致流提前结束的错误，正常结束时为nil
func (s *Stream) Err() error {
	return s.err
}

// Count 已产出的项数
func (s *Stream) Count() int {
	return s.count
}

// Name 轨迹名称
func (s *Stream) Name() string {
	return s.name
}

// Tracker 调用帧跟踪器，读取第一个事件之前为nil
func (s *Stream) Tracker() *callframe.Tracker {
	return s.tracker
}

// Close 关闭底层来源
func (s *Stream) Close() error {
	return source.Close(s.src)
}

// ForEach 依次处理每一项，回调返回错误时停止
func ForEach(s *Stream, fn func(step *models.Step) error) error {
	for s.Next() {
		step := s.Step()
		if err := fn(&step); err != nil {
			return err
		}
	}
	return s.Err()
}

// Collect 读取全部项，仅用于小轨迹
func Collect(s *Stream) ([]models.Step, error) {
	var steps []models.Step
	err := ForEach(s, func(step *models.Step) error {
		steps = append(steps, *step)
		return nil
	})
	return steps, err
}
