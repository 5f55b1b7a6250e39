// Package source 提供轨迹事件来源
package source

import (
	"context"
	"io"

	"tracediff/pkg/models"
)

// EventSource 按顺序产出轨迹事件，结束时返回io.EOF
type EventSource interface {
	Next() (*models.TraceEvent, error)
}

// Factory 每次调用返回一个新的事件来源，用于需要多次遍历的场景
type Factory func() (EventSource, error)

// SliceSource 基于内存切片的事件来源
type SliceSource struct {
	events []*models.TraceEvent
	pos    int
}

// NewSliceSource 创建切片来源
func NewSliceSource(events []*models.TraceEvent) *SliceSource {
	return &SliceSource{events: events}
}

// Next 返回下一个事件
func (s *SliceSource) Next() (*models.TraceEvent, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// SliceFactory 返回每次都从头遍历同一切片的工厂
func SliceFactory(events []*models.TraceEvent) Factory {
	return func() (EventSource, error) {
		return NewSliceSource(events), nil
	}
}

type contextSource struct {
	ctx context.Context
	src EventSource
}

// WithContext 包装来源，上下文结束后不再产出事件
func WithContext(ctx context.Context, src EventSource) EventSource {
	return &contextSource{ctx: ctx, src: src}
}

// Next 上下文结束时返回ctx.Err()
func (c *contextSource) Next() (*models.TraceEvent, error) {
	select {
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	default:
	}
	return c.src.Next()
}

// Close 关闭被包装的来源
func (c *contextSource) Close() error {
	return Close(c.src)
}

// ReadAll 读取来源中的全部事件
func ReadAll(src EventSource) ([]*models.TraceEvent, error) {
	var events []*models.TraceEvent
	for {
		ev, err := src.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// Close 关闭实现了io.Closer的来源
func Close(src EventSource) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
