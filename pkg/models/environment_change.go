package models

import (
	"bytes"
	"fmt"

	"github.com/holiman/uint256"
)

// StackChange 栈变化：从公共前缀之后弹出的个数与新压入的值
type StackChange struct {
	Popped int           `json:"popped"`
	Pushed []uint256.Int `json:"pushed"`
}

// MemoryChange 内存变化，Captured为false时只记录大小
type MemoryChange struct {
	Offset   uint64 `json:"offset"`
	Length   uint64 `json:"length"`
	NewBytes []byte `json:"new_bytes"`
	OldSize  uint64 `json:"old_size"`
	NewSize  uint64 `json:"new_size"`
	Captured bool   `json:"captured"`
}

// ProgramCounterChange 程序计数器变化
type ProgramCounterChange struct {
	Old uint64 `json:"old"`
	New uint64 `json:"new"`
}

// CallDepthChange 调用深度变化
type CallDepthChange struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// Delta 深度差，可能大于1
func (c CallDepthChange) Delta() int {
	return c.New - c.Old
}

// ReturnDataChange 返回数据变化
type ReturnDataChange struct {
	Old []byte `json:"old"`
	New []byte `json:"new"`
}

// Changed 返回数据是否发生变化
func (c ReturnDataChange) Changed() bool {
	return !bytes.Equal(c.Old, c.New)
}

// EnvironmentChange 相邻两步之间的环境差异
type EnvironmentChange struct {
	Stack      StackChange          `json:"stack"`
	Memory     MemoryChange         `json:"memory"`
	PC         ProgramCounterChange `json:"pc"`
	Depth      CallDepthChange      `json:"depth"`
	ReturnData ReturnDataChange     `json:"return_data"`
}

// 差异字段名
const (
	FieldStackPopped = "stack.popped"
	FieldStackPushed = "stack.pushed"
	FieldMemory      = "memory"
	FieldPC          = "pc"
	FieldDepth       = "depth"
	FieldReturnData  = "return_data"
)

// Equal 结构相等
func (c *EnvironmentChange) Equal(other *EnvironmentChange) bool {
	return len(c.Diff(other)) == 0
}

// Diff 返回不相等的字段名，顺序固定
func (c *EnvironmentChange) Diff(other *EnvironmentChange) []string {
	return c.diff(other, true)
}

// DivergentFields 判定TOD分歧时比较的字段：栈、内存与pc，深度与返回数据的差异不计入
func (c *EnvironmentChange) DivergentFields(other *EnvironmentChange) []string {
	return c.diff(other, false)
}

func (c *EnvironmentChange) diff(other *EnvironmentChange, full bool) []string {
	var fields []string
	if c.Stack.Popped != other.Stack.Popped {
		fields = append(fields, FieldStackPopped)
	}
	if !wordsEqual(c.Stack.Pushed, other.Stack.Pushed) {
		fields = append(fields, FieldStackPushed)
	}
	if !c.Memory.equal(&other.Memory) {
		fields = append(fields, FieldMemory)
	}
	if c.PC != other.PC {
		fields = append(fields, FieldPC)
	}
	if !full {
		return fields
	}
	if c.Depth != other.Depth {
		fields = append(fields, FieldDepth)
	}
	if !bytes.Equal(c.ReturnData.Old, other.ReturnData.Old) || !bytes.Equal(c.ReturnData.New, other.ReturnData.New) {
		fields = append(fields, FieldReturnData)
	}
	return fields
}

func (m *MemoryChange) equal(other *MemoryChange) bool {
	return m.Offset == other.Offset &&
		m.Length == other.Length &&
		m.OldSize == other.OldSize &&
		m.NewSize == other.NewSize &&
		m.Captured == other.Captured &&
		bytes.Equal(m.NewBytes, other.NewBytes)
}

// String 简短描述
func (c *EnvironmentChange) String() string {
	s := fmt.Sprintf("pc %d->%d depth %d->%d pop %d push %v mem[%d:+%d]",
		c.PC.Old, c.PC.New, c.Depth.Old, c.Depth.New,
		c.Stack.Popped, FormatWords(c.Stack.Pushed), c.Memory.Offset, c.Memory.Length)
	if c.ReturnData.Changed() {
		s += fmt.Sprintf(" returndata %d->%d bytes", len(c.ReturnData.Old), len(c.ReturnData.New))
	}
	return s
}
