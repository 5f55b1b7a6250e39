// Package environment 计算相邻两步轨迹事件之间的环境差异
package environment

import (
	"bytes"

	"github.com/holiman/uint256"

	"tracediff/pkg/models"
)

// Compute 计算prev到curr的环境变化，不依赖操作码语义与调用帧
func Compute(prev, curr *models.TraceEvent) models.EnvironmentChange {
	return models.EnvironmentChange{
		Stack:      StackDelta(prev, curr),
		Memory:     memoryChange(prev, curr),
		PC:         models.ProgramCounterChange{Old: prev.PC, New: curr.PC},
		Depth:      models.CallDepthChange{Old: prev.Depth, New: curr.Depth},
		ReturnData: models.ReturnDataChange{Old: prev.ReturnData, New: curr.ReturnData},
	}
}

// Equal 两个环境变化是否结构相等
func Equal(a, b *models.EnvironmentChange) bool {
	return a.Equal(b)
}

// Diff 不相等的字段名
func Diff(a, b *models.EnvironmentChange) []string {
	return a.Diff(b)
}

// StackDelta 同一深度时按公共前缀求差，深度变化时视为整体替换
func StackDelta(prev, curr *models.TraceEvent) models.StackChange {
	prefix := 0
	if prev.Depth == curr.Depth {
		for prefix < len(prev.Stack) && prefix < len(curr.Stack) && prev.Stack[prefix].Eq(&curr.Stack[prefix]) {
			prefix++
		}
	}
	pushed := make([]uint256.Int, len(curr.Stack)-prefix)
	copy(pushed, curr.Stack[prefix:])
	return models.StackChange{
		Popped: len(prev.Stack) - prefix,
		Pushed: pushed,
	}
}

func memoryChange(prev, curr *models.TraceEvent) models.MemoryChange {
	change := models.MemoryChange{
		OldSize: memorySize(prev),
		NewSize: memorySize(curr),
	}
	if !prev.MemoryCaptured || !curr.MemoryCaptured {
		return change
	}
	change.Captured = true

	if bytes.Equal(prev.Memory, curr.Memory) {
		return change
	}
	n := len(prev.Memory)
	if len(curr.Memory) > n {
		n = len(curr.Memory)
	}
	first := 0
	for first < n && byteAt(prev.Memory, first) == byteAt(curr.Memory, first) {
		first++
	}
	if first == n {
		// 仅扩展了全零内存
		return change
	}
	last := n - 1
	for last > first && byteAt(prev.Memory, last) == byteAt(curr.Memory, last) {
		last--
	}

	change.Offset = uint64(first)
	change.Length = uint64(last - first + 1)
	change.NewBytes = make([]byte, change.Length)
	for i := range change.NewBytes {
		change.NewBytes[i] = byteAt(curr.Memory, first+i)
	}
	return change
}

// memorySize 优先使用事件中的memSize字段
func memorySize(ev *models.TraceEvent) uint64 {
	if ev.MemorySize == 0 && ev.MemoryCaptured {
		return uint64(len(ev.Memory))
	}
	return ev.MemorySize
}

// byteAt 超出已有内存的部分视为零
func byteAt(mem []byte, i int) byte {
	if i < len(mem) {
		return mem[i]
	}
	return 0
}
