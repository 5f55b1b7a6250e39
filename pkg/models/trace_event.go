package models

import (
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// TraceEvent 单步执行追踪记录（EIP-3155 风格）
// 栈约定：Stack 最后一个元素为栈顶
type TraceEvent struct {
	PC             uint64        `json:"pc"`              // 程序计数器
	Op             vm.OpCode     `json:"op"`              // 操作码
	OpName         string        `json:"op_name"`         // 操作码助记符
	Gas            uint64        `json:"gas"`             // 剩余Gas
	GasCost        uint64        `json:"gas_cost"`        // 本步Gas消耗
	Stack          []uint256.Int `json:"stack"`           // 栈快照，最后一个元素为栈顶
	Depth          int           `json:"depth"`           // 调用深度
	ReturnData     []byte        `json:"return_data"`     // 返回数据
	MemorySize     uint64        `json:"mem_size"`        // 内存大小
	Memory         []byte        `json:"memory"`          // 完整内存（可选）
	MemoryCaptured bool          `json:"memory_captured"` // 是否采集了完整内存
	Refund         uint64        `json:"refund"`          // Gas退款计数
	Error          string        `json:"error,omitempty"` // 执行错误
}

// StackSize 栈元素个数
func (e *TraceEvent) StackSize() int {
	return len(e.Stack)
}

// StackTop 返回栈顶的n个元素，顺序与栈一致（最后一个为栈顶）
func (e *TraceEvent) StackTop(n int) ([]uint256.Int, bool) {
	if n < 0 || n > len(e.Stack) {
		return nil, false
	}
	top := make([]uint256.Int, n)
	copy(top, e.Stack[len(e.Stack)-n:])
	return top, true
}

// HasError 该步是否带有执行错误
func (e *TraceEvent) HasError() bool {
	return e.Error != ""
}

// MemorySlice 读取内存区间，超出已采集内存的部分以零填充
func (e *TraceEvent) MemorySlice(offset, length uint64) ([]byte, bool) {
	if !e.MemoryCaptured {
		return nil, false
	}
	if length == 0 {
		return []byte{}, true
	}
	out := make([]byte, length)
	size := uint64(len(e.Memory))
	if offset < size {
		end := offset + length
		if end > size || end < offset {
			end = size
		}
		copy(out, e.Memory[offset:end])
	}
	return out, true
}
