// Package instruction 将相邻两个轨迹事件解码为单条指令
package instruction

import (
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"tracediff/internal/environment"
	"tracediff/internal/errors"
	"tracediff/pkg/models"
)

// maxSliceLength 从内存切片的最大长度，超出时不截取数据
const maxSliceLength = 32 << 20

// Build 由前一事件、当前事件与所在帧构造指令
// 输入取自prev栈顶，输出仅在深度未变化时取自curr栈顶
func Build(prev, curr *models.TraceEvent, frame *models.CallFrame, index int) (*models.Instruction, error) {
	ins := &models.Instruction{
		Index:   index,
		Op:      prev.Op,
		PC:      prev.PC,
		FrameID: models.NoFrame,
		Frame:   frame,
		Inputs:  []uint256.Int{},
		Outputs: []uint256.Int{},
		Ext:     models.Generic{},
	}
	if frame != nil {
		ins.FrameID = frame.ID
	}

	spec, known := Lookup(prev.Op)
	if !known {
		// 未知操作码：以栈差异作为原始输入输出
		delta := environment.StackDelta(prev, curr)
		ins.Inputs, _ = prev.StackTop(delta.Popped)
		if curr.Depth == prev.Depth {
			ins.Outputs = delta.Pushed
		}
		return ins, nil
	}

	inputs, ok := prev.StackTop(spec.Inputs)
	if !ok {
		return nil, errors.NewParseError("%s 需要 %d 个栈输入，实际只有 %d 个",
			prev.Op, spec.Inputs, prev.StackSize()).WithStep(index).WithComponent("instruction")
	}
	ins.Inputs = inputs

	if curr.Depth == prev.Depth && !prev.HasError() {
		outputs, ok := curr.StackTop(spec.Outputs)
		if !ok {
			return nil, errors.NewParseError("%s 需要 %d 个栈输出，实际只有 %d 个",
				prev.Op, spec.Outputs, curr.StackSize()).WithStep(index).WithComponent("instruction")
		}
		ins.Outputs = outputs
	}

	ins.Ext = buildExtension(ins, spec.Kind, prev)
	return ins, nil
}

func buildExtension(ins *models.Instruction, kind models.ExtensionKind, prev *models.TraceEvent) models.Extension {
	arg := func(n int) uint256.Int { return *ins.Arg(n) }

	switch kind {
	case models.KindStorageAccess:
		return models.StorageAccess{Key: arg(0), Transient: ins.Op == vm.TLOAD}

	case models.KindStorageWrite:
		return models.StorageWrite{Key: arg(0), Value: arg(1), Transient: ins.Op == vm.TSTORE}

	case models.KindCall:
		call := models.Call{
			Gas:    arg(0),
			Target: toAddress(ins.Arg(1)),
		}
		// CALL/CALLCODE 在目标之后多一个value参数
		next := 2
		if ins.Op == vm.CALL || ins.Op == vm.CALLCODE {
			call.Value = arg(2)
			call.HasValue = true
			next = 3
		}
		call.ArgOffset = clampUint64(ins.Arg(next))
		call.ArgLength = clampUint64(ins.Arg(next + 1))
		call.RetOffset = clampUint64(ins.Arg(next + 2))
		call.RetLength = clampUint64(ins.Arg(next + 3))
		call.Calldata = sliceMemory(prev, call.ArgOffset, call.ArgLength)
		return call

	case models.KindCreate:
		create := models.Create{
			Value:  arg(0),
			Offset: clampUint64(ins.Arg(1)),
			Length: clampUint64(ins.Arg(2)),
		}
		if ins.Op == vm.CREATE2 {
			salt := arg(3)
			create.Salt = &salt
		}
		create.InitCode = sliceMemory(prev, create.Offset, create.Length)
		return create

	case models.KindLog:
		log := models.Log{
			Offset: clampUint64(ins.Arg(0)),
			Length: clampUint64(ins.Arg(1)),
			Topics: make([]uint256.Int, 0, len(ins.Inputs)-2),
		}
		for n := 2; n < len(ins.Inputs); n++ {
			log.Topics = append(log.Topics, arg(n))
		}
		log.Data = sliceMemory(prev, log.Offset, log.Length)
		return log
	}

	return models.Generic{}
}

func toAddress(v *uint256.Int) common.Address {
	return common.Address(v.Bytes20())
}

func clampUint64(v *uint256.Int) uint64 {
	n, overflow := v.Uint64WithOverflow()
	if overflow {
		return math.MaxUint64
	}
	return n
}

func sliceMemory(ev *models.TraceEvent, offset, length uint64) []byte {
	if length > maxSliceLength || offset > math.MaxUint64-length {
		return nil
	}
	data, ok := ev.MemorySlice(offset, length)
	if !ok {
		return nil
	}
	return data
}
