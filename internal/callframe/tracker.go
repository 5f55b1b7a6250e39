// Package callframe 维护调用帧树并校验调用深度一致性
package callframe

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"

	"tracediff/internal/errors"
	"tracediff/internal/instruction"
	"tracediff/pkg/models"
)

// Tracker 调用帧跟踪器
// 帧按编号存放在帧池中，当前调用栈是帧编号的栈
type Tracker struct {
	frames []*models.CallFrame
	stack  []models.FrameID
	policy Policy
}

// NewTracker 创建跟踪器，根帧由交易元数据构造
func NewTracker(root models.InitialFrame, depth int, policy Policy) *Tracker {
	frame := &models.CallFrame{
		ID:             0,
		ParentID:       models.NoFrame,
		Caller:         root.Sender,
		CodeAddress:    root.To,
		StorageAddress: root.To,
		Input:          root.Calldata,
		Value:          root.Value,
		Depth:          depth,
		Status:         models.FrameActive,
	}
	return &Tracker{
		frames: []*models.CallFrame{frame},
		stack:  []models.FrameID{frame.ID},
		policy: policy,
	}
}

// Current 当前帧
func (t *Tracker) Current() *models.CallFrame {
	return t.frames[t.stack[len(t.stack)-1]]
}

// CurrentID 当前帧编号
func (t *Tracker) CurrentID() models.FrameID {
	return t.stack[len(t.stack)-1]
}

// Frame 按编号查询帧
func (t *Tracker) Frame(id models.FrameID) (*models.CallFrame, bool) {
	if id < 0 || int(id) >= len(t.frames) {
		return nil, false
	}
	return t.frames[id], true
}

// Root 根帧
func (t *Tracker) Root() *models.CallFrame {
	return t.frames[0]
}

// Depth 当前调用深度
func (t *Tracker) Depth() int {
	return t.Current().Depth
}

// Active 当前调用栈中的帧数
func (t *Tracker) Active() int {
	return len(t.stack)
}

// FrameCount 已创建的帧总数
func (t *Tracker) FrameCount() int {
	return len(t.frames)
}

// Frames 全部帧，按创建顺序
func (t *Tracker) Frames() []*models.CallFrame {
	return t.frames
}

// OnStep 根据上一条指令与下一事件推进调用栈，返回下一事件所在帧
// prev为产生该指令的事件，next为紧随其后的事件
func (t *Tracker) OnStep(ins *models.Instruction, prev, next *models.TraceEvent) (models.FrameID, error) {
	depth := t.Depth()
	nextDepth := next.Depth

	if instruction.IsCallFamily(ins.Op) && nextDepth == depth+1 {
		return t.enter(ins), nil
	}

	status, halting := instruction.HaltStatus(ins.Op)
	switch {
	case halting && nextDepth == depth-1:
		return t.leave(ins, status, "", next)

	case halting && nextDepth == depth && t.Active() > 1:
		// 根帧中同深度的后续事件视为帧不变
		return models.NoFrame, t.inconsistent(ins, depth, nextDepth,
			"%s 之后调用深度未减少", ins.Op)

	case nextDepth == depth-1:
		// 非终止操作码之后深度减一：异常终止
		reason := prev.Error
		if reason == "" {
			reason = fmt.Sprintf("exceptional halt after %s", ins.Op)
		}
		return t.leave(ins, models.FrameHalted, reason, next)

	case nextDepth != depth:
		return models.NoFrame, t.inconsistent(ins, depth, nextDepth,
			"调用深度从 %d 变为 %d，但 %s 不能引起该变化", depth, nextDepth, ins.Op)
	}

	return t.CurrentID(), nil
}

func (t *Tracker) enter(ins *models.Instruction) models.FrameID {
	parent := t.Current()
	child := &models.CallFrame{
		ID:          models.FrameID(len(t.frames)),
		ParentID:    parent.ID,
		Depth:       parent.Depth + 1,
		Status:      models.FrameActive,
		InitiatedBy: ins.Op,
		Caller:      parent.StorageAddress,
	}

	switch ext := ins.Ext.(type) {
	case models.Call:
		child.CodeAddress = ext.Target
		child.StorageAddress = ext.Target
		child.Input = ext.Calldata
		child.Value = ext.Value

		switch ins.Op {
		case vm.CALLCODE:
			if t.policy.CallCodeStorage == StorageOfCaller {
				child.StorageAddress = parent.StorageAddress
			}
		case vm.DELEGATECALL:
			if t.policy.DelegateCallStorage == StorageOfCaller {
				child.StorageAddress = parent.StorageAddress
			}
			child.Caller = parent.Caller
			child.Value = parent.Value
		}

	case models.Create:
		addr := createdAddress(parent, child.ID, ext)
		child.CodeAddress = addr
		child.StorageAddress = addr
		child.Value = ext.Value
		child.Input = []byte{}
		child.IsCreation = true
	}

	parent.Children = append(parent.Children, child.ID)
	t.frames = append(t.frames, child)
	t.stack = append(t.stack, child.ID)
	return child.ID
}

func (t *Tracker) leave(ins *models.Instruction, status models.FrameStatus, reason string, next *models.TraceEvent) (models.FrameID, error) {
	if len(t.stack) == 1 {
		return models.NoFrame, t.inconsistent(ins, t.Depth(), next.Depth,
			"根帧不能被弹出（%s）", ins.Op)
	}

	frame := t.Current()
	if err := frame.Close(status); err != nil {
		return models.NoFrame, errors.WrapError(err, errors.ErrorTypeTraceConsistency, errors.SeverityCritical,
			errors.CodeTraceConsistency, "调用帧状态迁移失败").WithStep(ins.Index).WithComponent("callframe")
	}
	frame.HaltError = reason
	frame.ReturnData = next.ReturnData

	t.stack = t.stack[:len(t.stack)-1]
	return t.CurrentID(), nil
}

func (t *Tracker) inconsistent(ins *models.Instruction, depth, nextDepth int, format string, args ...interface{}) error {
	return errors.NewConsistencyError(format, args...).
		WithStep(ins.Index).
		WithComponent("callframe").
		WithContext("pc", ins.PC).
		WithContext("depth", depth).
		WithContext("next_depth", nextDepth)
}

// createdAddress 被创建合约的地址
// CREATE2在采集到初始化代码时可精确计算，否则使用由创建者与帧编号推导的占位地址
func createdAddress(parent *models.CallFrame, id models.FrameID, ext models.Create) common.Address {
	if ext.Salt != nil && ext.InitCode != nil {
		return crypto.CreateAddress2(parent.StorageAddress, ext.Salt.Bytes32(), crypto.Keccak256(ext.InitCode))
	}
	return crypto.CreateAddress(parent.CodeAddress, uint64(id))
}

// Tree 以缩进文本渲染调用树
func (t *Tracker) Tree() string {
	return t.TreeWith(nil)
}

// TreeWith 同Tree，label返回的非空文本附加在对应帧之后
func (t *Tracker) TreeWith(label func(*models.CallFrame) string) string {
	var sb strings.Builder
	t.render(&sb, t.Root(), 0, label)
	return sb.String()
}

func (t *Tracker) render(sb *strings.Builder, frame *models.CallFrame, level int, label func(*models.CallFrame) string) {
	sb.WriteString(strings.Repeat("  ", level))
	sb.WriteString(frame.Describe())
	if label != nil {
		if extra := label(frame); extra != "" {
			sb.WriteString(" ")
			sb.WriteString(extra)
		}
	}
	sb.WriteByte('\n')
	for _, id := range frame.Children {
		t.render(sb, t.frames[id], level+1, label)
	}
}

