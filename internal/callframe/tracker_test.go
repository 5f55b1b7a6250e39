package callframe

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracediff/internal/errors"
	"tracediff/internal/instruction"
	"tracediff/pkg/models"
)

var (
	sender   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	contract = common.HexToAddress("0x2000000000000000000000000000000000000002")
	target   = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func rootDescriptor() models.InitialFrame {
	return models.InitialFrame{
		Sender:   sender,
		To:       contract,
		Calldata: []byte{0x01, 0x02},
		Value:    *uint256.NewInt(7),
	}
}

func ev(op vm.OpCode, depth int, stack ...uint256.Int) *models.TraceEvent {
	if stack == nil {
		stack = []uint256.Int{}
	}
	return &models.TraceEvent{Op: op, OpName: op.String(), Depth: depth, Stack: stack}
}

func word(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

func addrWord(addr common.Address) uint256.Int {
	return *new(uint256.Int).SetBytes(addr.Bytes())
}

// callStack CALL/CALLCODE 的栈：[retLen, retOff, argLen, argOff, value, target, gas]
func callStack(to common.Address, value uint64) []uint256.Int {
	return []uint256.Int{word(0), word(0), word(0), word(0), word(value), addrWord(to), word(1000)}
}

// delegateStack DELEGATECALL/STATICCALL 的栈：[retLen, retOff, argLen, argOff, target, gas]
func delegateStack(to common.Address) []uint256.Int {
	return []uint256.Int{word(0), word(0), word(0), word(0), addrWord(to), word(1000)}
}

// drive 依次处理事件序列，返回第一个错误
func drive(t *testing.T, tr *Tracker, events []*models.TraceEvent) error {
	t.Helper()
	for i := 0; i+1 < len(events); i++ {
		ins, err := instruction.Build(events[i], events[i+1], tr.Current(), i)
		require.NoError(t, err)
		if _, err := tr.OnStep(ins, events[i], events[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func TestNewTracker(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	root := tr.Root()
	assert.True(t, root.IsRoot())
	assert.Equal(t, sender, root.Caller)
	assert.Equal(t, contract, root.CodeAddress)
	assert.Equal(t, contract, root.StorageAddress)
	assert.Equal(t, uint64(7), root.Value.Uint64())
	assert.Equal(t, 1, tr.Depth())
	assert.Equal(t, 1, tr.Active())
	assert.Equal(t, models.FrameID(0), tr.CurrentID())
}

func TestTracker_BalancedTraceEndsAtRoot(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	events := []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 0)...),
		ev(vm.PUSH1, 2),
		ev(vm.STATICCALL, 2, append([]uint256.Int{word(1)}, delegateStack(contract)...)...),
		ev(vm.PUSH1, 3),
		ev(vm.REVERT, 3, word(0), word(0)),
		ev(vm.POP, 2, word(1), word(0)),
		ev(vm.RETURN, 2, word(0), word(0)),
		ev(vm.ISZERO, 1, word(1)),
		ev(vm.DELEGATECALL, 1, append([]uint256.Int{word(0)}, delegateStack(target)...)...),
		ev(vm.STOP, 2),
		ev(vm.POP, 1, word(0), word(1)),
	}

	require.NoError(t, drive(t, tr, events))

	assert.Equal(t, 1, tr.Active())
	assert.Equal(t, tr.Root(), tr.Current())
	assert.Equal(t, 4, tr.FrameCount())

	for _, frame := range tr.Frames()[1:] {
		assert.False(t, frame.IsActive(), "frame %d still active", frame.ID)
	}
	assert.Equal(t, models.FrameReturned, tr.Frames()[1].Status)
	assert.Equal(t, models.FrameReverted, tr.Frames()[2].Status)
	assert.Equal(t, models.FrameReturned, tr.Frames()[3].Status)
	assert.Equal(t, []models.FrameID{1, 3}, tr.Root().Children)
	assert.Equal(t, []models.FrameID{2}, tr.Frames()[1].Children)
	assert.Equal(t, models.FrameID(1), tr.Frames()[2].ParentID)
}

func TestTracker_DepthJumpWithoutCallIsInconsistent(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	err := drive(t, tr, []*models.TraceEvent{
		ev(vm.ADD, 1, word(1), word(2)),
		ev(vm.PUSH1, 2),
	})

	require.Error(t, err)
	assert.True(t, errors.IsTraceConsistency(err))
}

func TestTracker_CallPushesFrameWithTarget(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	require.NoError(t, drive(t, tr, []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 5)...),
		ev(vm.PUSH1, 2),
	}))

	child := tr.Current()
	assert.Equal(t, 2, tr.Depth())
	assert.Equal(t, target, child.CodeAddress)
	assert.Equal(t, target, child.StorageAddress)
	assert.Equal(t, contract, child.Caller)
	assert.Equal(t, uint64(5), child.Value.Uint64())
	assert.Equal(t, vm.CALL, child.InitiatedBy)
	assert.Equal(t, models.FrameID(0), child.ParentID)
}

func TestTracker_DelegateCallPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		storage common.Address
	}{
		{"caller storage", DefaultPolicy(), contract},
		{"target storage", Policy{DelegateCallStorage: StorageOfTarget}, target},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(rootDescriptor(), 1, tt.policy)
			require.NoError(t, drive(t, tr, []*models.TraceEvent{
				ev(vm.DELEGATECALL, 1, delegateStack(target)...),
				ev(vm.PUSH1, 2),
			}))

			child := tr.Current()
			assert.Equal(t, target, child.CodeAddress)
			assert.Equal(t, tt.storage, child.StorageAddress)
			assert.Equal(t, sender, child.Caller)            // 沿用当前帧的调用者
			assert.Equal(t, uint64(7), child.Value.Uint64()) // 沿用当前帧的value
		})
	}
}

func TestTracker_CallCodeUsesCurrentStorage(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())
	require.NoError(t, drive(t, tr, []*models.TraceEvent{
		ev(vm.CALLCODE, 1, callStack(target, 3)...),
		ev(vm.PUSH1, 2),
	}))

	child := tr.Current()
	assert.Equal(t, target, child.CodeAddress)
	assert.Equal(t, contract, child.StorageAddress)
	assert.Equal(t, contract, child.Caller)
	assert.Equal(t, uint64(3), child.Value.Uint64())
}

func TestTracker_CreatePlaceholderAddress(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())
	require.NoError(t, drive(t, tr, []*models.TraceEvent{
		ev(vm.CREATE, 1, word(0), word(0), word(0)),
		ev(vm.PUSH1, 2),
	}))

	child := tr.Current()
	assert.True(t, child.IsCreation)
	assert.Empty(t, child.Input)
	assert.Equal(t, crypto.CreateAddress(contract, 1), child.CodeAddress)
	assert.Equal(t, child.CodeAddress, child.StorageAddress)
}

func TestTracker_Create2WithInitCode(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())
	create := ev(vm.CREATE2, 1, word(0x42), word(2), word(0), word(0))
	create.Memory = []byte{0x60, 0x00}
	create.MemoryCaptured = true

	require.NoError(t, drive(t, tr, []*models.TraceEvent{create, ev(vm.PUSH1, 2)}))

	salt := uint256.NewInt(0x42).Bytes32()
	expected := crypto.CreateAddress2(contract, salt, crypto.Keccak256([]byte{0x60, 0x00}))
	assert.Equal(t, expected, tr.Current().CodeAddress)
}

func TestTracker_CallToAccountWithoutCode(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())
	require.NoError(t, drive(t, tr, []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 1)...),
		ev(vm.ISZERO, 1, word(1)),
	}))

	assert.Equal(t, 1, tr.Active())
	assert.Equal(t, 1, tr.FrameCount())
}

func TestTracker_ExceptionalHalt(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	failing := ev(vm.ADD, 2, word(1), word(2))
	failing.Error = "out of gas"

	require.NoError(t, drive(t, tr, []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 0)...),
		failing,
		ev(vm.ISZERO, 1, word(0)),
	}))

	child := tr.Frames()[1]
	assert.Equal(t, models.FrameHalted, child.Status)
	assert.Equal(t, "out of gas", child.HaltError)
	assert.Equal(t, 1, tr.Active())
}

func TestTracker_ReturnRecordsReturnData(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	after := ev(vm.ISZERO, 1, word(1))
	after.ReturnData = []byte{0xde, 0xad}

	require.NoError(t, drive(t, tr, []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 0)...),
		ev(vm.RETURN, 2, word(2), word(0)),
		after,
	}))

	assert.Equal(t, []byte{0xde, 0xad}, tr.Frames()[1].ReturnData)
}

func TestTracker_HaltWithoutDepthChange(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	err := drive(t, tr, []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 0)...),
		ev(vm.STOP, 2),
		ev(vm.PUSH1, 2),
	})

	assert.True(t, errors.IsTraceConsistency(err))
}

func TestTracker_HaltAtRootKeepsFrame(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	err := drive(t, tr, []*models.TraceEvent{
		ev(vm.STOP, 1),
		ev(vm.PUSH1, 1),
	})

	require.NoError(t, err)
	assert.Equal(t, tr.Root().ID, tr.CurrentID())
	assert.True(t, tr.Root().IsActive())
	assert.Equal(t, 1, tr.FrameCount())
}

func TestTracker_PopAtRoot(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	err := drive(t, tr, []*models.TraceEvent{
		ev(vm.STOP, 1),
		ev(vm.PUSH1, 0),
	})

	require.Error(t, err)
	assert.True(t, errors.IsTraceConsistency(err))
	assert.True(t, tr.Root().IsActive())
}

func TestTracker_DepthDropByTwo(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())

	err := drive(t, tr, []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 0)...),
		ev(vm.CALL, 2, callStack(contract, 0)...),
		ev(vm.RETURN, 3, word(0), word(0)),
		ev(vm.POP, 1, word(1)),
	})

	assert.True(t, errors.IsTraceConsistency(err))
}

func TestTracker_Tree(t *testing.T) {
	tr := NewTracker(rootDescriptor(), 1, DefaultPolicy())
	require.NoError(t, drive(t, tr, []*models.TraceEvent{
		ev(vm.CALL, 1, callStack(target, 0)...),
		ev(vm.STOP, 2),
		ev(vm.POP, 1, word(1)),
	}))

	lines := strings.Split(strings.TrimSpace(tr.Tree()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "root "+contract.Hex()))
	assert.True(t, strings.HasPrefix(lines[1], "  CALL "+target.Hex()))
	assert.Contains(t, lines[1], "[returned]")

	labeled := strings.Split(strings.TrimSpace(tr.TreeWith(func(f *models.CallFrame) string {
		if f.IsRoot() {
			return ""
		}
		return "child"
	})), "\n")
	require.Len(t, labeled, 2)
	assert.Equal(t, lines[0], labeled[0])
	assert.True(t, strings.HasSuffix(labeled[1], "[returned] child"))
}

func TestParseStorageMode(t *testing.T) {
	mode, err := ParseStorageMode("Target")
	require.NoError(t, err)
	assert.Equal(t, StorageOfTarget, mode)

	mode, err = ParseStorageMode("")
	require.NoError(t, err)
	assert.Equal(t, StorageOfCaller, mode)

	_, err = ParseStorageMode("elsewhere")
	assert.Error(t, err)
}
