package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// FrameID 调用帧在帧池中的编号
type FrameID int

// NoFrame 表示不存在的帧（根帧的父帧）
const NoFrame FrameID = -1

// FrameStatus 调用帧状态
type FrameStatus int

const (
	FrameActive FrameStatus = iota
	FrameReturned
	FrameReverted
	FrameHalted
)

var frameStatusNames = map[FrameStatus]string{
	FrameActive:   "active",
	FrameReturned: "returned",
	FrameReverted: "reverted",
	FrameHalted:   "halted",
}

// String 返回状态名称
func (s FrameStatus) String() string {
	if name, ok := frameStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText 以名称形式序列化
func (s FrameStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 从名称反序列化
func (s *FrameStatus) UnmarshalText(text []byte) error {
	for status, name := range frameStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("未知的帧状态: %s", text)
}

// CallFrame 调用树节点
type CallFrame struct {
	ID             FrameID        `json:"id"`
	ParentID       FrameID        `json:"parent_id"`
	Children       []FrameID      `json:"children,omitempty"`
	Caller         common.Address `json:"caller"`
	CodeAddress    common.Address `json:"code_address"`    // 执行代码所属合约
	StorageAddress common.Address `json:"storage_address"` // 读写存储所属合约
	Input          []byte         `json:"input"`
	Value          uint256.Int    `json:"value"`
	Depth          int            `json:"depth"`
	Status         FrameStatus    `json:"status"`
	InitiatedBy    vm.OpCode      `json:"initiated_by"` // 创建该帧的操作码，根帧无意义
	IsCreation     bool           `json:"is_creation"`
	ReturnData     []byte         `json:"return_data,omitempty"`
	HaltError      string         `json:"halt_error,omitempty"`
}

// IsRoot 是否为根帧
func (f *CallFrame) IsRoot() bool {
	return f.ParentID == NoFrame
}

// IsActive 是否仍在执行
func (f *CallFrame) IsActive() bool {
	return f.Status == FrameActive
}

// Close 结束帧，状态只能从Active单向迁移
func (f *CallFrame) Close(status FrameStatus) error {
	if status == FrameActive {
		return fmt.Errorf("帧 %d 不能迁移回 %s", f.ID, status)
	}
	if f.Status != FrameActive {
		return fmt.Errorf("帧 %d 已结束（%s），不能再迁移到 %s", f.ID, f.Status, status)
	}
	f.Status = status
	return nil
}

// Describe 返回单行描述，用于调用树渲染
func (f *CallFrame) Describe() string {
	kind := "root"
	if !f.IsRoot() {
		kind = f.InitiatedBy.String()
	}
	desc := fmt.Sprintf("%s %s", kind, f.CodeAddress.Hex())
	if f.StorageAddress != f.CodeAddress {
		desc += fmt.Sprintf(" (storage %s)", f.StorageAddress.Hex())
	}
	if !f.Value.IsZero() {
		desc += fmt.Sprintf(" value=%s", f.Value.Dec())
	}
	return fmt.Sprintf("%s [%s]", desc, f.Status)
}

// InitialFrame 根帧描述，即交易元数据
type InitialFrame struct {
	Sender   common.Address `json:"sender"`
	To       common.Address `json:"to"`
	Calldata []byte         `json:"calldata"`
	Value    uint256.Int    `json:"value"`
}
