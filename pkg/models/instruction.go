package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// ExtensionKind 指令扩展类别
type ExtensionKind int

const (
	KindGeneric ExtensionKind = iota
	KindStorageAccess
	KindStorageWrite
	KindCall
	KindCreate
	KindLog
)

var extensionKindNames = map[ExtensionKind]string{
	KindGeneric:       "generic",
	KindStorageAccess: "storage_access",
	KindStorageWrite:  "storage_write",
	KindCall:          "call",
	KindCreate:        "create",
	KindLog:           "log",
}

// String 返回类别名称
func (k ExtensionKind) String() string {
	if name, ok := extensionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Extension 操作码相关的语义字段，仅限本包内定义的变体
type Extension interface {
	Kind() ExtensionKind
	extension()
}

// Generic 无额外语义
type Generic struct{}

// StorageAccess 存储读取（SLOAD/TLOAD）
type StorageAccess struct {
	Key       uint256.Int `json:"key"`
	Transient bool        `json:"transient"`
}

// StorageWrite 存储写入（SSTORE/TSTORE）
type StorageWrite struct {
	Key       uint256.Int `json:"key"`
	Value     uint256.Int `json:"value"`
	Transient bool        `json:"transient"`
}

// Call 消息调用
type Call struct {
	Target    common.Address `json:"target"`
	Value     uint256.Int    `json:"value"`
	HasValue  bool           `json:"has_value"` // STATICCALL/DELEGATECALL 不携带value参数
	Gas       uint256.Int    `json:"gas"`
	ArgOffset uint64         `json:"arg_offset"`
	ArgLength uint64         `json:"arg_length"`
	RetOffset uint64         `json:"ret_offset"`
	RetLength uint64         `json:"ret_length"`
	Calldata  []byte         `json:"calldata,omitempty"` // 内存未采集时为空
}

// Create 合约创建
type Create struct {
	Value    uint256.Int  `json:"value"`
	Offset   uint64       `json:"offset"`
	Length   uint64       `json:"length"`
	InitCode []byte       `json:"init_code,omitempty"`
	Salt     *uint256.Int `json:"salt,omitempty"` // 仅CREATE2
}

// Log 事件日志
type Log struct {
	Topics []uint256.Int `json:"topics"`
	Offset uint64        `json:"offset"`
	Length uint64        `json:"length"`
	Data   []byte        `json:"data,omitempty"`
}

func (Generic) Kind() ExtensionKind       { return KindGeneric }
func (StorageAccess) Kind() ExtensionKind { return KindStorageAccess }
func (StorageWrite) Kind() ExtensionKind  { return KindStorageWrite }
func (Call) Kind() ExtensionKind          { return KindCall }
func (Create) Kind() ExtensionKind        { return KindCreate }
func (Log) Kind() ExtensionKind           { return KindLog }

func (Generic) extension()       {}
func (StorageAccess) extension() {}
func (StorageWrite) extension()  {}
func (Call) extension()          {}
func (Create) extension()        {}
func (Log) extension()           {}

// Instruction 解码后的单步指令
type Instruction struct {
	Index   int           `json:"index"`
	Op      vm.OpCode     `json:"op"`
	PC      uint64        `json:"pc"`
	FrameID FrameID       `json:"frame_id"`
	Frame   *CallFrame    `json:"-"` // 共享只读
	Inputs  []uint256.Int `json:"inputs"`  // 与栈同序，最后一个为栈顶
	Outputs []uint256.Int `json:"outputs"` // 与栈同序，最后一个为栈顶
	Ext     Extension     `json:"ext"`
}

// Name 操作码助记符
func (i *Instruction) Name() string {
	return i.Op.String()
}

// Arg 返回第n个参数（0为执行前的栈顶）
func (i *Instruction) Arg(n int) *uint256.Int {
	if n < 0 || n >= len(i.Inputs) {
		return nil
	}
	return &i.Inputs[len(i.Inputs)-1-n]
}

// CodeAddress 所在帧的代码地址
func (i *Instruction) CodeAddress() common.Address {
	if i.Frame == nil {
		return common.Address{}
	}
	return i.Frame.CodeAddress
}

// StorageAddress 所在帧的存储地址
func (i *Instruction) StorageAddress() common.Address {
	if i.Frame == nil {
		return common.Address{}
	}
	return i.Frame.StorageAddress
}

// String 简短描述
func (i *Instruction) String() string {
	return fmt.Sprintf("%s@%s:%d#%d", i.Name(), i.CodeAddress().Hex(), i.PC, i.Index)
}

// Step 指令流中的一项
type Step struct {
	Instruction Instruction       `json:"instruction"`
	Change      EnvironmentChange `json:"change"`
}
