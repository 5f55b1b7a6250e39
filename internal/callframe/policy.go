package callframe

import (
	"fmt"
	"strings"
)

// StorageMode 委托类调用的存储地址归属
type StorageMode int

const (
	// StorageOfCaller 沿用当前帧的存储地址
	StorageOfCaller StorageMode = iota
	// StorageOfTarget 使用调用目标作为存储地址
	StorageOfTarget
)

// String 返回模式名称
func (m StorageMode) String() string {
	switch m {
	case StorageOfCaller:
		return "caller"
	case StorageOfTarget:
		return "target"
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// ParseStorageMode 解析配置中的模式名称
func ParseStorageMode(s string) (StorageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "caller":
		return StorageOfCaller, nil
	case "target":
		return StorageOfTarget, nil
	}
	return StorageOfCaller, fmt.Errorf("无效的存储地址模式: %s", s)
}

// Policy 调用帧推导策略
type Policy struct {
	DelegateCallStorage StorageMode
	CallCodeStorage     StorageMode
}

// DefaultPolicy 默认策略：DELEGATECALL与CALLCODE都在调用者的存储上执行
func DefaultPolicy() Policy {
	return Policy{
		DelegateCallStorage: StorageOfCaller,
		CallCodeStorage:     StorageOfCaller,
	}
}
