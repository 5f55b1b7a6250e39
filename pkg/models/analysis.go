package models

import (
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
)

// DivergenceKind 分歧检测结果类别
type DivergenceKind int

const (
	NoDivergence DivergenceKind = iota
	Divergence
	Inconclusive
)

var divergenceKindNames = map[DivergenceKind]string{
	NoDivergence: "no_divergence",
	Divergence:   "divergence",
	Inconclusive: "inconclusive",
}

// String 返回类别名称
func (k DivergenceKind) String() string {
	if name, ok := divergenceKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// MarshalText 以名称形式序列化
func (k DivergenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 从名称反序列化
func (k *DivergenceKind) UnmarshalText(text []byte) error {
	for kind, name := range divergenceKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("未知的分歧类别: %s", text)
}

// DivergenceResult 两条指令流的首个分歧点
type DivergenceResult struct {
	Kind          DivergenceKind     `json:"kind"`
	Index         int                `json:"index"`                    // 仅Divergence有效
	Source        *Instruction       `json:"source,omitempty"`         // 流A中的源指令
	SourceAddress *common.Address    `json:"source_address,omitempty"` // 源指令所在代码地址
	ChangeA       *EnvironmentChange `json:"change_a,omitempty"`
	ChangeB       *EnvironmentChange `json:"change_b,omitempty"`
	Fields        []string           `json:"fields,omitempty"`         // 不相等的字段
	ShorterLength int                `json:"shorter_length,omitempty"` // 仅Inconclusive有效
}

// String 简短描述
func (r *DivergenceResult) String() string {
	switch r.Kind {
	case Divergence:
		return fmt.Sprintf("divergence at %d (%s) fields=%v", r.Index, r.Source, r.Fields)
	case Inconclusive:
		return fmt.Sprintf("inconclusive, shorter stream has %d steps", r.ShorterLength)
	default:
		return "no divergence"
	}
}

// InputKey 输入变化计数键
type InputKey struct {
	PC     uint64 `json:"pc"`
	Inputs string `json:"inputs"` // 十六进制逗号拼接的栈输入
}

// InputChanges 带符号的多重集合
type InputChanges map[InputKey]int64

// InputChangeEntry 输入变化条目，用于输出
type InputChangeEntry struct {
	PC     uint64 `json:"pc"`
	Inputs string `json:"inputs"`
	Count  int64  `json:"count"`
}

// NonZero 返回非零条目，按PC与输入排序
func (c InputChanges) NonZero() []InputChangeEntry {
	entries := make([]InputChangeEntry, 0)
	for key, count := range c {
		if count != 0 {
			entries = append(entries, InputChangeEntry{PC: key.PC, Inputs: key.Inputs, Count: count})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PC != entries[j].PC {
			return entries[i].PC < entries[j].PC
		}
		return entries[i].Inputs < entries[j].Inputs
	})
	return entries
}

// Merge 合并另一份计数
func (c InputChanges) Merge(other InputChanges) {
	for key, count := range other {
		c[key] += count
	}
}

// Usage 按代码地址分组的操作码集合
type Usage map[common.Address]mapset.Set[vm.OpCode]

// Opcodes 返回地址下的操作码名称，已排序
func (u Usage) Opcodes(addr common.Address) []string {
	set, ok := u[addr]
	if !ok {
		return nil
	}
	ops := set.ToSlice()
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.String()
	}
	return names
}

// Report 转为可序列化形式
func (u Usage) Report() map[string][]string {
	out := make(map[string][]string, len(u))
	for addr := range u {
		out[addr.Hex()] = u.Opcodes(addr)
	}
	return out
}

// AnalysisReport 单个TOD案例的分析报告
type AnalysisReport struct {
	CaseID       string                         `json:"case_id"`
	CreatedAt    time.Time                      `json:"created_at"`
	Duration     time.Duration                  `json:"duration"`
	Divergence   *DivergenceResult              `json:"divergence,omitempty"`
	InputChanges []InputChangeEntry             `json:"input_changes"`
	Usage        map[string]map[string][]string `json:"usage"` // 轨迹名 -> 地址 -> 操作码
	Steps        map[string]int                 `json:"steps"` // 轨迹名 -> 指令数
	Errors       []string                       `json:"errors,omitempty"`
}

// Succeeded 是否无错误完成
func (r *AnalysisReport) Succeeded() bool {
	return len(r.Errors) == 0
}
