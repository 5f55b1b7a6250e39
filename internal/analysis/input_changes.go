package analysis

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/core/vm"

	"tracediff/internal/stream"
	"tracediff/pkg/models"
)

// 计数方向
const (
	Increment int64 = 1
	Decrement int64 = -1
)

// InputChangeCounter 按(pc, 栈输入)计数的带符号多重集合
type InputChangeCounter struct {
	counts models.InputChanges
	filter mapset.Set[vm.OpCode]
}

// NewInputChangeCounter 创建计数器，指定操作码时只统计这些操作码
func NewInputChangeCounter(opcodes ...vm.OpCode) *InputChangeCounter {
	c := &InputChangeCounter{counts: make(models.InputChanges)}
	if len(opcodes) > 0 {
		c.filter = mapset.NewThreadUnsafeSet(opcodes...)
	}
	return c
}

// KeyOf 指令的计数键
func KeyOf(ins *models.Instruction) models.InputKey {
	return models.InputKey{PC: ins.PC, Inputs: models.FormatWords(ins.Inputs)}
}

// Add 按sign方向计入一条指令
func (c *InputChangeCounter) Add(ins *models.Instruction, sign int64) {
	if c.filter != nil && !c.filter.Contains(ins.Op) {
		return
	}
	c.counts[KeyOf(ins)] += sign
}

// CountStream 消费整条指令流
func (c *InputChangeCounter) CountStream(s *stream.Stream, sign int64) error {
	return stream.ForEach(s, func(step *models.Step) error {
		c.Add(&step.Instruction, sign)
		return nil
	})
}

// Merge 合并另一个计数器的结果
func (c *InputChangeCounter) Merge(other *InputChangeCounter) {
	c.counts.Merge(other.counts)
}

// Result 计数结果，包含零值条目
func (c *InputChangeCounter) Result() models.InputChanges {
	return c.counts
}

// CountInputChanges A组每条指令加一，B组减一
func CountInputChanges(groupA, groupB []*stream.Stream) (models.InputChanges, error) {
	counter := NewInputChangeCounter()
	for _, s := range groupA {
		if err := counter.CountStream(s, Increment); err != nil {
			return nil, err
		}
	}
	for _, s := range groupB {
		if err := counter.CountStream(s, Decrement); err != nil {
			return nil, err
		}
	}
	return counter.Result(), nil
}
