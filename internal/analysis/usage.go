package analysis

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/core/vm"

	"tracediff/internal/stream"
	"tracediff/pkg/models"
)

// UsageAggregator 按代码地址汇总执行过的操作码
type UsageAggregator struct {
	usage models.Usage
}

// NewUsageAggregator 创建汇总器
func NewUsageAggregator() *UsageAggregator {
	return &UsageAggregator{usage: make(models.Usage)}
}

// Add 计入一条指令
func (u *UsageAggregator) Add(ins *models.Instruction) {
	addr := ins.CodeAddress()
	set, ok := u.usage[addr]
	if !ok {
		set = mapset.NewThreadUnsafeSet[vm.OpCode]()
		u.usage[addr] = set
	}
	set.Add(ins.Op)
}

// Result 汇总结果
func (u *UsageAggregator) Result() models.Usage {
	return u.usage
}

// AggregateUsage 消费整条指令流并汇总
func AggregateUsage(s *stream.Stream) (models.Usage, error) {
	agg := NewUsageAggregator()
	err := stream.ForEach(s, func(step *models.Step) error {
		agg.Add(&step.Instruction)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg.Result(), nil
}
