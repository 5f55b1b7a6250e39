// Package analysis 基于指令流的跨轨迹分析
package analysis

import (
	"tracediff/internal/stream"
	"tracediff/pkg/models"
)

// FindDivergence 同步推进两条指令流，返回第一个环境变化不相等的位置
// 一条流先结束时结果为Inconclusive，上游错误原样返回
func FindDivergence(a, b *stream.Stream) (*models.DivergenceResult, error) {
	for {
		okA := a.Next()
		okB := b.Next()

		if err := a.Err(); err != nil {
			return nil, err
		}
		if err := b.Err(); err != nil {
			return nil, err
		}

		if !okA || !okB {
			if okA == okB {
				return &models.DivergenceResult{Kind: models.NoDivergence}, nil
			}
			shorter := a.Count()
			if okA {
				shorter = b.Count()
			}
			return &models.DivergenceResult{Kind: models.Inconclusive, ShorterLength: shorter}, nil
		}

		stepA, stepB := a.Step(), b.Step()
		if fields := stepA.Change.DivergentFields(&stepB.Change); len(fields) > 0 {
			source := stepA.Instruction
			addr := source.CodeAddress()
			return &models.DivergenceResult{
				Kind:          models.Divergence,
				Index:         source.Index,
				Source:        &source,
				SourceAddress: &addr,
				ChangeA:       &stepA.Change,
				ChangeB:       &stepB.Change,
				Fields:        fields,
			}, nil
		}
	}
}
