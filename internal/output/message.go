package output

import (
	"time"

	"tracediff/pkg/models"
)

// DivergenceMessage 分歧通知消息
type DivergenceMessage struct {
	CaseID      string    `json:"case_id"`
	Index       int       `json:"index"`
	Opcode      string    `json:"opcode"`
	PC          uint64    `json:"pc"`
	CodeAddress string    `json:"code_address,omitempty"`
	Fields      []string  `json:"fields"`
	DetectedAt  time.Time `json:"detected_at"`
}

// NewDivergenceMessage 从报告生成分歧消息，无分歧时返回nil
func NewDivergenceMessage(report *models.AnalysisReport) *DivergenceMessage {
	if report == nil || report.Divergence == nil || report.Divergence.Kind != models.Divergence {
		return nil
	}
	d := report.Divergence
	msg := &DivergenceMessage{
		CaseID:     report.CaseID,
		Index:      d.Index,
		Fields:     d.Fields,
		DetectedAt: report.CreatedAt,
	}
	if d.Source != nil {
		msg.Opcode = d.Source.Name()
		msg.PC = d.Source.PC
	}
	if d.SourceAddress != nil {
		msg.CodeAddress = d.SourceAddress.Hex()
	}
	return msg
}
