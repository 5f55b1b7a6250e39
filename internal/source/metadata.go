package source

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tracediff/internal/errors"
	"tracediff/pkg/models"
)

// TransactionInfo 元数据文件中的单笔交易
type TransactionInfo struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Input string `json:"input"`
	Value string `json:"value"`
}

// Metadata TOD案例元数据
type Metadata struct {
	TransactionsOrder []string                   `json:"transactions_order"`
	Transactions      map[string]TransactionInfo `json:"transactions"`
}

// LoadMetadata 读取元数据文件
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeFileIO, errors.SeverityHigh,
			errors.CodeFileIO, "读取元数据文件失败").WithContext("path", path)
	}
	return ParseMetadata(data)
}

// ParseMetadata 解析元数据内容
func ParseMetadata(data []byte) (*Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeParse, errors.SeverityHigh,
			errors.CodeParse, "元数据格式错误")
	}
	if len(meta.TransactionsOrder) == 0 {
		return nil, errors.NewParseError("元数据缺少transactions_order")
	}
	for _, hash := range meta.TransactionsOrder {
		if _, ok := meta.Transactions[hash]; !ok {
			return nil, errors.NewParseError("元数据缺少交易 %s", hash)
		}
	}
	return &meta, nil
}

// Victim 受害交易（排序中的最后一笔）
func (m *Metadata) Victim() (models.InitialFrame, error) {
	return m.Frame(m.TransactionsOrder[len(m.TransactionsOrder)-1])
}

// Attacker 攻击交易（排序中的第一笔）
func (m *Metadata) Attacker() (models.InitialFrame, error) {
	return m.Frame(m.TransactionsOrder[0])
}

// VictimHash 受害交易哈希
func (m *Metadata) VictimHash() string {
	return m.TransactionsOrder[len(m.TransactionsOrder)-1]
}

// Frame 构造指定交易的根帧描述
func (m *Metadata) Frame(hash string) (models.InitialFrame, error) {
	tx, ok := m.Transactions[hash]
	if !ok {
		return models.InitialFrame{}, errors.NewParseError("元数据中不存在交易 %s", hash)
	}
	return tx.InitialFrame()
}

// InitialFrame 转为根帧描述，to为空表示合约创建
func (tx TransactionInfo) InitialFrame() (models.InitialFrame, error) {
	var frame models.InitialFrame
	if tx.Input != "" {
		calldata, err := DecodeHex(tx.Input)
		if err != nil {
			return frame, errors.WrapError(err, errors.ErrorTypeParse, errors.SeverityHigh,
				errors.CodeParse, fmt.Sprintf("无效的input: %q", tx.Input))
		}
		frame.Calldata = calldata
	}
	if !common.IsHexAddress(tx.From) {
		return frame, errors.NewParseError("无效的发送者地址: %q", tx.From)
	}
	frame.Sender = common.HexToAddress(tx.From)
	if tx.To != "" {
		if !common.IsHexAddress(tx.To) {
			return frame, errors.NewParseError("无效的接收者地址: %q", tx.To)
		}
		frame.To = common.HexToAddress(tx.To)
	}
	if tx.Value != "" {
		if err := ParseWord(tx.Value, &frame.Value); err != nil {
			return frame, errors.WrapError(err, errors.ErrorTypeParse, errors.SeverityHigh,
				errors.CodeParse, fmt.Sprintf("无效的value: %q", tx.Value))
		}
	}
	return frame, nil
}

// NewInitialFrame 直接由地址与参数构造根帧描述
func NewInitialFrame(sender, to common.Address, calldata []byte, value *uint256.Int) models.InitialFrame {
	frame := models.InitialFrame{Sender: sender, To: to, Calldata: calldata}
	if value != nil {
		frame.Value = *value
	}
	return frame
}
