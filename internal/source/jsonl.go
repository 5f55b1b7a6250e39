package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"tracediff/internal/errors"
	"tracediff/pkg/models"
)

// maxLineSize 单行最大长度，带完整内存的行可能很长
const maxLineSize = 64 << 20

// rawEvent EIP-3155 单行格式
type rawEvent struct {
	PC         *uint64             `json:"pc"`
	Op         *uint64             `json:"op"`
	OpName     string              `json:"opName"`
	Gas        math.HexOrDecimal64 `json:"gas"`
	GasCost    math.HexOrDecimal64 `json:"gasCost"`
	MemSize    math.HexOrDecimal64 `json:"memSize"`
	Stack      []string            `json:"stack"`
	Depth      int                 `json:"depth"`
	ReturnData string              `json:"returnData"`
	Memory     json.RawMessage     `json:"memory"`
	Refund     math.HexOrDecimal64 `json:"refund"`
	Error      string              `json:"error"`
}

// JSONLSource 逐行解码EIP-3155轨迹
type JSONLSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	name    string
	line    int
}

// NewJSONLSource 从Reader创建来源
func NewJSONLSource(r io.Reader, name string) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	s := &JSONLSource{scanner: scanner, name: name}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenFile 打开轨迹文件
func OpenFile(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeFileIO, errors.SeverityHigh,
			errors.CodeFileIO, "打开轨迹文件失败").WithContext("path", path)
	}
	return NewJSONLSource(f, path), nil
}

// FileFactory 每次重新打开同一轨迹文件
func FileFactory(path string) Factory {
	return func() (EventSource, error) {
		return OpenFile(path)
	}
}

// Close 关闭底层文件
func (s *JSONLSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Next 返回下一个步骤事件，跳过空行与结尾的汇总行
func (s *JSONLSource) Next() (*models.TraceEvent, error) {
	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, s.parseError(err, "JSON解码失败")
		}
		if raw.PC == nil && raw.Op == nil && raw.OpName == "" {
			// 汇总行：{"output":...,"gasUsed":...}
			continue
		}

		ev, err := decodeEvent(&raw)
		if err != nil {
			return nil, s.parseError(err, "轨迹事件格式错误")
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeFileIO, errors.SeverityHigh,
			errors.CodeFileIO, "读取轨迹失败").WithContext("source", s.name)
	}
	return nil, io.EOF
}

func (s *JSONLSource) parseError(err error, message string) error {
	return errors.WrapError(err, errors.ErrorTypeParse, errors.SeverityHigh, errors.CodeParse, message).
		WithComponent("source").
		WithContext("source", s.name).
		WithContext("line", s.line)
}

func decodeEvent(raw *rawEvent) (*models.TraceEvent, error) {
	if raw.PC == nil {
		return nil, fmt.Errorf("缺少pc字段")
	}

	ev := &models.TraceEvent{
		PC:         *raw.PC,
		OpName:     raw.OpName,
		Gas:        uint64(raw.Gas),
		GasCost:    uint64(raw.GasCost),
		MemorySize: uint64(raw.MemSize),
		Depth:      raw.Depth,
		Refund:     uint64(raw.Refund),
		Error:      raw.Error,
	}
	if raw.ReturnData != "" {
		ret, err := DecodeHex(raw.ReturnData)
		if err != nil {
			return nil, fmt.Errorf("returnData: %w", err)
		}
		ev.ReturnData = ret
	}

	switch {
	case raw.Op != nil:
		if *raw.Op > 0xff {
			return nil, fmt.Errorf("无效的操作码: %d", *raw.Op)
		}
		ev.Op = vm.OpCode(*raw.Op)
	case raw.OpName != "":
		ev.Op = vm.StringToOp(raw.OpName)
	default:
		return nil, fmt.Errorf("缺少op字段")
	}
	if ev.OpName == "" {
		ev.OpName = ev.Op.String()
	}
	if ev.Depth < 0 {
		return nil, fmt.Errorf("无效的调用深度: %d", ev.Depth)
	}

	ev.Stack = make([]uint256.Int, len(raw.Stack))
	for i, word := range raw.Stack {
		if err := ParseWord(word, &ev.Stack[i]); err != nil {
			return nil, fmt.Errorf("栈元素 %d: %w", i, err)
		}
	}

	if len(raw.Memory) > 0 && !bytes.Equal(raw.Memory, []byte("null")) {
		mem, err := decodeMemory(raw.Memory)
		if err != nil {
			return nil, err
		}
		ev.Memory = mem
		ev.MemoryCaptured = true
	}
	return ev, nil
}

// ParseWord 解析十六进制栈字，允许省略前导零与奇数长度
func ParseWord(s string, out *uint256.Int) error {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return fmt.Errorf("栈字缺少0x前缀: %q", s)
	}
	b, err := DecodeHex(s)
	if err != nil {
		return fmt.Errorf("栈字 %q: %w", s, err)
	}
	if len(b) > 32 {
		return fmt.Errorf("栈字超过32字节: %q", s)
	}
	out.SetBytes(b)
	return nil
}

// DecodeHex 严格解码十六进制串，0x前缀可选，奇数长度补前导零
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hexutil.Decode("0x" + s)
}

// decodeMemory 支持十六进制字符串与32字节字数组两种形式
func decodeMemory(msg json.RawMessage) ([]byte, error) {
	var str string
	if err := json.Unmarshal(msg, &str); err == nil {
		mem, err := DecodeHex(str)
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		return mem, nil
	}
	var chunks []string
	if err := json.Unmarshal(msg, &chunks); err != nil {
		return nil, fmt.Errorf("无法解析memory字段: %w", err)
	}
	mem := make([]byte, 0, len(chunks)*32)
	for i, chunk := range chunks {
		b, err := DecodeHex(chunk)
		if err != nil {
			return nil, fmt.Errorf("memory字 %d: %w", i, err)
		}
		mem = append(mem, b...)
	}
	return mem, nil
}
