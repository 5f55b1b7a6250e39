package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracediff/internal/errors"
	"tracediff/pkg/models"
)

const sampleTrace = `{"pc":0,"op":96,"gas":"0x2fa9e78","gasCost":"0x3","memSize":0,"stack":[],"depth":1,"refund":0,"opName":"PUSH1"}
{"pc":2,"op":84,"gas":"0x2fa9e75","gasCost":"0x834","memory":"0x00000000000000000000000000000000000000000000000000000000000000ff","memSize":32,"stack":["0x5"],"depth":1,"refund":0,"opName":"SLOAD"}

{"pc":3,"op":0,"gas":"0x2fa9641","gasCost":"0x0","memSize":32,"stack":["0x7"],"depth":1,"refund":0,"opName":"STOP","returnData":"0x01"}
{"output":"","gasUsed":"0x834","time":141}
`

func TestJSONLSource_Decode(t *testing.T) {
	src := NewJSONLSource(strings.NewReader(sampleTrace), "sample")

	events, err := ReadAll(src)
	require.NoError(t, err)
	require.Len(t, events, 3) // 汇总行与空行被跳过

	first := events[0]
	assert.Equal(t, uint64(0), first.PC)
	assert.Equal(t, vm.PUSH1, first.Op)
	assert.Equal(t, uint64(0x2fa9e78), first.Gas)
	assert.Equal(t, uint64(3), first.GasCost)
	assert.Empty(t, first.Stack)
	assert.False(t, first.MemoryCaptured)

	second := events[1]
	assert.Equal(t, vm.SLOAD, second.Op)
	assert.Equal(t, []uint256.Int{*uint256.NewInt(5)}, second.Stack)
	assert.True(t, second.MemoryCaptured)
	assert.Len(t, second.Memory, 32)
	assert.Equal(t, byte(0xff), second.Memory[31])
	assert.Equal(t, uint64(32), second.MemorySize)

	assert.Equal(t, []byte{0x01}, events[2].ReturnData)
}

func TestJSONLSource_OpNameFallback(t *testing.T) {
	src := NewJSONLSource(strings.NewReader(`{"pc":7,"opName":"CALLER","stack":[],"depth":1}`), "fallback")

	ev, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, vm.CALLER, ev.Op)

	_, err = src.Next()
	assert.Equal(t, io.EOF, err)
}

func TestJSONLSource_MemoryAsWords(t *testing.T) {
	line := `{"pc":1,"op":81,"stack":["0x0"],"depth":1,"memory":["0000000000000000000000000000000000000000000000000000000000000001","00000000000000000000000000000000000000000000000000000000000000ff"]}`
	ev, err := NewJSONLSource(strings.NewReader(line), "words").Next()
	require.NoError(t, err)

	require.Len(t, ev.Memory, 64)
	assert.Equal(t, byte(0x01), ev.Memory[31])
	assert.Equal(t, byte(0xff), ev.Memory[63])
}

func TestJSONLSource_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"invalid json", `{"pc":`},
		{"missing pc", `{"op":1,"stack":[],"depth":1}`},
		{"word too long", `{"pc":0,"op":1,"stack":["0x` + strings.Repeat("ff", 33) + `"],"depth":1}`},
		{"no hex prefix", `{"pc":0,"op":1,"stack":["12"],"depth":1}`},
		{"invalid hex word", `{"pc":0,"op":1,"stack":["0xgg"],"depth":1}`},
		{"trailing garbage in word", `{"pc":0,"op":1,"stack":["0x12zz"],"depth":1}`},
		{"invalid return data", `{"pc":0,"op":1,"stack":[],"depth":1,"returnData":"0xqq"}`},
		{"invalid memory", `{"pc":0,"op":1,"stack":[],"depth":1,"memory":"0x0g"}`},
		{"invalid memory word", `{"pc":0,"op":1,"stack":[],"depth":1,"memory":["zz"]}`},
		{"negative depth", `{"pc":0,"op":1,"stack":[],"depth":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJSONLSource(strings.NewReader(tt.line), tt.name).Next()
			require.Error(t, err)
			assert.True(t, errors.IsParse(err))
		})
	}
}

func TestParseWord(t *testing.T) {
	var w uint256.Int
	require.NoError(t, ParseWord("0x1", &w))
	assert.Equal(t, uint64(1), w.Uint64())
	require.NoError(t, ParseWord("0x0abc", &w))
	assert.Equal(t, uint64(0xabc), w.Uint64())
	require.NoError(t, ParseWord("0x", &w))
	assert.True(t, w.IsZero())

	w.SetUint64(7)
	assert.Error(t, ParseWord("0x12zz", &w))
	assert.Equal(t, uint64(7), w.Uint64())
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleTrace), 0o644))

	factory := FileFactory(path)
	for i := 0; i < 2; i++ {
		src, err := factory()
		require.NoError(t, err)
		events, err := ReadAll(src)
		require.NoError(t, err)
		assert.Len(t, events, 3)
		require.NoError(t, Close(src))
	}

	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
	te, ok := errors.AsTraceError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeFileIO, te.Type)
}

func TestWithContext(t *testing.T) {
	events := []*models.TraceEvent{{PC: 0}, {PC: 1}, {PC: 2}}
	ctx, cancel := context.WithCancel(context.Background())
	src := WithContext(ctx, NewSliceSource(events))

	ev, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ev.PC)

	cancel()
	_, err = src.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSliceFactory(t *testing.T) {
	events := []*models.TraceEvent{{PC: 0}, {PC: 1}}
	factory := SliceFactory(events)

	for i := 0; i < 2; i++ {
		src, err := factory()
		require.NoError(t, err)
		all, err := ReadAll(src)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	}
}

const sampleMetadata = `{
  "transactions_order": ["0xaa", "0xbb"],
  "transactions": {
    "0xaa": {"from": "0x1000000000000000000000000000000000000001", "to": "0x2000000000000000000000000000000000000002", "input": "0x", "value": "0x0"},
    "0xbb": {"from": "0x3000000000000000000000000000000000000003", "to": "0x2000000000000000000000000000000000000002", "input": "0xa9059cbb", "value": "0xde0b6b3a7640000"}
  }
}`

func TestParseMetadata(t *testing.T) {
	meta, err := ParseMetadata([]byte(sampleMetadata))
	require.NoError(t, err)
	assert.Equal(t, "0xbb", meta.VictimHash())

	victim, err := meta.Victim()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x3000000000000000000000000000000000000003"), victim.Sender)
	assert.Equal(t, common.HexToAddress("0x2000000000000000000000000000000000000002"), victim.To)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, victim.Calldata)
	assert.Equal(t, uint64(1e18), victim.Value.Uint64())

	attacker, err := meta.Attacker()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1000000000000000000000000000000000000001"), attacker.Sender)
}

func TestParseMetadata_Invalid(t *testing.T) {
	_, err := ParseMetadata([]byte(`{"transactions_order": [], "transactions": {}}`))
	assert.True(t, errors.IsParse(err))

	_, err = ParseMetadata([]byte(`{"transactions_order": ["0x1"], "transactions": {}}`))
	assert.True(t, errors.IsParse(err))

	meta, err := ParseMetadata([]byte(`{"transactions_order": ["0x1"], "transactions": {"0x1": {"from": "nope"}}}`))
	require.NoError(t, err)
	_, err = meta.Victim()
	assert.True(t, errors.IsParse(err))

	meta, err = ParseMetadata([]byte(`{"transactions_order": ["0x1"], "transactions": {"0x1": {"from": "0x1000000000000000000000000000000000000001", "input": "0xa9zz"}}}`))
	require.NoError(t, err)
	_, err = meta.Victim()
	assert.True(t, errors.IsParse(err))
}

func TestLoadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleMetadata), 0o644))

	meta, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Len(t, meta.TransactionsOrder, 2)
}
