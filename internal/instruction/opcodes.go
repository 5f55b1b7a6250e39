package instruction

import (
	"github.com/ethereum/go-ethereum/core/vm"

	"tracediff/pkg/models"
)

// OpSpec 操作码的栈元数与扩展类别
type OpSpec struct {
	Inputs  int
	Outputs int
	Kind    models.ExtensionKind
}

var opcodeTable = map[vm.OpCode]OpSpec{
	vm.STOP:       {0, 0, models.KindGeneric},
	vm.ADD:        {2, 1, models.KindGeneric},
	vm.MUL:        {2, 1, models.KindGeneric},
	vm.SUB:        {2, 1, models.KindGeneric},
	vm.DIV:        {2, 1, models.KindGeneric},
	vm.SDIV:       {2, 1, models.KindGeneric},
	vm.MOD:        {2, 1, models.KindGeneric},
	vm.SMOD:       {2, 1, models.KindGeneric},
	vm.ADDMOD:     {3, 1, models.KindGeneric},
	vm.MULMOD:     {3, 1, models.KindGeneric},
	vm.EXP:        {2, 1, models.KindGeneric},
	vm.SIGNEXTEND: {2, 1, models.KindGeneric},

	vm.LT:     {2, 1, models.KindGeneric},
	vm.GT:     {2, 1, models.KindGeneric},
	vm.SLT:    {2, 1, models.KindGeneric},
	vm.SGT:    {2, 1, models.KindGeneric},
	vm.EQ:     {2, 1, models.KindGeneric},
	vm.ISZERO: {1, 1, models.KindGeneric},
	vm.AND:    {2, 1, models.KindGeneric},
	vm.OR:     {2, 1, models.KindGeneric},
	vm.XOR:    {2, 1, models.KindGeneric},
	vm.NOT:    {1, 1, models.KindGeneric},
	vm.BYTE:   {2, 1, models.KindGeneric},
	vm.SHL:    {2, 1, models.KindGeneric},
	vm.SHR:    {2, 1, models.KindGeneric},
	vm.SAR:    {2, 1, models.KindGeneric},

	vm.KECCAK256: {2, 1, models.KindGeneric},

	vm.ADDRESS:        {0, 1, models.KindGeneric},
	vm.BALANCE:        {1, 1, models.KindGeneric},
	vm.ORIGIN:         {0, 1, models.KindGeneric},
	vm.CALLER:         {0, 1, models.KindGeneric},
	vm.CALLVALUE:      {0, 1, models.KindGeneric},
	vm.CALLDATALOAD:   {1, 1, models.KindGeneric},
	vm.CALLDATASIZE:   {0, 1, models.KindGeneric},
	vm.CALLDATACOPY:   {3, 0, models.KindGeneric},
	vm.CODESIZE:       {0, 1, models.KindGeneric},
	vm.CODECOPY:       {3, 0, models.KindGeneric},
	vm.GASPRICE:       {0, 1, models.KindGeneric},
	vm.EXTCODESIZE:    {1, 1, models.KindGeneric},
	vm.EXTCODECOPY:    {4, 0, models.KindGeneric},
	vm.RETURNDATASIZE: {0, 1, models.KindGeneric},
	vm.RETURNDATACOPY: {3, 0, models.KindGeneric},
	vm.EXTCODEHASH:    {1, 1, models.KindGeneric},

	vm.BLOCKHASH:   {1, 1, models.KindGeneric},
	vm.COINBASE:    {0, 1, models.KindGeneric},
	vm.TIMESTAMP:   {0, 1, models.KindGeneric},
	vm.NUMBER:      {0, 1, models.KindGeneric},
	vm.PREVRANDAO:  {0, 1, models.KindGeneric},
	vm.GASLIMIT:    {0, 1, models.KindGeneric},
	vm.CHAINID:     {0, 1, models.KindGeneric},
	vm.SELFBALANCE: {0, 1, models.KindGeneric},
	vm.BASEFEE:     {0, 1, models.KindGeneric},
	vm.BLOBHASH:    {1, 1, models.KindGeneric},
	vm.BLOBBASEFEE: {0, 1, models.KindGeneric},

	vm.POP:      {1, 0, models.KindGeneric},
	vm.MLOAD:    {1, 1, models.KindGeneric},
	vm.MSTORE:   {2, 0, models.KindGeneric},
	vm.MSTORE8:  {2, 0, models.KindGeneric},
	vm.SLOAD:    {1, 1, models.KindStorageAccess},
	vm.SSTORE:   {2, 0, models.KindStorageWrite},
	vm.JUMP:     {1, 0, models.KindGeneric},
	vm.JUMPI:    {2, 0, models.KindGeneric},
	vm.PC:       {0, 1, models.KindGeneric},
	vm.MSIZE:    {0, 1, models.KindGeneric},
	vm.GAS:      {0, 1, models.KindGeneric},
	vm.JUMPDEST: {0, 0, models.KindGeneric},
	vm.TLOAD:    {1, 1, models.KindStorageAccess},
	vm.TSTORE:   {2, 0, models.KindStorageWrite},
	vm.MCOPY:    {3, 0, models.KindGeneric},
	vm.PUSH0:    {0, 1, models.KindGeneric},

	vm.CREATE:       {3, 1, models.KindCreate},
	vm.CALL:         {7, 1, models.KindCall},
	vm.CALLCODE:     {7, 1, models.KindCall},
	vm.RETURN:       {2, 0, models.KindGeneric},
	vm.DELEGATECALL: {6, 1, models.KindCall},
	vm.CREATE2:      {4, 1, models.KindCreate},
	vm.STATICCALL:   {6, 1, models.KindCall},
	vm.REVERT:       {2, 0, models.KindGeneric},
	vm.INVALID:      {0, 0, models.KindGeneric},
	vm.SELFDESTRUCT: {1, 0, models.KindGeneric},
}

func init() {
	for i := 0; i < 32; i++ {
		opcodeTable[vm.PUSH1+vm.OpCode(i)] = OpSpec{0, 1, models.KindGeneric}
	}
	// DUPn复制第n个元素：弹出n个再压回n+1个；SWAPn交换栈顶与第n+1个
	for i := 1; i <= 16; i++ {
		opcodeTable[vm.DUP1+vm.OpCode(i-1)] = OpSpec{i, i + 1, models.KindGeneric}
		opcodeTable[vm.SWAP1+vm.OpCode(i-1)] = OpSpec{i + 1, i + 1, models.KindGeneric}
	}
	for i := 0; i <= 4; i++ {
		opcodeTable[vm.LOG0+vm.OpCode(i)] = OpSpec{i + 2, 0, models.KindLog}
	}
}

// Lookup 查询操作码规格
func Lookup(op vm.OpCode) (OpSpec, bool) {
	spec, ok := opcodeTable[op]
	return spec, ok
}

// IsCallFamily 是否为会进入新调用帧的操作码
func IsCallFamily(op vm.OpCode) bool {
	switch op {
	case vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL, vm.CREATE, vm.CREATE2:
		return true
	}
	return false
}

// HaltStatus 正常终止当前帧的操作码及其对应状态
func HaltStatus(op vm.OpCode) (models.FrameStatus, bool) {
	switch op {
	case vm.STOP, vm.RETURN:
		return models.FrameReturned, true
	case vm.REVERT:
		return models.FrameReverted, true
	case vm.SELFDESTRUCT:
		return models.FrameHalted, true
	}
	return models.FrameActive, false
}
