package cil

import "fmt"

// OperandKind describes how an opcode's inline operand is encoded.
type OperandKind byte

const (
	InlineNone          OperandKind = iota // no operand
	ShortInlineI                           // int8
	InlineI                                // int32
	InlineI8                               // int64
	ShortInlineR                           // float32
	InlineR                                // float64
	InlineBrTarget                         // int32 displacement
	ShortInlineBrTarget                    // int8 displacement
	InlineSwitch                           // uint32 count + int32 displacements
	InlineMethod                           // method token
	InlineField                            // field token
	InlineType                             // type token
	InlineTok                              // type, field or method token
	InlineString                           // user string token
	InlineSig                              // stand-alone signature token
	ShortInlineVar                         // uint8 local or argument index
	InlineVar                              // uint16 local or argument index
)

var operandKindNames = [...]string{
	InlineNone:          "InlineNone",
	ShortInlineI:        "ShortInlineI",
	InlineI:             "InlineI",
	InlineI8:            "InlineI8",
	ShortInlineR:        "ShortInlineR",
	InlineR:             "InlineR",
	InlineBrTarget:      "InlineBrTarget",
	ShortInlineBrTarget: "ShortInlineBrTarget",
	InlineSwitch:        "InlineSwitch",
	InlineMethod:        "InlineMethod",
	InlineField:         "InlineField",
	InlineType:          "InlineType",
	InlineTok:           "InlineTok",
	InlineString:        "InlineString",
	InlineSig:           "InlineSig",
	ShortInlineVar:      "ShortInlineVar",
	InlineVar:           "InlineVar",
}

func (k OperandKind) String() string {
	if int(k) < len(operandKindNames) {
		return operandKindNames[k]
	}
	return fmt.Sprintf("OperandKind(%d)", k)
}

// Size returns the fixed encoded operand size in bytes. InlineSwitch
// returns the size of its count prefix only.
func (k OperandKind) Size() int {
	switch k {
	case InlineNone:
		return 0
	case ShortInlineI, ShortInlineBrTarget, ShortInlineVar:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	default:
		return 4
	}
}

// IsToken reports whether the operand is a metadata token.
func (k OperandKind) IsToken() bool {
	switch k {
	case InlineMethod, InlineField, InlineType, InlineTok, InlineString, InlineSig:
		return true
	}
	return false
}

// Flow is the control-flow class of an opcode.
type Flow byte

const (
	FlowNext       Flow = iota // falls through
	FlowBreak                  // debugger break, falls through
	FlowBranch                 // unconditional branch
	FlowCondBranch             // conditional branch or switch
	FlowCall                   // method call, falls through
	FlowReturn                 // ret, endfinally, endfilter
	FlowThrow                  // throw, rethrow
	FlowMeta                   // prefix instruction
)

// VarStack marks a pop or push count that depends on the operand.
const VarStack int8 = -1

// OpInfo is the static description of one opcode.
type OpInfo struct {
	Name    string
	Operand OperandKind
	Flow    Flow
	Pop     int8
	Push    int8
}

// Info returns the description of op.
func (op Opcode) Info() (OpInfo, bool) {
	info, ok := opcodeInfo[op]
	return info, ok
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfo[op]
	return ok
}

// Name returns the assembler mnemonic.
func (op Opcode) Name() string {
	if info, ok := opcodeInfo[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("op_%04x", uint16(op))
}

func (op Opcode) String() string {
	return op.Name()
}

// OperandKind returns the inline operand encoding of op.
func (op Opcode) OperandKind() OperandKind {
	return opcodeInfo[op].Operand
}

// Flow returns the control-flow class of op.
func (op Opcode) Flow() Flow {
	return opcodeInfo[op].Flow
}

// IsTwoByte reports whether op is encoded behind the 0xFE escape.
func (op Opcode) IsTwoByte() bool {
	return op > 0xFF
}

// Size returns the encoded size of the opcode itself.
func (op Opcode) Size() int {
	if op.IsTwoByte() {
		return 2
	}
	return 1
}

// IsBranch reports whether op takes a single branch target.
func (op Opcode) IsBranch() bool {
	k := op.OperandKind()
	return k == InlineBrTarget || k == ShortInlineBrTarget
}

// IsShortBranch reports whether op uses a one-byte displacement.
func (op Opcode) IsShortBranch() bool {
	return op.OperandKind() == ShortInlineBrTarget
}

// IsLeave reports whether op is leave or leave.s.
func (op Opcode) IsLeave() bool {
	return op == OpLeave || op == OpLeaveS
}

// EndsBlock reports whether control never falls through op.
func (op Opcode) EndsBlock() bool {
	switch op.Flow() {
	case FlowBranch, FlowReturn, FlowThrow:
		return true
	}
	return op == OpJmp
}

var shortToLong = map[Opcode]Opcode{
	OpBrS:      OpBr,
	OpBrfalseS: OpBrfalse,
	OpBrtrueS:  OpBrtrue,
	OpBeqS:     OpBeq,
	OpBgeS:     OpBge,
	OpBgtS:     OpBgt,
	OpBleS:     OpBle,
	OpBltS:     OpBlt,
	OpBneUnS:   OpBneUn,
	OpBgeUnS:   OpBgeUn,
	OpBgtUnS:   OpBgtUn,
	OpBleUnS:   OpBleUn,
	OpBltUnS:   OpBltUn,
	OpLeaveS:   OpLeave,
}

var longToShort = func() map[Opcode]Opcode {
	m := make(map[Opcode]Opcode, len(shortToLong))
	for s, l := range shortToLong {
		m[l] = s
	}
	return m
}()

// Long returns the long-form equivalent of a short branch, or op itself.
func (op Opcode) Long() Opcode {
	if l, ok := shortToLong[op]; ok {
		return l
	}
	return op
}

// Short returns the short-form equivalent of a long branch, or op itself.
func (op Opcode) Short() Opcode {
	if s, ok := longToShort[op]; ok {
		return s
	}
	return op
}

// Decode table indexed by the first (or escaped second) byte.
var (
	oneByte [256]Opcode
	twoByte [256]Opcode
	oneSet  [256]bool
	twoSet  [256]bool
)

func init() {
	for op := range opcodeInfo {
		if op.IsTwoByte() {
			twoByte[byte(op)] = op
			twoSet[byte(op)] = true
		} else {
			oneByte[byte(op)] = op
			oneSet[byte(op)] = true
		}
	}
}

// Lookup finds the opcode for a single byte or, when first is Escape,
// for the escaped second byte.
func Lookup(first, second byte) (Opcode, bool) {
	if first == Escape {
		return twoByte[second], twoSet[second]
	}
	return oneByte[first], oneSet[first]
}
