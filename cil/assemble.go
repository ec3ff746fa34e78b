package cil

import (
	"fmt"
	"math"

	"github.com/wippyai/ilpatch/cil/internal/binary"
	"github.com/wippyai/ilpatch/errors"
)

// Assemble encodes a body back to raw form. Short branches whose
// displacement does not fit are widened until offsets stop moving, the
// clause table is rebuilt from region markers and max stack is computed
// by flow simulation.
func Assemble(body *MethodBody, tok Tokenizer) (*RawMethod, error) {
	if err := Validate(body); err != nil {
		return nil, err
	}
	instrs := body.Instructions
	n := len(instrs)

	ops := make([]Opcode, n)
	for i, in := range instrs {
		if !in.Op.Valid() {
			return nil, errors.New(errors.PhaseEncode, errors.KindUnknownOpcode).
				Value(uint16(in.Op)).
				Detail("instruction %d has undefined opcode 0x%04x", i, uint16(in.Op)).
				Build()
		}
		ops[i] = in.Op
	}
	labels := body.LabelIndex()

	offsets := layout(instrs, ops)
	for {
		widened := false
		for i, in := range instrs {
			if !ops[i].IsShortBranch() {
				continue
			}
			target := offsets[labels[in.Operand.(Label)]]
			d := target - offsets[i+1]
			if d < math.MinInt8 || d > math.MaxInt8 {
				ops[i] = ops[i].Long()
				widened = true
			}
		}
		if !widened {
			break
		}
		offsets = layout(instrs, ops)
	}

	w := binary.NewWriter()
	for i, in := range instrs {
		if err := encodeInstruction(w, in, ops[i], offsets, i, labels, tok); err != nil {
			return nil, err
		}
	}

	raw := &RawMethod{Code: w.Bytes(), InitLocals: body.InitLocals}

	blocks, err := Blocks(instrs)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		rc := RawClause{
			Kind:          b.Kind,
			TryOffset:     uint32(offsets[b.TryStart]),
			TryLength:     uint32(offsets[b.TryEnd] - offsets[b.TryStart]),
			HandlerOffset: uint32(offsets[b.HandlerStart]),
			HandlerLength: uint32(offsets[b.HandlerEnd] - offsets[b.HandlerStart]),
		}
		switch b.Kind {
		case ClauseFilter:
			rc.FilterOffset = uint32(offsets[b.FilterStart])
		case ClauseCatch:
			t, err := tok.Token(b.CatchType)
			if err != nil {
				return nil, errors.Wrap(errors.PhaseEncode, errors.KindUnresolvedToken, err, "catch type "+b.CatchType.FullName())
			}
			rc.ClassToken = t
		}
		raw.Clauses = append(raw.Clauses, rc)
	}

	raw.MaxStack, err = MaxStack(body)
	if err != nil {
		return nil, err
	}
	if len(body.Locals) > 0 {
		raw.LocalVarSig, err = tok.LocalsToken(body.Locals)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseEncode, errors.KindUnresolvedToken, err, "local signature")
		}
	}
	return raw, nil
}

// layout returns the byte offset of every instruction plus the code
// length at index n.
func layout(instrs []*Instruction, ops []Opcode) []int {
	offsets := make([]int, len(instrs)+1)
	pos := 0
	for i, in := range instrs {
		offsets[i] = pos
		pos += instrSize(in, ops[i])
	}
	offsets[len(instrs)] = pos
	return offsets
}

func instrSize(in *Instruction, op Opcode) int {
	size := op.Size()
	kind := op.OperandKind()
	if kind == InlineSwitch {
		t, _ := in.Operand.(LabelTable)
		return size + 4 + 4*len(t)
	}
	return size + kind.Size()
}

func encodeInstruction(w *binary.Writer, in *Instruction, op Opcode, offsets []int, i int, labels map[Label]int, tok Tokenizer) error {
	if op.IsTwoByte() {
		w.Byte(Escape)
	}
	w.Byte(byte(op))

	bad := func(format string, args ...any) error {
		return errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(fmt.Sprintf("instruction %d", i)).
			Value(in.Operand).
			Detail("%s: "+format, append([]any{op}, args...)...).
			Build()
	}

	kind := op.OperandKind()
	switch kind {
	case InlineNone:
		return nil
	case ShortInlineI, InlineI, InlineI8:
		v, ok := in.Operand.(Int)
		if !ok {
			return bad("want Int operand, have %T", in.Operand)
		}
		switch kind {
		case ShortInlineI:
			if op == OpLdcI4S && (v < math.MinInt8 || v > math.MaxInt8) {
				return bad("%d does not fit in int8", v)
			}
			w.Byte(byte(v))
		case InlineI:
			if v < math.MinInt32 || v > math.MaxUint32 {
				return bad("%d does not fit in int32", v)
			}
			w.WriteU32(uint32(int32(v)))
		default:
			w.WriteU64(uint64(v))
		}
	case ShortInlineR, InlineR:
		v, ok := in.Operand.(Float)
		if !ok {
			return bad("want Float operand, have %T", in.Operand)
		}
		if kind == ShortInlineR {
			w.WriteF32(float32(v))
		} else {
			w.WriteF64(float64(v))
		}
	case ShortInlineBrTarget, InlineBrTarget:
		d := offsets[labels[in.Operand.(Label)]] - offsets[i+1]
		if kind == ShortInlineBrTarget {
			w.Byte(byte(int8(d)))
		} else {
			w.WriteU32(uint32(int32(d)))
		}
	case InlineSwitch:
		t := in.Operand.(LabelTable)
		w.WriteU32(uint32(len(t)))
		for _, l := range t {
			w.WriteU32(uint32(int32(offsets[labels[l]] - offsets[i+1])))
		}
	case ShortInlineVar, InlineVar:
		var idx int
		switch v := in.Operand.(type) {
		case LocalRef:
			idx = int(v)
		case ArgRef:
			idx = int(v)
		default:
			return bad("want LocalRef or ArgRef operand, have %T", in.Operand)
		}
		if kind == ShortInlineVar {
			if idx < 0 || idx > math.MaxUint8 {
				return bad("index %d does not fit in uint8", idx)
			}
			w.Byte(byte(idx))
		} else {
			if idx < 0 || idx > math.MaxUint16 {
				return bad("index %d does not fit in uint16", idx)
			}
			w.WriteU16(uint16(idx))
		}
	case InlineString:
		s, ok := in.Operand.(Str)
		if !ok {
			return bad("want Str operand, have %T", in.Operand)
		}
		t, err := tok.StringToken(string(s))
		if err != nil {
			return errors.Wrap(errors.PhaseEncode, errors.KindUnresolvedToken, err, "string literal")
		}
		w.WriteU32(t)
	default:
		if in.Operand == nil {
			return bad("missing token operand")
		}
		t, err := tok.Token(in.Operand)
		if err != nil {
			return errors.Wrap(errors.PhaseEncode, errors.KindUnresolvedToken, err, FormatOperand(in.Operand))
		}
		w.WriteU32(t)
	}
	return nil
}
