package cil

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Operand is the inline data of an instruction. A nil Operand means the
// opcode takes none.
type Operand interface {
	isOperand()
}

// Int holds integer immediates (ldc.i4*, ldc.i8, unaligned., no.).
type Int int64

// Float holds floating-point immediates (ldc.r4, ldc.r8).
type Float float64

// Str holds the literal of ldstr.
type Str string

// LocalRef indexes the method's locals.
type LocalRef int

// ArgRef indexes the method's arguments, including the instance at 0.
type ArgRef int

// Label is a jump target. Instructions carry the labels that point at
// them; branches carry the Label they jump to.
type Label int

// LabelTable holds the targets of a switch.
type LabelTable []Label

// Token is an unresolved metadata token, kept for stand-alone signatures.
type Token uint32

func (Int) isOperand()        {}
func (Float) isOperand()      {}
func (Str) isOperand()        {}
func (LocalRef) isOperand()   {}
func (ArgRef) isOperand()     {}
func (Label) isOperand()      {}
func (LabelTable) isOperand() {}
func (Token) isOperand()      {}

func (l Label) String() string {
	return "L" + strconv.Itoa(int(l))
}

// RegionKind identifies an exception region transition.
type RegionKind byte

const (
	TryBegin RegionKind = iota
	CatchBegin
	FilterBegin
	FaultBegin
	FinallyBegin
	End
)

var regionKindNames = [...]string{
	TryBegin:     "try",
	CatchBegin:   "catch",
	FilterBegin:  "filter",
	FaultBegin:   "fault",
	FinallyBegin: "finally",
	End:          "end",
}

func (k RegionKind) String() string {
	if int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return fmt.Sprintf("RegionKind(%d)", k)
}

// IsHandler reports whether k opens a handler block.
func (k RegionKind) IsHandler() bool {
	return k == CatchBegin || k == FilterBegin || k == FaultBegin || k == FinallyBegin
}

// RegionMarker is attached to the instruction where a region transition
// happens. Begin kinds take effect before the instruction, End after it.
// CatchType is set for typed catch handlers; a CatchBegin without a type
// marks the handler that follows a filter block.
type RegionMarker struct {
	CatchType *TypeRef
	Kind      RegionKind
}

func (m RegionMarker) String() string {
	if m.Kind == CatchBegin && m.CatchType != nil {
		return "catch " + m.CatchType.FullName()
	}
	return m.Kind.String()
}

// Instruction is one decoded or synthesized instruction.
type Instruction struct {
	Operand Operand
	Labels  []Label
	Regions []RegionMarker
	Offset  int
	Op      Opcode
}

// NewInstruction creates a synthesized instruction.
func NewInstruction(op Opcode, operand Operand) *Instruction {
	return &Instruction{Op: op, Operand: operand, Offset: -1}
}

// Clone returns a copy that shares no slices with in.
func (in *Instruction) Clone() *Instruction {
	out := *in
	out.Labels = slices.Clone(in.Labels)
	out.Regions = slices.Clone(in.Regions)
	if t, ok := in.Operand.(LabelTable); ok {
		out.Operand = slices.Clone(t)
	}
	return &out
}

// HasLabel reports whether l points at in.
func (in *Instruction) HasLabel(l Label) bool {
	return slices.Contains(in.Labels, l)
}

// AddLabel attaches l unless it is already present.
func (in *Instruction) AddLabel(l Label) {
	if !in.HasLabel(l) {
		in.Labels = append(in.Labels, l)
	}
}

// Targets returns the labels this instruction may jump to.
func (in *Instruction) Targets() []Label {
	switch v := in.Operand.(type) {
	case Label:
		return []Label{v}
	case LabelTable:
		return v
	}
	return nil
}

// ArgIndex returns the argument index accessed by ldarg/ldarga/starg in
// any of their forms.
func (in *Instruction) ArgIndex() (int, bool) {
	switch in.Op {
	case OpLdarg0, OpLdarg1, OpLdarg2, OpLdarg3:
		return int(in.Op - OpLdarg0), true
	case OpLdargS, OpLdargaS, OpStargS, OpLdarg, OpLdarga, OpStarg:
		if a, ok := in.Operand.(ArgRef); ok {
			return int(a), true
		}
	}
	return 0, false
}

// LocalIndex returns the local index accessed by ldloc/ldloca/stloc in any
// of their forms.
func (in *Instruction) LocalIndex() (int, bool) {
	switch in.Op {
	case OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3:
		return int(in.Op - OpLdloc0), true
	case OpStloc0, OpStloc1, OpStloc2, OpStloc3:
		return int(in.Op - OpStloc0), true
	case OpLdlocS, OpLdlocaS, OpStlocS, OpLdloc, OpLdloca, OpStloc:
		if l, ok := in.Operand.(LocalRef); ok {
			return int(l), true
		}
	}
	return 0, false
}

// IntValue returns the constant pushed by any ldc.i4 or ldc.i8 form.
func (in *Instruction) IntValue() (int64, bool) {
	switch {
	case in.Op == OpLdcI4M1:
		return -1, true
	case in.Op >= OpLdcI40 && in.Op <= OpLdcI48:
		return int64(in.Op - OpLdcI40), true
	case in.Op == OpLdcI4S || in.Op == OpLdcI4 || in.Op == OpLdcI8:
		if v, ok := in.Operand.(Int); ok {
			return int64(v), true
		}
	}
	return 0, false
}

func (in *Instruction) String() string {
	var b strings.Builder
	b.WriteString(in.Op.Name())
	if in.Operand != nil {
		b.WriteByte(' ')
		b.WriteString(FormatOperand(in.Operand))
	}
	return b.String()
}

// FormatOperand renders an operand in listing syntax.
func FormatOperand(op Operand) string {
	switch v := op.(type) {
	case nil:
		return ""
	case Int:
		return strconv.FormatInt(int64(v), 10)
	case Float:
		return strconv.FormatFloat(float64(v), 'g', -1, 64)
	case Str:
		return strconv.Quote(string(v))
	case LocalRef:
		return "V_" + strconv.Itoa(int(v))
	case ArgRef:
		return "A_" + strconv.Itoa(int(v))
	case Label:
		return v.String()
	case LabelTable:
		parts := make([]string, len(v))
		for i, l := range v {
			parts[i] = l.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case Token:
		return fmt.Sprintf("0x%08x", uint32(v))
	case *MethodRef:
		return v.String()
	case *FieldRef:
		return v.String()
	case *TypeRef:
		return v.FullName()
	}
	return fmt.Sprintf("%v", op)
}

// Local is a declared local variable, identified by position.
type Local struct {
	Type   *TypeRef
	Pinned bool
}

// MethodBody is a decoded method: its instructions plus the side tables
// needed to re-encode and weave it.
type MethodBody struct {
	Method       *MethodRef
	Instructions []*Instruction
	Locals       []Local
	Params       []ParamInfo
	MaxStack     int
	nextLabel    int
	Static       bool
	StructOwner  bool
	InitLocals   bool
}

// NewBody creates an empty body for m.
func NewBody(m *MethodRef) *MethodBody {
	b := &MethodBody{Method: m, InitLocals: true}
	if m != nil {
		b.Params = slices.Clone(m.Params)
		b.Static = m.Static
		b.StructOwner = !m.Static && m.Owner.IsValueType()
	}
	return b
}

// Clone returns a deep copy of the instruction list and side tables.
// Metadata references are shared.
func (b *MethodBody) Clone() *MethodBody {
	out := *b
	out.Instructions = make([]*Instruction, len(b.Instructions))
	for i, in := range b.Instructions {
		out.Instructions[i] = in.Clone()
	}
	out.Locals = slices.Clone(b.Locals)
	out.Params = slices.Clone(b.Params)
	return &out
}

// Empty reports whether the body has no instructions.
func (b *MethodBody) Empty() bool {
	return len(b.Instructions) == 0
}

// DefineLabel allocates a label not used anywhere in the body.
func (b *MethodBody) DefineLabel() Label {
	if b.nextLabel == 0 {
		b.nextLabel = int(b.maxLabel()) + 1
	}
	l := Label(b.nextLabel)
	b.nextLabel++
	return l
}

// Detach removes and returns the instruction list. Labels allocated
// afterwards stay distinct from every label in the detached list.
func (b *MethodBody) Detach() []*Instruction {
	if b.nextLabel == 0 {
		b.nextLabel = int(b.maxLabel()) + 1
	}
	instrs := b.Instructions
	b.Instructions = nil
	return instrs
}

func (b *MethodBody) maxLabel() Label {
	var hi Label
	for _, in := range b.Instructions {
		for _, l := range in.Labels {
			hi = max(hi, l)
		}
		for _, l := range in.Targets() {
			hi = max(hi, l)
		}
	}
	return hi
}

// DeclareLocal appends a local and returns its index.
func (b *MethodBody) DeclareLocal(t *TypeRef) LocalRef {
	b.Locals = append(b.Locals, Local{Type: t})
	return LocalRef(len(b.Locals) - 1)
}

// ArgType returns the type of argument i, counting the instance.
func (b *MethodBody) ArgType(i int) *TypeRef {
	if !b.Static {
		if i == 0 {
			owner := b.Method.Owner
			if b.StructOwner {
				return owner.MakeByRef()
			}
			return owner
		}
		i--
	}
	if i < 0 || i >= len(b.Params) {
		return nil
	}
	return b.Params[i].Type
}

// ArgOffset returns the argument index of the first declared parameter.
func (b *MethodBody) ArgOffset() int {
	if b.Static {
		return 0
	}
	return 1
}

// LabelIndex maps every label to the position of the instruction
// carrying it.
func (b *MethodBody) LabelIndex() map[Label]int {
	idx := make(map[Label]int)
	for i, in := range b.Instructions {
		for _, l := range in.Labels {
			idx[l] = i
		}
	}
	return idx
}
