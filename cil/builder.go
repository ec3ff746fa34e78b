package cil

import (
	"slices"

	"github.com/wippyai/ilpatch/errors"
)

type blockState struct {
	end     Label
	kind    RegionKind
	started bool
}

// Builder appends instructions to a body in the style of an IL
// generator. Labels marked with MarkLabel and region begins attach to the
// next emitted instruction; EndBlock attaches End to the last one.
type Builder struct {
	body    *MethodBody
	labels  []Label
	regions []RegionMarker
	blocks  []*blockState
	err     error
}

// NewBuilder creates a builder that appends to body.
func NewBuilder(body *MethodBody) *Builder {
	return &Builder{body: body}
}

// Body returns the body being built.
func (b *Builder) Body() *MethodBody {
	return b.body
}

// Err returns the first structural error, such as EndBlock without an
// open block.
func (b *Builder) Err() error {
	if b.err != nil {
		return b.err
	}
	if len(b.labels) > 0 || len(b.regions) > 0 {
		return errors.BadRegion(errors.PhaseSynthesis, "labels or region markers left without an instruction")
	}
	if len(b.blocks) > 0 {
		return errors.BadRegion(errors.PhaseSynthesis, "unterminated exception block")
	}
	return nil
}

func (b *Builder) fail(detail string) {
	if b.err == nil {
		b.err = errors.BadRegion(errors.PhaseSynthesis, detail)
	}
}

// DefineLabel allocates a fresh label.
func (b *Builder) DefineLabel() Label {
	return b.body.DefineLabel()
}

// MarkLabel attaches l to the next emitted instruction.
func (b *Builder) MarkLabel(l Label) {
	b.labels = append(b.labels, l)
}

// DeclareLocal adds a local of type t.
func (b *Builder) DeclareLocal(t *TypeRef) LocalRef {
	return b.body.DeclareLocal(t)
}

// Emit appends a new instruction.
func (b *Builder) Emit(op Opcode, operand Operand) *Instruction {
	return b.Append(NewInstruction(op, operand))
}

// Append appends an existing instruction, attaching pending labels and
// region begins ahead of the ones it already carries.
func (b *Builder) Append(in *Instruction) *Instruction {
	if len(b.labels) > 0 {
		for _, l := range in.Labels {
			if !slices.Contains(b.labels, l) {
				b.labels = append(b.labels, l)
			}
		}
		in.Labels = b.labels
		b.labels = nil
	}
	if len(b.regions) > 0 {
		in.Regions = append(b.regions, in.Regions...)
		b.regions = nil
	}
	b.body.Instructions = append(b.body.Instructions, in)
	return in
}

func (b *Builder) last() *Instruction {
	if len(b.body.Instructions) == 0 {
		return nil
	}
	return b.body.Instructions[len(b.body.Instructions)-1]
}

// BeginTry opens a protected block and returns the label that EndBlock
// will place after the whole construct.
func (b *Builder) BeginTry() Label {
	end := b.DefineLabel()
	b.blocks = append(b.blocks, &blockState{end: end, kind: TryBegin})
	b.regions = append(b.regions, RegionMarker{Kind: TryBegin})
	return end
}

func (b *Builder) top() *blockState {
	if len(b.blocks) == 0 {
		return nil
	}
	return b.blocks[len(b.blocks)-1]
}

// closeSection terminates the current try or handler section with the
// instruction that leaves it.
func (b *Builder) closeSection(blk *blockState) {
	switch blk.kind {
	case TryBegin, CatchBegin:
		b.Emit(OpLeave, blk.end)
	case FinallyBegin, FaultBegin:
		b.Emit(OpEndfinally, nil)
	case FilterBegin:
		// The filter block ends with the caller's endfilter.
	}
}

func (b *Builder) beginHandler(kind RegionKind, catchType *TypeRef) {
	blk := b.top()
	if blk == nil {
		b.fail(kind.String() + " outside try")
		return
	}
	if blk.kind != FilterBegin || kind != CatchBegin {
		b.closeSection(blk)
	}
	blk.kind = kind
	blk.started = true
	b.regions = append(b.regions, RegionMarker{Kind: kind, CatchType: catchType})
}

// BeginCatch starts a catch handler for exceptions assignable to t. After
// BeginFilter it starts the filtered handler; t is ignored then.
func (b *Builder) BeginCatch(t *TypeRef) {
	if blk := b.top(); blk != nil && blk.kind == FilterBegin {
		t = nil
	}
	b.beginHandler(CatchBegin, t)
}

// BeginFilter starts a filter block. The caller ends it with endfilter
// and then calls BeginCatch for the handler.
func (b *Builder) BeginFilter() {
	b.beginHandler(FilterBegin, nil)
}

// BeginFinally starts a finally handler.
func (b *Builder) BeginFinally() {
	b.beginHandler(FinallyBegin, nil)
}

// BeginFault starts a fault handler.
func (b *Builder) BeginFault() {
	b.beginHandler(FaultBegin, nil)
}

// EndBlock closes the innermost exception block. The next emitted
// instruction receives the block's end label.
func (b *Builder) EndBlock() {
	blk := b.top()
	if blk == nil {
		b.fail("end block without try")
		return
	}
	if !blk.started {
		b.fail("try block without handler")
		return
	}
	b.closeSection(blk)
	last := b.last()
	if last == nil {
		b.fail("end block with no instructions")
		return
	}
	last.Regions = append(last.Regions, RegionMarker{Kind: End})
	b.blocks = b.blocks[:len(b.blocks)-1]
	b.MarkLabel(blk.end)
}

// LoadArg emits the shortest ldarg form for i.
func (b *Builder) LoadArg(i int) *Instruction {
	switch {
	case i >= 0 && i <= 3:
		return b.Emit(OpLdarg0+Opcode(i), nil)
	case i <= 0xFF:
		return b.Emit(OpLdargS, ArgRef(i))
	}
	return b.Emit(OpLdarg, ArgRef(i))
}

// LoadArgAddr emits ldarga for i.
func (b *Builder) LoadArgAddr(i int) *Instruction {
	if i <= 0xFF {
		return b.Emit(OpLdargaS, ArgRef(i))
	}
	return b.Emit(OpLdarga, ArgRef(i))
}

// StoreArg emits starg for i.
func (b *Builder) StoreArg(i int) *Instruction {
	if i <= 0xFF {
		return b.Emit(OpStargS, ArgRef(i))
	}
	return b.Emit(OpStarg, ArgRef(i))
}

// LoadLocal emits the shortest ldloc form for l.
func (b *Builder) LoadLocal(l LocalRef) *Instruction {
	switch {
	case l >= 0 && l <= 3:
		return b.Emit(OpLdloc0+Opcode(l), nil)
	case l <= 0xFF:
		return b.Emit(OpLdlocS, l)
	}
	return b.Emit(OpLdloc, l)
}

// LoadLocalAddr emits ldloca for l.
func (b *Builder) LoadLocalAddr(l LocalRef) *Instruction {
	if l <= 0xFF {
		return b.Emit(OpLdlocaS, l)
	}
	return b.Emit(OpLdloca, l)
}

// StoreLocal emits the shortest stloc form for l.
func (b *Builder) StoreLocal(l LocalRef) *Instruction {
	switch {
	case l >= 0 && l <= 3:
		return b.Emit(OpStloc0+Opcode(l), nil)
	case l <= 0xFF:
		return b.Emit(OpStlocS, l)
	}
	return b.Emit(OpStloc, l)
}

// LoadInt emits the shortest ldc.i4 form for v.
func (b *Builder) LoadInt(v int32) *Instruction {
	switch {
	case v == -1:
		return b.Emit(OpLdcI4M1, nil)
	case v >= 0 && v <= 8:
		return b.Emit(OpLdcI40+Opcode(v), nil)
	case v >= -128 && v <= 127:
		return b.Emit(OpLdcI4S, Int(v))
	}
	return b.Emit(OpLdcI4, Int(v))
}

// LoadInt64 emits ldc.i8.
func (b *Builder) LoadInt64(v int64) *Instruction {
	return b.Emit(OpLdcI8, Int(v))
}

// LoadFloat emits ldc.r8.
func (b *Builder) LoadFloat(v float64) *Instruction {
	return b.Emit(OpLdcR8, Float(v))
}

// LoadString emits ldstr.
func (b *Builder) LoadString(s string) *Instruction {
	return b.Emit(OpLdstr, Str(s))
}

// Call emits call m.
func (b *Builder) Call(m *MethodRef) *Instruction {
	return b.Emit(OpCall, m)
}

// Branch emits a long-form branch to l.
func (b *Builder) Branch(op Opcode, l Label) *Instruction {
	return b.Emit(op.Long(), l)
}
