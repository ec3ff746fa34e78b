package cil_test

import (
	"slices"
	"testing"

	"github.com/wippyai/ilpatch/cil"
)

func TestBuilderTryCatchFinally(t *testing.T) {
	body := cil.NewBody(staticMethod("Guarded", cil.Void))
	b := cil.NewBuilder(body)
	b.BeginTry()
	b.BeginTry()
	b.Emit(cil.OpNop, nil)
	b.BeginCatch(cil.Exception)
	b.Emit(cil.OpPop, nil)
	b.EndBlock()
	b.BeginFinally()
	b.Emit(cil.OpNop, nil)
	b.EndBlock()
	b.Emit(cil.OpRet, nil)

	if err := b.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := cil.Validate(body); err != nil {
		t.Fatalf("Validate: %v\n%s", err, cil.Format(body))
	}

	want := []cil.Opcode{cil.OpNop, cil.OpLeave, cil.OpPop, cil.OpLeave, cil.OpLeave, cil.OpNop, cil.OpEndfinally, cil.OpRet}
	if got := ops(body); !slices.Equal(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}

	blocks, err := cil.Blocks(body.Instructions)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	catch, finally := blocks[0], blocks[1]
	if catch.Kind != cil.ClauseCatch || catch.TryStart != 0 || catch.TryEnd != 2 || catch.HandlerStart != 2 || catch.HandlerEnd != 4 {
		t.Errorf("catch block = %+v", catch)
	}
	if finally.Kind != cil.ClauseFinally || finally.TryStart != 0 || finally.TryEnd != 5 || finally.HandlerStart != 5 || finally.HandlerEnd != 7 {
		t.Errorf("finally block = %+v", finally)
	}

	// Both leaves out of the catch land on the outer leave; the outer one
	// lands on ret.
	idx := body.LabelIndex()
	if got := idx[body.Instructions[1].Operand.(cil.Label)]; got != 4 {
		t.Errorf("inner leave targets %d, want 4", got)
	}
	if got := idx[body.Instructions[4].Operand.(cil.Label)]; got != 7 {
		t.Errorf("outer leave targets %d, want 7", got)
	}
}

func TestBuilderFilter(t *testing.T) {
	body := cil.NewBody(staticMethod("Filtered", cil.Void))
	b := cil.NewBuilder(body)
	b.BeginTry()
	b.Emit(cil.OpNop, nil)
	b.BeginFilter()
	b.Emit(cil.OpPop, nil)
	b.LoadInt(1)
	b.Emit(cil.OpEndfilter, nil)
	b.BeginCatch(cil.Exception)
	b.Emit(cil.OpPop, nil)
	b.EndBlock()
	b.Emit(cil.OpRet, nil)

	if err := b.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	blocks, err := cil.Blocks(body.Instructions)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	f := blocks[0]
	if f.Kind != cil.ClauseFilter || f.FilterStart != 2 || f.HandlerStart != 5 || f.HandlerEnd != 7 {
		t.Errorf("filter block = %+v", f)
	}
	if f.CatchType != nil {
		t.Errorf("filter handler has catch type %v", f.CatchType)
	}
	if _, err := cil.Assemble(body, cil.NewTokenTable()); err != nil {
		t.Errorf("Assemble: %v", err)
	}
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *cil.Builder)
	}{
		{"end without try", func(b *cil.Builder) { b.EndBlock() }},
		{"catch outside try", func(b *cil.Builder) { b.BeginCatch(cil.Exception) }},
		{"try without handler", func(b *cil.Builder) {
			b.BeginTry()
			b.Emit(cil.OpNop, nil)
			b.EndBlock()
		}},
		{"unterminated try", func(b *cil.Builder) {
			b.BeginTry()
			b.Emit(cil.OpNop, nil)
		}},
		{"dangling label", func(b *cil.Builder) {
			b.Emit(cil.OpRet, nil)
			b.MarkLabel(b.DefineLabel())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := cil.NewBuilder(cil.NewBody(staticMethod("Bad", cil.Void)))
			tt.build(b)
			if b.Err() == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuilderShortestForms(t *testing.T) {
	body := cil.NewBody(staticMethod("Forms", cil.Void))
	b := cil.NewBuilder(body)
	tests := []struct {
		in   *cil.Instruction
		want cil.Opcode
	}{
		{b.LoadInt(-1), cil.OpLdcI4M1},
		{b.LoadInt(5), cil.OpLdcI45},
		{b.LoadInt(100), cil.OpLdcI4S},
		{b.LoadInt(-129), cil.OpLdcI4},
		{b.LoadArg(2), cil.OpLdarg2},
		{b.LoadArg(7), cil.OpLdargS},
		{b.LoadArg(300), cil.OpLdarg},
		{b.LoadLocal(3), cil.OpLdloc3},
		{b.LoadLocal(4), cil.OpLdlocS},
		{b.StoreLocal(0), cil.OpStloc0},
		{b.StoreLocal(1000), cil.OpStloc},
		{b.Branch(cil.OpBrtrueS, b.DefineLabel()), cil.OpBrtrue},
	}
	for i, tt := range tests {
		if tt.in.Op != tt.want {
			t.Errorf("%d: op = %s, want %s", i, tt.in.Op, tt.want)
		}
	}
}

func TestBuilderAppendKeepsExistingLabels(t *testing.T) {
	body := cil.NewBody(staticMethod("Append", cil.Void))
	b := cil.NewBuilder(body)
	pending := b.DefineLabel()
	own := b.DefineLabel()
	in := cil.NewInstruction(cil.OpRet, nil)
	in.Labels = []cil.Label{own}
	b.MarkLabel(pending)
	b.Append(in)
	if !in.HasLabel(pending) || !in.HasLabel(own) {
		t.Errorf("labels = %v, want both %v and %v", in.Labels, pending, own)
	}
}
