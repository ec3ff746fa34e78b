package cil_test

import (
	"bytes"
	"fmt"
	"reflect"
	"testing"

	"github.com/wippyai/ilpatch/cil"
)

// shape describes a body with labels replaced by target positions so two
// decodes of equivalent code compare equal.
func shape(t *testing.T, body *cil.MethodBody) []string {
	t.Helper()
	idx := body.LabelIndex()
	out := make([]string, len(body.Instructions))
	for i, in := range body.Instructions {
		operand := cil.FormatOperand(in.Operand)
		switch v := in.Operand.(type) {
		case cil.Label:
			operand = fmt.Sprintf("->%d", idx[v])
		case cil.LabelTable:
			operand = ""
			for _, l := range v {
				operand += fmt.Sprintf("->%d ", idx[l])
			}
		}
		out[i] = fmt.Sprintf("%s %s %v", in.Op, operand, in.Regions)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		ret     *cil.TypeRef
		code    []byte
		clauses []cil.Clause
	}{
		{"straight line", cil.Int32, []byte{0x02, 0x17, 0x58, 0x2A}, nil},
		{"branches", cil.Int32, []byte{0x02, 0x2D, 0x02, 0x16, 0x2A, 0x17, 0x2A}, nil},
		{"switch", cil.Int32, []byte{0x02, 0x45, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x16, 0x2A, 0x17, 0x2A}, nil},
		{"catch", cil.Void, []byte{0x00, 0xDE, 0x03, 0x26, 0xDE, 0x00, 0x2A}, []cil.Clause{
			{Kind: cil.ClauseCatch, TryOffset: 0, TryLength: 3, HandlerOffset: 3, HandlerLength: 3, CatchType: cil.Exception},
		}},
		{"nested", cil.Void, []byte{0x00, 0xDE, 0x01, 0xDC, 0xDE, 0x03, 0x26, 0xDE, 0x00, 0x2A}, []cil.Clause{
			{Kind: cil.ClauseFinally, TryOffset: 0, TryLength: 3, HandlerOffset: 3, HandlerLength: 1},
			{Kind: cil.ClauseCatch, TryOffset: 0, TryLength: 6, HandlerOffset: 6, HandlerLength: 3, CatchType: cil.Exception},
		}},
		{"filter", cil.Void, []byte{0x00, 0xDE, 0x07, 0x26, 0x17, 0xFE, 0x11, 0x26, 0xDE, 0x00, 0x2A}, []cil.Clause{
			{Kind: cil.ClauseFilter, TryOffset: 0, TryLength: 3, FilterOffset: 3, HandlerOffset: 7, HandlerLength: 3},
		}},
		{"merged handlers", cil.Void, []byte{0x00, 0xDE, 0x06, 0x26, 0xDE, 0x03, 0x26, 0xDE, 0x00, 0x2A}, []cil.Clause{
			{Kind: cil.ClauseCatch, TryOffset: 0, TryLength: 3, HandlerOffset: 3, HandlerLength: 3, CatchType: cil.Exception},
			{Kind: cil.ClauseCatch, TryOffset: 0, TryLength: 3, HandlerOffset: 6, HandlerLength: 3, CatchType: cil.Object},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := cil.NewTokenTable()
			method := staticMethod("M", tt.ret, cil.ParamInfo{Name: "x", Type: cil.Int32})
			first, err := cil.Decode(&cil.Source{Method: method, Code: tt.code, Clauses: tt.clauses}, tokens)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			raw, err := cil.Assemble(first, tokens)
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			if !bytes.Equal(raw.Code, tt.code) {
				t.Errorf("code = % x, want % x", raw.Code, tt.code)
			}
			if len(raw.Clauses) != len(tt.clauses) {
				t.Fatalf("got %d clauses, want %d", len(raw.Clauses), len(tt.clauses))
			}

			src, err := cil.NewSource(raw, method, nil, tokens)
			if err != nil {
				t.Fatalf("NewSource: %v", err)
			}
			if !reflect.DeepEqual(src.Clauses, tt.clauses) {
				t.Errorf("clauses = %+v, want %+v", src.Clauses, tt.clauses)
			}
			second, err := cil.Decode(src, tokens)
			if err != nil {
				t.Fatalf("second Decode: %v", err)
			}
			if a, b := shape(t, first), shape(t, second); !reflect.DeepEqual(a, b) {
				t.Errorf("round trip changed the body:\n%v\n%v", a, b)
			}
		})
	}
}

func TestAssembleWidensShortBranch(t *testing.T) {
	body := cil.NewBody(staticMethod("Far", cil.Void))
	b := cil.NewBuilder(body)
	far := b.DefineLabel()
	b.Emit(cil.OpBrS, far)
	for range 200 {
		b.Emit(cil.OpNop, nil)
	}
	b.MarkLabel(far)
	b.Emit(cil.OpRet, nil)

	raw, err := cil.Assemble(body, cil.NewTokenTable())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if raw.Code[0] != byte(cil.OpBr) {
		t.Fatalf("first opcode = 0x%02x, want br", raw.Code[0])
	}
	if d := int32(uint32(raw.Code[1]) | uint32(raw.Code[2])<<8 | uint32(raw.Code[3])<<16 | uint32(raw.Code[4])<<24); d != 200 {
		t.Errorf("displacement = %d, want 200", d)
	}
	if body.Instructions[0].Op != cil.OpBrS {
		t.Error("Assemble must not rewrite the input body")
	}
}

func TestAssembleKeepsFittingShortBranch(t *testing.T) {
	body := cil.NewBody(staticMethod("Near", cil.Void))
	b := cil.NewBuilder(body)
	top := b.DefineLabel()
	b.MarkLabel(top)
	b.Emit(cil.OpNop, nil)
	b.Emit(cil.OpBrS, top)

	raw, err := cil.Assemble(body, cil.NewTokenTable())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if want := []byte{0x00, 0x2B, 0xFD}; !bytes.Equal(raw.Code, want) {
		t.Errorf("code = % x, want % x", raw.Code, want)
	}
}

func TestAssembleMaxStackAndLocals(t *testing.T) {
	helper := staticMethod("Sum3", cil.Int32,
		cil.ParamInfo{Name: "a", Type: cil.Int32},
		cil.ParamInfo{Name: "b", Type: cil.Int32},
		cil.ParamInfo{Name: "c", Type: cil.Int32})
	body := cil.NewBody(staticMethod("Caller", cil.Int32))
	b := cil.NewBuilder(body)
	tmp := b.DeclareLocal(cil.Int32)
	b.LoadInt(1)
	b.LoadInt(2)
	b.LoadInt(3)
	b.Call(helper)
	b.StoreLocal(tmp)
	b.LoadLocal(tmp)
	b.Emit(cil.OpRet, nil)

	tokens := cil.NewTokenTable()
	raw, err := cil.Assemble(body, tokens)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if raw.MaxStack != 3 {
		t.Errorf("MaxStack = %d, want 3", raw.MaxStack)
	}
	locals, ok := tokens.Locals(raw.LocalVarSig)
	if !ok || len(locals) != 1 || !locals[0].Type.Equal(cil.Int32) {
		t.Errorf("locals for 0x%08x = %v, %v", raw.LocalVarSig, locals, ok)
	}
}

func TestAssembleRejectsDanglingLabel(t *testing.T) {
	body := cil.NewBody(staticMethod("Bad", cil.Void))
	body.Instructions = []*cil.Instruction{
		cil.NewInstruction(cil.OpBr, cil.Label(42)),
		cil.NewInstruction(cil.OpRet, nil),
	}
	if _, err := cil.Assemble(body, cil.NewTokenTable()); err == nil {
		t.Error("expected error for undefined label")
	}
}

func TestAssembleRejectsOperandOverflow(t *testing.T) {
	body := cil.NewBody(staticMethod("Bad", cil.Void))
	body.Instructions = []*cil.Instruction{
		cil.NewInstruction(cil.OpLdcI4S, cil.Int(1000)),
		cil.NewInstruction(cil.OpPop, nil),
		cil.NewInstruction(cil.OpRet, nil),
	}
	if _, err := cil.Assemble(body, cil.NewTokenTable()); err == nil {
		t.Error("expected error for ldc.i4.s 1000")
	}
}

func TestMaxStackUnderflow(t *testing.T) {
	body := cil.NewBody(staticMethod("Bad", cil.Void))
	body.Instructions = []*cil.Instruction{
		cil.NewInstruction(cil.OpPop, nil),
		cil.NewInstruction(cil.OpRet, nil),
	}
	if _, err := cil.MaxStack(body); err == nil {
		t.Error("expected underflow error")
	}
}
