package cil_test

import (
	"testing"

	"github.com/wippyai/ilpatch/cil"
)

func TestLookupCoversEveryOpcode(t *testing.T) {
	count := 0
	for v := range 0x10000 {
		op := cil.Opcode(v)
		if !op.Valid() {
			continue
		}
		count++
		first, second := byte(op), byte(0)
		if op.IsTwoByte() {
			first, second = cil.Escape, byte(op)
			if op>>8 != cil.Opcode(cil.Escape) {
				t.Errorf("%s: two-byte opcode 0x%04x outside the escape page", op, v)
			}
		}
		got, ok := cil.Lookup(first, second)
		if !ok || got != op {
			t.Errorf("Lookup(0x%02x, 0x%02x) = %s, %v; want %s", first, second, got, ok, op)
		}
	}
	if count < 200 {
		t.Errorf("only %d opcodes defined", count)
	}
}

func TestShortLongPairs(t *testing.T) {
	for v := range 0x100 {
		op := cil.Opcode(v)
		if !op.IsShortBranch() {
			continue
		}
		long := op.Long()
		if long == op || long.OperandKind() != cil.InlineBrTarget {
			t.Errorf("%s.Long() = %s", op, long)
		}
		if long.Short() != op {
			t.Errorf("%s.Short() = %s, want %s", long, long.Short(), op)
		}
		if long.Flow() != op.Flow() {
			t.Errorf("%s and %s differ in flow", op, long)
		}
	}
	if cil.OpNop.Long() != cil.OpNop || cil.OpNop.Short() != cil.OpNop {
		t.Error("non-branch opcodes must map to themselves")
	}
}

func TestOpcodeProperties(t *testing.T) {
	tests := []struct {
		op      cil.Opcode
		name    string
		operand cil.OperandKind
		size    int
		ends    bool
	}{
		{cil.OpNop, "nop", cil.InlineNone, 1, false},
		{cil.OpLdcI4S, "ldc.i4.s", cil.ShortInlineI, 1, false},
		{cil.OpCall, "call", cil.InlineMethod, 1, false},
		{cil.OpRet, "ret", cil.InlineNone, 1, true},
		{cil.OpThrow, "throw", cil.InlineNone, 1, true},
		{cil.OpBr, "br", cil.InlineBrTarget, 1, true},
		{cil.OpBrtrueS, "brtrue.s", cil.ShortInlineBrTarget, 1, false},
		{cil.OpLeaveS, "leave.s", cil.ShortInlineBrTarget, 1, true},
		{cil.OpSwitch, "switch", cil.InlineSwitch, 1, false},
		{cil.OpCeq, "ceq", cil.InlineNone, 2, false},
		{cil.OpLdloc, "ldloc", cil.InlineVar, 2, false},
		{cil.OpRethrow, "rethrow", cil.InlineNone, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.op.Name() != tt.name {
				t.Errorf("Name = %q", tt.op.Name())
			}
			if tt.op.OperandKind() != tt.operand {
				t.Errorf("OperandKind = %s, want %s", tt.op.OperandKind(), tt.operand)
			}
			if tt.op.Size() != tt.size {
				t.Errorf("Size = %d, want %d", tt.op.Size(), tt.size)
			}
			if tt.op.EndsBlock() != tt.ends {
				t.Errorf("EndsBlock = %v, want %v", tt.op.EndsBlock(), tt.ends)
			}
		})
	}
}

func TestOperandKindSize(t *testing.T) {
	tests := []struct {
		kind cil.OperandKind
		size int
	}{
		{cil.InlineNone, 0},
		{cil.ShortInlineI, 1},
		{cil.ShortInlineVar, 1},
		{cil.InlineVar, 2},
		{cil.InlineI, 4},
		{cil.InlineTok, 4},
		{cil.InlineI8, 8},
		{cil.InlineR, 8},
	}
	for _, tt := range tests {
		if got := tt.kind.Size(); got != tt.size {
			t.Errorf("%s.Size() = %d, want %d", tt.kind, got, tt.size)
		}
	}
	if !cil.InlineMethod.IsToken() || cil.InlineI.IsToken() {
		t.Error("IsToken misclassifies operand kinds")
	}
}
