package cil

import (
	"github.com/wippyai/ilpatch/errors"
)

// StackEffect returns how many values in pops and pushes. Call-like
// opcodes are sized from their method operand; ret from the body's
// return type.
func StackEffect(in *Instruction, method *MethodRef) (pop, push int) {
	info, ok := in.Op.Info()
	if !ok {
		return 0, 0
	}
	pop, push = int(info.Pop), int(info.Push)

	switch in.Op {
	case OpCall, OpCallvirt, OpNewobj:
		m, _ := in.Operand.(*MethodRef)
		if m == nil {
			return 0, 0
		}
		pop = len(m.Params)
		if in.Op != OpNewobj && m.HasThis() {
			pop++
		}
		push = 0
		if in.Op == OpNewobj || !m.ReturnsVoid() {
			push = 1
		}
	case OpCalli:
		pop, push = 1, 0
	case OpRet:
		pop = 0
		if method != nil && !method.ReturnsVoid() {
			pop = 1
		}
	}
	return pop, push
}

const stackLimit = 0xFFFF

// MaxStack computes the deepest evaluation stack reached on any path
// through the body.
func MaxStack(body *MethodBody) (int, error) {
	n := len(body.Instructions)
	if n == 0 {
		return 0, nil
	}
	blocks, err := Blocks(body.Instructions)
	if err != nil {
		return 0, err
	}
	labels := body.LabelIndex()

	depth := make([]int, n)
	for i := range depth {
		depth[i] = -1
	}
	var work []int
	enter := func(i, d int) {
		if i < 0 || i >= n {
			return
		}
		if depth[i] < d {
			depth[i] = d
			work = append(work, i)
		}
	}

	enter(0, 0)
	for _, b := range blocks {
		switch b.Kind {
		case ClauseCatch:
			enter(b.HandlerStart, 1)
		case ClauseFilter:
			enter(b.FilterStart, 1)
			enter(b.HandlerStart, 1)
		default:
			enter(b.HandlerStart, 0)
		}
	}

	highest := 0
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := body.Instructions[i]

		pop, push := StackEffect(in, body.Method)
		d := depth[i] - pop
		if d < 0 {
			return 0, errors.New(errors.PhaseEncode, errors.KindStackUnderflow).
				Value(i).
				Detail("instruction %d (%s) pops %d with %d on the stack", i, in.Op, pop, depth[i]).
				Build()
		}
		d += push
		if d > stackLimit {
			return 0, errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Value(i).
				Detail("stack grows without bound at instruction %d", i).
				Build()
		}
		highest = max(highest, depth[i], d)

		if in.Op.IsLeave() {
			d = 0
		}
		for _, l := range in.Targets() {
			if t, ok := labels[l]; ok {
				enter(t, d)
			}
		}
		if !in.Op.EndsBlock() {
			enter(i+1, d)
		}
	}
	return highest, nil
}
