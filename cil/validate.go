package cil

import (
	"fmt"

	"github.com/wippyai/ilpatch/errors"
)

// Validate checks the structural invariants of a body: every branch
// label resolves to exactly one instruction, and region markers nest.
// It is not a verifier; stack types are not checked.
func Validate(body *MethodBody) error {
	if err := validateLabels(body.Instructions); err != nil {
		return err
	}
	_, err := Blocks(body.Instructions)
	return err
}

func validateLabels(instrs []*Instruction) error {
	owner := make(map[Label]int)
	for i, in := range instrs {
		if in == nil {
			return errors.InvalidData(errors.PhaseEncode, []string{fmt.Sprintf("instruction %d", i)}, "nil instruction")
		}
		for _, l := range in.Labels {
			if prev, ok := owner[l]; ok && prev != i {
				return errors.New(errors.PhaseEncode, errors.KindBadBranch).
					Value(l).
					Detail("label %s is attached to instructions %d and %d", l, prev, i).
					Build()
			}
			owner[l] = i
		}
	}
	for i, in := range instrs {
		if err := checkOperandShape(i, in); err != nil {
			return err
		}
		for _, l := range in.Targets() {
			if _, ok := owner[l]; !ok {
				return errors.New(errors.PhaseEncode, errors.KindBadBranch).
					Value(l).
					Detail("instruction %d (%s) targets undefined label %s", i, in.Op, l).
					Build()
			}
		}
	}
	return nil
}

func checkOperandShape(i int, in *Instruction) error {
	ok := true
	switch in.Op.OperandKind() {
	case InlineBrTarget, ShortInlineBrTarget:
		_, ok = in.Operand.(Label)
	case InlineSwitch:
		_, ok = in.Operand.(LabelTable)
	default:
		switch in.Operand.(type) {
		case Label, LabelTable:
			ok = false
		}
	}
	if !ok {
		return errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(fmt.Sprintf("instruction %d", i)).
			Detail("%s cannot take operand %T", in.Op, in.Operand).
			Build()
	}
	return nil
}
