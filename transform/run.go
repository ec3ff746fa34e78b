package transform

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
)

// Run applies passes in order to a copy of body and returns the result.
// body itself is never modified. If a pass fails, panics or leaves the
// sequence with a dangling label or broken region nesting, Run returns a
// transform error naming the pass.
func Run(body *cil.MethodBody, passes ...Pass) (*cil.MethodBody, error) {
	work := body.Clone()
	method := ""
	if body.Method != nil {
		method = string(body.Method.ID())
	}

	for _, p := range passes {
		name := Name(p)
		ctx := &Context{
			body: work,
			pass: name,
			log:  Logger().With(zap.String("method", method), zap.String("pass", name)),
		}

		before := len(work.Instructions)
		ops := opcodes(work.Instructions)
		out, err := apply(ctx, p, work.Instructions)
		if err != nil {
			return nil, fail(name, method, err)
		}
		if _, ok := p.(interface{ ownsBranchForms() }); !ok {
			out = normalize(ops, out)
		}
		work.Instructions = out
		if err := cil.Validate(work); err != nil {
			return nil, fail(name, method, err)
		}
		Logger().Debug("pass applied",
			zap.String("method", method),
			zap.String("pass", name),
			zap.Int("before", before),
			zap.Int("after", len(out)))
	}
	return work, nil
}

func fail(pass, method string, cause error) error {
	e := errors.PassFailed(pass, cause)
	e.Method = method
	return e
}

func apply(ctx *Context, p Pass, in []*cil.Instruction) (out []*cil.Instruction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	// The pass gets its own slice header so appends cannot clobber ours.
	return p.Apply(ctx, append([]*cil.Instruction(nil), in...))
}

// normalize fixes up the output of a pass over engine instructions.
// Repeated occurrences of one instruction become copies without labels,
// region markers or offset. Short branches that are new or whose opcode
// changed are widened.
func normalize(ops map[*cil.Instruction]cil.Opcode, after []*cil.Instruction) []*cil.Instruction {
	seen := make(map[*cil.Instruction]bool, len(after))
	for i, in := range after {
		if in == nil {
			continue
		}
		if seen[in] {
			c := in.Clone()
			c.Labels = nil
			c.Regions = nil
			c.Offset = -1
			after[i] = c
			in = c
		}
		seen[in] = true
		if op, ok := ops[in]; in.Op.IsShortBranch() && (!ok || op != in.Op) {
			in.Op = in.Op.Long()
		}
	}
	return after
}

func opcodes(instrs []*cil.Instruction) map[*cil.Instruction]cil.Opcode {
	ops := make(map[*cil.Instruction]cil.Opcode, len(instrs))
	for _, in := range instrs {
		ops[in] = in.Op
	}
	return ops
}
