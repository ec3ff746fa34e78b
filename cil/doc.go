// Package cil decodes, edits and re-encodes CIL method bodies.
//
// A body is held as an editable instruction list rather than bytes.
// Branch targets are symbolic labels attached to instructions, and
// exception clauses are region markers on the instructions where a
// protected block or handler begins or ends.
//
// # Decoding
//
// Decode a raw method into an instruction list:
//
//	raw, err := cil.ParseMethod(data)
//	src, err := cil.NewSource(raw, method, locals, tokens)
//	body, err := cil.Decode(src, tokens)
//
// Decoding resolves every branch displacement to a label, every token to
// a member reference through the Resolver and every clause to markers.
// Clauses that share a try range and have contiguous handlers share one
// TryBegin/End pair.
//
// # Building
//
// Builder emits instructions the way an IL generator does:
//
//	b := cil.NewBuilder(cil.NewBody(method))
//	b.BeginTry()
//	b.Call(work)
//	b.BeginCatch(cil.Exception)
//	b.Emit(cil.OpPop, nil)
//	b.EndBlock()
//	b.Emit(cil.OpRet, nil)
//
// # Assembling
//
// Assemble validates a body, widens short branches that no longer fit,
// rebuilds the clause table from the markers and computes max stack:
//
//	raw, err := cil.Assemble(body, tokens)
//	data := raw.Bytes()
//
// Region marker rules:
//
//	TryBegin, CatchBegin, FilterBegin, FaultBegin, FinallyBegin
//	    take effect before the instruction they are attached to
//	End
//	    takes effect after the instruction
//
// Within one instruction, begins precede ends. Begins are ordered outer
// first and ends inner first.
package cil
