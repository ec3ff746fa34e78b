// Package transform runs rewrite passes over a method body.
//
// Passes written against cil.Instruction implement Pass directly. Passes
// written against another instruction shape are adapted with Bags, which
// hands the pass ordered FieldBags, or Foreign, which copies instructions
// into a structurally compatible struct type by field name.
//
// Fields the foreign shape cannot carry are held in a side table keyed by
// the foreign copy and put back when the pass returns:
//
//	Labels   first occurrence of the copy only
//	Offset   kept when the copy occurs once, -1 otherwise
//	Regions  kept when the copy occurs once; for a duplicated copy, kept
//	         only if its try block still spans the same instructions
//
// The region rule is a heuristic. A pass that moves instructions across a
// protected block boundary while also duplicating them can lose markers,
// which Run reports as a broken nesting error.
//
// Short branch forms created by a pass are widened, so passes need not
// know which displacements fit in one byte.
package transform
