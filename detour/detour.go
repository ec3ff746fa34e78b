// Package detour defines how synthesized bodies are materialized and
// installed in place of the methods they replace.
//
// A host runtime implements Definer to turn a body into callable code and
// Applier to redirect an original method's entry point. Table is an
// in-memory implementation of both, used by the interpreter in vm.
package detour

import (
	"github.com/wippyai/ilpatch/cil"
)

// Applier redirects calls of original to replacement. Installing again for
// the same original replaces the previous redirect.
type Applier interface {
	Install(original, replacement cil.MethodID) error
}

// Restorer removes a redirect, making original run its own body again.
// Appliers that cannot restore simply do not implement it.
type Restorer interface {
	Restore(original cil.MethodID) error
}

// Definer materializes a synthesized body under a new identity.
type Definer interface {
	Define(replacement cil.MethodID, body *cil.MethodBody) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(original, replacement cil.MethodID) error

func (f ApplierFunc) Install(original, replacement cil.MethodID) error {
	return f(original, replacement)
}

// DefinerFunc adapts a function to Definer.
type DefinerFunc func(replacement cil.MethodID, body *cil.MethodBody) error

func (f DefinerFunc) Define(replacement cil.MethodID, body *cil.MethodBody) error {
	return f(replacement, body)
}
