// Package hook describes the callables woven into a patched method and
// the per-method set that holds them.
package hook

import (
	"fmt"
	"maps"
	"slices"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/transform"
)

// Kind selects where a hook runs.
type Kind uint8

const (
	Prefix Kind = iota
	Postfix
	Transpiler
	Finalizer
)

// Kinds lists every hook kind in weaving order.
var Kinds = [...]Kind{Prefix, Postfix, Transpiler, Finalizer}

var kindNames = [...]string{
	Prefix:     "prefix",
	Postfix:    "postfix",
	Transpiler: "transpiler",
	Finalizer:  "finalizer",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Priorities. Higher runs earlier.
const (
	Last             int32 = 0
	VeryLow          int32 = 100
	Low              int32 = 200
	LowerThanNormal  int32 = 300
	Normal           int32 = 400
	HigherThanNormal int32 = 500
	High             int32 = 600
	VeryHigh         int32 = 700
	First            int32 = 800
)

// Descriptor is one hook registered on one method.
//
// Method is the hook callable for prefixes, postfixes and finalizers;
// Transpiler is set instead for transpilers. Before and After name owners
// this hook must run before or after. Aliases maps a hook parameter name
// to the name of the patched method's parameter it binds to.
type Descriptor struct {
	Method     *cil.MethodRef
	Transpiler transform.Pass
	Aliases    map[string]string
	Owner      string
	Before     []string
	After      []string
	Priority   int32
	Index      uint32
	Kind       Kind
}

// New creates a descriptor with normal priority.
func New(kind Kind, owner string, method *cil.MethodRef) *Descriptor {
	return &Descriptor{Kind: kind, Owner: owner, Method: method, Priority: Normal}
}

// NewTranspiler creates a transpiler descriptor with normal priority.
func NewTranspiler(owner string, pass transform.Pass) *Descriptor {
	return &Descriptor{Kind: Transpiler, Owner: owner, Transpiler: pass, Priority: Normal}
}

// Name identifies the hook callable: the method id, or the pass name for
// transpilers.
func (d *Descriptor) Name() string {
	switch {
	case d.Method != nil:
		return string(d.Method.ID())
	case d.Transpiler != nil:
		return transform.Name(d.Transpiler)
	}
	return ""
}

// Key renders every field that affects ordering, so two descriptors with
// equal keys schedule identically.
func (d *Descriptor) Key() string {
	before := slices.Sorted(slices.Values(d.Before))
	after := slices.Sorted(slices.Values(d.After))
	return fmt.Sprintf("%d %q %q %d %d %q %q",
		d.Kind, d.Owner, d.Name(), d.Priority, d.Index, before, after)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s %s (owner %s, priority %d)", d.Kind, d.Name(), d.Owner, d.Priority)
}

// copy returns a descriptor sharing no slices or maps with d.
func (d *Descriptor) copy() *Descriptor {
	c := *d
	c.Before = slices.Clone(d.Before)
	c.After = slices.Clone(d.After)
	if d.Aliases != nil {
		c.Aliases = maps.Clone(d.Aliases)
	}
	return &c
}
