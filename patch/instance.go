package patch

import (
	"slices"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/hook"
)

// Hooks lists the hooks one owner adds to one method. The kind of each
// descriptor is taken from the list it appears in.
type Hooks struct {
	Prefixes    []*hook.Descriptor
	Postfixes   []*hook.Descriptor
	Transpilers []*hook.Descriptor
	Finalizers  []*hook.Descriptor
}

func (h Hooks) lists() [len(hook.Kinds)][]*hook.Descriptor {
	var out [len(hook.Kinds)][]*hook.Descriptor
	out[hook.Prefix] = h.Prefixes
	out[hook.Postfix] = h.Postfixes
	out[hook.Transpiler] = h.Transpilers
	out[hook.Finalizer] = h.Finalizers
	return out
}

// Instance patches on behalf of one owner. Every descriptor it adds
// carries the owner's id, which Before and After constraints of other
// owners refer to.
type Instance struct {
	p  *Patcher
	id string
}

// Owner returns an instance that patches as owner id.
func (p *Patcher) Owner(id string) *Instance {
	return &Instance{p: p, id: id}
}

// ID returns the owner id.
func (i *Instance) ID() string {
	return i.id
}

// Patch adds hooks to method and returns the new replacement identity.
// The descriptors are copied; the caller's values are not modified.
func (i *Instance) Patch(method cil.MethodID, hooks Hooks) (cil.MethodID, error) {
	var all []*hook.Descriptor
	for kind, list := range hooks.lists() {
		for _, d := range list {
			if d == nil {
				all = append(all, nil)
				continue
			}
			c := *d
			c.Kind = hook.Kind(kind)
			c.Owner = i.id
			all = append(all, &c)
		}
	}
	return i.p.Patch(method, all...)
}

// Unpatch removes this owner's hooks from method.
func (i *Instance) Unpatch(method cil.MethodID) error {
	return i.p.Unpatch(method, i.id)
}

// UnpatchAll removes this owner's hooks from every patched method and
// returns the first error encountered. Hooks of other owners stay.
func (i *Instance) UnpatchAll() error {
	var first error
	for _, m := range i.p.PatchedMethods() {
		if err := i.p.Unpatch(m, i.id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PatchedMethods lists the methods this owner has hooks on.
func (i *Instance) PatchedMethods() []cil.MethodID {
	var out []cil.MethodID
	for _, m := range i.p.PatchedMethods() {
		entry, ok := i.p.Info(m)
		if !ok {
			continue
		}
		if slices.Contains(entry.Patches.Owners(), i.id) {
			out = append(out, m)
		}
	}
	return out
}
