// Package patch applies hooks to methods and keeps them applied.
//
// A Patcher owns the whole cycle for one method: it reads the method's
// current PatchSet from the registry, adds or removes hooks, runs the
// transpilers over the original body, weaves prefixes, postfixes and
// finalizers around the result, defines the woven body under a fresh
// replacement identity and installs the detour. The registry is only
// updated once every step has succeeded, so a failed operation leaves
// the previous replacement installed and recorded.
//
// Operations on one method are serialized by a per-method lock;
// operations on different methods run concurrently.
//
//	table := detour.NewTable()
//	table.Register(body)
//	p, err := patch.New(patch.Config{Source: table, Applier: table})
//	mod := p.Owner("com.example.mod")
//	replacement, err := mod.Patch(body.Method.ID(), patch.Hooks{
//		Prefixes: []*hook.Descriptor{hook.New(hook.Prefix, "", prefix)},
//	})
//
// Replacement identities have the form "<method>#patch<N>"; Original maps
// any of them, current or superseded, back to the patched method.
package patch
