// Package ilpatch rewrites CIL method bodies at run time so independent
// owners can hook the same methods without coordinating.
//
// Hooks come in four kinds. Prefixes run before the original and may skip
// it, postfixes run after it and may replace the result, transpilers
// rewrite the original's instruction list, and finalizers run no matter
// how the method exits and may swallow or replace its exception. Every
// change to a method's hook set resynthesizes one replacement body from
// the unmodified original and routes calls to it through a detour.
//
// # Architecture Overview
//
//	ilpatch/            Runtime wiring a detour table, patcher and interpreter
//	├── cil/            Instruction model, decoder, assembler, builder, listings
//	├── hook/           Hook descriptors, priorities and per-method patch sets
//	├── schedule/       Priority and before/after ordering of hooks
//	├── transform/      Transpiler pipeline over instruction lists
//	├── weave/          Replacement body synthesis from ordered hooks
//	├── registry/       Process-wide record of patched methods
//	├── detour/         Replacement bodies and call routing
//	├── patch/          Patch, unpatch and owner handles
//	├── vm/             Interpreter used to execute patched bodies
//	└── errors/         Structured error types
//
// # Quick Start
//
//	rt, err := ilpatch.New(ilpatch.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Register(body); err != nil {
//	    log.Fatal(err)
//	}
//	rt.Bind(skip, func(*vm.Machine, []vm.Value) (vm.Value, error) {
//	    return false, nil
//	})
//
//	owner := rt.Owner("com.example.mod")
//	_, err = owner.Patch(body.Method.ID(), patch.Hooks{
//	    Prefixes: []*hook.Descriptor{hook.New(hook.Prefix, "", skip)},
//	})
//
//	result, err := rt.Call(body.Method)
//
// # Hook Parameters
//
// Hook callables bind their parameters by name. A parameter named after
// an original parameter receives it (by reference when declared by-ref),
// __instance receives the receiver and __result the result slot. __state
// is a per-call local shared by all hooks of one owner, __runOriginal
// tells postfixes whether the original ran, __exception holds the
// in-flight exception and __originalMethod the method being patched. __args receives every argument boxed into an array, and
// __n binds argument n by position. Fields of the declaring type are
// reachable as ___name.
package ilpatch
