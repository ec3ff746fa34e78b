// Package vm executes method bodies so patched code can be observed
// running.
//
// The machine is a small stack interpreter over cil.MethodBody. It covers
// the instruction set that woven bodies and ordinary method bodies use:
// locals and arguments, arithmetic with overflow checks, branches and
// switch, fields and statics, objects, structs, boxing, arrays, managed
// pointers and structured exception handling with catch, filter, finally
// and fault clauses.
//
// Calls are resolved through a detour.Table. A call to a patched method
// follows the installed route to its replacement body; natives bound with
// Machine.Bind take precedence over bodies and stand in for hook
// callables and framework methods:
//
//	table := detour.NewTable()
//	table.Register(body)
//	m := vm.New(vm.Config{Detours: table})
//	m.Bind(prefix, func(_ *vm.Machine, args []vm.Value) (vm.Value, error) {
//		return false, nil
//	})
//	v, err := m.Call(body.Method)
//
// Managed exceptions that escape the outermost call are returned as
// *Exception, which matches errors.ErrExecute.
package vm
