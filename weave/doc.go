// Package weave synthesizes the replacement body of a patched method.
//
// The original body is kept intact except for its returns, and hook calls
// are emitted around it:
//
//	run = true; result = default          ; locals appended after the originals
//	args = new object[] { arg0, ... }     ; only when a hook takes __args
//	.try {                                ; only with finalizers
//	    [if run] prefix0(...)             ; prefixes that can skip are guarded
//	    ...
//	    args -> arguments                 ; write-back after prefixes
//	    if !run goto EXIT
//	    <original body, ret -> stloc result; br EXIT>
//	EXIT:
//	    postfix(...)                      ; void postfixes
//	    result = passthrough(result, ...) ; passthrough postfixes
//	    args -> by-ref arguments          ; write-back after postfixes
//	} catch Exception { exception = $ }
//	.try { finalizer(...) } catch Exception { pop }   ; one per finalizer
//	if exception != null throw exception
//	return result
//
// Hook parameters bind by name. Reserved names:
//
//	__instance        the intercepted instance (null for static methods)
//	__originalMethod  MethodBase of the intercepted method
//	__runOriginal     whether the original body will run
//	__args            object[] of all arguments
//	__state           per-owner state shared by that owner's hooks
//	__result          the current return value
//	__exception       the captured exception (finalizers)
//	___name, ___N     field of the declaring type by name or position
//	__N               parameter N of the intercepted method
//
// Any other name must match a parameter of the intercepted method,
// directly or through the hook's aliases. Bindings are resolved once, at
// synthesis time, to locals, arguments and fields.
package weave
