package vm

import (
	"github.com/wippyai/ilpatch/cil"
)

var (
	objectCtor     = &cil.MethodRef{Owner: cil.Object, Name: ".ctor", Return: cil.Void}
	exceptionCtor0 = &cil.MethodRef{Owner: cil.Exception, Name: ".ctor", Return: cil.Void}

	// GetMessage is Exception.get_Message().
	GetMessage = &cil.MethodRef{Owner: cil.Exception, Name: "get_Message", Return: cil.String, Virtual: true}

	// Concat is String.Concat(string, string).
	Concat = &cil.MethodRef{
		Owner:  cil.String,
		Name:   "Concat",
		Params: []cil.ParamInfo{{Name: "a", Type: cil.String}, {Name: "b", Type: cil.String}},
		Return: cil.String,
		Static: true,
	}
)

var builtins = map[cil.MethodID]Native{
	cil.GetMethodFromHandle.ID(): func(_ *Machine, args []Value) (Value, error) {
		h, ok := args[0].(MethodHandle)
		if !ok {
			return nil, Throwf(InvalidCast, "not a method handle")
		}
		return &MethodInfo{Method: h.Method}, nil
	},
	objectCtor.ID():     func(*Machine, []Value) (Value, error) { return nil, nil },
	exceptionCtor0.ID(): func(*Machine, []Value) (Value, error) { return nil, nil },
	cil.ExceptionCtor.ID(): func(_ *Machine, args []Value) (Value, error) {
		return nil, setMessage(args)
	},
	GetMessage.ID(): func(_ *Machine, args []Value) (Value, error) {
		o, ok := args[0].(*Object)
		if !ok {
			return nil, Throwf(NullReference, "get_Message on null")
		}
		return o.Get("Message"), nil
	},
	Concat.ID(): func(_ *Machine, args []Value) (Value, error) {
		a, _ := args[0].(string)
		b, _ := args[1].(string)
		return a + b, nil
	},
}

func setMessage(args []Value) error {
	o, ok := args[0].(*Object)
	if !ok {
		return Throwf(NullReference, "constructor on null")
	}
	o.Set("Message", args[1])
	return nil
}

// builtin finds a well-known implementation for ref. Parameterless
// constructors without a body do nothing; exception constructors taking a
// message behave like Exception's.
func builtin(ref *cil.MethodRef) (Native, bool) {
	if fn, ok := builtins[ref.ID()]; ok {
		return fn, true
	}
	if !ref.IsConstructor() || ref.Owner == nil {
		return nil, false
	}
	switch {
	case len(ref.Params) == 0:
		return builtins[objectCtor.ID()], true
	case !ref.Owner.AssignableTo(cil.Exception):
		return nil, false
	case len(ref.Params) == 1 && ref.Params[0].Type.Equal(cil.String):
		return builtins[cil.ExceptionCtor.ID()], true
	}
	return nil, false
}
