package vm

import (
	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
)

func systemException(name string) *cil.TypeRef {
	return &cil.TypeRef{Namespace: "System", Name: name, Base: cil.Exception}
}

// Exception types raised by the interpreter itself.
var (
	NullReference    = systemException("NullReferenceException")
	InvalidCast      = systemException("InvalidCastException")
	IndexOutOfRange  = systemException("IndexOutOfRangeException")
	DivideByZero     = systemException("DivideByZeroException")
	Overflow         = systemException("OverflowException")
	InvalidOperation = systemException("InvalidOperationException")
)

// Exception is a managed exception. Natives return one to throw; it
// escapes the outermost call when nothing catches it.
type Exception struct {
	Object *Object
}

// NewException creates an exception object of type t with a message.
func NewException(t *cil.TypeRef, msg string) *Object {
	o := NewObject(t)
	o.Set("Message", msg)
	return o
}

// Throw returns an error that throws obj as a managed exception.
func Throw(obj *Object) error {
	return &Exception{Object: obj}
}

// Throwf throws a new exception of type t.
func Throwf(t *cil.TypeRef, msg string) error {
	return Throw(NewException(t, msg))
}

// Type returns the exception's runtime type.
func (e *Exception) Type() *cil.TypeRef {
	if e.Object == nil {
		return cil.Exception
	}
	return e.Object.Type
}

// Message returns the exception's Message field.
func (e *Exception) Message() string {
	if e.Object == nil {
		return ""
	}
	s, _ := e.Object.Get("Message").(string)
	return s
}

func (e *Exception) Error() string {
	msg := "unhandled " + e.Type().FullName()
	if m := e.Message(); m != "" {
		msg += ": " + m
	}
	return msg
}

// Is matches the execute phase sentinel and the unhandled kind.
func (e *Exception) Is(target error) bool {
	t, ok := target.(*errors.Error)
	if !ok {
		return false
	}
	return t.Phase == errors.PhaseExecute && (t.Kind == "" || t.Kind == errors.KindUnhandled)
}
