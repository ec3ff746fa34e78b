package vm

import (
	"fmt"
	"maps"

	"github.com/wippyai/ilpatch/cil"
)

// Value is anything the evaluation stack can hold:
//
//	int32     int32, bool, char and the smaller integer types
//	int64     int64, uint64 and native integers
//	float64   float32 and float64
//	string    non-null System.String
//	nil       the null reference
//	*Object   class instances, and struct values
//	*Boxed    boxed value types
//	*Array    single-dimension arrays
//	Ref       managed pointers
//	MethodHandle, TypeHandle, FieldHandle   ldtoken results
//	*MethodInfo  System.Reflection.MethodBase
type Value any

// Object is a class instance or, when Type is a value type, a struct
// value. Struct values are copied whenever they are loaded from a
// location.
type Object struct {
	Type   *cil.TypeRef
	Fields map[string]Value
}

// NewObject creates an instance of t with every instance field zeroed.
func NewObject(t *cil.TypeRef) *Object {
	o := &Object{Type: t, Fields: make(map[string]Value)}
	for c := t; c != nil; c = c.Base {
		for _, f := range c.Fields {
			if f.Static {
				continue
			}
			if _, ok := o.Fields[f.Name]; !ok {
				o.Fields[f.Name] = Zero(f.Type)
			}
		}
	}
	return o
}

// Get returns the value of field name.
func (o *Object) Get(name string) Value {
	return o.Fields[name]
}

// Set stores v in field name.
func (o *Object) Set(name string, v Value) {
	o.Fields[name] = v
}

func (o *Object) clone() *Object {
	c := &Object{Type: o.Type, Fields: maps.Clone(o.Fields)}
	for k, v := range c.Fields {
		c.Fields[k] = copyValue(v)
	}
	return c
}

func (o *Object) String() string {
	if o.Type.Equal(cil.Exception) || o.Type.AssignableTo(cil.Exception) {
		if msg, ok := o.Fields["Message"].(string); ok {
			return o.Type.FullName() + ": " + msg
		}
	}
	return o.Type.FullName()
}

// Boxed is a value type stored on the heap.
type Boxed struct {
	Type  *cil.TypeRef
	Value Value
}

func (b *Boxed) String() string {
	return fmt.Sprintf("%v (%s)", b.Value, b.Type.FullName())
}

// Array is a single-dimension zero-based array.
type Array struct {
	Elem  *cil.TypeRef
	Items []Value
}

// NewArray creates an array of n zeroed elements.
func NewArray(elem *cil.TypeRef, n int) *Array {
	a := &Array{Elem: elem, Items: make([]Value, n)}
	for i := range a.Items {
		a.Items[i] = Zero(elem)
	}
	return a
}

// MethodHandle is the result of ldtoken on a method.
type MethodHandle struct {
	Method *cil.MethodRef
}

// TypeHandle is the result of ldtoken on a type.
type TypeHandle struct {
	Type *cil.TypeRef
}

// FieldHandle is the result of ldtoken on a field.
type FieldHandle struct {
	Field *cil.FieldRef
}

// MethodInfo is a System.Reflection.MethodBase instance.
type MethodInfo struct {
	Method *cil.MethodRef
}

func (m *MethodInfo) String() string {
	return m.Method.String()
}

// Ref is a managed pointer.
type Ref interface {
	Load() Value
	Store(Value)
}

// Cell is a standalone storage location. Hosts pass a Cell for by-ref
// arguments.
type Cell struct {
	V Value
}

// NewCell creates a cell holding v.
func NewCell(v Value) *Cell {
	return &Cell{V: v}
}

func (c *Cell) Load() Value   { return c.V }
func (c *Cell) Store(v Value) { c.V = v }

type slotRef struct {
	slots []Value
	i     int
}

func (r slotRef) Load() Value   { return r.slots[r.i] }
func (r slotRef) Store(v Value) { r.slots[r.i] = v }

type fieldRef struct {
	obj  *Object
	name string
}

func (r fieldRef) Load() Value   { return r.obj.Fields[r.name] }
func (r fieldRef) Store(v Value) { r.obj.Fields[r.name] = v }

type elemRef struct {
	arr *Array
	i   int
}

func (r elemRef) Load() Value   { return r.arr.Items[r.i] }
func (r elemRef) Store(v Value) { r.arr.Items[r.i] = v }

type boxRef struct {
	b *Boxed
}

func (r boxRef) Load() Value   { return r.b.Value }
func (r boxRef) Store(v Value) { r.b.Value = v }

type staticRef struct {
	m   *Machine
	key string
}

func (r staticRef) Load() Value   { return r.m.loadStatic(r.key) }
func (r staticRef) Store(v Value) { r.m.storeStatic(r.key, v) }

// storage describes how a type is held on the stack.
type storage uint8

const (
	storeRef storage = iota
	storeI4
	storeI8
	storeF
	storeStruct
	storeVoid
)

func storageOf(t *cil.TypeRef) storage {
	if t == nil {
		return storeVoid
	}
	if t.ByRef || t.Array || !t.IsValueType() {
		return storeRef
	}
	switch t.FullName() {
	case "System.Void":
		return storeVoid
	case "System.Boolean", "System.Char", "System.SByte", "System.Byte",
		"System.Int16", "System.UInt16", "System.Int32", "System.UInt32":
		return storeI4
	case "System.Int64", "System.UInt64", "System.IntPtr", "System.UIntPtr":
		return storeI8
	case "System.Single", "System.Double":
		return storeF
	}
	return storeStruct
}

// Zero returns the default value of t.
func Zero(t *cil.TypeRef) Value {
	switch storageOf(t) {
	case storeI4:
		return int32(0)
	case storeI8:
		return int64(0)
	case storeF:
		return float64(0)
	case storeStruct:
		return NewObject(t)
	}
	return nil
}

// copyValue gives struct values their copy semantics.
func copyValue(v Value) Value {
	if o, ok := v.(*Object); ok && o.Type.IsValueType() {
		return o.clone()
	}
	return v
}

// Coerce converts a Go value to the representation of t. It accepts the
// Go types a host naturally passes: bool, int, uint, float32 and the
// stack representations themselves.
func Coerce(v Value, t *cil.TypeRef) Value {
	switch storageOf(t) {
	case storeI4:
		switch x := v.(type) {
		case bool:
			if x {
				return int32(1)
			}
			return int32(0)
		case int:
			return int32(x)
		case int64:
			return int32(x)
		case uint32:
			return int32(x)
		case uint8:
			return int32(x)
		}
	case storeI8:
		switch x := v.(type) {
		case int:
			return int64(x)
		case int32:
			return int64(x)
		case uint64:
			return int64(x)
		}
	case storeF:
		switch x := v.(type) {
		case float32:
			return float64(x)
		case int:
			return float64(x)
		case int32:
			return float64(x)
		}
	}
	return v
}

// Export converts a stack value of type t to the Go value a host expects.
// It is the inverse of Coerce for bools; other values pass through.
func Export(v Value, t *cil.TypeRef) Value {
	if x, ok := v.(int32); ok && t != nil && t.Equal(cil.Bool) {
		return x != 0
	}
	return v
}

// typeOf returns the runtime type of a reference value.
func typeOf(v Value) *cil.TypeRef {
	switch x := v.(type) {
	case *Object:
		return x.Type
	case *Boxed:
		return x.Type
	case string:
		return cil.String
	case *Array:
		return x.Elem.MakeArray()
	case *MethodInfo:
		return cil.MethodBase
	}
	return nil
}

// instanceOf reports whether the non-null reference v is a t.
func instanceOf(v Value, t *cil.TypeRef) bool {
	rt := typeOf(v)
	if rt == nil {
		return false
	}
	if b, ok := v.(*Boxed); ok {
		return b.Type.Equal(t) || b.Type.BoxableTo(t)
	}
	return rt.AssignableTo(t)
}
