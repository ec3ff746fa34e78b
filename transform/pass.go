package transform

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/ilpatch/cil"
)

// Pass rewrites an instruction sequence.
//
// A pass receives instructions it owns and returns the new sequence. It
// may reorder, insert, duplicate or drop instructions. Labels and region
// markers travel with the instructions that carry them.
type Pass interface {
	Apply(ctx *Context, instrs []*cil.Instruction) ([]*cil.Instruction, error)
}

// Func is an adapter to use ordinary functions as Passes.
//
// Example:
//
//	strip := transform.Func(func(ctx *transform.Context, in []*cil.Instruction) ([]*cil.Instruction, error) {
//	    return slices.DeleteFunc(in, func(i *cil.Instruction) bool { return i.Op == cil.OpNop && len(i.Labels) == 0 }), nil
//	})
type Func func(ctx *Context, instrs []*cil.Instruction) ([]*cil.Instruction, error)

// Apply implements Pass.
func (f Func) Apply(ctx *Context, instrs []*cil.Instruction) ([]*cil.Instruction, error) {
	return f(ctx, instrs)
}

type named struct {
	Pass
	name string
}

func (n named) Name() string { return n.name }

// Named attaches a name to p for errors and logs.
func Named(name string, p Pass) Pass {
	return named{Pass: p, name: name}
}

// Name returns the name of p: its Name method if it has one, otherwise
// its Go type.
func Name(p Pass) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

// Context gives a running pass access to the method being rewritten.
type Context struct {
	body *cil.MethodBody
	log  *zap.Logger
	pass string
}

// Method returns the method whose body is being rewritten.
func (c *Context) Method() *cil.MethodRef {
	return c.body.Method
}

// Pass returns the name of the running pass.
func (c *Context) Pass() string {
	return c.pass
}

// Locals returns the locals declared so far. The slice must not be
// modified; use DeclareLocal.
func (c *Context) Locals() []cil.Local {
	return c.body.Locals
}

// Params returns the declared parameters of the method.
func (c *Context) Params() []cil.ParamInfo {
	return c.body.Params
}

// DefineLabel allocates a label unique within the body.
func (c *Context) DefineLabel() cil.Label {
	return c.body.DefineLabel()
}

// DeclareLocal adds a local of type t and returns its index.
func (c *Context) DeclareLocal(t *cil.TypeRef) cil.LocalRef {
	return c.body.DeclareLocal(t)
}

// Logger returns a logger tagged with the method and pass.
func (c *Context) Logger() *zap.Logger {
	return c.log
}
