package main

import (
	"fmt"
	"strings"

	"github.com/wippyai/ilpatch"
	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
	"github.com/wippyai/ilpatch/hook"
	"github.com/wippyai/ilpatch/patch"
	"github.com/wippyai/ilpatch/vm"
)

// entry is one runnable item shown by the CLI.
type entry struct {
	name    string
	about   string
	listing string
	params  int
	run     func(args []vm.Value) outcome
}

type outcome struct {
	listing string
	result  string
	err     error
}

func methodEntry(body *cil.MethodBody) entry {
	listing := cil.Format(body)
	return entry{
		name:    string(body.Method.ID()),
		listing: listing,
		params:  len(body.Params),
		run: func(args []vm.Value) outcome {
			v, err := vm.New(vm.Config{}).Run(body, args...)
			return outcome{listing: listing, result: formatValue(v), err: err}
		},
	}
}

var (
	game = &cil.TypeRef{Namespace: "Game", Name: "Player", Base: cil.Object}
	mods = &cil.TypeRef{Namespace: "Mod", Name: "Hooks", Base: cil.Object}
)

func hookMethod(name string, ret *cil.TypeRef, params ...cil.ParamInfo) *cil.MethodRef {
	return &cil.MethodRef{Owner: mods, Name: name, Return: ret, Params: params, Static: true}
}

var (
	skipOriginal = hookMethod("SkipOriginal", cil.Bool)
	returnTwo    = hookMethod("ReturnTwo", cil.Int32, cil.ParamInfo{Name: "value", Type: cil.Int32})
	addTen       = hookMethod("AddTen", cil.Int32, cil.ParamInfo{Name: "value", Type: cil.Int32})
	double       = hookMethod("Double", cil.Int32, cil.ParamInfo{Name: "value", Type: cil.Int32})
	swallow      = hookMethod("Swallow", cil.Exception, cil.ParamInfo{Name: "__exception", Type: cil.Exception})
)

// scenario patches one target method and calls it.
type scenario struct {
	name   string
	about  string
	target func() *cil.MethodBody
	hooks  func() []*hook.Descriptor
}

var scenarios = []scenario{
	{
		name:   "skip and replace",
		about:  "A prefix returning false skips the original; a passthrough postfix returns 2.",
		target: score,
		hooks: func() []*hook.Descriptor {
			return []*hook.Descriptor{
				hook.New(hook.Prefix, "demo.skip", skipOriginal),
				hook.New(hook.Postfix, "demo.two", returnTwo),
			}
		},
	},
	{
		name:   "passthrough chain",
		about:  "Two passthrough postfixes ordered by priority: (1 + 10) * 2.",
		target: score,
		hooks: func() []*hook.Descriptor {
			first := hook.New(hook.Postfix, "demo.add", addTen)
			first.Priority = hook.High
			return []*hook.Descriptor{first, hook.New(hook.Postfix, "demo.double", double)}
		},
	},
	{
		name:   "ordering constraint",
		about:  "A high priority postfix declared after a low one still runs second.",
		target: score,
		hooks: func() []*hook.Descriptor {
			low := hook.New(hook.Postfix, "demo.add", addTen)
			low.Priority = hook.Low
			high := hook.New(hook.Postfix, "demo.double", double)
			high.Priority = hook.High
			high.After = []string{"demo.add"}
			return []*hook.Descriptor{low, high}
		},
	},
	{
		name:   "swallowing finalizer",
		about:  "A finalizer returning null suppresses the exception thrown by the original.",
		target: explode,
		hooks: func() []*hook.Descriptor {
			return []*hook.Descriptor{hook.New(hook.Finalizer, "demo.swallow", swallow)}
		},
	},
}

func score() *cil.MethodBody {
	body := cil.NewBody(&cil.MethodRef{Owner: game, Name: "Score", Return: cil.Int32, Static: true})
	b := cil.NewBuilder(body)
	b.LoadInt(1)
	b.Emit(cil.OpRet, nil)
	return body
}

func explode() *cil.MethodBody {
	body := cil.NewBody(&cil.MethodRef{Owner: game, Name: "Explode", Return: cil.Void, Static: true})
	b := cil.NewBuilder(body)
	b.LoadString("boom")
	b.Emit(cil.OpNewobj, cil.ExceptionCtor)
	b.Emit(cil.OpThrow, nil)
	return body
}

func bindHooks(m *vm.Machine) {
	m.Bind(skipOriginal, func(*vm.Machine, []vm.Value) (vm.Value, error) { return false, nil })
	m.Bind(returnTwo, func(*vm.Machine, []vm.Value) (vm.Value, error) { return int32(2), nil })
	m.Bind(addTen, func(_ *vm.Machine, args []vm.Value) (vm.Value, error) { return args[0].(int32) + 10, nil })
	m.Bind(double, func(_ *vm.Machine, args []vm.Value) (vm.Value, error) { return args[0].(int32) * 2, nil })
	m.Bind(swallow, func(*vm.Machine, []vm.Value) (vm.Value, error) { return nil, nil })
}

func scenarioEntries() []entry {
	out := make([]entry, len(scenarios))
	for i, s := range scenarios {
		out[i] = entry{
			name:    s.name,
			about:   s.about,
			listing: cil.Format(s.target()),
			run:     func([]vm.Value) outcome { return s.play() },
		}
	}
	return out
}

// play patches a fresh copy of the target and calls it, so scenarios
// never see each other's hooks.
func (s scenario) play() outcome {
	body := s.target()
	rt, err := ilpatch.New(ilpatch.Config{Logger: patch.Logger()})
	if err != nil {
		return outcome{err: err}
	}
	if err := rt.Register(body); err != nil {
		return outcome{err: err}
	}
	bindHooks(rt.Machine())

	id := body.Method.ID()
	replacement, err := rt.Patcher().Patch(id, s.hooks()...)
	if err != nil {
		return outcome{err: err}
	}
	woven, _ := rt.Body(id)
	v, err := rt.Call(body.Method)

	var listing strings.Builder
	fmt.Fprintf(&listing, "-- original\n%s-- %s\n%s", cil.Format(body), replacement, cil.Format(woven))
	out := outcome{listing: listing.String(), result: formatValue(v)}
	var exc *vm.Exception
	if errors.As(err, &exc) {
		out.result = fmt.Sprintf("threw %s: %s", exc.Type().FullName(), exc.Message())
	} else if err != nil {
		out.err = err
	} else if body.Method.ReturnsVoid() {
		out.result = "returned normally"
	}
	return out
}

func formatValue(v vm.Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", x)
	}
	return fmt.Sprint(v)
}
