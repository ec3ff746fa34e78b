package patch_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/detour"
	"github.com/wippyai/ilpatch/errors"
	"github.com/wippyai/ilpatch/hook"
	"github.com/wippyai/ilpatch/patch"
	"github.com/wippyai/ilpatch/registry"
	"github.com/wippyai/ilpatch/transform"
	"github.com/wippyai/ilpatch/vm"
)

var (
	player = &cil.TypeRef{Namespace: "Game", Name: "Player", Base: cil.Object}
	mod    = &cil.TypeRef{Namespace: "Mod", Name: "Hooks", Base: cil.Object}
)

func p(name string, t *cil.TypeRef) cil.ParamInfo {
	return cil.ParamInfo{Name: name, Type: t}
}

func target(name string, ret *cil.TypeRef, params ...cil.ParamInfo) *cil.MethodRef {
	return &cil.MethodRef{Owner: player, Name: name, Return: ret, Params: params, Static: true}
}

func hookMethod(name string, ret *cil.TypeRef, params ...cil.ParamInfo) *cil.MethodRef {
	return &cil.MethodRef{Owner: mod, Name: name, Return: ret, Params: params, Static: true}
}

// score is int Score() { return 1; }.
func score() *cil.MethodBody {
	body := cil.NewBody(target("Score", cil.Int32))
	b := cil.NewBuilder(body)
	b.LoadInt(1)
	b.Emit(cil.OpRet, nil)
	return body
}

type fixture struct {
	table   *detour.Table
	reg     *registry.Table
	patcher *patch.Patcher
	vm      *vm.Machine
}

func setup(t *testing.T, bodies ...*cil.MethodBody) *fixture {
	t.Helper()
	f := &fixture{table: detour.NewTable(), reg: registry.NewTable()}
	for _, b := range bodies {
		require.NoError(t, f.table.Register(b))
	}
	var err error
	f.patcher, err = patch.New(patch.Config{Registry: f.reg, Source: f.table, Applier: f.table})
	require.NoError(t, err)
	f.vm = vm.New(vm.Config{Detours: f.table})
	return f
}

func (f *fixture) returns(m *cil.MethodRef, v vm.Value) {
	f.vm.Bind(m, func(*vm.Machine, []vm.Value) (vm.Value, error) { return v, nil })
}

func (f *fixture) call(t *testing.T, m *cil.MethodRef) vm.Value {
	t.Helper()
	v, err := f.vm.Call(m)
	require.NoError(t, err)
	return v
}

func add(n int32) vm.Native {
	return func(_ *vm.Machine, args []vm.Value) (vm.Value, error) {
		return args[0].(int32) + n, nil
	}
}

func double(_ *vm.Machine, args []vm.Value) (vm.Value, error) {
	return args[0].(int32) * 2, nil
}

func TestPatchSkippingPrefixAndPassthroughPostfix(t *testing.T) {
	body := score()
	f := setup(t, body)
	skip := hookMethod("Skip", cil.Bool)
	two := hookMethod("Two", cil.Int32, p("value", cil.Int32))
	f.returns(skip, false)
	f.returns(two, 2)

	_, err := f.patcher.Patch(body.Method.ID(),
		hook.New(hook.Prefix, "a", skip),
		hook.New(hook.Postfix, "a", two))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.call(t, body.Method))
}

func TestPatchPrefixControlsOriginal(t *testing.T) {
	effect := hookMethod("Effect", cil.Void)
	m := target("Act", cil.Int32)
	body := cil.NewBody(m)
	b := cil.NewBuilder(body)
	b.Call(effect)
	b.LoadInt(7)
	b.Emit(cil.OpRet, nil)

	for _, run := range []bool{true, false} {
		t.Run(fmt.Sprint(run), func(t *testing.T) {
			f := setup(t, body)
			calls := 0
			f.vm.Bind(effect, func(*vm.Machine, []vm.Value) (vm.Value, error) {
				calls++
				return nil, nil
			})
			prefix := hookMethod("Gate", cil.Bool)
			f.returns(prefix, run)

			_, err := f.patcher.Patch(m.ID(), hook.New(hook.Prefix, "a", prefix))
			require.NoError(t, err)

			got := f.call(t, m)
			if run {
				assert.Equal(t, int32(7), got)
				assert.Equal(t, 1, calls)
			} else {
				assert.Equal(t, int32(0), got, "skipped original leaves the default result")
				assert.Zero(t, calls)
			}
		})
	}
}

func TestPatchPassthroughChaining(t *testing.T) {
	body := score()
	f := setup(t, body)
	plus := hookMethod("Plus", cil.Int32, p("value", cil.Int32))
	times := hookMethod("Times", cil.Int32, p("value", cil.Int32))
	f.vm.Bind(plus, add(10))
	f.vm.Bind(times, double)

	first := hook.New(hook.Postfix, "a", plus)
	first.Priority = hook.High
	_, err := f.patcher.Patch(body.Method.ID(), first, hook.New(hook.Postfix, "b", times))
	require.NoError(t, err)
	assert.Equal(t, int32(22), f.call(t, body.Method))
}

func TestPatchOwnerConstraints(t *testing.T) {
	body := score()
	plus := hookMethod("Plus", cil.Int32, p("value", cil.Int32))
	times := hookMethod("Times", cil.Int32, p("value", cil.Int32))

	tests := []struct {
		name  string
		after []string
		want  int32
	}{
		{"priority only", nil, 12},
		{"after overrides priority", []string{"a"}, 22},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, body)
			f.vm.Bind(plus, add(10))
			f.vm.Bind(times, double)

			low := hook.New(hook.Postfix, "a", plus)
			low.Priority = hook.Low
			high := hook.New(hook.Postfix, "b", times)
			high.Priority = hook.High
			high.After = tt.after

			_, err := f.patcher.Patch(body.Method.ID(), low, high)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.call(t, body.Method))
		})
	}
}

func throwing() *cil.MethodBody {
	body := cil.NewBody(target("Explode", cil.Void))
	b := cil.NewBuilder(body)
	b.LoadString("boom")
	b.Emit(cil.OpNewobj, cil.ExceptionCtor)
	b.Emit(cil.OpThrow, nil)
	return body
}

func TestPatchFinalizerIsolation(t *testing.T) {
	body := throwing()
	f := setup(t, body)

	faulty := hookMethod("Faulty", cil.Void, p("__exception", cil.Exception))
	f.vm.Bind(faulty, func(*vm.Machine, []vm.Value) (vm.Value, error) {
		return nil, vm.Throwf(vm.InvalidOperation, "finalizer failed")
	})
	var seen string
	observe := hookMethod("Observe", cil.Void, p("__exception", cil.Exception))
	f.vm.Bind(observe, func(_ *vm.Machine, args []vm.Value) (vm.Value, error) {
		if o, ok := args[0].(*vm.Object); ok {
			seen, _ = o.Get("Message").(string)
		}
		return nil, nil
	})

	first := hook.New(hook.Finalizer, "a", faulty)
	first.Priority = hook.First
	_, err := f.patcher.Patch(body.Method.ID(), first, hook.New(hook.Finalizer, "b", observe))
	require.NoError(t, err)

	_, err = f.vm.Call(body.Method)
	var exc *vm.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, "boom", exc.Message(), "a throwing finalizer does not replace the exception")
	assert.Equal(t, "boom", seen, "later finalizers still run")
}

func TestPatchFinalizerSwallowsException(t *testing.T) {
	body := throwing()
	f := setup(t, body)
	swallow := hookMethod("Swallow", cil.Exception, p("__exception", cil.Exception))
	f.returns(swallow, nil)

	_, err := f.patcher.Patch(body.Method.ID(), hook.New(hook.Finalizer, "a", swallow))
	require.NoError(t, err)
	_, err = f.vm.Call(body.Method)
	assert.NoError(t, err)
}

func TestPatchTranspiler(t *testing.T) {
	body := score()
	f := setup(t, body)
	five := transform.Named("five", transform.Func(func(_ *transform.Context, instrs []*cil.Instruction) ([]*cil.Instruction, error) {
		for _, in := range instrs {
			if in.Op == cil.OpLdcI41 {
				in.Op = cil.OpLdcI45
			}
		}
		return instrs, nil
	}))

	_, err := f.patcher.Patch(body.Method.ID(), hook.NewTranspiler("a", five))
	require.NoError(t, err)
	assert.Equal(t, int32(5), f.call(t, body.Method))
	assert.Equal(t, cil.OpLdcI41, body.Instructions[0].Op, "original body is untouched")
}

func TestPatchTranspilerFailureKeepsState(t *testing.T) {
	body := score()
	f := setup(t, body)
	broken := transform.Named("broken", transform.Func(func(*transform.Context, []*cil.Instruction) ([]*cil.Instruction, error) {
		return nil, assert.AnError
	}))

	_, err := f.patcher.Patch(body.Method.ID(), hook.NewTranspiler("a", broken))
	assert.True(t, errors.Is(err, errors.ErrTransform))
	_, ok := f.reg.Get(body.Method.ID())
	assert.False(t, ok)
}

func TestPatchReplacementIdentities(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()
	plus := hookMethod("Plus", cil.Int32, p("value", cil.Int32))
	f.vm.Bind(plus, add(1))

	r1, err := f.patcher.Patch(id, hook.New(hook.Postfix, "a", plus))
	require.NoError(t, err)
	r2, err := f.patcher.Patch(id, hook.New(hook.Postfix, "b", plus))
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)

	for _, r := range []cil.MethodID{r1, r2} {
		orig, ok := f.patcher.Original(r)
		require.True(t, ok)
		assert.Equal(t, id, orig)
	}
	entry, ok := f.patcher.Info(id)
	require.True(t, ok)
	assert.Equal(t, r2, entry.Replacement)
	assert.Equal(t, 2, entry.Patches.Len())
	assert.Equal(t, r2, f.table.Resolve(id))
	assert.Equal(t, int32(3), f.call(t, body.Method))
}

func TestPatchSynthesisFailureKeepsState(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()
	plus := hookMethod("Plus", cil.Int32, p("value", cil.Int32))
	f.vm.Bind(plus, add(1))

	r1, err := f.patcher.Patch(id, hook.New(hook.Postfix, "a", plus))
	require.NoError(t, err)

	bad := hookMethod("Bad", cil.Int32)
	_, err = f.patcher.Patch(id, hook.New(hook.Prefix, "b", bad))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSynthesis))

	entry, ok := f.patcher.Info(id)
	require.True(t, ok)
	assert.Equal(t, r1, entry.Replacement)
	assert.Equal(t, []string{"a"}, entry.Patches.Owners())
	assert.Equal(t, int32(2), f.call(t, body.Method))
}

func TestPatchInstallFailureKeepsState(t *testing.T) {
	body := score()
	table := detour.NewTable()
	require.NoError(t, table.Register(body))
	reg := registry.NewTable()
	patcher, err := patch.New(patch.Config{
		Registry: reg,
		Source:   table,
		Definer:  table,
		Applier: detour.ApplierFunc(func(cil.MethodID, cil.MethodID) error {
			return assert.AnError
		}),
	})
	require.NoError(t, err)

	_, err = patcher.Patch(body.Method.ID(), hook.New(hook.Prefix, "a", hookMethod("P", cil.Void)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDetour))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, patcher.PatchedMethods())
}

func TestPatchValidation(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()

	tests := []struct {
		name string
		d    *hook.Descriptor
		kind errors.Kind
	}{
		{"nil", nil, errors.KindNilPointer},
		{"prefix without method", &hook.Descriptor{Kind: hook.Prefix, Owner: "a"}, errors.KindInvalidInput},
		{"transpiler without pass", &hook.Descriptor{Kind: hook.Transpiler, Owner: "a"}, errors.KindInvalidInput},
		{"unknown kind", &hook.Descriptor{Kind: hook.Kind(9), Owner: "a", Method: hookMethod("P", cil.Void)}, errors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.patcher.Patch(id, tt.d)
			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, errors.PhaseRegistry, e.Phase)
		})
	}
	assert.Empty(t, f.patcher.PatchedMethods())
}

func TestPatchMissingBody(t *testing.T) {
	f := setup(t)
	_, err := f.patcher.Patch("Game.Player::Nope()", hook.New(hook.Prefix, "a", hookMethod("P", cil.Void)))
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.KindNotFound, e.Kind)
}

func TestNewRequiresCollaborators(t *testing.T) {
	table := detour.NewTable()
	_, err := patch.New(patch.Config{Applier: table})
	assert.Error(t, err)
	_, err = patch.New(patch.Config{Source: table})
	assert.Error(t, err)
	_, err = patch.New(patch.Config{Source: table, Applier: detour.ApplierFunc(table.Install)})
	assert.Error(t, err, "an applier that cannot define needs a separate definer")
}

func TestUnpatchOwner(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()
	skip := hookMethod("Skip", cil.Bool)
	plus := hookMethod("Plus", cil.Int32, p("value", cil.Int32))
	f.returns(skip, false)
	f.vm.Bind(plus, add(10))

	_, err := f.patcher.Patch(id, hook.New(hook.Prefix, "a", skip), hook.New(hook.Postfix, "b", plus))
	require.NoError(t, err)
	assert.Equal(t, int32(10), f.call(t, body.Method))

	require.NoError(t, f.patcher.Unpatch(id, "a"))
	assert.Equal(t, int32(11), f.call(t, body.Method))
	entry, ok := f.patcher.Info(id)
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, entry.Patches.Owners())

	before := entry.Replacement
	require.NoError(t, f.patcher.Unpatch(id, "nobody"))
	entry, _ = f.patcher.Info(id)
	assert.Equal(t, before, entry.Replacement, "removing nothing does not resynthesize")
}

func TestUnpatchMethod(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()
	plus := hookMethod("Plus", cil.Int32, p("value", cil.Int32))
	times := hookMethod("Times", cil.Int32, p("value", cil.Int32))
	f.vm.Bind(plus, add(10))
	f.vm.Bind(times, double)

	_, err := f.patcher.Patch(id, hook.New(hook.Postfix, "a", plus), hook.New(hook.Postfix, "a", times))
	require.NoError(t, err)
	require.NoError(t, f.patcher.UnpatchMethod(id, string(times.ID())))
	assert.Equal(t, int32(11), f.call(t, body.Method))
}

func TestUnpatchAll(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()
	skip := hookMethod("Skip", cil.Bool)
	f.returns(skip, false)

	r, err := f.patcher.Patch(id, hook.New(hook.Prefix, "a", skip))
	require.NoError(t, err)
	require.NoError(t, f.patcher.UnpatchAll(id))

	assert.Equal(t, int32(1), f.call(t, body.Method))
	assert.Empty(t, f.patcher.PatchedMethods())
	assert.Empty(t, f.table.Routes())
	_, ok := f.patcher.Original(r)
	assert.False(t, ok)
	assert.NoError(t, f.patcher.UnpatchAll(id), "unpatching an unpatched method is a no-op")
}

func TestUnpatchAllWithoutRestorer(t *testing.T) {
	body := score()
	table := detour.NewTable()
	require.NoError(t, table.Register(body))
	patcher, err := patch.New(patch.Config{
		Registry: registry.NewTable(),
		Source:   table,
		Applier:  detour.ApplierFunc(table.Install),
		Definer:  table,
	})
	require.NoError(t, err)
	machine := vm.New(vm.Config{Detours: table})
	skip := hookMethod("Skip", cil.Bool)
	machine.Bind(skip, func(*vm.Machine, []vm.Value) (vm.Value, error) { return false, nil })

	id := body.Method.ID()
	_, err = patcher.Patch(id, hook.New(hook.Prefix, "a", skip))
	require.NoError(t, err)
	require.NoError(t, patcher.UnpatchAll(id))

	v, err := machine.Call(body.Method)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)
	assert.NotEqual(t, id, table.Resolve(id), "an unmodified copy is installed")
	assert.Empty(t, patcher.PatchedMethods())
}

func TestInstance(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()
	plus := hookMethod("Plus", cil.Int32, p("value", cil.Int32))
	f.vm.Bind(plus, add(10))

	a := f.patcher.Owner("com.example.a")
	assert.Equal(t, "com.example.a", a.ID())
	d := hook.New(hook.Prefix, "ignored", plus)
	_, err := a.Patch(id, patch.Hooks{Postfixes: []*hook.Descriptor{d}})
	require.NoError(t, err)
	assert.Equal(t, hook.Prefix, d.Kind, "caller descriptors are not modified")

	entry, ok := f.patcher.Info(id)
	require.True(t, ok)
	assert.Equal(t, []string{"com.example.a"}, entry.Patches.Owners())
	require.Len(t, entry.Patches.Of(hook.Postfix), 1)
	assert.Equal(t, []cil.MethodID{id}, a.PatchedMethods())
	assert.Equal(t, int32(11), f.call(t, body.Method))

	require.NoError(t, a.UnpatchAll())
	assert.Equal(t, int32(1), f.call(t, body.Method))
	assert.Empty(t, a.PatchedMethods())
	entry, ok = f.patcher.Info(id)
	require.True(t, ok, "the entry stays until a full unpatch")
	assert.True(t, entry.Patches.Empty())
}

func TestPatchConcurrentOwners(t *testing.T) {
	body := score()
	f := setup(t, body)
	id := body.Method.ID()
	observe := hookMethod("Observe", cil.Void, p("__result", cil.Int32))

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := f.patcher.Owner(fmt.Sprintf("owner%d", i))
			_, err := owner.Patch(id, patch.Hooks{Postfixes: []*hook.Descriptor{hook.New(hook.Postfix, "", observe)}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, ok := f.patcher.Info(id)
	require.True(t, ok)
	assert.Equal(t, n, entry.Patches.Len())
	assert.Len(t, entry.Patches.Owners(), n)
}

func TestPatchLogsAndNotifies(t *testing.T) {
	body := score()
	table := detour.NewTable()
	require.NoError(t, table.Register(body))
	reg := registry.NewTable()
	var events []registry.Event
	reg.Subscribe(registry.ObserverFunc(func(e registry.Event) { events = append(events, e) }))

	core, logs := observer.New(zapcore.DebugLevel)
	patcher, err := patch.New(patch.Config{Registry: reg, Source: table, Applier: table, Logger: zap.New(core)})
	require.NoError(t, err)

	id := body.Method.ID()
	r, err := patcher.Patch(id, hook.New(hook.Prefix, "a", hookMethod("P", cil.Void)))
	require.NoError(t, err)

	patched := logs.FilterMessage("method patched").All()
	require.Len(t, patched, 1)
	assert.Equal(t, string(r), patched[0].ContextMap()["replacement"])

	require.Len(t, events, 1)
	assert.Equal(t, registry.EventPatched, events[0].Type)
	assert.Equal(t, id, events[0].Method)
	assert.Equal(t, r, events[0].Replacement)
}

func TestSetLoggerConcurrent(t *testing.T) {
	t.Cleanup(func() {
		patch.SetLogger(nil)
		transform.SetLogger(nil)
		vm.SetLogger(nil)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l := zap.NewNop()
			patch.SetLogger(l)
			transform.SetLogger(l)
			vm.SetLogger(l)
		}()
		go func() {
			defer wg.Done()
			assert.NotNil(t, patch.Logger())
			assert.NotNil(t, transform.Logger())
			assert.NotNil(t, vm.New(vm.Config{}))
		}()
	}
	wg.Wait()

	patch.SetLogger(nil)
	transform.SetLogger(nil)
	vm.SetLogger(nil)
	assert.NotNil(t, patch.Logger(), "nil restores the no-op logger")
	assert.NotNil(t, transform.Logger())
	assert.NotNil(t, vm.Logger())
}
