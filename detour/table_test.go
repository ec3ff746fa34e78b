package detour_test

import (
	"testing"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/detour"
	"github.com/wippyai/ilpatch/errors"
)

func method(name string) *cil.MethodRef {
	return &cil.MethodRef{
		Owner:  &cil.TypeRef{Namespace: "Game", Name: "Player"},
		Name:   name,
		Return: cil.Int32,
		Static: true,
	}
}

func constBody(m *cil.MethodRef, v int32) *cil.MethodBody {
	body := cil.NewBody(m)
	b := cil.NewBuilder(body)
	b.LoadInt(v)
	b.Emit(cil.OpRet, nil)
	return body
}

func TestTable_RegisterAndResolve(t *testing.T) {
	table := detour.NewTable()
	m := method("Get")
	if err := table.Register(constBody(m, 1)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	body, run, ok := table.Target(m.ID())
	if !ok || run != m.ID() {
		t.Fatalf("Target = %v, %q, %v", body, run, ok)
	}
	if v, _ := body.Instructions[0].IntValue(); v != 1 {
		t.Errorf("registered body constant = %d, want 1", v)
	}
}

func TestTable_InstallRestore(t *testing.T) {
	table := detour.NewTable()
	m := method("Get")
	if err := table.Register(constBody(m, 1)); err != nil {
		t.Fatal(err)
	}
	repl := m.ID() + "#patch1"

	if err := table.Install(m.ID(), repl); !errors.Is(err, errors.ErrDetour) {
		t.Fatalf("Install of undefined replacement: err = %v, want detour error", err)
	}

	if err := table.Define(repl, constBody(m, 2)); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := table.Install(m.ID(), repl); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := table.Resolve(m.ID()); got != repl {
		t.Errorf("Resolve = %q, want %q", got, repl)
	}
	body, run, ok := table.Target(m.ID())
	if !ok || run != repl {
		t.Fatalf("Target = %q, %v", run, ok)
	}
	if v, _ := body.Instructions[0].IntValue(); v != 2 {
		t.Errorf("routed body constant = %d, want 2", v)
	}
	if orig, ok := table.Body(m.ID()); !ok || orig == body {
		t.Error("Body must return the original, not the routed body")
	}

	if err := table.Restore(m.ID()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := table.Resolve(m.ID()); got != m.ID() {
		t.Errorf("Resolve after Restore = %q", got)
	}
	if err := table.Restore(m.ID()); err != nil {
		t.Errorf("second Restore: %v", err)
	}
}

func TestTable_Reinstall(t *testing.T) {
	table := detour.NewTable()
	m := method("Get")
	for i, id := range []cil.MethodID{"r1", "r2"} {
		if err := table.Define(id, constBody(m, int32(i))); err != nil {
			t.Fatal(err)
		}
		if err := table.Install(m.ID(), id); err != nil {
			t.Fatal(err)
		}
	}
	routes := table.Routes()
	if len(routes) != 1 || routes[m.ID()] != "r2" {
		t.Errorf("Routes = %v", routes)
	}

	table.Forget("r2")
	if got := table.Resolve(m.ID()); got != m.ID() {
		t.Errorf("Resolve after Forget = %q", got)
	}
	if _, ok := table.Body("r1"); !ok {
		t.Error("Forget removed an unrelated body")
	}
}

func TestTable_DefineCopiesBody(t *testing.T) {
	table := detour.NewTable()
	m := method("Get")
	body := constBody(m, 3)
	if err := table.Define("r", body); err != nil {
		t.Fatal(err)
	}
	body.Instructions[0].Op = cil.OpLdcI40
	stored, _ := table.Body("r")
	if stored.Instructions[0].Op != cil.OpLdcI43 {
		t.Error("Define must store a copy")
	}
}

func TestTable_InvalidInput(t *testing.T) {
	table := detour.NewTable()
	tests := []struct {
		name string
		fn   func() error
	}{
		{"register nil", func() error { return table.Register(nil) }},
		{"register without method", func() error { return table.Register(&cil.MethodBody{}) }},
		{"define empty id", func() error { return table.Define("", constBody(method("M"), 1)) }},
		{"define nil body", func() error { return table.Define("r", nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, errors.ErrDetour) {
				t.Errorf("err = %v, want detour error", err)
			}
		})
	}
}

func TestFuncAdapters(t *testing.T) {
	var installed, defined cil.MethodID
	var a detour.Applier = detour.ApplierFunc(func(o, r cil.MethodID) error {
		installed = o + "->" + r
		return nil
	})
	var d detour.Definer = detour.DefinerFunc(func(r cil.MethodID, _ *cil.MethodBody) error {
		defined = r
		return nil
	})
	_ = a.Install("a", "b")
	_ = d.Define("c", nil)
	if installed != "a->b" || defined != "c" {
		t.Errorf("installed %q, defined %q", installed, defined)
	}
}
