package registry_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/hook"
	"github.com/wippyai/ilpatch/registry"
)

type testObserver struct {
	events []registry.Event
}

func (o *testObserver) OnRegistryEvent(e registry.Event) {
	o.events = append(o.events, e)
}

var prefix = &cil.MethodRef{
	Owner:  &cil.TypeRef{Namespace: "Mod", Name: "Hooks"},
	Name:   "Prefix",
	Return: cil.Void,
	Static: true,
}

func patchSet(owners ...string) *hook.PatchSet {
	s := hook.NewPatchSet()
	for _, o := range owners {
		s.Add(hook.New(hook.Prefix, o, prefix))
	}
	return s
}

func TestTable_PutGet(t *testing.T) {
	table := registry.NewTable()

	if _, ok := table.Get("A::M()"); ok {
		t.Fatal("Get on empty table should fail")
	}

	set := patchSet("a")
	table.Put("A::M()", registry.Entry{Patches: set, Replacement: "A::M()#patch1"})

	e, ok := table.Get("A::M()")
	if !ok {
		t.Fatal("Get failed")
	}
	if e.Replacement != "A::M()#patch1" {
		t.Errorf("Replacement = %q", e.Replacement)
	}
	if e.Patches.Len() != 1 {
		t.Errorf("Patches.Len() = %d, want 1", e.Patches.Len())
	}

	// The stored set is a copy.
	set.Add(hook.New(hook.Prefix, "b", prefix))
	e.Patches.Clear()
	again, _ := table.Get("A::M()")
	if again.Patches.Len() != 1 {
		t.Errorf("stored set changed through an alias: Len() = %d", again.Patches.Len())
	}
}

func TestTable_NilPatchSet(t *testing.T) {
	table := registry.NewTable()
	table.Put("A::M()", registry.Entry{})
	e, ok := table.Get("A::M()")
	if !ok || e.Patches == nil || !e.Patches.Empty() {
		t.Fatalf("Get = %+v, %v; want empty patch set", e, ok)
	}
}

func TestTable_Original(t *testing.T) {
	table := registry.NewTable()
	table.Put("A::M()", registry.Entry{Patches: patchSet("a"), Replacement: "r1"})
	table.Put("A::M()", registry.Entry{Patches: patchSet("a", "b"), Replacement: "r2"})
	table.Put("B::N()", registry.Entry{Patches: patchSet("a"), Replacement: "r3"})

	tests := []struct {
		replacement cil.MethodID
		want        cil.MethodID
		ok          bool
	}{
		{"r1", "A::M()", true},
		{"r2", "A::M()", true},
		{"r3", "B::N()", true},
		{"A::M()", "", false},
		{"nope", "", false},
	}
	for _, tt := range tests {
		got, ok := table.Original(tt.replacement)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Original(%q) = %q, %v; want %q, %v", tt.replacement, got, ok, tt.want, tt.ok)
		}
	}

	if !table.Remove("A::M()") {
		t.Fatal("Remove failed")
	}
	for _, r := range []cil.MethodID{"r1", "r2"} {
		if _, ok := table.Original(r); ok {
			t.Errorf("Original(%q) still resolves after Remove", r)
		}
	}
	if _, ok := table.Original("r3"); !ok {
		t.Error("Remove dropped another method's replacement")
	}
	if table.Remove("A::M()") {
		t.Error("second Remove should report false")
	}
}

func TestTable_Methods(t *testing.T) {
	table := registry.NewTable()
	for _, m := range []cil.MethodID{"C::c()", "A::a()", "B::b()"} {
		table.Put(m, registry.Entry{Replacement: m + "#1"})
	}
	want := []cil.MethodID{"A::a()", "B::b()", "C::c()"}
	if got := table.Methods(); !slices.Equal(got, want) {
		t.Errorf("Methods() = %v, want %v", got, want)
	}
	if table.Len() != 3 {
		t.Errorf("Len() = %d, want 3", table.Len())
	}
	table.Clear()
	if table.Len() != 0 {
		t.Errorf("Len() after Clear = %d", table.Len())
	}
}

func TestTable_Observer(t *testing.T) {
	table := registry.NewTable()
	obs := &testObserver{}
	table.Subscribe(obs)

	table.Put("A::M()", registry.Entry{Replacement: "r1"})
	table.Put("A::M()", registry.Entry{Replacement: "r2"})
	table.Remove("A::M()")
	table.Remove("A::M()")

	want := []registry.Event{
		{Type: registry.EventPatched, Method: "A::M()", Replacement: "r1"},
		{Type: registry.EventPatched, Method: "A::M()", Replacement: "r2", Previous: "r1"},
		{Type: registry.EventRemoved, Method: "A::M()", Previous: "r2"},
	}
	if !slices.Equal(obs.events, want) {
		t.Fatalf("events = %+v, want %+v", obs.events, want)
	}

	table.Unsubscribe(obs)
	table.Put("B::N()", registry.Entry{})
	if len(obs.events) != 3 {
		t.Error("unsubscribed observer still notified")
	}
}

func TestTable_ObserverFunc(t *testing.T) {
	table := registry.NewTable()
	var got []registry.EventType
	table.Subscribe(registry.ObserverFunc(func(e registry.Event) {
		got = append(got, e.Type)
	}))
	table.Put("A::M()", registry.Entry{})
	table.Remove("A::M()")
	if !slices.Equal(got, []registry.EventType{registry.EventPatched, registry.EventRemoved}) {
		t.Errorf("got %v", got)
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := registry.NewTable()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := cil.MethodID(string(rune('A'+i)) + "::M()")
			for j := range 50 {
				table.Put(m, registry.Entry{Replacement: m + cil.MethodID(rune('0'+j%10))})
				table.Get(m)
				table.Original(m + "0")
				table.Methods()
			}
		}()
	}
	wg.Wait()
	if table.Len() != 8 {
		t.Errorf("Len() = %d, want 8", table.Len())
	}
}
