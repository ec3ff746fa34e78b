package hook_test

import (
	"slices"
	"testing"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/hook"
	"github.com/wippyai/ilpatch/transform"
)

var mods = &cil.TypeRef{Namespace: "Mods", Name: "Hooks"}

func method(name string) *cil.MethodRef {
	return &cil.MethodRef{Owner: mods, Name: name, Return: cil.Void, Static: true}
}

func TestNewDefaults(t *testing.T) {
	d := hook.New(hook.Prefix, "a", method("Pre"))
	if d.Priority != hook.Normal {
		t.Errorf("Priority = %d, want %d", d.Priority, hook.Normal)
	}
	if d.Name() != "Mods.Hooks::Pre()" {
		t.Errorf("Name = %q", d.Name())
	}

	tr := hook.NewTranspiler("a", transform.Named("strip", transform.Func(nil)))
	if tr.Kind != hook.Transpiler || tr.Name() != "strip" {
		t.Errorf("transpiler = %v", tr)
	}
}

func TestKeyIgnoresConstraintOrder(t *testing.T) {
	a := hook.New(hook.Postfix, "a", method("Post"))
	a.After = []string{"x", "y"}
	b := hook.New(hook.Postfix, "a", method("Post"))
	b.After = []string{"y", "x"}
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	b.Priority = hook.High
	if a.Key() == b.Key() {
		t.Error("priority must be part of the key")
	}
}

func TestPatchSetAdd(t *testing.T) {
	s := hook.NewPatchSet()
	orig := hook.New(hook.Prefix, "a", method("P1"))
	orig.After = []string{"b"}

	stored := s.Add(orig)
	orig.After[0] = "changed"
	orig.Priority = hook.First

	if stored == orig {
		t.Fatal("Add must copy the descriptor")
	}
	if stored.After[0] != "b" || stored.Priority != hook.Normal {
		t.Errorf("stored copy changed with the caller's: %v", stored)
	}

	s.Add(hook.New(hook.Postfix, "b", method("Q1")))
	third := s.Add(hook.New(hook.Prefix, "b", method("P2")))
	if stored.Index != 0 || third.Index != 2 {
		t.Errorf("indexes = %d, %d", stored.Index, third.Index)
	}
	if got := len(s.Of(hook.Prefix)); got != 2 {
		t.Errorf("prefixes = %d, want 2", got)
	}
	if s.Len() != 3 || s.Empty() {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestPatchSetRemove(t *testing.T) {
	s := hook.NewPatchSet()
	s.Add(hook.New(hook.Prefix, "a", method("P1")))
	s.Add(hook.New(hook.Postfix, "a", method("Q1")))
	s.Add(hook.New(hook.Postfix, "b", method("Q2")))
	s.Add(hook.New(hook.Finalizer, "b", method("F1")))

	if n := s.RemoveOwner("a"); n != 2 {
		t.Errorf("RemoveOwner = %d, want 2", n)
	}
	if got := s.Owners(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Owners = %v", got)
	}
	if n := s.RemoveMethod("Mods.Hooks::F1()"); n != 1 {
		t.Errorf("RemoveMethod = %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}

	s.Clear()
	if !s.Empty() {
		t.Error("Clear left hooks behind")
	}
	if d := s.Add(hook.New(hook.Prefix, "c", method("P3"))); d.Index != 4 {
		t.Errorf("index after Clear = %d, want 4", d.Index)
	}
}

func TestPatchSetClone(t *testing.T) {
	s := hook.NewPatchSet()
	s.Add(hook.New(hook.Prefix, "a", method("P1")))
	c := s.Clone()
	c.Add(hook.New(hook.Prefix, "b", method("P2")))
	c.RemoveOwner("a")

	if s.Len() != 1 || s.Of(hook.Prefix)[0].Owner != "a" {
		t.Errorf("original changed through clone: %v", s.All())
	}
	if got := c.Of(hook.Prefix); len(got) != 1 || got[0].Index != 1 {
		t.Errorf("clone = %v", got)
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[hook.Kind]string{
		hook.Prefix:     "prefix",
		hook.Postfix:    "postfix",
		hook.Transpiler: "transpiler",
		hook.Finalizer:  "finalizer",
		hook.Kind(9):    "Kind(9)",
	} {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
