package registry_test

import (
	"testing"

	"github.com/wippyai/ilpatch/registry"
)

func TestDefault(t *testing.T) {
	t.Cleanup(func() { registry.SetDefault(nil) })

	first := registry.Default()
	if first == nil {
		t.Fatal("Default() returned nil")
	}
	if registry.Default() != first {
		t.Error("Default() must return the same registry on every call")
	}

	custom := registry.NewTable()
	registry.SetDefault(custom)
	if registry.Default() != registry.Registry(custom) {
		t.Error("SetDefault did not take effect")
	}

	registry.SetDefault(nil)
	if registry.Default() == registry.Registry(custom) {
		t.Error("SetDefault(nil) should install a fresh table")
	}
}

func TestSharedHolder(t *testing.T) {
	t.Cleanup(func() { registry.SetDefault(nil) })

	shared := registry.NewHolder(nil)
	registry.UseHolder(shared)
	registry.Default().Put("A::M()", registry.Entry{Replacement: "r"})

	// Another loaded copy would reach the table through the same holder.
	if m, ok := shared.Registry().Original("r"); !ok || m != "A::M()" {
		t.Errorf("Original through holder = %q, %v", m, ok)
	}
	if registry.DefaultHolder() != shared {
		t.Error("DefaultHolder() did not return the installed holder")
	}
}
