package orchestrate

import (
	"reflect"
	"testing"

	"github.com/holocm/tpm2/internal/pkgmeta"
)

func id(name string) pkgmeta.Identifier {
	return pkgmeta.Identifier{Name: name, Arch: pkgmeta.ArchAMD64}
}

func indexOf(t *testing.T, order []pkgmeta.Identifier, name string) int {
	t.Helper()
	for i, got := range order {
		if got.Name == name {
			return i
		}
	}
	t.Fatalf("%s not found in %v", name, order)
	return -1
}

func TestTarjanDiamondOrdersDependenciesBeforeDependents(t *testing.T) {
	// a depends on b and c; b and c both depend on d.
	edges := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
		"d": nil,
	}
	ids := []pkgmeta.Identifier{id("a"), id("b"), id("c"), id("d")}
	order := flatten(tarjan(ids, func(v pkgmeta.Identifier) []pkgmeta.Identifier {
		var out []pkgmeta.Identifier
		for _, n := range edges[v.Name] {
			out = append(out, id(n))
		}
		return out
	}))

	if len(order) != 4 {
		t.Fatalf("expected 4 entries, got %v", order)
	}
	dPos, bPos, cPos, aPos := indexOf(t, order, "d"), indexOf(t, order, "b"), indexOf(t, order, "c"), indexOf(t, order, "a")
	if dPos > bPos || dPos > cPos {
		t.Errorf("d must come before its dependents: order=%v", order)
	}
	if bPos > aPos || cPos > aPos {
		t.Errorf("b and c must come before a: order=%v", order)
	}
}

func TestTarjanCycleContractsToOneComponent(t *testing.T) {
	// a <-> b form a cycle; c depends on a.
	edges := map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"c": {"a"},
	}
	ids := []pkgmeta.Identifier{id("a"), id("b"), id("c")}
	comps := tarjan(ids, func(v pkgmeta.Identifier) []pkgmeta.Identifier {
		var out []pkgmeta.Identifier
		for _, n := range edges[v.Name] {
			out = append(out, id(n))
		}
		return out
	})

	if len(comps) != 2 {
		t.Fatalf("expected 2 components (the ab cycle, and c), got %d: %v", len(comps), comps)
	}
	cycle := comps[0]
	if len(cycle) != 2 {
		t.Fatalf("expected the first component to be the 2-node cycle, got %v", cycle)
	}
	got := []string{cycle[0].Name, cycle[1].Name}
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cycle members = %v, want %v (sorted by name)", got, want)
	}

	order := flatten(comps)
	if indexOf(t, order, "a") > indexOf(t, order, "c") {
		t.Errorf("a must come before its dependent c: order=%v", order)
	}
}

func TestTarjanIndependentNodesKeepDeterministicOrder(t *testing.T) {
	ids := []pkgmeta.Identifier{id("z"), id("a"), id("m")}
	order := flatten(tarjan(ids, func(pkgmeta.Identifier) []pkgmeta.Identifier { return nil }))
	want := []string{"a", "m", "z"}
	var got []string
	for _, i := range order {
		got = append(got, i.Name)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}
