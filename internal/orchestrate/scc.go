package orchestrate

import (
	"sort"

	"github.com/holocm/tpm2/internal/pkgmeta"
)

// edgeFunc returns the outgoing edges of id in the graph being serialized:
// dependencies for the configure order, pre_dependencies for the unpack
// and removal order (spec §5's "ordering guarantees").
type edgeFunc func(id pkgmeta.Identifier) []pkgmeta.Identifier

// tarjan partitions ids into strongly connected components using Tarjan's
// algorithm and returns them in the order the algorithm completes them.
// For an edge u->v meaning "u depends on v", a component is only popped
// once every node it points to has already been popped, so this order is
// already a valid dependency-respecting sequence: v's component comes out
// at or before u's. Within one component (a dependency cycle) members are
// sorted by (name, arch) for a deterministic, if arbitrary, order.
func tarjan(ids []pkgmeta.Identifier, edges edgeFunc) [][]pkgmeta.Identifier {
	sorted := make([]pkgmeta.Identifier, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return lessIdentifier(sorted[i], sorted[j]) })

	t := &tarjanState{
		index:   map[pkgmeta.Identifier]int{},
		lowlink: map[pkgmeta.Identifier]int{},
		onStack: map[pkgmeta.Identifier]bool{},
		edges:   edges,
	}
	for _, id := range sorted {
		if _, seen := t.index[id]; !seen {
			t.strongconnect(id)
		}
	}
	return t.components
}

func lessIdentifier(a, b pkgmeta.Identifier) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Arch < b.Arch
}

type tarjanState struct {
	counter int
	index   map[pkgmeta.Identifier]int
	lowlink map[pkgmeta.Identifier]int
	onStack map[pkgmeta.Identifier]bool
	stack   []pkgmeta.Identifier
	edges   edgeFunc

	components [][]pkgmeta.Identifier
}

func (t *tarjanState) strongconnect(v pkgmeta.Identifier) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	neighbors := append([]pkgmeta.Identifier(nil), t.edges(v)...)
	sort.Slice(neighbors, func(i, j int) bool { return lessIdentifier(neighbors[i], neighbors[j]) })
	for _, w := range neighbors {
		if _, seen := t.index[w]; !seen {
			t.strongconnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var comp []pkgmeta.Identifier
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		sort.Slice(comp, func(i, j int) bool { return lessIdentifier(comp[i], comp[j]) })
		t.components = append(t.components, comp)
	}
}

// flatten concatenates components in order into a single dependency-
// respecting sequence.
func flatten(components [][]pkgmeta.Identifier) []pkgmeta.Identifier {
	var out []pkgmeta.Identifier
	for _, c := range components {
		out = append(out, c...)
	}
	return out
}
