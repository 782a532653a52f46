// Package orchestrate implements spec §4.6: serializing a solved
// dependency graph into an unpack/configure/remove order, computing the
// bipartite operations graph, and driving each package's persisted
// low-level state machine to completion.
package orchestrate

import (
	"github.com/holocm/tpm2/internal/depres"
	"github.com/holocm/tpm2/internal/pkgmeta"
)

// Serialized holds both orderings spec §5 requires out of one solved
// graph plus its removal set: dependency order (used to drive configure)
// and pre-dependency order (used to drive unpack and removal).
type Serialized struct {
	ConfigureOrder []pkgmeta.Identifier // install-side nodes, dependencies-first
	UnpackOrder    []pkgmeta.Identifier // install-side nodes, pre-dependencies-first
	RemovalOrder   []pkgmeta.Identifier // removal-side nodes, pre-dependencies-first
}

// Serialize contracts G's strongly connected components with Tarjan's
// algorithm and flattens them into the three orderings an execution plan
// needs. removals is the solver's garbage-collected/orphaned package list,
// whose pre-dependency edges are taken from depres.Removal since they no
// longer appear as nodes in g.
func Serialize(g depres.Graph, removals []depres.Removal) Serialized {
	installIDs := make([]pkgmeta.Identifier, 0, len(g))
	for id := range g {
		installIDs = append(installIDs, id)
	}

	depEdges := func(id pkgmeta.Identifier) []pkgmeta.Identifier {
		if n := g[id]; n != nil {
			return n.Dependencies
		}
		return nil
	}
	preDepEdges := func(id pkgmeta.Identifier) []pkgmeta.Identifier {
		if n := g[id]; n != nil {
			return n.PreDependencies
		}
		return nil
	}

	removeIDs := make([]pkgmeta.Identifier, 0, len(removals))
	removalPreDeps := map[pkgmeta.Identifier][]pkgmeta.Identifier{}
	for _, r := range removals {
		removeIDs = append(removeIDs, r.ID)
		removalPreDeps[r.ID] = r.PreDependencies
	}
	removalEdges := func(id pkgmeta.Identifier) []pkgmeta.Identifier {
		return removalPreDeps[id]
	}

	return Serialized{
		ConfigureOrder: flatten(tarjan(installIDs, depEdges)),
		UnpackOrder:    flatten(tarjan(installIDs, preDepEdges)),
		RemovalOrder:   flatten(tarjan(removeIDs, removalEdges)),
	}
}

// ConfigureComponents exposes the dependency-order strongly connected
// components Serialize contracts internally, for diagnostics that want to
// show cycle membership rather than just a flattened order (the original
// prints the full SCC when contraction occurs during orchestration, not
// just a count).
func ConfigureComponents(g depres.Graph) [][]pkgmeta.Identifier {
	ids := make([]pkgmeta.Identifier, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	edges := func(id pkgmeta.Identifier) []pkgmeta.Identifier {
		if n := g[id]; n != nil {
			return n.Dependencies
		}
		return nil
	}
	return tarjan(ids, edges)
}

// RemovalComponents is ConfigureComponents' counterpart for a removal set,
// walking pre-dependency edges the same way Serialize's RemovalOrder does.
func RemovalComponents(removals []depres.Removal) [][]pkgmeta.Identifier {
	ids := make([]pkgmeta.Identifier, 0, len(removals))
	preDeps := map[pkgmeta.Identifier][]pkgmeta.Identifier{}
	for _, r := range removals {
		ids = append(ids, r.ID)
		preDeps[r.ID] = r.PreDependencies
	}
	edges := func(id pkgmeta.Identifier) []pkgmeta.Identifier {
		return preDeps[id]
	}
	return tarjan(ids, edges)
}
