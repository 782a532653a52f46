package orchestrate

import (
	"github.com/holocm/tpm2/internal/depres"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

// OperationKind labels one side of the bipartite operations graph (spec
// §4.6). change_install and change_remove are not modeled as two distinct
// graph nodes here: a version change in place is one continuous state
// machine run on a single (name, arch) identity (preinst_change ->
// unpack_change -> wait_old_removed -> configure_change, spec §3's
// *_change arc), so it gets one OpChangeInstall label and its own
// ll_rm_files phase runs as part of that same package's execution rather
// than as a separate removal-side node. A removal-side node only exists
// in this graph when no install-side node shares its identity.
type OperationKind int

const (
	OpNone OperationKind = iota
	OpInstallNew
	OpChangeInstall
	OpReplaceInstall
	OpRemove
	OpReplaceRemove
)

func (k OperationKind) String() string {
	switch k {
	case OpInstallNew:
		return "install_new"
	case OpChangeInstall:
		return "change_install"
	case OpReplaceInstall:
		return "replace_install"
	case OpRemove:
		return "remove"
	case OpReplaceRemove:
		return "replace_remove"
	default:
		return "none"
	}
}

// OperationsGraph is the bipartite A (removal-side) ∪ B (install-side)
// graph spec §4.6 computes: every node labeled with its operation kind,
// plus the edges a file-path collision draws between a removal-side node
// and the install-side node it blocks.
type OperationsGraph struct {
	Install map[pkgmeta.Identifier]OperationKind
	Remove  map[pkgmeta.Identifier]OperationKind

	// Blocks maps a removal-side identifier to the install-side
	// identifiers that cannot be unpacked until it is removed.
	Blocks map[pkgmeta.Identifier][]pkgmeta.Identifier
}

// BlockedBy reports whether any removal-side node must run before id is
// unpacked, for the "emission order removes conflicting A nodes just in
// time" rule.
func (g *OperationsGraph) BlockedBy(id pkgmeta.Identifier) []pkgmeta.Identifier {
	var out []pkgmeta.Identifier
	for removeID, blocked := range g.Blocks {
		for _, b := range blocked {
			if b == id {
				out = append(out, removeID)
			}
		}
	}
	return out
}

// ClassifyOperations labels every install-side node (new install or
// in-place version change) and every removal-side node (from the
// solver's garbage-collected/orphaned set), then draws a collision edge
// wherever an install-side node's chosen file list overlaps a removal-
// side node's currently-owned file list, upgrading both ends to the
// replace_* labels.
func ClassifyOperations(
	chosenVersions map[pkgmeta.Identifier]version.VersionNumber,
	previousVersions map[pkgmeta.Identifier]version.VersionNumber,
	removals []depres.Removal,
	installFiles map[pkgmeta.Identifier][]string,
	removeFiles map[pkgmeta.Identifier][]string,
) *OperationsGraph {
	g := &OperationsGraph{
		Install: map[pkgmeta.Identifier]OperationKind{},
		Remove:  map[pkgmeta.Identifier]OperationKind{},
		Blocks:  map[pkgmeta.Identifier][]pkgmeta.Identifier{},
	}

	for id, chosen := range chosenVersions {
		prev, wasInstalled := previousVersions[id]
		switch {
		case !wasInstalled:
			g.Install[id] = OpInstallNew
		case !prev.Equal(chosen):
			g.Install[id] = OpChangeInstall
		default:
			g.Install[id] = OpNone
		}
	}
	for _, r := range removals {
		g.Remove[r.ID] = OpRemove
	}

	removeOwners := map[string]pkgmeta.Identifier{}
	for id, paths := range removeFiles {
		for _, p := range paths {
			removeOwners[p] = id
		}
	}

	for installID, paths := range installFiles {
		if g.Install[installID] == OpNone {
			continue
		}
		seen := map[pkgmeta.Identifier]bool{}
		for _, p := range paths {
			owner, ok := removeOwners[p]
			if !ok || seen[owner] {
				continue
			}
			seen[owner] = true
			g.Blocks[owner] = append(g.Blocks[owner], installID)
			g.Remove[owner] = OpReplaceRemove
			if g.Install[installID] != OpChangeInstall {
				g.Install[installID] = OpReplaceInstall
			}
		}
	}

	return g
}
