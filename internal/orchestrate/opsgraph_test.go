package orchestrate

import (
	"testing"

	"github.com/holocm/tpm2/internal/depres"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

func mustVersion(t *testing.T, s string) version.VersionNumber {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("parsing version %q: %v", s, err)
	}
	return v
}

func TestClassifyOperationsInstallNewAndChange(t *testing.T) {
	newPkg, changingPkg, stablePkg := id("new"), id("changing"), id("stable")
	v1, v2 := mustVersion(t, "1"), mustVersion(t, "2")

	chosen := map[pkgmeta.Identifier]version.VersionNumber{
		newPkg:      v1,
		changingPkg: v2,
		stablePkg:   v1,
	}
	previous := map[pkgmeta.Identifier]version.VersionNumber{
		changingPkg: v1,
		stablePkg:   v1,
	}

	g := ClassifyOperations(chosen, previous, nil, nil, nil)

	if g.Install[newPkg] != OpInstallNew {
		t.Errorf("new package = %s, want install_new", g.Install[newPkg])
	}
	if g.Install[changingPkg] != OpChangeInstall {
		t.Errorf("changing package = %s, want change_install", g.Install[changingPkg])
	}
	if g.Install[stablePkg] != OpNone {
		t.Errorf("stable package = %s, want none", g.Install[stablePkg])
	}
}

func TestClassifyOperationsFileCollisionUpgradesToReplace(t *testing.T) {
	incoming, outgoing := id("incoming"), id("outgoing")
	v1 := mustVersion(t, "1")

	chosen := map[pkgmeta.Identifier]version.VersionNumber{incoming: v1}
	removals := []depres.Removal{{ID: outgoing}}
	installFiles := map[pkgmeta.Identifier][]string{
		incoming: {"/usr/bin/tool", "/usr/share/doc/tool"},
	}
	removeFiles := map[pkgmeta.Identifier][]string{
		outgoing: {"/usr/bin/tool"},
	}

	g := ClassifyOperations(chosen, nil, removals, installFiles, removeFiles)

	if g.Install[incoming] != OpReplaceInstall {
		t.Errorf("incoming = %s, want replace_install", g.Install[incoming])
	}
	if g.Remove[outgoing] != OpReplaceRemove {
		t.Errorf("outgoing = %s, want replace_remove", g.Remove[outgoing])
	}
	blockers := g.BlockedBy(incoming)
	if len(blockers) != 1 || blockers[0] != outgoing {
		t.Errorf("BlockedBy(incoming) = %v, want [outgoing]", blockers)
	}
}

func TestClassifyOperationsPlainRemovalWithoutCollision(t *testing.T) {
	gone := id("gone")
	removals := []depres.Removal{{ID: gone}}
	removeFiles := map[pkgmeta.Identifier][]string{gone: {"/usr/bin/gone"}}

	g := ClassifyOperations(nil, nil, removals, nil, removeFiles)

	if g.Remove[gone] != OpRemove {
		t.Errorf("gone = %s, want remove", g.Remove[gone])
	}
	if blockers := g.BlockedBy(gone); len(blockers) != 0 {
		t.Errorf("BlockedBy(gone) = %v, want none (nothing installs over it)", blockers)
	}
}
