package depres

import (
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

// score implements spec §4.5's α = 1000·c + 2·d + 8·f + 0.2·b for
// candidate ver at rank i of n (i = 0 is the lowest version, i = n-1 the
// highest, as the spec's "highest version first in the listing maps to
// i = N-1" rule requires).
func (s *Solver) score(node *IGNode, ver version.VersionNumber, i, n int) float64 {
	c := s.scoreConstraintFit(node, ver)
	d := s.scoreEjectCost(node, ver)
	f := s.scoreFileConflictCost(node, ver)
	b := s.scoreBias(node, ver, i, n)
	return 1000*c + 2*d + 8*f + 0.2*b
}

// theta decays the "recently ejected" bias term, scoped to just the
// nodes in sources rather than the whole graph: an unrelated node
// ejected elsewhere must not move the score of a candidate it has
// nothing to do with. t is the latest tick among sources at which
// anything was ejected (0 if none of them ever were, which still
// produces a live, decaying bias rather than 0 — the original treats
// "never ejected" the same as "ejected at tick 0").
func (s *Solver) theta(sources ...pkgmeta.Identifier) float64 {
	t := 0
	for _, id := range sources {
		if node := s.g[id]; node != nil && node.lastEjectTick > t {
			t = node.lastEjectTick
		}
	}
	if s.tNow < t {
		return 0
	}
	return 1 / float64(s.tNow-t+1)
}

const negInf = -1e18

// scoreConstraintFit implements the c term: walks the live constraint
// set on node, distinguishing the user's own (⊥) pin from dependent
// constraints, and scoring a selected-but-unpinned package specially
// when it conflicts with a dependent's constraint.
func (s *Solver) scoreConstraintFit(node *IGNode, ver version.VersionNumber) float64 {
	userFormula, hasUserPin := node.constraints[constraintSource{fromUser: true}]

	userSelected := hasUserPin && userFormula.Satisfies(ver, ver)
	// An arbitrary version of a package the user selected without
	// pinning it to a formula may still be chosen.
	if node.IsSelected && !hasUserPin {
		userSelected = true
	}

	conflict := false
	var conflictSources []pkgmeta.Identifier
	for src, f := range node.constraints {
		if f == nil || f.Satisfies(ver, ver) {
			continue
		}
		conflict = true
		if !src.fromUser {
			conflictSources = append(conflictSources, src.from)
		}
	}

	if !conflict {
		if userSelected {
			return 1
		}
		return 0
	}

	switch {
	case hasUserPin && !userSelected:
		// Violated user pin and no unpinned selection to fall back on:
		// this version must never be chosen.
		return negInf
	case userSelected:
		// A user-selected package (pinned-and-satisfied, or selected
		// without a pin at all) is still preferred over ejecting a
		// dependent's constraint, but not as strongly as an outright
		// conflict-free fit.
		return -1
	default:
		return -9 - s.theta(conflictSources...)
	}
}

// scoreEjectCost implements the d term: the number of (pre-)dependencies
// whose chosen version would stop satisfying its constraint if node took
// on ver.
func (s *Solver) scoreEjectCost(node *IGNode, ver version.VersionNumber) float64 {
	sources := s.invalidatedDependents(node, ver)
	count := len(sources)
	if count == 0 {
		return 0
	}
	mu := 1 - 1/float64(count+1)
	return -1 - 0.0625*mu - 0.5*s.theta(sources...)
}

// invalidatedDependents returns the identifiers of node's own (pre-)
// dependencies, under the constraints candidateVer would impose, whose
// currently chosen version would no longer satisfy that constraint.
func (s *Solver) invalidatedDependents(node *IGNode, candidateVer version.VersionNumber) []pkgmeta.Identifier {
	pre, deps, err := s.source.GetDependencies(node.ID.Name, node.ID.Arch, candidateVer)
	if err != nil {
		return nil
	}
	var sources []pkgmeta.Identifier
	for _, d := range append(append([]pkgmeta.Dependency{}, pre...), deps...) {
		depID := pkgmeta.Identifier{Name: d.Name, Arch: d.Arch}
		dep := s.g[depID]
		if dep == nil || !dep.HasChosenVersion {
			continue
		}
		if d.Constraint != nil && !d.Constraint.Satisfies(dep.ChosenVersion, dep.ChosenVersion) {
			sources = append(sources, depID)
		}
	}
	return sources
}

// scoreFileConflictCost implements the f term: the number of other nodes
// that already own any file ver would install.
func (s *Solver) scoreFileConflictCost(node *IGNode, ver version.VersionNumber) float64 {
	paths, err := s.source.GetFilePaths(node.ID.Name, node.ID.Arch, ver)
	if err != nil || len(paths) == 0 {
		return 0
	}
	n := len(s.conflictingOwners(node.ID, paths))
	if n == 0 {
		return 0
	}
	return -1 - (1 - 1/float64(n))
}

// scoreBias implements the b term per policy.
func (s *Solver) scoreBias(node *IGNode, ver version.VersionNumber, i, n int) float64 {
	if n == 0 {
		return 0
	}
	frac := float64(i) / float64(n)
	switch s.policy {
	case PolicyUpgrade:
		return frac
	case PolicyStrongSelectiveUpgrade:
		if node.IsSelected {
			x := (float64(i) + 0.9) / float64(n)
			return 50 * x * x * x
		}
		return frac
	case PolicyKeepNewer:
		if node.HasChosenVersion && ver.Equal(node.ChosenVersion) {
			return 0.95
		}
		return 0.8 * frac
	}
	return 0
}
