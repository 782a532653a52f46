// Package depres implements the Depres constraint solver (spec §4.5): an
// iterative, score-guided resolver that converges an installed-package
// set plus a set of user selections into a consistent dependency graph,
// ejecting and re-evaluating packages in FIFO order until no further
// change improves the configuration.
//
// Grounded on golang-dep's vsolver/gps solve loop (bestiary_test.go's
// fixture-driven solve_test.go, and the ProjectAtom/ProjectDep/Solve
// shape of the vendored solver files): the same "seed, loop until queue
// empty, score candidates, eject losers" architecture, adapted from
// golang-dep's single highest-version-wins selection to this package's
// explicit numeric scoring formula.
package depres

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/filetrie"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

// Policy selects how the scoring bias term treats package freshness.
type Policy int

const (
	PolicyKeepNewer Policy = iota
	PolicyUpgrade
	PolicyStrongSelectiveUpgrade
)

// VersionLister and VersionGetter are the two callbacks the solver needs
// from the provider layer; kept as narrow interfaces here so depres has
// no import-time dependency on internal/provider.
type VersionLister interface {
	ListVersions(name string, arch pkgmeta.Architecture) ([]version.VersionNumber, error)
}

// DependencySource resolves the forward dependency list and owned file
// paths a candidate version would impose, without requiring the full
// ProvidedPackage API.
type DependencySource interface {
	VersionLister
	GetDependencies(name string, arch pkgmeta.Architecture, ver version.VersionNumber) (pre, deps []pkgmeta.Dependency, err error)
	GetFilePaths(name string, arch pkgmeta.Architecture, ver version.VersionNumber) ([]string, error)
}

// InstalledEntry is one row of the solver's `installed` input.
type InstalledEntry struct {
	Identifier pkgmeta.Identifier
	Version    version.VersionNumber
	Auto       bool
}

// Selection is one row of the solver's `selected` input: a user request
// for name/arch, optionally constrained.
type Selection struct {
	Name       string
	Arch       pkgmeta.Architecture
	Constraint *version.Formula
}

// constraintSource distinguishes the user's own pin (the ⊥ key) from
// constraints imposed by a specific dependent package.
type constraintSource struct {
	fromUser bool
	from     pkgmeta.Identifier
}

// IGNode is one node of the in-progress installation graph G.
type IGNode struct {
	ID pkgmeta.Identifier

	ChosenVersion      version.VersionNumber
	HasChosenVersion   bool
	IsSelected         bool
	InstalledAutomatic bool
	MarkedForRemoval   bool

	// constraints maps the imposing source to the formula it asserts
	// against this node. The zero constraintSource{fromUser: true} key
	// is the user's own pin, spec's ⊥.
	constraints map[constraintSource]*version.Formula

	// Forward edges, materialized by setDependencies from the chosen
	// version's metadata.
	Dependencies    []pkgmeta.Identifier
	PreDependencies []pkgmeta.Identifier

	// Reverse edges: who imposes a constraint on this node.
	ReverseDependencies    map[pkgmeta.Identifier]bool
	ReversePreDependencies map[pkgmeta.Identifier]bool

	queued   bool
	queuePos int
	lastEjectTick int
}

func newNode(id pkgmeta.Identifier) *IGNode {
	return &IGNode{
		ID:                     id,
		constraints:            map[constraintSource]*version.Formula{},
		ReverseDependencies:    map[pkgmeta.Identifier]bool{},
		ReversePreDependencies: map[pkgmeta.Identifier]bool{},
	}
}

// Graph is the solver's resulting installation graph: every node reached
// by the resolution, keyed by (name, arch).
type Graph map[pkgmeta.Identifier]*IGNode

// Solver holds the mutable state of one solve run.
type Solver struct {
	source   DependencySource
	policy   Policy
	evalAll  bool

	g      Graph
	queue  []pkgmeta.Identifier
	trie   *filetrie.Trie
	fileOwners map[string]pkgmeta.Identifier // file path -> current owner, mirrors the trie's leaf payload for O(1) conflict checks

	tNow int
	ejectIndex int
	previousVersions map[previousVersionKey]int

	removals []Removal

	warnings []string
}

type previousVersionKey struct {
	id    pkgmeta.Identifier
	ver   string
	alpha int64 // score rounded to an integer milli-unit, for stable map keys
}

// New constructs a solver ready to Run once.
func New(source DependencySource, policy Policy, evaluateAll bool) *Solver {
	return &Solver{
		source:           source,
		policy:           policy,
		evalAll:          evaluateAll,
		g:                Graph{},
		trie:             filetrie.New(),
		fileOwners:       map[string]pkgmeta.Identifier{},
		previousVersions: map[previousVersionKey]int{},
	}
}

// OscillationError is returned when loop detection trips: the same
// (package, version, score) combination recurs ten times without the
// queue draining, signalling the solver cannot converge.
type OscillationError struct {
	Offenders []string
}

func (e *OscillationError) Error() string {
	return "depres: oscillation detected: " + fmt.Sprint(e.Offenders)
}

// UnsatisfiedPinError is returned when a user selection's own constraint
// rejects every version a repository offers for that package.
type UnsatisfiedPinError struct {
	Name, Arch, Formula string
}

func (e *UnsatisfiedPinError) Error() string {
	return fmt.Sprintf("depres: no version of %s/%s satisfies user constraint %s", e.Name, e.Arch, e.Formula)
}

// Run executes the full seed-then-iterate algorithm of spec §4.5 and
// returns the resulting graph, or an error (including *OscillationError)
// if the loop could not converge or a fatal integrity check failed.
func (s *Solver) Run(installed []InstalledEntry, selected []Selection) (Graph, []string, error) {
	if err := s.seed(installed, selected); err != nil {
		return nil, nil, err
	}

	for len(s.queue) > 0 {
		id := s.popQueue()
		node := s.g[id]
		if node == nil || node.MarkedForRemoval {
			continue
		}
		s.tNow++

		if err := s.processNode(node); err != nil {
			return nil, nil, err
		}

		s.removeUnreachableNodes()
	}

	// Second garbage-collection pass after the main loop drains.
	s.removeUnreachableNodes()

	if err := s.finalizeRemovals(); err != nil {
		return nil, nil, err
	}

	return s.g, s.warnings, nil
}

func (s *Solver) seed(installed []InstalledEntry, selected []Selection) error {
	for _, ie := range installed {
		node := s.getOrCreateNode(ie.Identifier)
		node.ChosenVersion = ie.Version
		node.HasChosenVersion = true
		node.InstalledAutomatic = ie.Auto

		paths, err := s.source.GetFilePaths(ie.Identifier.Name, ie.Identifier.Arch, ie.Version)
		if err != nil {
			return errors.Wrapf(err, "depres: reading file list of %s/%s %s", ie.Identifier.Name, ie.Identifier.Arch, ie.Version)
		}
		if conflicting := s.conflictingOwners(ie.Identifier, paths); len(conflicting) > 0 {
			s.warnings = append(s.warnings, fmt.Sprintf(
				"file conflict in current installation: %s/%s shares files with %v", ie.Identifier.Name, ie.Identifier.Arch, conflicting))
		}
		s.RegisterFiles(ie.Identifier, paths)
	}
	for _, ie := range installed {
		node := s.g[ie.Identifier]
		if err := s.setDependencies(node); err != nil {
			return err
		}
	}

	anySelected := len(selected) > 0
	for _, sel := range selected {
		id := pkgmeta.Identifier{Name: sel.Name, Arch: sel.Arch}
		node := s.getOrCreateNode(id)
		node.IsSelected = true
		node.InstalledAutomatic = false
		node.constraints[constraintSource{fromUser: true}] = sel.Constraint

		satisfied := node.HasChosenVersion && sel.Constraint.Satisfies(node.ChosenVersion, node.ChosenVersion)
		if !satisfied || s.policy == PolicyStrongSelectiveUpgrade {
			s.enqueue(id)
		}
	}

	if s.evalAll && !anySelected {
		for id, node := range s.g {
			node.MarkedForRemoval = false
			s.enqueue(id)
		}
	}
	return nil
}

func (s *Solver) getOrCreateNode(id pkgmeta.Identifier) *IGNode {
	if n, ok := s.g[id]; ok {
		return n
	}
	n := newNode(id)
	s.g[id] = n
	return n
}

func (s *Solver) enqueue(id pkgmeta.Identifier) {
	node := s.g[id]
	if node == nil || node.queued {
		return
	}
	node.queued = true
	node.queuePos = len(s.queue)
	s.queue = append(s.queue, id)
}

func (s *Solver) popQueue() pkgmeta.Identifier {
	id := s.queue[0]
	s.queue = s.queue[1:]
	if node := s.g[id]; node != nil {
		node.queued = false
	}
	return id
}

// setDependencies materializes node's forward edges from its chosen
// version's metadata and registers the imposed constraints on each
// neighbor, per spec §4.5 seeding step 2.
func (s *Solver) setDependencies(node *IGNode) error {
	if !node.HasChosenVersion {
		return nil
	}
	pre, deps, err := s.source.GetDependencies(node.ID.Name, node.ID.Arch, node.ChosenVersion)
	if err != nil {
		return errors.Wrapf(err, "depres: reading dependencies of %s/%s %s", node.ID.Name, node.ID.Arch, node.ChosenVersion)
	}

	s.clearOutgoing(node, true)
	s.clearOutgoing(node, false)
	node.PreDependencies = nil
	node.Dependencies = nil

	for _, d := range pre {
		depID := pkgmeta.Identifier{Name: d.Name, Arch: d.Arch}
		depNode := s.getOrCreateNode(depID)
		depNode.ReversePreDependencies[node.ID] = true
		depNode.constraints[constraintSource{from: node.ID}] = d.Constraint
		node.PreDependencies = append(node.PreDependencies, depID)
		if !depNode.HasChosenVersion {
			s.enqueue(depID)
		}
	}
	for _, d := range deps {
		depID := pkgmeta.Identifier{Name: d.Name, Arch: d.Arch}
		depNode := s.getOrCreateNode(depID)
		depNode.ReverseDependencies[node.ID] = true
		depNode.constraints[constraintSource{from: node.ID}] = d.Constraint
		node.Dependencies = append(node.Dependencies, depID)
		if !depNode.HasChosenVersion {
			s.enqueue(depID)
		}
	}
	return nil
}

// clearOutgoing removes node's previously-recorded reverse edges/
// constraints from its old dependency set before re-deriving it.
func (s *Solver) clearOutgoing(node *IGNode, pre bool) {
	old := node.Dependencies
	if pre {
		old = node.PreDependencies
	}
	for _, depID := range old {
		depNode := s.g[depID]
		if depNode == nil {
			continue
		}
		if pre {
			delete(depNode.ReversePreDependencies, node.ID)
		} else {
			delete(depNode.ReverseDependencies, node.ID)
		}
		delete(depNode.constraints, constraintSource{from: node.ID})
	}
}

// processNode implements one iteration of the main loop body, spec
// §4.5 steps 2-9, for the popped node v.
func (s *Solver) processNode(v *IGNode) error {
	versions, err := s.source.ListVersions(v.ID.Name, v.ID.Arch)
	if err != nil {
		return errors.Wrapf(err, "depres: listing versions of %s/%s", v.ID.Name, v.ID.Arch)
	}
	sort.Sort(sort.Reverse(version.ByVersion(versions)))
	n := len(versions)
	if n == 0 {
		return nil
	}

	var best version.VersionNumber
	var bestScore float64
	haveBest := false
	for i, ver := range versions {
		rank := n - 1 - i // highest version first in listing maps to i = N-1
		score := s.score(v, ver, rank, n)
		if !haveBest || score > bestScore {
			best, bestScore, haveBest = ver, score, true
		}
	}

	if v.IsSelected {
		if pin, ok := v.constraints[constraintSource{fromUser: true}]; ok && !pin.Satisfies(best, best) {
			return &UnsatisfiedPinError{Name: v.ID.Name, Arch: v.ID.Arch.String(), Formula: pin.String()}
		}
	}

	if v.HasChosenVersion && best.Equal(v.ChosenVersion) {
		return nil
	}

	// Loop detection.
	key := previousVersionKey{id: v.ID, ver: best.String(), alpha: int64(bestScore * 1000)}
	s.previousVersions[key]++
	if s.previousVersions[key] >= 10 {
		return s.oscillationError()
	}

	if !v.IsSelected && v.HasChosenVersion {
		installedScore := s.score(v, v.ChosenVersion, 0, n)
		candidateNotNewer := best.Compare(v.ChosenVersion) <= 0
		removalCandidate := bestScore < -6.5 || (installedScore < -6.5 && candidateNotNewer)
		if removalCandidate && !s.hasSelectedDependent(v) {
			v.MarkedForRemoval = true
			return nil
		}
	}

	s.removeFilesForNode(v)
	v.ChosenVersion = best
	v.HasChosenVersion = true
	if err := s.setDependencies(v); err != nil {
		return err
	}
	s.requeueInvalidatedDependents(v)

	if bestScore < 0 {
		s.ejectADependent(v)
	}

	paths, err := s.source.GetFilePaths(v.ID.Name, v.ID.Arch, v.ChosenVersion)
	if err != nil {
		return errors.Wrapf(err, "depres: reading file list of %s/%s %s", v.ID.Name, v.ID.Arch, v.ChosenVersion)
	}
	for _, owner := range s.conflictingOwners(v.ID, paths) {
		if node := s.g[owner]; node != nil && node.HasChosenVersion {
			s.ejectNode(node)
			s.enqueue(owner)
		}
	}
	s.RegisterFiles(v.ID, paths)

	return nil
}

func (s *Solver) oscillationError() error {
	type counted struct {
		id    pkgmeta.Identifier
		count int
	}
	var offenders []counted
	for k, c := range s.previousVersions {
		if c > 8 {
			offenders = append(offenders, counted{k.id, c})
		}
	}
	sort.Slice(offenders, func(i, j int) bool { return offenders[i].count > offenders[j].count })
	var names []string
	for _, o := range offenders {
		names = append(names, fmt.Sprintf("%s/%s(%d)", o.id.Name, o.id.Arch, o.count))
	}
	return &OscillationError{Offenders: names}
}

// hasSelectedDependent reports whether any transitive (pre-)dependent of
// v, reachable via reverse edges, is itself selected.
func (s *Solver) hasSelectedDependent(v *IGNode) bool {
	seen := map[pkgmeta.Identifier]bool{}
	var walk func(id pkgmeta.Identifier) bool
	walk = func(id pkgmeta.Identifier) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		node := s.g[id]
		if node == nil {
			return false
		}
		if node.IsSelected {
			return true
		}
		for dep := range node.ReverseDependencies {
			if walk(dep) {
				return true
			}
		}
		for dep := range node.ReversePreDependencies {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	for dep := range v.ReverseDependencies {
		if walk(dep) {
			return true
		}
	}
	for dep := range v.ReversePreDependencies {
		if walk(dep) {
			return true
		}
	}
	return false
}

// requeueInvalidatedDependents re-queues every (pre-)dependency of v
// whose chosen version no longer satisfies the constraint v now imposes,
// ejecting it first; if any such dependency is already marked for
// removal, the mark is propagated up to v.
func (s *Solver) requeueInvalidatedDependents(v *IGNode) {
	for _, depID := range append(append([]pkgmeta.Identifier{}, v.Dependencies...), v.PreDependencies...) {
		dep := s.g[depID]
		if dep == nil {
			continue
		}
		formula := dep.constraints[constraintSource{from: v.ID}]
		if dep.HasChosenVersion && !formula.Satisfies(dep.ChosenVersion, dep.ChosenVersion) {
			s.ejectNode(dep)
			s.enqueue(depID)
		}
		if dep.MarkedForRemoval {
			v.MarkedForRemoval = true
		}
	}
}

// ejectADependent ejects one dependent of v using a round-robin index so
// that repeated conflicts rotate blame across candidates rather than
// fixating on one.
func (s *Solver) ejectADependent(v *IGNode) {
	var candidates []pkgmeta.Identifier
	for dep := range v.ReverseDependencies {
		candidates = append(candidates, dep)
	}
	for dep := range v.ReversePreDependencies {
		candidates = append(candidates, dep)
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return fmt.Sprint(candidates[i]) < fmt.Sprint(candidates[j])
	})
	idx := s.ejectIndex % len(candidates)
	s.ejectIndex++

	victim := s.g[candidates[idx]]
	if victim != nil {
		victim.lastEjectTick = s.tNow
		s.ejectNode(victim)
		s.enqueue(candidates[idx])
	}
}

// ejectNode clears a node's chosen version and file ownership without
// removing it from G, so it will be re-evaluated from scratch next time
// it is popped.
func (s *Solver) ejectNode(node *IGNode) {
	if !node.HasChosenVersion {
		return
	}
	s.removeFilesForNode(node)
	node.HasChosenVersion = false
}

// removeUnreachableNodes deletes, transitively, any node that is neither
// selected nor installed and has empty reverse-dependency sets.
func (s *Solver) removeUnreachableNodes() {
	changed := true
	for changed {
		changed = false
		for id, node := range s.g {
			if node.IsSelected {
				continue
			}
			if len(node.ReverseDependencies) > 0 || len(node.ReversePreDependencies) > 0 {
				continue
			}
			if node.HasChosenVersion && !node.InstalledAutomatic {
				continue // manually installed, not auto: never garbage
			}
			if node.HasChosenVersion && node.InstalledAutomatic && !node.MarkedForRemoval {
				// Auto-installed with nothing depending on it anymore:
				// mark for removal rather than deleting outright so the
				// orchestrator still sees an explicit remove operation.
				node.MarkedForRemoval = true
				changed = true
				continue
			}
			if !node.HasChosenVersion && !node.MarkedForRemoval {
				delete(s.g, id)
				changed = true
			}
		}
	}
}

// finalizeRemovals removes nodes still MarkedForRemoval from G, dropping
// their file ownership and recording each as a Removal; a selected
// marked-for-removal node is a fatal error. It does not check whether a
// removed node still has a chosen version or incoming edges.
func (s *Solver) finalizeRemovals() error {
	for id, node := range s.g {
		if !node.MarkedForRemoval {
			continue
		}
		if node.IsSelected {
			return errors.Errorf("depres: selected package %s/%s cannot be removed", node.ID.Name, node.ID.Arch)
		}
		s.removeFilesForNode(node)
		s.removals = append(s.removals, Removal{
			ID:              node.ID,
			PreDependencies: append([]pkgmeta.Identifier(nil), node.PreDependencies...),
		})
		delete(s.g, id)
	}
	return nil
}

// Removal is one package the solve decided to remove entirely, along with
// the pre-dependency edges it had while still installed (read from the
// node before it was dropped from the graph), so the orchestrator can
// still serialize a removal order among packages that no longer appear
// in the returned Graph at all.
type Removal struct {
	ID              pkgmeta.Identifier
	PreDependencies []pkgmeta.Identifier
}

// Removals returns the packages the solve decided to remove entirely
// (auto-installed packages nothing depends on any more, and unselected
// installed packages processNode marked for removal because their best
// candidate scored below -6.5 with no selected package depending on them).
// Valid only after Run has returned; the orchestrator uses this list to
// build the removal side of its operations graph, since the returned
// Graph itself only contains packages that remain installed.
func (s *Solver) Removals() []Removal {
	return s.removals
}

func (s *Solver) removeFilesForNode(node *IGNode) {
	for path, owner := range s.fileOwners {
		if owner == node.ID {
			delete(s.fileOwners, path)
			s.trie.RemoveElement(path)
		}
	}
}

// RegisterFiles tells the solver which file paths node's chosen version
// would install, so conflict detection and the `f` scoring term can see
// them. The orchestrator (or a test) calls this once per chosen version
// after consulting the provider.
func (s *Solver) RegisterFiles(id pkgmeta.Identifier, paths []string) {
	for _, p := range paths {
		s.fileOwners[p] = id
		s.trie.InsertFile(p, id)
	}
}

// conflictingOwners returns the distinct package identifiers (other than
// self) that currently own any of paths.
func (s *Solver) conflictingOwners(self pkgmeta.Identifier, paths []string) []pkgmeta.Identifier {
	seen := map[pkgmeta.Identifier]bool{}
	var out []pkgmeta.Identifier
	for _, p := range paths {
		owner, ok := s.fileOwners[p]
		if !ok || owner == self || seen[owner] {
			continue
		}
		seen[owner] = true
		out = append(out, owner)
	}
	return out
}
