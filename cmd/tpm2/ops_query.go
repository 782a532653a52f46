package main

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/depres"
	"github.com/holocm/tpm2/internal/orchestrate"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/ui"
)

// listInstalled implements --list-installed: every package in the
// database, whatever its state, one per line, name/arch version
// (reason, state).
func (e *env) listInstalled() error {
	rows, err := e.db.GetPackagesInState(e.ctx, pkgmeta.StateInvalid, true)
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	for _, md := range rows {
		e.log.Logln(md.Name+"/"+md.Architecture.String(), md.Version.String(), "("+md.InstallationReason.String()+", "+md.State.String()+")")
	}
	return nil
}

// listAvailable implements --list-available: every version of each named
// operand found across the configured repositories, or every version of
// every currently installed package if no operands are given.
func (e *env) listAvailable() error {
	names := e.args
	if len(names) == 0 {
		rows, err := e.db.GetPackagesInState(e.ctx, pkgmeta.StateInvalid, true)
		if err != nil {
			return err
		}
		for _, md := range rows {
			names = append(names, md.Name+"/"+md.Architecture.String())
		}
	}

	sels, err := parseSelectors(names)
	if err != nil {
		return err
	}
	for _, s := range sels {
		versions, err := e.repo.ListVersions(s.Name, s.Arch)
		if err != nil {
			return err
		}
		for _, v := range versions {
			e.log.Logln(s.Name+"/"+s.Arch.String(), v.String())
		}
	}
	return nil
}

// showVersion implements --show-version: the installed version of each
// named operand, or every installed package's version if none are given.
func (e *env) showVersion() error {
	if len(e.args) == 0 {
		return e.listInstalled()
	}
	sels, err := parseSelectors(e.args)
	if err != nil {
		return err
	}
	for _, s := range sels {
		md, err := e.db.GetInstalledPackage(e.ctx, s.Name, s.Arch)
		if err != nil {
			return err
		}
		if md == nil {
			e.log.Logln(s.Name+"/"+s.Arch.String(), "not installed")
			continue
		}
		e.log.Logln(s.Name+"/"+s.Arch.String(), md.Version.String())
	}
	return nil
}

// markReason implements --mark-manual/--mark-auto (ll_change_installation_reason).
func (e *env) markReason(manual bool) error {
	if len(e.args) == 0 {
		return errors.New("at least one package operand is required")
	}
	sels, err := parseSelectors(e.args)
	if err != nil {
		return err
	}
	reason := pkgmeta.ReasonAuto
	if manual {
		reason = pkgmeta.ReasonManual
	}
	exec := e.newExecutor()
	for _, s := range sels {
		id := pkgmeta.Identifier{Name: s.Name, Arch: s.Arch}
		if err := exec.ChangeInstallationReason(e.ctx, id, reason); err != nil {
			return err
		}
	}
	return nil
}

// reverseDependencies implements --reverse-dependencies: every installed
// package that depends (directly) on the named operand.
func (e *env) reverseDependencies() error {
	if len(e.args) != 1 {
		return errors.New("--reverse-dependencies takes exactly one package operand")
	}
	sels, err := parseSelectors(e.args)
	if err != nil {
		return err
	}
	target := pkgmeta.Identifier{Name: sels[0].Name, Arch: sels[0].Arch}

	rows, err := e.db.GetPackagesInState(e.ctx, pkgmeta.StateInvalid, true)
	if err != nil {
		return err
	}
	found := false
	for _, md := range rows {
		if err := e.db.GetDependencies(e.ctx, md); err != nil {
			return err
		}
		if dependsOn(md, target) {
			e.log.Logln(md.Name + "/" + md.Architecture.String())
			found = true
		}
	}
	if !found {
		e.log.Logln("no installed package depends on " + target.Name + "/" + target.Arch.String())
	}
	return nil
}

func dependsOn(md *pkgmeta.PackageMetaData, target pkgmeta.Identifier) bool {
	for _, d := range append(append([]pkgmeta.Dependency{}, md.PreDependencies...), md.Dependencies...) {
		if d.Name == target.Name && d.Arch == target.Arch {
			return true
		}
	}
	return false
}

// printInstallationGraph implements --installation-graph: the configure
// order spec §4.6 derives from the currently installed set's own
// dependency edges (no new solve; this is a diagnostic dump of what is
// already on disk). Each line is prefixed with its strongly connected
// component's index, so a contracted dependency cycle (scc>1 member)
// shows up as a run of identical indices rather than silently vanishing
// into the flattened order.
func (e *env) printInstallationGraph() error {
	g, err := e.currentGraph()
	if err != nil {
		return err
	}
	printSCCOrder(e.log, orchestrate.ConfigureComponents(g))
	return nil
}

// printRemovalGraph implements --removal-graph: the order
// --remove-unneeded would remove packages in, without performing it.
func (e *env) printRemovalGraph() error {
	installed, err := e.installedEntries()
	if err != nil {
		return err
	}
	var selections []depres.Selection
	for _, ie := range installed {
		if ie.Auto {
			continue
		}
		selections = append(selections, depres.Selection{Name: ie.Identifier.Name, Arch: ie.Identifier.Arch})
	}
	solver := e.newSolver(depres.PolicyKeepNewer, false)
	if _, _, err := solver.Run(installed, selections); err != nil {
		return describeSolveError(err)
	}
	removals := solver.Removals()
	printSCCOrder(e.log, orchestrate.RemovalComponents(removals))
	return nil
}

// printSCCOrder prints one line per identifier in dependency-respecting
// order, each prefixed with the index of the strongly connected component
// it belongs to; members of the same (size>1) component share an index,
// surfacing a dependency cycle the way the original reports full SCC
// membership rather than collapsing it to a bare count.
func printSCCOrder(log *ui.Logger, components [][]pkgmeta.Identifier) {
	for i, comp := range components {
		for _, id := range comp {
			log.Logln(i, id.Name+"/"+id.Arch.String())
		}
	}
}

// currentGraph builds a depres.Graph straight from the database's
// currently installed rows and their stored dependency edges, for the
// two graph-dump operations that describe what's already on disk rather
// than a hypothetical solve.
func (e *env) currentGraph() (depres.Graph, error) {
	rows, err := e.db.GetPackagesInState(e.ctx, pkgmeta.StateConfigured, false)
	if err != nil {
		return nil, err
	}
	g := depres.Graph{}
	for _, md := range rows {
		if err := e.db.GetDependencies(e.ctx, md); err != nil {
			return nil, err
		}
		node := &depres.IGNode{
			ID:            md.Identifier(),
			ChosenVersion: md.Version,
		}
		for _, d := range md.Dependencies {
			node.Dependencies = append(node.Dependencies, pkgmeta.Identifier{Name: d.Name, Arch: d.Arch})
		}
		for _, d := range md.PreDependencies {
			node.PreDependencies = append(node.PreDependencies, pkgmeta.Identifier{Name: d.Name, Arch: d.Arch})
		}
		g[node.ID] = node
	}
	return g, nil
}

// showProblems implements --show-problems: a point-in-time audit of the
// database alone, distinct from solving. For every configured package's
// recorded dependency and pre-dependency edges, it checks the *currently
// installed* version of that name/arch against the stored constraint (not
// the version the solver last saw when it wrote that edge), and reports
// both absent dependencies and ones whose installed version no longer
// satisfies the constraint it was installed to satisfy.
func (e *env) showProblems() error {
	rows, err := e.db.GetPackagesInState(e.ctx, pkgmeta.StateConfigured, false)
	if err != nil {
		return err
	}

	problems := 0
	for _, md := range rows {
		if err := e.db.GetDependencies(e.ctx, md); err != nil {
			return err
		}
		for _, d := range append(append([]pkgmeta.Dependency{}, md.PreDependencies...), md.Dependencies...) {
			dep, err := e.db.GetInstalledPackage(e.ctx, d.Name, d.Arch)
			if err != nil {
				return err
			}
			label := md.Name + "/" + md.Architecture.String()
			depLabel := d.Name + "/" + d.Arch.String()
			if dep == nil {
				e.log.Logln(label, "depends on missing", depLabel)
				problems++
				continue
			}
			if d.Constraint != nil && !d.Constraint.Satisfies(dep.SourceVersion, dep.Version) {
				e.log.Logln(label, "requires", depLabel, d.Constraint.String(), "but", dep.Version.String(), "is installed")
				problems++
			}
		}
	}
	if problems == 0 {
		e.log.Logln("no problems found")
	}
	return nil
}
