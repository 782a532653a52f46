package main

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/depres"
	"github.com/holocm/tpm2/internal/orchestrate"
	"github.com/holocm/tpm2/internal/pkgmeta"
)

// installedEntries loads every configured package as the solver's
// "installed" baseline (spec §4.5's seed step); packages mid-transition
// (any other state) are left out, since a crash-recovery resume is a
// distinct concern from starting a fresh solve on top of them.
func (e *env) installedEntries() ([]depres.InstalledEntry, error) {
	rows, err := e.db.GetPackagesInState(e.ctx, pkgmeta.StateConfigured, false)
	if err != nil {
		return nil, err
	}
	out := make([]depres.InstalledEntry, len(rows))
	for i, md := range rows {
		out[i] = depres.InstalledEntry{
			Identifier: md.Identifier(),
			Version:    md.Version,
			Auto:       md.InstallationReason == pkgmeta.ReasonAuto,
		}
	}
	return out, nil
}

func (e *env) newSolver(policy depres.Policy, evaluateAll bool) *depres.Solver {
	src := &dbRepoSource{ctx: e.ctx, db: e.db, repo: e.repo}
	return depres.New(src, policy, evaluateAll)
}

// installOrUpgrade drives --install/--upgrade: --install resolves the
// named operands as fresh or updated user selections against the current
// installation, leaving everything else untouched; --upgrade reasserts
// every currently manually-installed package with no operands of its own
// and asks the solver to re-examine the whole graph for newer versions
// (depres.PolicyUpgrade, evaluateAll).
func (e *env) installOrUpgrade(upgrade bool) error {
	installed, err := e.installedEntries()
	if err != nil {
		return err
	}

	var selections []depres.Selection
	if upgrade {
		if len(e.args) > 0 {
			return errors.New("--upgrade takes no package operands")
		}
		for _, ie := range installed {
			if ie.Auto {
				continue
			}
			selections = append(selections, depres.Selection{Name: ie.Identifier.Name, Arch: ie.Identifier.Arch})
		}
	} else {
		if len(e.args) == 0 {
			return errors.New("--install requires at least one package operand")
		}
		sels, err := parseSelectors(e.args)
		if err != nil {
			return err
		}
		for _, s := range sels {
			selections = append(selections, depres.Selection{Name: s.Name, Arch: s.Arch, Constraint: s.Constraint})
		}
	}

	policy := depres.PolicyKeepNewer
	if upgrade {
		policy = depres.PolicyUpgrade
	}
	solver := e.newSolver(policy, upgrade)

	g, warnings, err := solver.Run(installed, selections)
	if err != nil {
		return describeSolveError(err)
	}
	for _, w := range warnings {
		e.log.Warnf("%s", w)
	}

	removals := solver.Removals()
	plan, err := orchestrate.BuildPlan(e.ctx, g, removals, e.repo, e.db)
	if err != nil {
		return err
	}

	if !e.describeAndConfirmPlan(plan) {
		return nil
	}

	reasons := map[pkgmeta.Identifier]pkgmeta.InstallationReason{}
	for _, s := range selections {
		reasons[pkgmeta.Identifier{Name: s.Name, Arch: s.Arch}] = pkgmeta.ReasonManual
	}

	orch := &orchestrate.Orchestrator{Exec: e.newExecutor(), Repo: e.repo}
	return orch.Apply(e.ctx, plan, reasons)
}

// remove drives --remove/--remove-unneeded: the named operands (or, for
// remove-unneeded, none) are dropped from the selected set entirely and
// the solver is asked to recompute reachability, so anything only the
// removed packages needed is garbage-collected along with them.
func (e *env) remove(unneeded bool) error {
	installed, err := e.installedEntries()
	if err != nil {
		return err
	}

	var drop map[pkgmeta.Identifier]bool
	if unneeded {
		if len(e.args) > 0 {
			return errors.New("--remove-unneeded takes no package operands")
		}
		drop = map[pkgmeta.Identifier]bool{}
	} else {
		if len(e.args) == 0 {
			return errors.New("--remove requires at least one package operand")
		}
		sels, err := parseSelectors(e.args)
		if err != nil {
			return err
		}
		drop = map[pkgmeta.Identifier]bool{}
		for _, s := range sels {
			drop[pkgmeta.Identifier{Name: s.Name, Arch: s.Arch}] = true
		}
	}

	var selections []depres.Selection
	for _, ie := range installed {
		if ie.Auto || drop[ie.Identifier] {
			continue
		}
		selections = append(selections, depres.Selection{Name: ie.Identifier.Name, Arch: ie.Identifier.Arch})
	}

	solver := e.newSolver(depres.PolicyKeepNewer, false)
	g, warnings, err := solver.Run(installed, selections)
	if err != nil {
		return describeSolveError(err)
	}
	for _, w := range warnings {
		e.log.Warnf("%s", w)
	}

	removals := solver.Removals()
	if len(removals) == 0 {
		e.log.Logln("nothing to remove")
		return nil
	}

	plan, err := orchestrate.BuildPlan(e.ctx, g, removals, e.repo, e.db)
	if err != nil {
		return err
	}
	if !e.describeAndConfirmPlan(plan) {
		return nil
	}

	orch := &orchestrate.Orchestrator{Exec: e.newExecutor(), Repo: e.repo}
	return orch.Apply(e.ctx, plan, nil)
}

func (e *env) newExecutor() *orchestrate.Executor {
	return &orchestrate.Executor{
		DB:       e.db,
		Root:     e.root,
		Scripts:  orchestrate.NewScriptStore(e.root),
		Log:      e.log,
		AdoptAll: e.adoptAll,
		Confirm:  func(path string) bool { return e.confirm(fmt.Sprintf("adopt pre-existing file %s?", path)) },
	}
}

// describeAndConfirmPlan prints a summary of what a plan will do and asks
// for confirmation unless --assume-yes was given.
func (e *env) describeAndConfirmPlan(plan *orchestrate.Plan) bool {
	var toInstall, toChange, toRemove []string
	for id, kind := range plan.Ops.Install {
		switch kind {
		case orchestrate.OpInstallNew:
			toInstall = append(toInstall, id.Name+"/"+id.Arch.String())
		case orchestrate.OpChangeInstall, orchestrate.OpReplaceInstall:
			toChange = append(toChange, id.Name+"/"+id.Arch.String())
		}
	}
	for id, kind := range plan.Ops.Remove {
		if kind == orchestrate.OpRemove || kind == orchestrate.OpReplaceRemove {
			toRemove = append(toRemove, id.Name+"/"+id.Arch.String())
		}
	}
	sort.Strings(toInstall)
	sort.Strings(toChange)
	sort.Strings(toRemove)

	if len(toInstall) == 0 && len(toChange) == 0 && len(toRemove) == 0 {
		e.log.Logln("nothing to do")
		return false
	}

	if len(toInstall) > 0 {
		e.log.Logln("to install:", toInstall)
	}
	if len(toChange) > 0 {
		e.log.Logln("to change:", toChange)
	}
	if len(toRemove) > 0 {
		e.log.Logln("to remove:", toRemove)
	}
	return e.confirm("proceed?")
}

// describeSolveError turns the solver's two distinguished error types
// into a message naming what a human can act on; any other error is
// passed through unchanged.
func describeSolveError(err error) error {
	if osc, ok := err.(*depres.OscillationError); ok {
		return errors.Errorf("dependency resolution did not converge, offending candidates: %v", osc.Offenders)
	}
	if pin, ok := err.(*depres.UnsatisfiedPinError); ok {
		return errors.Errorf("%s/%s cannot satisfy requested constraint %s", pin.Name, pin.Arch, pin.Formula)
	}
	return err
}
