package orchestrate

import (
	"context"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/depres"
	"github.com/holocm/tpm2/internal/pkgdb"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/provider"
	"github.com/holocm/tpm2/internal/trigger"
	"github.com/holocm/tpm2/internal/version"
)

// Plan is everything Apply needs out of one depres solve: the graph
// itself (for versions and reasons), its serialized orderings, and the
// operation labels they drive.
type Plan struct {
	Graph      depres.Graph
	Removals   []depres.Removal
	Serialized Serialized
	Ops        *OperationsGraph
}

// BuildPlan turns a finished solve into a Plan. repo resolves install-side
// identifiers to the ProvidedPackage that supplies their file list; db
// supplies each removal-side identifier's currently-owned file list and
// each install-side identifier's previously-installed version, if any.
func BuildPlan(ctx context.Context, g depres.Graph, removals []depres.Removal, repo provider.Repository, db *pkgdb.DB) (*Plan, error) {
	chosen := make(map[pkgmeta.Identifier]version.VersionNumber, len(g))
	previous := make(map[pkgmeta.Identifier]version.VersionNumber, len(g))
	installFiles := make(map[pkgmeta.Identifier][]string, len(g))

	for id, node := range g {
		chosen[id] = node.ChosenVersion

		existing, err := db.GetInstalledPackage(ctx, id.Name, id.Arch)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			previous[id] = existing.Version
		}

		pkg, err := repo.GetPackage(id.Name, id.Arch, node.ChosenVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "orchestrate: resolving %s/%s %s from repository", id.Name, id.Arch, node.ChosenVersion)
		}
		paths, err := pkg.FileList()
		pkg.Close()
		if err != nil {
			return nil, err
		}
		installFiles[id] = filePaths(paths)
	}

	removeFiles := make(map[pkgmeta.Identifier][]string, len(removals))
	for _, r := range removals {
		md, err := db.GetInstalledPackage(ctx, r.ID.Name, r.ID.Arch)
		if err != nil {
			return nil, err
		}
		if md == nil {
			continue
		}
		files, err := db.GetFiles(ctx, md)
		if err != nil {
			return nil, err
		}
		removeFiles[r.ID] = filePaths(files)
	}

	return &Plan{
		Graph:      g,
		Removals:   removals,
		Serialized: Serialize(g, removals),
		Ops:        ClassifyOperations(chosen, previous, removals, installFiles, removeFiles),
	}, nil
}

func filePaths(records []pkgmeta.FileRecord) []string {
	out := make([]string, len(records))
	for i, fr := range records {
		out[i] = fr.Path
	}
	return out
}

// Orchestrator drives a Plan to completion against one Executor: for
// every install-side node it runs preinst/unpack/configure in pre-
// dependency and dependency order, removing any blocking removal-side
// node just before the install-side node it blocks is unpacked (spec
// §4.6's "emission order removes conflicting A nodes just in time before
// their dependent B node is unpacked"); any removal-side node left over
// once every install-side node has unpacked is removed at the end, in
// its own pre-dependency order. Trigger drain runs once after all
// per-package work completes.
type Orchestrator struct {
	Exec *Executor
	Repo provider.Repository
}

// Apply runs plan to completion. reasons supplies the installation reason
// for each install-side node that is new or changing; a node absent from
// reasons keeps its installed reason unchanged.
func (o *Orchestrator) Apply(ctx context.Context, plan *Plan, reasons map[pkgmeta.Identifier]pkgmeta.InstallationReason) error {
	removed := make(map[pkgmeta.Identifier]bool, len(plan.Ops.Remove))

	removeOne := func(id pkgmeta.Identifier) error {
		if removed[id] {
			return nil
		}
		if err := o.Exec.Unconfigure(ctx, id, false); err != nil {
			return err
		}
		if err := o.Exec.RmFiles(ctx, id, false); err != nil {
			return err
		}
		if err := o.Exec.RunPostrm(ctx, id, false); err != nil {
			return err
		}
		removed[id] = true
		return nil
	}

	for _, id := range plan.Serialized.UnpackOrder {
		kind := plan.Ops.Install[id]
		if kind == OpNone {
			continue
		}
		for _, blocker := range plan.Ops.BlockedBy(id) {
			if err := removeOne(blocker); err != nil {
				return err
			}
		}

		node := plan.Graph[id]
		pkg, err := o.Repo.GetPackage(id.Name, id.Arch, node.ChosenVersion)
		if err != nil {
			return errors.Wrapf(err, "orchestrate: resolving %s/%s %s from repository", id.Name, id.Arch, node.ChosenVersion)
		}
		reason := pkgmeta.ReasonManual
		if r, ok := reasons[id]; ok {
			reason = r
		} else if node.InstalledAutomatic {
			reason = pkgmeta.ReasonAuto
		}

		if err := o.Exec.RunPreinst(ctx, pkg, reason); err != nil {
			pkg.Close()
			return err
		}
		if err := o.Exec.Unpack(ctx, pkg); err != nil {
			pkg.Close()
			return err
		}
		pkg.Close()

		if kind == OpChangeInstall {
			if err := o.Exec.Unconfigure(ctx, id, true); err != nil {
				return err
			}
			if err := o.Exec.RmFiles(ctx, id, true); err != nil {
				return err
			}
			if err := o.Exec.RunPostrm(ctx, id, true); err != nil {
				return err
			}
		}
	}

	for _, id := range plan.Serialized.ConfigureOrder {
		if plan.Ops.Install[id] == OpNone {
			continue
		}
		if err := o.Exec.ConfigurePackage(ctx, id); err != nil {
			return err
		}
	}

	for _, id := range plan.Serialized.RemovalOrder {
		if err := removeOne(id); err != nil {
			return err
		}
	}

	return trigger.Drain(ctx, o.Exec.DB, o.Exec)
}
