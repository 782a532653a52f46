package orchestrate

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/termie/go-shutil"

	"github.com/holocm/tpm2/internal/pkgdb"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/provider"
	"github.com/holocm/tpm2/internal/targetroot"
	"github.com/holocm/tpm2/internal/transport"
	"github.com/holocm/tpm2/internal/trigger"
	"github.com/holocm/tpm2/internal/ui"
)

// Executor drives the 7 low-level steps of spec §4.6 against one locked
// target root. RunPreinst (when replacing an installed version), Unpack
// and ConfigurePackage check the persisted state they start from and
// return a *StateMachineViolation on a mismatch. Unconfigure, RmFiles,
// RunPostrm, RunConfigure and ChangeInstallationReason do not check the
// persisted state before acting.
type Executor struct {
	DB      *pkgdb.DB
	Root    *targetroot.Root
	Scripts *ScriptStore
	Log     *ui.Logger

	// AdoptAll silently adopts pre-existing files with a mismatched
	// digest instead of asking Confirm (spec §4.6's --adopt-all).
	AdoptAll bool
	// Confirm asks the user whether to adopt a specific pre-existing
	// file; not called at all when AdoptAll is true.
	Confirm func(path string) bool
}

func changeArgv(change bool) []string {
	if change {
		return []string{"change"}
	}
	return nil
}

func (e *Executor) requireState(md *pkgmeta.PackageMetaData, want pkgmeta.State) error {
	if md.State != want {
		return &StateMachineViolation{Name: md.Name, Arch: md.Architecture.String(), Want: want.String(), Have: md.State.String()}
	}
	return nil
}

// RunPreinst is ll_run_preinst: adopts the package into the database (or
// advances an existing row for a version change), stores its dependency,
// file and config-file lists plus its maintainer scripts, and runs
// preinst. On success the package is left in unpack_begin or
// unpack_change.
func (e *Executor) RunPreinst(ctx context.Context, pkg *provider.ProvidedPackage, reason pkgmeta.InstallationReason) error {
	md, err := pkg.MetaData()
	if err != nil {
		return err
	}
	id := md.Identifier()

	existing, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	change := existing != nil
	if change {
		if err := e.requireState(existing, pkgmeta.StateConfigured); err != nil {
			return err
		}
	}

	var oldFiles []pkgmeta.FileRecord
	if change {
		oldFiles, err = e.DB.GetFiles(ctx, existing)
		if err != nil {
			return err
		}
	}

	files, err := pkg.FileList()
	if err != nil {
		return err
	}
	if err := e.adopt(ctx, id, files); err != nil {
		return err
	}

	cfgFiles, err := pkg.ConfigFiles()
	if err != nil {
		return err
	}

	md.State = pkgmeta.StatePreinstBegin
	if change {
		md.State = pkgmeta.StatePreinstChange
		// existing's identity (chiefly its version, which keys its
		// script archive) is about to be overwritten by the
		// UpdateOrCreatePackage call below; stash it so Unconfigure/
		// RmFiles/RunPostrm can still find the version actually being
		// replaced later in this same change, the way the original
		// keeps a separate mdata for ll_unconfigure_package/ll_rm_files/
		// ll_run_postrm rather than reusing the one it just built for
		// ll_run_preinst (original_source/src/tpm2/installation.cc:
		// 565 vs. 629).
		if err := e.DB.SetPendingPackage(ctx, existing); err != nil {
			return err
		}
	}
	md.InstallationReason = reason

	if err := e.DB.UpdateOrCreatePackage(ctx, md); err != nil {
		return err
	}
	if err := e.DB.SetDependencies(ctx, md); err != nil {
		return err
	}
	if err := e.DB.SetFiles(ctx, md, files); err != nil {
		return err
	}
	if change {
		if err := e.DB.SetPendingFiles(ctx, md, oldFiles); err != nil {
			return err
		}
	}
	if err := e.DB.SetConfigFiles(ctx, md, cfgFiles); err != nil {
		return err
	}
	if err := e.DB.SetInterestedTriggers(ctx, md, md.InterestedTriggers); err != nil {
		return err
	}
	if err := e.DB.SetActivatingTriggers(ctx, md, md.ActivatedTriggers); err != nil {
		return err
	}
	if err := e.Scripts.Save(id, md.Version, pkg); err != nil {
		return err
	}

	preinst, err := pkg.Preinst()
	if err != nil {
		return err
	}
	if preinst != nil {
		if err := e.Scripts.runPayload(ctx, id, changeArgv(change), preinst); err != nil {
			return err
		}
	}

	md.State = pkgmeta.StateUnpackBegin
	if change {
		md.State = pkgmeta.StateUnpackChange
	}
	return e.DB.UpdateState(ctx, md)
}

// adopt flags pre-existing, DB-untracked files whose on-disk digest
// differs from the packaged version and asks for confirmation (or
// proceeds silently under AdoptAll) before unpack is allowed to overwrite
// them.
func (e *Executor) adopt(ctx context.Context, id pkgmeta.Identifier, files []pkgmeta.FileRecord) error {
	owned, err := e.DB.GetAllFilesPlain(ctx)
	if err != nil {
		return err
	}
	ownedPaths := make(map[string]bool, len(owned))
	for _, f := range owned {
		ownedPaths[f.Path] = true
	}

	for _, fr := range files {
		if fr.Type != pkgmeta.FileRegular && fr.Type != pkgmeta.FileLink {
			continue
		}
		if ownedPaths[fr.Path] {
			continue
		}
		abs := e.Root.Join(fr.Path)
		sum, ok, err := digestFile(abs)
		if err != nil {
			return err
		}
		if !ok || sum == fr.SHA1 {
			continue
		}
		if e.AdoptAll {
			e.Log.Warnf("adopting pre-existing %s for %s/%s", fr.Path, id.Name, id.Arch)
			continue
		}
		if e.Confirm == nil || !e.Confirm(fr.Path) {
			return &UserAbort{Reason: "declined to adopt " + fr.Path}
		}
	}
	return nil
}

// Unpack is ll_unpack: extracts the archive to the target root, excluding
// any config file whose on-disk digest no longer matches what the
// previous version shipped, and advances to configure_begin (fresh
// install) or wait_old_removed (change).
func (e *Executor) Unpack(ctx context.Context, pkg *provider.ProvidedPackage) error {
	md, err := pkg.MetaData()
	if err != nil {
		return err
	}
	id := md.Identifier()
	row, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	if row == nil {
		return errors.Errorf("orchestrate: %s/%s has no installed row to unpack", id.Name, id.Arch)
	}
	change := row.State == pkgmeta.StateUnpackChange
	if !change {
		if err := e.requireState(row, pkgmeta.StateUnpackBegin); err != nil {
			return err
		}
	}

	excluded, err := e.modifiedConfigFiles(ctx, row)
	if err != nil {
		return err
	}

	staging, err := e.Root.TmpDir()
	if err != nil {
		return err
	}
	staging = filepath.Join(staging, "unpack-"+id.Name+"-"+id.Arch.String())
	defer os.RemoveAll(staging)

	if err := pkg.UnpackArchiveTo(staging); err != nil {
		return &ArchiveError{Name: id.Name, Arch: id.Arch.String(), Cause: err}
	}
	if err := e.installStaged(staging, excluded); err != nil {
		return &ArchiveError{Name: id.Name, Arch: id.Arch.String(), Cause: err}
	}

	row.State = pkgmeta.StateConfigureBegin
	if change {
		row.State = pkgmeta.StateWaitOldRemoved
	}
	return e.DB.UpdateState(ctx, row)
}

// modifiedConfigFiles compares every declared config file's packaged
// digest (taken from the stashed pending_files snapshot, if this is a
// change) against what is actually on disk, returning the paths that
// differ so unpack can skip overwriting a locally edited config file.
func (e *Executor) modifiedConfigFiles(ctx context.Context, md *pkgmeta.PackageMetaData) ([]string, error) {
	cfgPaths, err := e.DB.GetConfigFiles(ctx, md)
	if err != nil {
		return nil, err
	}
	if len(cfgPaths) == 0 {
		return nil, nil
	}
	pending, err := e.DB.GetPendingFiles(ctx, md)
	if err != nil {
		return nil, err
	}
	shipped := make(map[string]pkgmeta.SHA1Sum, len(pending))
	for _, fr := range pending {
		shipped[fr.Path] = fr.SHA1
	}

	var excluded []string
	for _, p := range cfgPaths {
		want, ok := shipped[p]
		if !ok {
			continue // fresh install, or not previously shipped: nothing to preserve
		}
		sum, present, err := digestFile(e.Root.Join(p))
		if err != nil {
			return nil, err
		}
		if present && sum != want {
			excluded = append(excluded, p)
		}
	}
	return excluded, nil
}

// installStaged walks a freshly tar-extracted staging tree and copies
// each entry into the live target root, skipping any path in excluded
// (a config file modified since it was last shipped, which ll_unpack must
// leave untouched) so the merge can land on top of an already-populated
// root that plain directory-replacing copies like shutil.CopyTree cannot
// handle. Directories are created as needed; everything else goes through
// shutil.Copy, which preserves symlinks instead of following them.
func (e *Executor) installStaged(staging string, excluded []string) error {
	excludeSet := make(map[string]bool, len(excluded))
	for _, p := range excluded {
		excludeSet[filepath.Join(staging, filepath.FromSlash(p))] = true
	}

	return godirwalk.Walk(staging, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == staging {
				return nil
			}
			rel, err := filepath.Rel(staging, path)
			if err != nil {
				return errors.Wrapf(err, "orchestrate: resolving %s relative to staging", path)
			}
			dst := e.Root.Join(filepath.ToSlash(rel))

			if excludeSet[path] {
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if de.IsDir() {
				return os.MkdirAll(dst, 0755)
			}
			if _, err := shutil.Copy(path, dst, true); err != nil {
				return errors.Wrapf(err, "orchestrate: copying %s to %s", path, dst)
			}
			return nil
		},
		Unsorted: true,
	})
}

// Unconfigure is ll_unconfigure: runs unconfigure on a package about to
// be removed or replaced, enqueues its declared triggers, and advances to
// rm_files_begin (removal) or wait_new_unpacked (change). During a
// change, the package row itself already carries the new version (it was
// overwritten by RunPreinst earlier in the same change), so the version
// whose maintainer script must actually run here comes from the pending-
// package snapshot RunPreinst stashed before that overwrite, not from
// md.Version.
func (e *Executor) Unconfigure(ctx context.Context, id pkgmeta.Identifier, change bool) error {
	md, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	if md == nil {
		return errors.Errorf("orchestrate: %s/%s has no installed row to unconfigure", id.Name, id.Arch)
	}
	if md.State == pkgmeta.StateConfigured {
		md.State = pkgmeta.StateUnconfigureChange
		if !change {
			md.State = pkgmeta.StateUnconfigureBegin
		}
		if err := e.DB.UpdateState(ctx, md); err != nil {
			return err
		}
	}

	scriptVersion := md.Version
	if change {
		pending, err := e.DB.GetPendingPackage(ctx, id.Name, id.Arch)
		if err != nil {
			return err
		}
		if pending == nil {
			return errors.Errorf("orchestrate: %s/%s has no pending-package snapshot to unconfigure against", id.Name, id.Arch)
		}
		scriptVersion = pending.Version
	}
	if err := e.Scripts.run(ctx, id, scriptVersion, transport.SectionUnconfigure, changeArgv(change)); err != nil {
		return err
	}
	if err := e.enqueueTriggers(ctx, md); err != nil {
		return err
	}

	md.State = pkgmeta.StateRmFilesBegin
	if change {
		md.State = pkgmeta.StateWaitNewUnpacked
	}
	return e.DB.UpdateState(ctx, md)
}

func (e *Executor) enqueueTriggers(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	if err := e.DB.EnsureActivatingTriggersRead(ctx, md); err != nil {
		return err
	}
	for _, t := range md.ActivatedTriggers {
		if err := trigger.Activate(ctx, e.DB, t); err != nil {
			return err
		}
	}
	return nil
}

// RmFiles is ll_rm_files: removes every non-directory file the package
// owns that no other package still owns, then removes now-empty
// directories longest-path-first, preserving any config file whose
// on-disk digest no longer matches the shipped one. Per-file failures are
// reported but do not abort the sequence (spec §7).
func (e *Executor) RmFiles(ctx context.Context, id pkgmeta.Identifier, change bool) error {
	md, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	if md == nil {
		return errors.Errorf("orchestrate: %s/%s has no installed row to remove files for", id.Name, id.Arch)
	}

	var candidates []pkgmeta.FileRecord
	if change {
		pending, err := e.DB.GetPendingFiles(ctx, md)
		if err != nil {
			return err
		}
		current, err := e.DB.GetFiles(ctx, md)
		if err != nil {
			return err
		}
		kept := make(map[string]bool, len(current))
		for _, fr := range current {
			kept[fr.Path] = true
		}
		for _, fr := range pending {
			if !kept[fr.Path] {
				candidates = append(candidates, fr)
			}
		}
	} else {
		candidates, err = e.DB.GetFiles(ctx, md)
		if err != nil {
			return err
		}
	}

	cfgPaths, err := e.DB.GetConfigFiles(ctx, md)
	if err != nil {
		return err
	}
	isConfig := make(map[string]bool, len(cfgPaths))
	for _, p := range cfgPaths {
		isConfig[p] = true
	}

	owned, err := e.DB.GetAllFilesPlain(ctx)
	if err != nil {
		return err
	}
	ownedElsewhere := make(map[string]bool, len(owned))
	for _, f := range owned {
		if f.Pkg != id {
			ownedElsewhere[f.Path] = true
		}
	}

	var dirs []string
	for _, fr := range candidates {
		if fr.Type == pkgmeta.FileDirectory {
			dirs = append(dirs, fr.Path)
			continue
		}
		if ownedElsewhere[fr.Path] {
			continue
		}
		abs := e.Root.Join(fr.Path)
		if isConfig[fr.Path] {
			sum, present, err := digestFile(abs)
			if err == nil && present && sum != fr.SHA1 {
				e.Log.Warnf("preserving modified config file %s", fr.Path)
				continue
			}
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			e.Log.Warnf("removing %s: %v", fr.Path, err)
		}
	}

	sort.Sort(sort.Reverse(byPathDepth(dirs)))
	for _, d := range dirs {
		if ownedElsewhere[d] {
			continue
		}
		if err := os.Remove(e.Root.Join(d)); err != nil && !os.IsNotExist(err) {
			if !isNotEmpty(err) {
				e.Log.Warnf("removing directory %s: %v", d, err)
			}
		}
	}

	if change {
		if err := e.DB.ClearPendingFiles(ctx, md); err != nil {
			return err
		}
	}

	md.State = pkgmeta.StatePostrmBegin
	if change {
		md.State = pkgmeta.StatePostrmChange
	}
	return e.DB.UpdateState(ctx, md)
}

type byPathDepth []string

func (d byPathDepth) Len() int      { return len(d) }
func (d byPathDepth) Swap(i, j int) { d[i], d[j] = d[j], d[i] }
func (d byPathDepth) Less(i, j int) bool {
	return strDepth(d[i]) < strDepth(d[j])
}

func strDepth(p string) int {
	n := 0
	for _, r := range p {
		if r == '/' {
			n++
		}
	}
	return n
}

func isNotEmpty(err error) bool {
	pe, ok := err.(*os.PathError)
	return ok && pe.Err.Error() == "directory not empty"
}

// RunPostrm is ll_run_postrm: runs postrm and, for a plain removal,
// deletes the stored maintainer-scripts archive and every DB row for the
// package in one go (the row cascades its files, config files,
// dependency and trigger-interest rows via foreign keys). A change
// leaves the row in place, since it now represents the new version,
// clears the pending-package snapshot RunPreinst stashed (the old
// version's teardown is now complete), and advances to configure_change
// instead. As in Unconfigure, the version whose postrm must run during a
// change is the old version recorded in that snapshot, not md.Version.
func (e *Executor) RunPostrm(ctx context.Context, id pkgmeta.Identifier, change bool) error {
	md, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	if md == nil {
		return errors.Errorf("orchestrate: %s/%s has no installed row to run postrm for", id.Name, id.Arch)
	}

	scriptVersion := md.Version
	var pending *pkgmeta.PackageMetaData
	if change {
		pending, err = e.DB.GetPendingPackage(ctx, id.Name, id.Arch)
		if err != nil {
			return err
		}
		if pending == nil {
			return errors.Errorf("orchestrate: %s/%s has no pending-package snapshot to run postrm against", id.Name, id.Arch)
		}
		scriptVersion = pending.Version
	}
	if err := e.Scripts.run(ctx, id, scriptVersion, transport.SectionPostrm, changeArgv(change)); err != nil {
		return err
	}

	if change {
		if err := e.DB.ClearPendingPackage(ctx, id.Name, id.Arch); err != nil {
			return err
		}
		md.State = pkgmeta.StateConfigureChange
		return e.DB.UpdateState(ctx, md)
	}

	if err := e.Scripts.Remove(id, md.Version); err != nil {
		return err
	}
	return e.DB.DeletePackage(ctx, md)
}

// ConfigurePackage is ll_configure_package: runs configure, enqueues
// declared triggers, and transitions the package to configured.
func (e *Executor) ConfigurePackage(ctx context.Context, id pkgmeta.Identifier) error {
	md, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	if md == nil {
		return errors.Errorf("orchestrate: %s/%s has no installed row to configure", id.Name, id.Arch)
	}
	change := md.State == pkgmeta.StateConfigureChange
	if !change {
		if err := e.requireState(md, pkgmeta.StateConfigureBegin); err != nil {
			return err
		}
	}

	if err := e.Scripts.run(ctx, id, md.Version, transport.SectionConfigure, changeArgv(change)); err != nil {
		return err
	}
	if err := e.enqueueTriggers(ctx, md); err != nil {
		return err
	}

	md.State = pkgmeta.StateConfigured
	return e.DB.UpdateState(ctx, md)
}

// RunConfigure re-runs configure on an already-configured package with an
// arbitrary argv, satisfying trigger.Configurer for trigger draining.
func (e *Executor) RunConfigure(ctx context.Context, id pkgmeta.Identifier, argv []string) error {
	md, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	if md == nil {
		return errors.Errorf("orchestrate: %s/%s has no installed row for triggered configure", id.Name, id.Arch)
	}
	return e.Scripts.run(ctx, id, md.Version, transport.SectionConfigure, argv)
}

// ChangeInstallationReason is ll_change_installation_reason.
func (e *Executor) ChangeInstallationReason(ctx context.Context, id pkgmeta.Identifier, reason pkgmeta.InstallationReason) error {
	md, err := e.DB.GetInstalledPackage(ctx, id.Name, id.Arch)
	if err != nil {
		return err
	}
	if md == nil {
		return errors.Errorf("orchestrate: %s/%s has no installed row", id.Name, id.Arch)
	}
	md.InstallationReason = reason
	return e.DB.UpdateInstallationReason(ctx, md)
}
