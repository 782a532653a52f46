package orchestrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/holocm/tpm2/internal/pkgdb"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/targetroot"
	"github.com/holocm/tpm2/internal/transport"
	"github.com/holocm/tpm2/internal/ui"
	"github.com/holocm/tpm2/internal/version"
)

func openTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()

	db, err := pkgdb.Open(context.Background(), filepath.Join(dir, "packages.db"))
	if err != nil {
		t.Fatalf("pkgdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root, err := targetroot.Open(filepath.Join(dir, "root"))
	if err != nil {
		t.Fatalf("targetroot.Open: %v", err)
	}
	t.Cleanup(func() { root.Close() })

	var logBuf bytes.Buffer
	return &Executor{
		DB:      db,
		Root:    root,
		Scripts: NewScriptStore(root),
		Log:     ui.New(&logBuf, &logBuf, false),
	}
}

func testMD(name string) *pkgmeta.PackageMetaData {
	return &pkgmeta.PackageMetaData{
		Name:               name,
		Architecture:       pkgmeta.ArchAMD64,
		Version:            version.MustParse("1.0"),
		SourceVersion:      version.MustParse("1.0"),
		State:              pkgmeta.StateConfigured,
		InstallationReason: pkgmeta.ReasonManual,
	}
}

func TestModifiedConfigFilesDetectsLocalEdit(t *testing.T) {
	e := openTestExecutor(t)
	ctx := context.Background()
	md := testMD("foo")

	if err := e.DB.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}
	if err := e.DB.SetConfigFiles(ctx, md, []string{"etc/foo.conf"}); err != nil {
		t.Fatal(err)
	}

	shippedPath := e.Root.Join("etc/foo.conf")
	if err := os.MkdirAll(filepath.Dir(shippedPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(shippedPath, []byte("shipped contents\n"), 0644); err != nil {
		t.Fatal(err)
	}
	shippedSum, ok, err := digestFile(shippedPath)
	if err != nil || !ok {
		t.Fatalf("digestFile: ok=%v err=%v", ok, err)
	}
	if err := e.DB.SetPendingFiles(ctx, md, []pkgmeta.FileRecord{
		{Type: pkgmeta.FileRegular, Path: "etc/foo.conf", SHA1: shippedSum},
	}); err != nil {
		t.Fatal(err)
	}

	// Unmodified: digest still matches what was shipped, nothing excluded.
	excluded, err := e.modifiedConfigFiles(ctx, md)
	if err != nil {
		t.Fatal(err)
	}
	if len(excluded) != 0 {
		t.Errorf("expected no excluded files before edit, got %v", excluded)
	}

	// Locally edited: digest now differs, so unpack must leave it alone.
	if err := os.WriteFile(shippedPath, []byte("an administrator changed this\n"), 0644); err != nil {
		t.Fatal(err)
	}
	excluded, err = e.modifiedConfigFiles(ctx, md)
	if err != nil {
		t.Fatal(err)
	}
	if len(excluded) != 1 || excluded[0] != "etc/foo.conf" {
		t.Errorf("excluded = %v, want [etc/foo.conf]", excluded)
	}
}

func TestAdoptRequiresConfirmationForMismatchedPreexistingFile(t *testing.T) {
	e := openTestExecutor(t)
	ctx := context.Background()

	preexisting := e.Root.Join("usr/bin/tool")
	if err := os.MkdirAll(filepath.Dir(preexisting), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(preexisting, []byte("locally installed\n"), 0755); err != nil {
		t.Fatal(err)
	}

	files := []pkgmeta.FileRecord{
		{Type: pkgmeta.FileRegular, Path: "usr/bin/tool", SHA1: pkgmeta.SHA1Sum{0xaa}},
	}

	e.Confirm = func(string) bool { return false }
	err := e.adopt(ctx, pkgmeta.Identifier{Name: "tool", Arch: pkgmeta.ArchAMD64}, files)
	if _, ok := err.(*UserAbort); !ok {
		t.Fatalf("expected *UserAbort when confirmation declined, got %v", err)
	}

	e.Confirm = func(string) bool { return true }
	if err := e.adopt(ctx, pkgmeta.Identifier{Name: "tool", Arch: pkgmeta.ArchAMD64}, files); err != nil {
		t.Fatalf("expected adoption to proceed once confirmed, got %v", err)
	}

	e.Confirm = nil
	e.AdoptAll = true
	if err := e.adopt(ctx, pkgmeta.Identifier{Name: "tool", Arch: pkgmeta.ArchAMD64}, files); err != nil {
		t.Fatalf("expected --adopt-all to proceed without Confirm, got %v", err)
	}
}

func TestAdoptSkipsFilesAlreadyOwnedByAnotherPackage(t *testing.T) {
	e := openTestExecutor(t)
	ctx := context.Background()

	owner := testMD("owner")
	if err := e.DB.UpdateOrCreatePackage(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if err := e.DB.SetFiles(ctx, owner, []pkgmeta.FileRecord{
		{Type: pkgmeta.FileRegular, Path: "usr/bin/tool"},
	}); err != nil {
		t.Fatal(err)
	}

	// No Confirm set at all: if adopt tried to ask about this path, it
	// would hit the nil-Confirm UserAbort branch and fail the test.
	files := []pkgmeta.FileRecord{{Type: pkgmeta.FileRegular, Path: "usr/bin/tool"}}
	if err := e.adopt(ctx, pkgmeta.Identifier{Name: "other", Arch: pkgmeta.ArchAMD64}, files); err != nil {
		t.Fatalf("expected already-owned path to be skipped, got %v", err)
	}
}

func TestRequireStateReportsViolation(t *testing.T) {
	e := openTestExecutor(t)
	md := testMD("foo")
	md.State = pkgmeta.StateUnpackBegin

	err := e.requireState(md, pkgmeta.StateConfigureBegin)
	violation, ok := err.(*StateMachineViolation)
	if !ok {
		t.Fatalf("expected *StateMachineViolation, got %v", err)
	}
	if violation.Have != "unpack_begin" || violation.Want != "configure_begin" {
		t.Errorf("violation = %+v", violation)
	}

	if err := e.requireState(md, pkgmeta.StateUnpackBegin); err != nil {
		t.Errorf("expected matching state to pass, got %v", err)
	}
}

// writeScriptArchive stashes a single section whose payload is a shell
// script appending marker to logPath, so a test can tell which stored
// version's script actually ran.
func writeScriptArchive(t *testing.T, e *Executor, id pkgmeta.Identifier, ver version.VersionNumber, typ transport.SectionType, logPath, marker string) {
	t.Helper()
	script := []byte("#!/bin/sh\necho " + marker + " >> " + logPath + "\n")
	path := e.Scripts.path(id, ver)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := transport.WriteTOC(f, []transport.Section{{Type: typ, Payload: script}}); err != nil {
		t.Fatal(err)
	}
}

// TestUnconfigureRunsOldVersionScriptDuringChange guards against the bug
// where RunPreinst has already overwritten the packages row to the new
// version before Unconfigure/RunPostrm run: they must still execute the
// version being replaced's maintainer scripts, not the new version's.
func TestUnconfigureRunsOldVersionScriptDuringChange(t *testing.T) {
	e := openTestExecutor(t)
	ctx := context.Background()
	id := pkgmeta.Identifier{Name: "foo", Arch: pkgmeta.ArchAMD64}
	logPath := filepath.Join(t.TempDir(), "log")

	oldVersion := version.MustParse("1.0")
	newVersion := version.MustParse("2.0")
	writeScriptArchive(t, e, id, oldVersion, transport.SectionUnconfigure, logPath, "old-unconfigure")
	writeScriptArchive(t, e, id, newVersion, transport.SectionUnconfigure, logPath, "new-unconfigure")

	// Simulate the row and pending-package snapshot as RunPreinst leaves
	// them mid-change: the row already overwritten to the new version,
	// with the old version's identity stashed separately.
	old := testMD("foo")
	old.Version = oldVersion
	if err := e.DB.UpdateOrCreatePackage(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := e.DB.SetPendingPackage(ctx, old); err != nil {
		t.Fatal(err)
	}
	md := testMD("foo")
	md.Version = newVersion
	md.State = pkgmeta.StateWaitOldRemoved
	if err := e.DB.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}

	if err := e.Unconfigure(ctx, id, true); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "old-unconfigure\n" {
		t.Errorf("log = %q, want the old version's script to have run", got)
	}
}

// TestRunPostrmRunsOldVersionScriptDuringChange is RunPostrm's analogue
// of TestUnconfigureRunsOldVersionScriptDuringChange.
func TestRunPostrmRunsOldVersionScriptDuringChange(t *testing.T) {
	e := openTestExecutor(t)
	ctx := context.Background()
	id := pkgmeta.Identifier{Name: "foo", Arch: pkgmeta.ArchAMD64}
	logPath := filepath.Join(t.TempDir(), "log")

	oldVersion := version.MustParse("1.0")
	newVersion := version.MustParse("2.0")
	writeScriptArchive(t, e, id, oldVersion, transport.SectionPostrm, logPath, "old-postrm")
	writeScriptArchive(t, e, id, newVersion, transport.SectionPostrm, logPath, "new-postrm")

	old := testMD("foo")
	old.Version = oldVersion
	if err := e.DB.UpdateOrCreatePackage(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := e.DB.SetPendingPackage(ctx, old); err != nil {
		t.Fatal(err)
	}
	md := testMD("foo")
	md.Version = newVersion
	md.State = pkgmeta.StatePostrmChange
	if err := e.DB.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}

	if err := e.RunPostrm(ctx, id, true); err != nil {
		t.Fatal(err)
	}

	pending, err := e.DB.GetPendingPackage(ctx, id.Name, id.Arch)
	if err != nil {
		t.Fatal(err)
	}
	if pending != nil {
		t.Errorf("expected pending-package snapshot to be cleared, got %+v", pending)
	}

	got, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "old-postrm\n" {
		t.Errorf("log = %q, want the old version's script to have run", got)
	}
}

func TestByPathDepthOrdersDeepestFirstWhenReversed(t *testing.T) {
	dirs := []string{"usr", "usr/share/doc/tool", "usr/share"}
	sort.Sort(sort.Reverse(byPathDepth(dirs)))
	want := []string{"usr/share/doc/tool", "usr/share", "usr"}
	for i, d := range dirs {
		if d != want[i] {
			t.Errorf("dirs = %v, want %v", dirs, want)
			break
		}
	}
}
