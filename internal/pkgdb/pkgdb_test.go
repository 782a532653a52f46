package pkgdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, "packages.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testPackage(name string) *pkgmeta.PackageMetaData {
	return &pkgmeta.PackageMetaData{
		Name:               name,
		Architecture:       pkgmeta.ArchAMD64,
		Version:            version.MustParse("1.0"),
		SourceVersion:      version.MustParse("1.0"),
		State:              pkgmeta.StateConfigured,
		InstallationReason: pkgmeta.ReasonManual,
	}
}

func TestCreateAndFetchPackage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	md := testPackage("foo")
	if err := db.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetReducedPackage(ctx, "foo", pkgmeta.ArchAMD64, version.MustParse("1.0"))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a row, got nil")
	}
	if got.State != pkgmeta.StateConfigured {
		t.Errorf("got state %v, want %v", got.State, pkgmeta.StateConfigured)
	}
}

// TestGetReducedPackageFallsBackToPendingPackage covers the mid-change
// case: the live row has already moved to the new version, but the
// version being replaced must still be fetchable by its own version
// number from the pending_packages snapshot.
func TestGetReducedPackageFallsBackToPendingPackage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	old := testPackage("foo")
	if err := db.UpdateOrCreatePackage(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := db.SetPendingPackage(ctx, old); err != nil {
		t.Fatal(err)
	}

	newMD := testPackage("foo")
	newMD.Version = version.MustParse("2.0")
	newMD.State = pkgmeta.StateWaitOldRemoved
	if err := db.UpdateOrCreatePackage(ctx, newMD); err != nil {
		t.Fatal(err)
	}

	gotNew, err := db.GetReducedPackage(ctx, "foo", pkgmeta.ArchAMD64, version.MustParse("2.0"))
	if err != nil {
		t.Fatal(err)
	}
	if gotNew == nil {
		t.Fatal("expected the live row for the new version, got nil")
	}

	gotOld, err := db.GetReducedPackage(ctx, "foo", pkgmeta.ArchAMD64, version.MustParse("1.0"))
	if err != nil {
		t.Fatal(err)
	}
	if gotOld == nil {
		t.Fatal("expected the pending-package snapshot for the old version, got nil")
	}

	if err := db.ClearPendingPackage(ctx, "foo", pkgmeta.ArchAMD64); err != nil {
		t.Fatal(err)
	}
	gotCleared, err := db.GetReducedPackage(ctx, "foo", pkgmeta.ArchAMD64, version.MustParse("1.0"))
	if err != nil {
		t.Fatal(err)
	}
	if gotCleared != nil {
		t.Errorf("expected nil once the pending snapshot is cleared, got %+v", gotCleared)
	}
}

func TestUpdateState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	md := testPackage("foo")
	if err := db.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}

	md.State = pkgmeta.StateUnpackBegin
	if err := db.UpdateState(ctx, md); err != nil {
		t.Fatal(err)
	}

	rows, err := db.GetPackagesInState(ctx, pkgmeta.StateUnpackBegin, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "foo" {
		t.Errorf("got %+v", rows)
	}
}

func TestUpdateStateMissingPackageIsException(t *testing.T) {
	db := openTestDB(t)
	md := testPackage("ghost")
	err := db.UpdateState(context.Background(), md)
	if err == nil {
		t.Fatal("expected an error for a nonexistent package")
	}
}

func TestSetAndGetFiles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	md := testPackage("foo")
	if err := db.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}

	files := []pkgmeta.FileRecord{
		{Type: pkgmeta.FileRegular, Mode: 0644, Path: "/usr/bin/foo"},
		{Type: pkgmeta.FileDirectory, Mode: 0755, Path: "/usr/bin"},
	}
	if err := db.SetFiles(ctx, md, files); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetFiles(ctx, md)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d files, want 2", len(got))
	}
	// GetFiles orders by path, so /usr/bin precedes /usr/bin/foo.
	if got[0].Path != "/usr/bin" || got[1].Path != "/usr/bin/foo" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestDeletePackageCascadesFiles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	md := testPackage("foo")
	if err := db.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}
	if err := db.SetFiles(ctx, md, []pkgmeta.FileRecord{{Type: pkgmeta.FileRegular, Path: "/a"}}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeletePackage(ctx, md); err != nil {
		t.Fatal(err)
	}

	files, err := db.GetAllFilesPlain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("expected cascade delete of files, got %+v", files)
	}
}

func TestSetDependenciesReplacesBothSets(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	md := testPackage("foo")
	if err := db.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}

	md.Dependencies = []pkgmeta.Dependency{{Name: "bar", Arch: pkgmeta.ArchAMD64}}
	md.PreDependencies = []pkgmeta.Dependency{{Name: "baz", Arch: pkgmeta.ArchAMD64}}
	if err := db.SetDependencies(ctx, md); err != nil {
		t.Fatal(err)
	}

	got := testPackage("foo")
	if err := db.GetDependencies(ctx, got); err != nil {
		t.Fatal(err)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0].Name != "bar" ||
		len(got.PreDependencies) != 1 || got.PreDependencies[0].Name != "baz" {
		t.Fatalf("after first set: deps %+v, pre %+v", got.Dependencies, got.PreDependencies)
	}

	md.Dependencies = nil
	md.PreDependencies = nil
	if err := db.SetDependencies(ctx, md); err != nil {
		t.Fatal(err)
	}
	if err := db.GetDependencies(ctx, got); err != nil {
		t.Fatal(err)
	}
	if len(got.Dependencies) != 0 || len(got.PreDependencies) != 0 {
		t.Errorf("after replacing with empty sets: deps %+v, pre %+v", got.Dependencies, got.PreDependencies)
	}
}

func TestTriggerActivationLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	md := testPackage("foo")
	if err := db.UpdateOrCreatePackage(ctx, md); err != nil {
		t.Fatal(err)
	}
	if err := db.SetInterestedTriggers(ctx, md, []string{"ldconfig"}); err != nil {
		t.Fatal(err)
	}

	if err := db.ActivateTrigger(ctx, "ldconfig"); err != nil {
		t.Fatal(err)
	}
	if err := db.ActivateTrigger(ctx, "ldconfig"); err != nil {
		t.Fatal(err) // insert-or-ignore: activating twice is not an error
	}

	activated, err := db.GetActivatedTriggers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(activated) != 1 || activated[0] != "ldconfig" {
		t.Fatalf("got %v", activated)
	}

	interested, err := db.FindPackagesInterestedInTrigger(ctx, "ldconfig")
	if err != nil {
		t.Fatal(err)
	}
	if len(interested) != 1 || interested[0].Name != "foo" {
		t.Fatalf("got %v", interested)
	}

	if err := db.ClearTrigger(ctx, "ldconfig"); err != nil {
		t.Fatal(err)
	}
	activated, err = db.GetActivatedTriggers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(activated) != 0 {
		t.Fatalf("expected trigger cleared, got %v", activated)
	}
}

func TestReopenWithCurrentSchemaSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packages.db")
	ctx := context.Background()

	db1, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	db1.Close()

	db2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopening an existing schema-%s database should succeed: %v", SchemaVersion, err)
	}
	db2.Close()
}
