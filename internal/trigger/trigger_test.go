package trigger

import (
	"context"
	"testing"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

type fakeDB struct {
	activated  map[string]bool
	interested map[string][]pkgmeta.Identifier
	packages   map[pkgmeta.Identifier]*pkgmeta.PackageMetaData
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		activated:  map[string]bool{},
		interested: map[string][]pkgmeta.Identifier{},
		packages:   map[pkgmeta.Identifier]*pkgmeta.PackageMetaData{},
	}
}

func (f *fakeDB) ActivateTrigger(ctx context.Context, name string) error {
	f.activated[name] = true
	return nil
}

func (f *fakeDB) GetActivatedTriggers(ctx context.Context) ([]string, error) {
	var out []string
	for name, on := range f.activated {
		if on {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeDB) FindPackagesInterestedInTrigger(ctx context.Context, name string) ([]pkgmeta.Identifier, error) {
	return f.interested[name], nil
}

func (f *fakeDB) ClearTrigger(ctx context.Context, name string) error {
	delete(f.activated, name)
	return nil
}

func (f *fakeDB) GetInstalledPackage(ctx context.Context, name string, arch pkgmeta.Architecture) (*pkgmeta.PackageMetaData, error) {
	return f.packages[pkgmeta.Identifier{Name: name, Arch: arch}], nil
}

type fakeConfigurer struct {
	ran []pkgmeta.Identifier
}

func (c *fakeConfigurer) RunConfigure(ctx context.Context, id pkgmeta.Identifier, argv []string) error {
	c.ran = append(c.ran, id)
	return nil
}

func TestDrainRunsConfigureOnlyForConfiguredInterestedPackages(t *testing.T) {
	db := newFakeDB()
	ctx := context.Background()

	ldconfig := pkgmeta.Identifier{Name: "ldconfig-runner", Arch: pkgmeta.ArchAMD64}
	halfInstalled := pkgmeta.Identifier{Name: "half-installed", Arch: pkgmeta.ArchAMD64}
	db.interested["ldconfig"] = []pkgmeta.Identifier{ldconfig, halfInstalled}
	db.packages[ldconfig] = &pkgmeta.PackageMetaData{Name: ldconfig.Name, Architecture: ldconfig.Arch, Version: version.MustParse("1.0"), State: pkgmeta.StateConfigured}
	db.packages[halfInstalled] = &pkgmeta.PackageMetaData{Name: halfInstalled.Name, Architecture: halfInstalled.Arch, Version: version.MustParse("1.0"), State: pkgmeta.StateUnpackBegin}

	if err := Activate(ctx, db, "ldconfig"); err != nil {
		t.Fatal(err)
	}

	cfg := &fakeConfigurer{}
	if err := Drain(ctx, db, cfg); err != nil {
		t.Fatal(err)
	}

	if len(cfg.ran) != 1 || cfg.ran[0] != ldconfig {
		t.Fatalf("expected configure to run only for the configured package, got %v", cfg.ran)
	}

	activated, err := db.GetActivatedTriggers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(activated) != 0 {
		t.Errorf("expected the trigger to be cleared after drain, got %v", activated)
	}
}

func TestActivateIgnoresEmptyName(t *testing.T) {
	db := newFakeDB()
	if err := Activate(context.Background(), db, ""); err != nil {
		t.Fatal(err)
	}
	if len(db.activated) != 0 {
		t.Errorf("expected no activation recorded for an empty trigger name")
	}
}
