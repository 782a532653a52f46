package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/transport"
	"github.com/holocm/tpm2/internal/version"
)

func writeTestArchive(t *testing.T, dir, name, ver, arch string) string {
	t.Helper()
	md := &pkgmeta.PackageMetaData{
		Name: name, Architecture: pkgmeta.ArchAMD64,
		Version: version.MustParse(ver), SourceVersion: version.MustParse(ver),
	}
	desc, err := transport.EncodeDesc(md)
	if err != nil {
		t.Fatal(err)
	}
	sections := []transport.Section{
		{Type: transport.SectionDesc, Payload: desc},
		{Type: transport.SectionArchive, Payload: []byte("fake tar bytes")},
	}

	archDir := filepath.Join(dir, arch)
	if err := os.MkdirAll(archDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(archDir, name+"-"+ver+"_"+arch+".tpm2")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := transport.WriteTOC(f, sections); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDirectoryRepositoryListVersions(t *testing.T) {
	dir := t.TempDir()
	writeTestArchive(t, dir, "foo", "1.0", "amd64")
	writeTestArchive(t, dir, "foo", "2.0", "amd64")
	writeTestArchive(t, dir, "bar", "1.0", "amd64")

	repo := &DirectoryRepository{Root: dir}
	versions, err := repo.ListVersions("foo", pkgmeta.ArchAMD64)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2: %v", len(versions), versions)
	}
	if !versions[0].Less(versions[1]) {
		t.Errorf("expected ascending order, got %v", versions)
	}
}

func TestDirectoryRepositoryGetPackage(t *testing.T) {
	dir := t.TempDir()
	writeTestArchive(t, dir, "foo", "1.0", "amd64")

	repo := &DirectoryRepository{Root: dir}
	pp, err := repo.GetPackage("foo", pkgmeta.ArchAMD64, version.MustParse("1.0"))
	if err != nil {
		t.Fatal(err)
	}
	if pp == nil {
		t.Fatal("expected a package, got nil")
	}
	defer pp.Close()

	md, err := pp.MetaData()
	if err != nil {
		t.Fatal(err)
	}
	if md.Name != "foo" {
		t.Errorf("got name %q", md.Name)
	}

	size, err := pp.ArchiveSize()
	if err != nil {
		t.Fatal(err)
	}
	if size != uint32(len("fake tar bytes")) {
		t.Errorf("got archive size %d", size)
	}
}

func TestDirectoryRepositoryGetPackageMissing(t *testing.T) {
	dir := t.TempDir()
	repo := &DirectoryRepository{Root: dir}
	pp, err := repo.GetPackage("nope", pkgmeta.ArchAMD64, version.MustParse("1.0"))
	if err != nil {
		t.Fatal(err)
	}
	if pp != nil {
		t.Fatal("expected nil for a missing package")
	}
}

func TestMultiRepositoryPrefersFirstMatch(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeTestArchive(t, dirA, "foo", "1.0", "amd64")
	writeTestArchive(t, dirB, "foo", "1.0", "amd64")
	writeTestArchive(t, dirB, "foo", "2.0", "amd64")

	multi := &MultiRepository{Repos: []Repository{
		&DirectoryRepository{Root: dirA},
		&DirectoryRepository{Root: dirB},
	}}

	versions, err := multi.ListVersions("foo", pkgmeta.ArchAMD64)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected merged, deduplicated versions, got %v", versions)
	}

	pp, err := multi.GetPackage("foo", pkgmeta.ArchAMD64, version.MustParse("1.0"))
	if err != nil {
		t.Fatal(err)
	}
	defer pp.Close()
	if pp == nil {
		t.Fatal("expected a match from the first repository")
	}
	if got := filepath.Dir(filepath.Dir(pp.path)); got != dirA {
		t.Errorf("got archive from %s, want the first repository %s", got, dirA)
	}
}

func TestIndexCachePutGetAndStaleness(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenIndexCache(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	raw := []byte("tpm_repo_index 1.0\nfindex " + fakeHex() + "\n")
	if err := cache.Put("/repo/a", raw); err != nil {
		t.Fatal(err)
	}

	var sum [32]byte
	copy(sum[:], []byte(fakeHexBytes()))
	idx, err := cache.Get("/repo/a", sum)
	if err != nil {
		t.Fatal(err)
	}
	if idx == nil {
		t.Fatal("expected a cache hit")
	}

	var otherSum [32]byte
	otherSum[0] = 0xFF
	stale, err := cache.Get("/repo/a", otherSum)
	if err != nil {
		t.Fatal(err)
	}
	if stale != nil {
		t.Fatal("expected cache miss for a mismatched digest")
	}
}

func TestIndexCachePruneEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenIndexCache(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	for i := 0; i < 5; i++ {
		raw := []byte("tpm_repo_index 1.0\nfindex " + fakeHex() + "\n")
		if err := cache.Put(string(rune('a'+i)), raw); err != nil {
			t.Fatal(err)
		}
	}
	if err := cache.Prune(2); err != nil {
		t.Fatal(err)
	}

	var sum [32]byte
	copy(sum[:], []byte(fakeHexBytes()))
	idx, err := cache.Get("a", sum)
	if err != nil {
		t.Fatal(err)
	}
	if idx != nil {
		t.Fatal("expected the oldest entry to have been evicted")
	}
}

func fakeHex() string {
	return "0000000000000000000000000000000000000000000000000000000000000000000000000000"[:64]
}

func fakeHexBytes() []byte {
	b := make([]byte, 32)
	return b
}
