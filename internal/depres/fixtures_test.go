package depres

import (
	"testing"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

// This file's helpers are modeled on golang-dep's bestiary_test.go depspec
// DSL: short constructor functions that panic on malformed test data, since
// a broken fixture is a bug in the test itself, not something worth a
// graceful error path.

// pv - "parse version", panics on malformed input.
func pv(s string) version.VersionNumber {
	v, err := version.Parse(s)
	if err != nil {
		panic("bad test version " + s + ": " + err.Error())
	}
	return v
}

// pf - "parse formula", empty string means no constraint.
func pf(s string) *version.Formula {
	if s == "" {
		return nil
	}
	f, err := version.ParseFormula(s)
	if err != nil {
		panic("bad test formula " + s + ": " + err.Error())
	}
	return f
}

// fixturePkg is one version of one package in a fakeSource.
type fixturePkg struct {
	name  string
	ver   version.VersionNumber
	deps  []pkgmeta.Dependency
	pre   []pkgmeta.Dependency
	files []string
}

// dep builds a pkgmeta.Dependency against amd64 with an optional formula
// string ("" for unconstrained).
func dep(name, formula string) pkgmeta.Dependency {
	return pkgmeta.Dependency{Name: name, Arch: pkgmeta.ArchAMD64, Constraint: pf(formula)}
}

// fakeSource is an in-memory DependencySource/VersionLister fixture: a flat
// list of (name, version) package bodies, addressed by name since every
// fixture in this file uses a single architecture.
type fakeSource struct {
	pkgs map[string][]fixturePkg
}

func newFakeSource() *fakeSource {
	return &fakeSource{pkgs: map[string][]fixturePkg{}}
}

// add registers one version of a package. deps is a flat list built with
// dep(); files is the list of paths this version would install.
func (s *fakeSource) add(name, ver string, deps []pkgmeta.Dependency, files ...string) *fakeSource {
	s.pkgs[name] = append(s.pkgs[name], fixturePkg{name: name, ver: pv(ver), deps: deps, files: files})
	return s
}

func (s *fakeSource) find(name string, ver version.VersionNumber) *fixturePkg {
	for i, p := range s.pkgs[name] {
		if p.ver.Equal(ver) {
			return &s.pkgs[name][i]
		}
	}
	return nil
}

func (s *fakeSource) ListVersions(name string, arch pkgmeta.Architecture) ([]version.VersionNumber, error) {
	var out []version.VersionNumber
	for _, p := range s.pkgs[name] {
		out = append(out, p.ver)
	}
	return out, nil
}

func (s *fakeSource) GetDependencies(name string, arch pkgmeta.Architecture, ver version.VersionNumber) (pre, deps []pkgmeta.Dependency, err error) {
	p := s.find(name, ver)
	if p == nil {
		return nil, nil, nil
	}
	return p.pre, p.deps, nil
}

func (s *fakeSource) GetFilePaths(name string, arch pkgmeta.Architecture, ver version.VersionNumber) ([]string, error) {
	p := s.find(name, ver)
	if p == nil {
		return nil, nil
	}
	return p.files, nil
}

func sel(name, formula string) Selection {
	return Selection{Name: name, Arch: pkgmeta.ArchAMD64, Constraint: pf(formula)}
}

func installed(name, ver string, auto bool) InstalledEntry {
	return InstalledEntry{Identifier: pkgmeta.Identifier{Name: name, Arch: pkgmeta.ArchAMD64}, Version: pv(ver), Auto: auto}
}

func nodeVersion(t *testing.T, g Graph, name string) string {
	t.Helper()
	id := pkgmeta.Identifier{Name: name, Arch: pkgmeta.ArchAMD64}
	n, ok := g[id]
	if !ok || !n.HasChosenVersion {
		t.Fatalf("expected %s to be present with a chosen version, graph: %+v", name, g)
		return ""
	}
	return n.ChosenVersion.String()
}

// Scenario 1: a bare selection with no constraint resolves to the newest
// version on offer, with its dependency chain pulled in transitively.
func TestFreshInstallPicksNewestAndPullsDependencies(t *testing.T) {
	src := newFakeSource()
	src.add("app", "1.0", []pkgmeta.Dependency{dep("libfoo", "")}, "/usr/bin/app")
	src.add("app", "2.0", []pkgmeta.Dependency{dep("libfoo", "(>=s:1.0)")}, "/usr/bin/app")
	src.add("libfoo", "1.0", nil, "/usr/lib/libfoo.so.1")

	solver := New(src, PolicyUpgrade, false)
	g, warnings, err := solver.Run(nil, []Selection{sel("app", "")})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if v := nodeVersion(t, g, "app"); v != "2.0" {
		t.Errorf("app resolved to %s, want 2.0", v)
	}
	if v := nodeVersion(t, g, "libfoo"); v != "1.0" {
		t.Errorf("libfoo resolved to %s, want 1.0", v)
	}
	libfoo := g[pkgmeta.Identifier{Name: "libfoo", Arch: pkgmeta.ArchAMD64}]
	if libfoo.IsSelected {
		t.Errorf("libfoo should only be present as a dependency, not selected")
	}
}

// Scenario 2: a user-level version pin overrides the bias toward the
// newest candidate.
func TestUserPinOverridesNewest(t *testing.T) {
	src := newFakeSource()
	src.add("app", "1.0", nil, "/usr/bin/app")
	src.add("app", "2.0", nil, "/usr/bin/app")

	solver := New(src, PolicyUpgrade, false)
	g, _, err := solver.Run(nil, []Selection{sel("app", "(==s:1.0)")})
	if err != nil {
		t.Fatal(err)
	}
	if v := nodeVersion(t, g, "app"); v != "1.0" {
		t.Errorf("app resolved to %s, want the pinned 1.0", v)
	}
}

// Scenario 3: a second selection of the same package overwrites the first's
// ⊥ constraint rather than combining with it, so only the last one given
// applies.
func TestRepeatedSelectionOverwritesPin(t *testing.T) {
	src := newFakeSource()
	src.add("libfoo", "1.0", nil, "/usr/lib/libfoo.so.1")
	src.add("libfoo", "2.0", nil, "/usr/lib/libfoo.so.1")

	solver := New(src, PolicyUpgrade, false)
	g, _, err := solver.Run(nil, []Selection{
		sel("libfoo", "(==s:1.0)"),
		sel("libfoo", "(==s:2.0)"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := nodeVersion(t, g, "libfoo"); v != "2.0" {
		t.Errorf("libfoo resolved to %s, want the last pin 2.0", v)
	}
}

// Scenario 4: a stable, already-satisfied installation of a selected
// package plus its auto-installed dependency resolves without any churn.
func TestStableInstallationResolvesWithoutChurn(t *testing.T) {
	src := newFakeSource()
	src.add("app", "1.0", []pkgmeta.Dependency{dep("libfoo", "")}, "/usr/bin/app")
	src.add("libfoo", "1.0", nil, "/usr/lib/libfoo.so.1")

	solver := New(src, PolicyUpgrade, false)
	g, _, err := solver.Run(
		[]InstalledEntry{installed("app", "1.0", false), installed("libfoo", "1.0", true)},
		[]Selection{sel("app", "")},
	)
	if err != nil {
		t.Fatalf("unexpected error resolving a stable install: %v", err)
	}
	if v := nodeVersion(t, g, "app"); v != "1.0" {
		t.Errorf("app resolved to %s, want the installed 1.0", v)
	}
	if v := nodeVersion(t, g, "libfoo"); v != "1.0" {
		t.Errorf("libfoo resolved to %s, want the installed 1.0", v)
	}
	if r := solver.Removals(); len(r) != 0 {
		t.Errorf("unexpected removals: %+v", r)
	}
}

// Scenario 5: an auto-installed package that is not selected and has no
// remaining dependent is marked for removal by garbage collection and
// dropped from the returned graph.
func TestOrphanedAutoPackageIsRemoved(t *testing.T) {
	src := newFakeSource()
	src.add("libfoo", "1.0", nil, "/usr/lib/libfoo.so.1")

	solver := New(src, PolicyUpgrade, true) // evaluateAll: re-examine the whole installed set
	g, _, err := solver.Run(
		[]InstalledEntry{installed("libfoo", "1.0", true)},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g[pkgmeta.Identifier{Name: "libfoo", Arch: pkgmeta.ArchAMD64}]; ok {
		t.Errorf("expected the orphaned auto-installed package to be garbage collected")
	}
}

// Two already-installed packages that share a path produce a file-conflict
// warning while the solver seeds its graph.
func TestFileConflictWarnsOnSeed(t *testing.T) {
	src := newFakeSource()
	src.add("app-a", "1.0", nil, "/etc/shared.conf")
	src.add("app-b", "1.0", nil, "/etc/shared.conf")

	solver := New(src, PolicyUpgrade, false)
	_, warnings, err := solver.Run(
		[]InstalledEntry{installed("app-a", "1.0", false), installed("app-b", "1.0", false)},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) == 0 {
		t.Errorf("expected a file-conflict warning for two already-installed packages sharing a path")
	}
}

// A strict version pin that no listed version satisfies is an
// UnsatisfiedPinError rather than a silent installation of a version that
// violates the pin.
func TestImpossiblePinErrors(t *testing.T) {
	src := newFakeSource()
	src.add("app", "1.0", nil, "/usr/bin/app")

	solver := New(src, PolicyUpgrade, false)
	_, _, err := solver.Run(nil, []Selection{sel("app", "(==s:9.0)")})
	if err == nil {
		t.Fatal("expected an error for an unsatisfiable user pin")
	}
}

// Scenario 6: a package the user selects without pinning it to any
// formula must still respect a constraint a dependent imposes on it,
// rather than always scoring its newest-available candidate as if no
// other node in the graph cared about its version.
func TestSelectedUnpinnedPackageRespectsDependentConstraint(t *testing.T) {
	src := newFakeSource()
	src.add("lib", "1.0", nil, "/usr/lib/lib.so.1")
	src.add("lib", "2.0", nil, "/usr/lib/lib.so.2")
	src.add("consumer", "1.0", []pkgmeta.Dependency{dep("lib", "(<s:2.0)")}, "/usr/bin/consumer")

	solver := New(src, PolicyUpgrade, false)
	g, _, err := solver.Run(nil, []Selection{sel("lib", ""), sel("consumer", "")})
	if err != nil {
		t.Fatal(err)
	}
	if v := nodeVersion(t, g, "lib"); v != "1.0" {
		t.Errorf("lib resolved to %s, want 1.0 (the only version satisfying consumer's constraint)", v)
	}
}

func TestOscillationErrorType(t *testing.T) {
	var err error = &OscillationError{Offenders: []string{"foo/amd64(10)"}}
	if _, ok := err.(*OscillationError); !ok {
		t.Fatal("OscillationError does not satisfy error")
	}
	if err.Error() == "" {
		t.Fatal("expected a non-empty message")
	}
}
