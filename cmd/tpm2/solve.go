package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/pkgdb"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/provider"
	"github.com/holocm/tpm2/internal/version"
)

// dbRepoSource implements depres.DependencySource: for an identity/version
// that is the package currently installed in db, its dependency and file
// data is read straight back out of the database (no repository archive
// for an old version needs to still exist for the solver to re-derive
// what it already persisted); every other candidate version is resolved
// by opening the matching repository archive. ListVersions always goes to
// the repository, since only it knows what is available to move to.
type dbRepoSource struct {
	ctx  context.Context
	db   *pkgdb.DB
	repo provider.Repository
}

func (s *dbRepoSource) ListVersions(name string, arch pkgmeta.Architecture) ([]version.VersionNumber, error) {
	return s.repo.ListVersions(name, arch)
}

func (s *dbRepoSource) installedAt(name string, arch pkgmeta.Architecture, ver version.VersionNumber) (*pkgmeta.PackageMetaData, error) {
	row, err := s.db.GetInstalledPackage(s.ctx, name, arch)
	if err != nil {
		return nil, err
	}
	if row == nil || !row.Version.Equal(ver) || row.State != pkgmeta.StateConfigured {
		return nil, nil
	}
	return row, nil
}

func (s *dbRepoSource) GetDependencies(name string, arch pkgmeta.Architecture, ver version.VersionNumber) (pre, deps []pkgmeta.Dependency, err error) {
	row, err := s.installedAt(name, arch, ver)
	if err != nil {
		return nil, nil, err
	}
	if row != nil {
		if err := s.db.GetDependencies(s.ctx, row); err != nil {
			return nil, nil, err
		}
		return row.PreDependencies, row.Dependencies, nil
	}

	pkg, err := s.repo.GetPackage(name, arch, ver)
	if err != nil {
		return nil, nil, err
	}
	if pkg == nil {
		return nil, nil, errors.Errorf("no repository has %s/%s %s", name, arch, ver)
	}
	defer pkg.Close()
	md, err := pkg.MetaData()
	if err != nil {
		return nil, nil, err
	}
	return md.PreDependencies, md.Dependencies, nil
}

func (s *dbRepoSource) GetFilePaths(name string, arch pkgmeta.Architecture, ver version.VersionNumber) ([]string, error) {
	row, err := s.installedAt(name, arch, ver)
	if err != nil {
		return nil, err
	}
	if row != nil {
		records, err := s.db.GetFiles(s.ctx, row)
		if err != nil {
			return nil, err
		}
		return filePaths(records), nil
	}

	pkg, err := s.repo.GetPackage(name, arch, ver)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, errors.Errorf("no repository has %s/%s %s", name, arch, ver)
	}
	defer pkg.Close()
	records, err := pkg.FileList()
	if err != nil {
		return nil, err
	}
	return filePaths(records), nil
}

func filePaths(records []pkgmeta.FileRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Path
	}
	return out
}
