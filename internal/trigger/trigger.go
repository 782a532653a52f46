// Package trigger implements activation and draining of package-declared
// triggers (spec §4.6's triggers paragraph): a trigger is a free-form
// string; running a maintainer script propagates its declared activations,
// and draining re-runs configure on every interested, currently-configured
// package.
package trigger

import (
	"context"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/pkgmeta"
)

// DB is the slice of *pkgdb.DB this package needs, kept narrow so trigger
// has no import-time dependency on the concrete database type.
type DB interface {
	ActivateTrigger(ctx context.Context, name string) error
	GetActivatedTriggers(ctx context.Context) ([]string, error)
	FindPackagesInterestedInTrigger(ctx context.Context, name string) ([]pkgmeta.Identifier, error)
	ClearTrigger(ctx context.Context, name string) error
	GetInstalledPackage(ctx context.Context, name string, arch pkgmeta.Architecture) (*pkgmeta.PackageMetaData, error)
}

// Configurer re-runs a package's configure maintainer script with the
// given argv, the same call the orchestrator's ll_configure_package makes.
type Configurer interface {
	RunConfigure(ctx context.Context, id pkgmeta.Identifier, argv []string) error
}

// Activate records that trigger was fired by a maintainer script just run;
// idempotent (insert-or-ignore at the DB layer), matching spec's
// "propagates declared activations" wording: repeated activation of the
// same trigger before it drains is not an error.
func Activate(ctx context.Context, db DB, name string) error {
	if name == "" {
		return nil
	}
	return errors.Wrapf(db.ActivateTrigger(ctx, name), "trigger: activating %q", name)
}

// Drain runs after all per-package orchestration work for an operation:
// for every trigger in triggers_activated, it looks up interested
// packages, skips any not in the configured state, and re-runs configure
// with argv ("triggered", trigger) on the rest, then clears the trigger.
func Drain(ctx context.Context, db DB, cfg Configurer) error {
	names, err := db.GetActivatedTriggers(ctx)
	if err != nil {
		return errors.Wrap(err, "trigger: listing activated triggers")
	}

	for _, name := range names {
		interested, err := db.FindPackagesInterestedInTrigger(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "trigger: listing packages interested in %q", name)
		}

		for _, id := range interested {
			md, err := db.GetInstalledPackage(ctx, id.Name, id.Arch)
			if err != nil {
				return errors.Wrapf(err, "trigger: looking up %s/%s", id.Name, id.Arch)
			}
			if md == nil || md.State != pkgmeta.StateConfigured {
				continue
			}
			if err := cfg.RunConfigure(ctx, id, []string{"triggered", name}); err != nil {
				return errors.Wrapf(err, "trigger: running configure for %s/%s on trigger %q", id.Name, id.Arch, name)
			}
		}

		if err := db.ClearTrigger(ctx, name); err != nil {
			return errors.Wrapf(err, "trigger: clearing %q", name)
		}
	}
	return nil
}
