// Package pkgdb implements the transactional package database (spec §4.3):
// a SQLite-backed relational store of installed package metadata, owned
// files, dependency edges and trigger bookkeeping, opened and
// schema-checked exactly once per target root.
//
// Grounded on the ipiton-alert-history-service sqlite storage adapter for
// the modernc.org/sqlite + database/sql wiring (WAL mode, foreign_keys
// pragma, connection pool tuning); the schema and operation set itself
// come from spec §4.3.
package pkgdb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

// SchemaVersion is the only schema the database engine understands. Any
// other value found in an existing database is a fatal error; there is no
// automatic migration.
const SchemaVersion = "1.2"

// ErrCannotOpenDB wraps failures constructing or opening the database
// file itself, as distinct from invariant violations once open.
var ErrCannotOpenDB = errors.New("pkgdb: cannot open database")

// Exception reports an invariant violation detected inside the DB layer
// (e.g. a row insert that should have been unique, a missing package for
// an operation that requires one).
type Exception struct {
	msg string
}

func (e *Exception) Error() string { return "pkgdb: " + e.msg }

func exceptionf(format string, args ...interface{}) error {
	return &Exception{msg: fmt.Sprintf(format, args...)}
}

// DB is a handle on one target root's package database.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the SQLite database at path. A freshly
// created database is initialized at SchemaVersion; an existing database
// at any other schema version is a fatal ErrCannotOpenDB.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(ErrCannotOpenDB, err.Error())
	}
	conn.SetMaxOpenConns(1) // spec §5: single-threaded, one process owns the target

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(ErrCannotOpenDB, err.Error())
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, errors.Wrap(ErrCannotOpenDB, err.Error())
	}

	db := &DB{conn: conn}
	if err := db.initOrCheckSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) initOrCheckSchema(ctx context.Context) error {
	var exists int
	err := db.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	).Scan(&exists)
	if err != nil {
		return errors.Wrap(ErrCannotOpenDB, err.Error())
	}

	if exists == 0 {
		return db.createSchema(ctx)
	}

	var found string
	err = db.conn.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&found)
	if err != nil {
		return errors.Wrap(ErrCannotOpenDB, err.Error())
	}
	if found != SchemaVersion {
		return errors.Wrap(ErrCannotOpenDB,
			fmt.Sprintf("unsupported schema version %q (expected %q, no migration available)", found, SchemaVersion))
	}
	return nil
}

const schemaDDL = `
CREATE TABLE packages (
	name TEXT NOT NULL,
	arch TEXT NOT NULL,
	version TEXT NOT NULL,
	source_version TEXT NOT NULL,
	state TEXT NOT NULL,
	installation_reason TEXT NOT NULL,
	PRIMARY KEY (name, arch)
);
CREATE TABLE files (
	path TEXT NOT NULL,
	pkg_name TEXT NOT NULL,
	pkg_arch TEXT NOT NULL,
	type TEXT NOT NULL,
	uid INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	size INTEGER NOT NULL,
	digest BLOB NOT NULL,
	PRIMARY KEY (path, pkg_name, pkg_arch),
	FOREIGN KEY (pkg_name, pkg_arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE INDEX idx_files_path ON files(path);
CREATE TABLE pending_files (
	path TEXT NOT NULL,
	pkg_name TEXT NOT NULL,
	pkg_arch TEXT NOT NULL,
	type TEXT NOT NULL,
	uid INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	size INTEGER NOT NULL,
	digest BLOB NOT NULL,
	PRIMARY KEY (path, pkg_name, pkg_arch),
	FOREIGN KEY (pkg_name, pkg_arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE TABLE config_files (
	path TEXT NOT NULL,
	pkg_name TEXT NOT NULL,
	pkg_arch TEXT NOT NULL,
	PRIMARY KEY (path, pkg_name, pkg_arch),
	FOREIGN KEY (pkg_name, pkg_arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE TABLE pre_dependencies (
	pkg_name TEXT NOT NULL,
	pkg_arch TEXT NOT NULL,
	name TEXT NOT NULL,
	arch TEXT NOT NULL,
	constraints TEXT NOT NULL,
	PRIMARY KEY (pkg_name, pkg_arch, name, arch),
	FOREIGN KEY (pkg_name, pkg_arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE TABLE dependencies (
	pkg_name TEXT NOT NULL,
	pkg_arch TEXT NOT NULL,
	name TEXT NOT NULL,
	arch TEXT NOT NULL,
	constraints TEXT NOT NULL,
	PRIMARY KEY (pkg_name, pkg_arch, name, arch),
	FOREIGN KEY (pkg_name, pkg_arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE TABLE triggers_interest (
	pkg_name TEXT NOT NULL,
	pkg_arch TEXT NOT NULL,
	trigger TEXT NOT NULL,
	PRIMARY KEY (pkg_name, pkg_arch, trigger),
	FOREIGN KEY (pkg_name, pkg_arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE INDEX idx_triggers_interest_trigger ON triggers_interest(trigger);
CREATE TABLE triggers_activate (
	pkg_name TEXT NOT NULL,
	pkg_arch TEXT NOT NULL,
	trigger TEXT NOT NULL,
	PRIMARY KEY (pkg_name, pkg_arch, trigger),
	FOREIGN KEY (pkg_name, pkg_arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE TABLE triggers_activated (
	trigger TEXT PRIMARY KEY
);
CREATE TABLE pending_packages (
	name TEXT NOT NULL,
	arch TEXT NOT NULL,
	version TEXT NOT NULL,
	source_version TEXT NOT NULL,
	installation_reason TEXT NOT NULL,
	PRIMARY KEY (name, arch),
	FOREIGN KEY (name, arch) REFERENCES packages(name, arch) ON DELETE CASCADE
);
CREATE TABLE schema_version (
	version TEXT PRIMARY KEY
);
`

func (db *DB) createSchema(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(ErrCannotOpenDB, err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return errors.Wrap(ErrCannotOpenDB, err.Error())
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, SchemaVersion); err != nil {
		return errors.Wrap(ErrCannotOpenDB, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(ErrCannotOpenDB, err.Error())
	}
	return nil
}

// GetPackagesInState returns every package row whose state matches st. If
// all is true, st is ignored and every row is returned.
func (db *DB) GetPackagesInState(ctx context.Context, st pkgmeta.State, all bool) ([]*pkgmeta.PackageMetaData, error) {
	var rows *sql.Rows
	var err error
	if all {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT name, arch, version, source_version, state, installation_reason FROM packages ORDER BY name, arch`)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT name, arch, version, source_version, state, installation_reason FROM packages WHERE state = ? ORDER BY name, arch`,
			st.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: get_packages_in_state")
	}
	defer rows.Close()

	var out []*pkgmeta.PackageMetaData
	for rows.Next() {
		md, err := scanPackageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

func scanPackageRow(rows *sql.Rows) (*pkgmeta.PackageMetaData, error) {
	var name, archStr, verStr, sverStr, stateStr, reasonStr string
	if err := rows.Scan(&name, &archStr, &verStr, &sverStr, &stateStr, &reasonStr); err != nil {
		return nil, errors.Wrap(err, "pkgdb: scanning package row")
	}
	return assemblePackage(name, archStr, verStr, sverStr, stateStr, reasonStr)
}

func assemblePackage(name, archStr, verStr, sverStr, stateStr, reasonStr string) (*pkgmeta.PackageMetaData, error) {
	arch, ok := pkgmeta.ParseArchitecture(archStr)
	if !ok {
		return nil, exceptionf("unknown architecture %q in database row for %q", archStr, name)
	}
	v, err := version.Parse(verStr)
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: parsing stored version")
	}
	sv, err := version.Parse(sverStr)
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: parsing stored source version")
	}
	state, ok := pkgmeta.ParseState(stateStr)
	if !ok {
		return nil, exceptionf("unknown state %q in database row for %q", stateStr, name)
	}
	reason := pkgmeta.ReasonManual
	if reasonStr == "auto" {
		reason = pkgmeta.ReasonAuto
	}
	return &pkgmeta.PackageMetaData{
		Name: name, Architecture: arch, Version: v, SourceVersion: sv,
		State: state, InstallationReason: reason,
	}, nil
}

// GetReducedPackage returns the identity, state and installation-reason
// row for (name, arch, version), or nil if no such row exists. "Reduced" because
// it does not populate dependencies, files or triggers. A package
// mid-change has two coexisting versions: the live packages row (the new
// version RunPreinst already wrote) and, for the version being replaced,
// the pending_packages snapshot RunPreinst stashed before that overwrite
// (cleared once RunPostrm finishes tearing the old version down). ver
// picks between them the same way the original keeps two separate mdata
// values live during a change (original_source/src/tpm2/installation.cc:
// 565,629): a ver that doesn't match either yields nil, same as if the
// package weren't installed at all.
func (db *DB) GetReducedPackage(ctx context.Context, name string, arch pkgmeta.Architecture, ver version.VersionNumber) (*pkgmeta.PackageMetaData, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT name, arch, version, source_version, state, installation_reason FROM packages WHERE name = ? AND arch = ? AND version = ?`,
		name, arch.String(), ver.String())
	var n, a, v, sv, st, reason string
	if err := row.Scan(&n, &a, &v, &sv, &st, &reason); err == nil {
		return assemblePackage(n, a, v, sv, st, reason)
	} else if err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "pkgdb: get_reduced_package")
	}

	pending, err := db.GetPendingPackage(ctx, name, arch)
	if err != nil {
		return nil, err
	}
	if pending != nil && pending.Version.Equal(ver) {
		return pending, nil
	}
	return nil, nil
}

// GetInstalledPackage returns the current row for (name, arch) regardless
// of version, or nil if the package is not installed. Used by callers that
// only know a package's identity, not the version currently on disk (e.g.
// the trigger drain, which enumerates interested packages by name/arch).
func (db *DB) GetInstalledPackage(ctx context.Context, name string, arch pkgmeta.Architecture) (*pkgmeta.PackageMetaData, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT name, arch, version, source_version, state, installation_reason FROM packages WHERE name = ? AND arch = ?`,
		name, arch.String())
	var n, a, v, sv, st, reason string
	if err := row.Scan(&n, &a, &v, &sv, &st, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "pkgdb: get_installed_package")
	}
	return assemblePackage(n, a, v, sv, st, reason)
}

// SetPendingPackage stashes old's identity as the version a change is
// currently replacing, keyed by (name, arch). Called by RunPreinst just
// before it overwrites old's own row with the new version.
func (db *DB) SetPendingPackage(ctx context.Context, old *pkgmeta.PackageMetaData) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO pending_packages(name, arch, version, source_version, installation_reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, arch) DO UPDATE SET
			version = excluded.version,
			source_version = excluded.source_version,
			installation_reason = excluded.installation_reason`,
		old.Name, old.Architecture.String(), old.Version.String(), old.SourceVersion.String(),
		old.InstallationReason.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: set_pending_package")
	}
	return nil
}

// GetPendingPackage returns the version a change is currently replacing
// for (name, arch), or nil if none is pending. Its State mirrors the
// live row's, since the two versions share one continuous state machine
// during a change (spec §3's *_change arc) rather than each tracking its
// own state.
func (db *DB) GetPendingPackage(ctx context.Context, name string, arch pkgmeta.Architecture) (*pkgmeta.PackageMetaData, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT p.name, p.arch, p.version, p.source_version, pk.state, p.installation_reason
		 FROM pending_packages p JOIN packages pk ON pk.name = p.name AND pk.arch = p.arch
		 WHERE p.name = ? AND p.arch = ?`,
		name, arch.String())
	var n, a, v, sv, st, reason string
	if err := row.Scan(&n, &a, &v, &sv, &st, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "pkgdb: get_pending_package")
	}
	return assemblePackage(n, a, v, sv, st, reason)
}

// ClearPendingPackage removes the pending-package snapshot for
// (name, arch), if any. Called once RunPostrm finishes tearing down the
// version a change replaced.
func (db *DB) ClearPendingPackage(ctx context.Context, name string, arch pkgmeta.Architecture) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM pending_packages WHERE name = ? AND arch = ?`, name, arch.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: clear_pending_package")
	}
	return nil
}

// UpdateOrCreatePackage inserts md's identity row, or updates its version,
// source version, state and installation reason if a row for (name, arch)
// already exists.
func (db *DB) UpdateOrCreatePackage(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO packages(name, arch, version, source_version, state, installation_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, arch) DO UPDATE SET
			version = excluded.version,
			source_version = excluded.source_version,
			state = excluded.state,
			installation_reason = excluded.installation_reason`,
		md.Name, md.Architecture.String(), md.Version.String(), md.SourceVersion.String(),
		md.State.String(), md.InstallationReason.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: update_or_create_package")
	}
	return nil
}

// UpdateState persists md.State for the package identified by md's name
// and architecture.
func (db *DB) UpdateState(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE packages SET state = ? WHERE name = ? AND arch = ?`,
		md.State.String(), md.Name, md.Architecture.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: update_state")
	}
	return checkRowAffected(res, md)
}

// UpdateInstallationReason persists md.InstallationReason.
func (db *DB) UpdateInstallationReason(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE packages SET installation_reason = ? WHERE name = ? AND arch = ?`,
		md.InstallationReason.String(), md.Name, md.Architecture.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: update_installation_reason")
	}
	return checkRowAffected(res, md)
}

func checkRowAffected(res sql.Result, md *pkgmeta.PackageMetaData) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "pkgdb: counting affected rows")
	}
	if n == 0 {
		return exceptionf("no package row for %s/%s", md.Name, md.Architecture)
	}
	return nil
}

// SetDependencies atomically replaces both the pre_dependencies and
// dependencies sets of md's package with md.PreDependencies and
// md.Dependencies.
func (db *DB) SetDependencies(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := replaceDeps(ctx, tx, "pre_dependencies", md, md.PreDependencies); err != nil {
			return err
		}
		return replaceDeps(ctx, tx, "dependencies", md, md.Dependencies)
	})
}

func replaceDeps(ctx context.Context, tx *sql.Tx, table string, md *pkgmeta.PackageMetaData, deps []pkgmeta.Dependency) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE pkg_name = ? AND pkg_arch = ?`,
		md.Name, md.Architecture.String()); err != nil {
		return errors.Wrapf(err, "pkgdb: clearing %s", table)
	}
	for _, dep := range deps {
		formula := ""
		if dep.Constraint != nil {
			formula = dep.Constraint.String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+`(pkg_name, pkg_arch, name, arch, constraints) VALUES (?, ?, ?, ?, ?)`,
			md.Name, md.Architecture.String(), dep.Name, dep.Arch.String(), formula); err != nil {
			return errors.Wrapf(err, "pkgdb: inserting into %s", table)
		}
	}
	return nil
}

// GetDependencies populates md.PreDependencies and md.Dependencies from
// the pre_dependencies and dependencies tables. It loads an
// already-installed package's edges back out of the database, for the
// read-only diagnostics (reverse-dependency listing, graph dumps,
// --show-problems) and for the CLI's solver source when the candidate is
// the configured, installed version; other candidates' edges come from
// the provider layer.
func (db *DB) GetDependencies(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	pre, err := queryDeps(ctx, db.conn, "pre_dependencies", md)
	if err != nil {
		return err
	}
	deps, err := queryDeps(ctx, db.conn, "dependencies", md)
	if err != nil {
		return err
	}
	md.PreDependencies = pre
	md.Dependencies = deps
	return nil
}

func queryDeps(ctx context.Context, conn *sql.DB, table string, md *pkgmeta.PackageMetaData) ([]pkgmeta.Dependency, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT name, arch, constraints FROM `+table+` WHERE pkg_name = ? AND pkg_arch = ? ORDER BY name, arch`,
		md.Name, md.Architecture.String())
	if err != nil {
		return nil, errors.Wrapf(err, "pkgdb: querying %s", table)
	}
	defer rows.Close()

	var out []pkgmeta.Dependency
	for rows.Next() {
		var name, archStr, formula string
		if err := rows.Scan(&name, &archStr, &formula); err != nil {
			return nil, errors.Wrapf(err, "pkgdb: scanning %s row", table)
		}
		arch, ok := pkgmeta.ParseArchitecture(archStr)
		if !ok {
			return nil, exceptionf("unknown architecture %q in %s row for %q", archStr, table, name)
		}
		dep := pkgmeta.Dependency{Name: name, Arch: arch}
		if formula != "" {
			f, err := version.ParseFormula(formula)
			if err != nil {
				return nil, errors.Wrapf(err, "pkgdb: parsing stored constraint for %s", name)
			}
			dep.Constraint = f
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// withTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "pkgdb: beginning transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "pkgdb: committing transaction")
	}
	return nil
}

// SetFiles atomically replaces md's owned-file list with files.
func (db *DB) SetFiles(ctx context.Context, md *pkgmeta.PackageMetaData, files []pkgmeta.FileRecord) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM files WHERE pkg_name = ? AND pkg_arch = ?`,
			md.Name, md.Architecture.String()); err != nil {
			return errors.Wrap(err, "pkgdb: clearing files")
		}
		for _, fr := range files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO files(path, pkg_name, pkg_arch, type, uid, gid, mode, size, digest)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				fr.Path, md.Name, md.Architecture.String(), fr.Type.String(),
				fr.UID, fr.GID, fr.Mode, fr.Size, fr.SHA1[:]); err != nil {
				return errors.Wrap(err, "pkgdb: inserting file row")
			}
		}
		return nil
	})
}

// SetPendingFiles stashes md's pre-change file list into pending_files, so
// that ll_rm_files can still see which paths the package owned before
// ll_run_preinst overwrote the files table with the new version's list —
// spec §4.6's requirement that "the old and new owners are both visible"
// during a change.
func (db *DB) SetPendingFiles(ctx context.Context, md *pkgmeta.PackageMetaData, files []pkgmeta.FileRecord) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_files WHERE pkg_name = ? AND pkg_arch = ?`,
			md.Name, md.Architecture.String()); err != nil {
			return errors.Wrap(err, "pkgdb: clearing pending_files")
		}
		for _, fr := range files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pending_files(path, pkg_name, pkg_arch, type, uid, gid, mode, size, digest)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				fr.Path, md.Name, md.Architecture.String(), fr.Type.String(),
				fr.UID, fr.GID, fr.Mode, fr.Size, fr.SHA1[:]); err != nil {
				return errors.Wrap(err, "pkgdb: inserting pending_files row")
			}
		}
		return nil
	})
}

// GetPendingFiles returns md's stashed pre-change file list, if any.
func (db *DB) GetPendingFiles(ctx context.Context, md *pkgmeta.PackageMetaData) ([]pkgmeta.FileRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, type, uid, gid, mode, size, digest FROM pending_files WHERE pkg_name = ? AND pkg_arch = ? ORDER BY path`,
		md.Name, md.Architecture.String())
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: get_pending_files")
	}
	defer rows.Close()
	return scanFileRows(rows)
}

// ClearPendingFiles deletes md's stashed pre-change file list once
// ll_rm_files has finished reconciling it against the live files table.
func (db *DB) ClearPendingFiles(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM pending_files WHERE pkg_name = ? AND pkg_arch = ?`,
		md.Name, md.Architecture.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: clear_pending_files")
	}
	return nil
}

// GetFiles returns md's owned files, ordered by path.
func (db *DB) GetFiles(ctx context.Context, md *pkgmeta.PackageMetaData) ([]pkgmeta.FileRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, type, uid, gid, mode, size, digest FROM files WHERE pkg_name = ? AND pkg_arch = ? ORDER BY path`,
		md.Name, md.Architecture.String())
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: get_files")
	}
	defer rows.Close()
	return scanFileRows(rows)
}

func scanFileRows(rows *sql.Rows) ([]pkgmeta.FileRecord, error) {
	var out []pkgmeta.FileRecord
	for rows.Next() {
		fr, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

func scanFileRow(rows *sql.Rows) (pkgmeta.FileRecord, error) {
	var fr pkgmeta.FileRecord
	var typeStr string
	var digest []byte
	if err := rows.Scan(&fr.Path, &typeStr, &fr.UID, &fr.GID, &fr.Mode, &fr.Size, &digest); err != nil {
		return fr, errors.Wrap(err, "pkgdb: scanning file row")
	}
	for t, n := range fileTypeByName() {
		if n == typeStr {
			fr.Type = t
		}
	}
	copy(fr.SHA1[:], digest)
	return fr, nil
}

func fileTypeByName() map[pkgmeta.FileType]string {
	return map[pkgmeta.FileType]string{
		pkgmeta.FileRegular: "regular", pkgmeta.FileDirectory: "directory",
		pkgmeta.FileLink: "link", pkgmeta.FileChar: "char",
		pkgmeta.FileBlock: "block", pkgmeta.FileSocket: "socket", pkgmeta.FilePipe: "pipe",
	}
}

// GetFile returns the single file record for md at path, or nil if md
// does not own that path.
func (db *DB) GetFile(ctx context.Context, md *pkgmeta.PackageMetaData, path string) (*pkgmeta.FileRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, type, uid, gid, mode, size, digest FROM files WHERE pkg_name = ? AND pkg_arch = ? AND path = ?`,
		md.Name, md.Architecture.String(), path)
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: get_file")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	fr, err := scanFileRow(rows)
	if err != nil {
		return nil, err
	}
	return &fr, nil
}

// SetConfigFiles atomically replaces md's declared config file paths.
func (db *DB) SetConfigFiles(ctx context.Context, md *pkgmeta.PackageMetaData, paths []string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM config_files WHERE pkg_name = ? AND pkg_arch = ?`,
			md.Name, md.Architecture.String()); err != nil {
			return errors.Wrap(err, "pkgdb: clearing config_files")
		}
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO config_files(path, pkg_name, pkg_arch) VALUES (?, ?, ?)`,
				p, md.Name, md.Architecture.String()); err != nil {
				return errors.Wrap(err, "pkgdb: inserting config_files row")
			}
		}
		return nil
	})
}

// GetConfigFiles returns md's declared config file paths in ascending order.
func (db *DB) GetConfigFiles(ctx context.Context, md *pkgmeta.PackageMetaData) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path FROM config_files WHERE pkg_name = ? AND pkg_arch = ? ORDER BY path`,
		md.Name, md.Architecture.String())
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: get_config_files")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "pkgdb: scanning config_files row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PlainFileRecord pairs a bare path with the owning package identity, for
// get_all_files_plain's cross-package listing.
type PlainFileRecord struct {
	Path string
	Pkg  pkgmeta.Identifier
}

// GetAllFilesPlain returns every file row in the database, ordered by
// path, regardless of owning package.
func (db *DB) GetAllFilesPlain(ctx context.Context) ([]PlainFileRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, pkg_name, pkg_arch FROM files ORDER BY path`)
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: get_all_files_plain")
	}
	defer rows.Close()

	var out []PlainFileRecord
	for rows.Next() {
		var p, name, archStr string
		if err := rows.Scan(&p, &name, &archStr); err != nil {
			return nil, errors.Wrap(err, "pkgdb: scanning plain file row")
		}
		arch, _ := pkgmeta.ParseArchitecture(archStr)
		out = append(out, PlainFileRecord{Path: p, Pkg: pkgmeta.Identifier{Name: name, Arch: arch}})
	}
	return out, rows.Err()
}

// SetInterestedTriggers atomically replaces md's interested_triggers set.
func (db *DB) SetInterestedTriggers(ctx context.Context, md *pkgmeta.PackageMetaData, triggers []string) error {
	return db.replaceTriggerSet(ctx, "triggers_interest", md, triggers)
}

// SetActivatingTriggers atomically replaces md's activated_triggers set.
func (db *DB) SetActivatingTriggers(ctx context.Context, md *pkgmeta.PackageMetaData, triggers []string) error {
	return db.replaceTriggerSet(ctx, "triggers_activate", md, triggers)
}

func (db *DB) replaceTriggerSet(ctx context.Context, table string, md *pkgmeta.PackageMetaData, triggers []string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE pkg_name = ? AND pkg_arch = ?`,
			md.Name, md.Architecture.String()); err != nil {
			return errors.Wrapf(err, "pkgdb: clearing %s", table)
		}
		for _, t := range triggers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+table+`(pkg_name, pkg_arch, trigger) VALUES (?, ?, ?)`,
				md.Name, md.Architecture.String(), t); err != nil {
				return errors.Wrapf(err, "pkgdb: inserting into %s", table)
			}
		}
		return nil
	})
}

// DeletePackage removes md's identity row; files, config_files,
// dependency and trigger-interest rows cascade via foreign keys.
func (db *DB) DeletePackage(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM packages WHERE name = ? AND arch = ?`, md.Name, md.Architecture.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: delete_package")
	}
	return nil
}

// EnsureActivatingTriggersRead lazily loads md.ActivatedTriggers from the
// triggers_activate table if it has not already been populated.
func (db *DB) EnsureActivatingTriggersRead(ctx context.Context, md *pkgmeta.PackageMetaData) error {
	if md.ActivatedTriggers != nil {
		return nil
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT trigger FROM triggers_activate WHERE pkg_name = ? AND pkg_arch = ? ORDER BY trigger`,
		md.Name, md.Architecture.String())
	if err != nil {
		return errors.Wrap(err, "pkgdb: ensure_activating_triggers_read")
	}
	defer rows.Close()
	triggers := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return errors.Wrap(err, "pkgdb: scanning trigger row")
		}
		triggers = append(triggers, t)
	}
	md.ActivatedTriggers = triggers
	return rows.Err()
}

// ActivateTrigger records t as activated, insert-or-ignore semantics: a
// trigger already pending activation is left untouched.
func (db *DB) ActivateTrigger(ctx context.Context, t string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO triggers_activated(trigger) VALUES (?)`, t)
	if err != nil {
		return errors.Wrap(err, "pkgdb: activate_trigger")
	}
	return nil
}

// GetActivatedTriggers returns every trigger currently pending activation.
func (db *DB) GetActivatedTriggers(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT trigger FROM triggers_activated ORDER BY trigger`)
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: get_activated_triggers")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(err, "pkgdb: scanning activated trigger row")
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// FindPackagesInterestedInTrigger returns the identifiers of packages
// that declared interest in t.
func (db *DB) FindPackagesInterestedInTrigger(ctx context.Context, t string) ([]pkgmeta.Identifier, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT pkg_name, pkg_arch FROM triggers_interest WHERE trigger = ? ORDER BY pkg_name, pkg_arch`, t)
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: find_packages_interested_in_trigger")
	}
	defer rows.Close()
	var out []pkgmeta.Identifier
	for rows.Next() {
		var name, archStr string
		if err := rows.Scan(&name, &archStr); err != nil {
			return nil, errors.Wrap(err, "pkgdb: scanning interest row")
		}
		arch, _ := pkgmeta.ParseArchitecture(archStr)
		out = append(out, pkgmeta.Identifier{Name: name, Arch: arch})
	}
	return out, rows.Err()
}

// ClearTrigger removes t from the pending-activation set once it has
// been fully drained.
func (db *DB) ClearTrigger(ctx context.Context, t string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM triggers_activated WHERE trigger = ?`, t)
	if err != nil {
		return errors.Wrap(err, "pkgdb: clear_trigger")
	}
	return nil
}
