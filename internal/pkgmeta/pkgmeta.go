// Package pkgmeta holds the data types shared by the package database,
// provider, solver and orchestrator: package identity and metadata, file
// records, the architecture enum, and the persisted package state
// machine (spec §3).
package pkgmeta

import (
	"crypto/sha1"

	"github.com/holocm/tpm2/internal/version"
)

// Architecture is a small closed enum. Invalid is a reserved value used
// only transiently while parsing.
type Architecture int

const (
	ArchInvalid Architecture = iota
	ArchAMD64
	ArchI386
	ArchARM64
	ArchARMHF
)

var archNames = map[Architecture]string{
	ArchInvalid: "invalid",
	ArchAMD64:   "amd64",
	ArchI386:    "i386",
	ArchARM64:   "arm64",
	ArchARMHF:   "armhf",
}

var namesArch = func() map[string]Architecture {
	m := make(map[string]Architecture, len(archNames))
	for a, n := range archNames {
		m[n] = a
	}
	return m
}()

func (a Architecture) String() string {
	if n, ok := archNames[a]; ok {
		return n
	}
	return "invalid"
}

// ParseArchitecture maps an architecture name to its enum value, or
// returns ArchInvalid with false if unrecognized.
func ParseArchitecture(s string) (Architecture, bool) {
	a, ok := namesArch[s]
	return a, ok
}

// InstallationReason distinguishes packages a user explicitly selected
// from those pulled in only to satisfy a dependency.
type InstallationReason int

const (
	ReasonManual InstallationReason = iota
	ReasonAuto
)

func (r InstallationReason) String() string {
	if r == ReasonManual {
		return "manual"
	}
	return "auto"
}

// State is one node of the persisted per-package state machine (spec §3).
type State int

const (
	StateInvalid State = iota
	StateWanted
	StatePreinstBegin
	StateUnpackBegin
	StateConfigureBegin
	StateConfigured
	StateUnconfigureBegin
	StateRmFilesBegin
	StatePostrmBegin

	StatePreinstChange
	StateUnpackChange
	StateWaitOldRemoved
	StateConfigureChange
	StateUnconfigureChange
	StateWaitNewUnpacked
	StateRmFilesChange
	StatePostrmChange
)

var stateNames = map[State]string{
	StateInvalid:          "invalid",
	StateWanted:           "wanted",
	StatePreinstBegin:     "preinst_begin",
	StateUnpackBegin:      "unpack_begin",
	StateConfigureBegin:   "configure_begin",
	StateConfigured:       "configured",
	StateUnconfigureBegin: "unconfigure_begin",
	StateRmFilesBegin:     "rm_files_begin",
	StatePostrmBegin:      "postrm_begin",
	StatePreinstChange:    "preinst_change",
	StateUnpackChange:     "unpack_change",
	StateWaitOldRemoved:   "wait_old_removed",
	StateConfigureChange:  "configure_change",
	StateUnconfigureChange: "unconfigure_change",
	StateWaitNewUnpacked:  "wait_new_unpacked",
	StateRmFilesChange:    "rm_files_change",
	StatePostrmChange:     "postrm_change",
}

var namesState = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "invalid"
}

// ParseState maps a persisted state name back to its enum value.
func ParseState(s string) (State, bool) {
	st, ok := namesState[s]
	return st, ok
}

// IsChangeState reports whether s belongs to the *_change arc used when a
// package is being replaced in-place, as opposed to the *_begin arc used
// for a fresh install or an outright removal.
func (s State) IsChangeState() bool {
	switch s {
	case StatePreinstChange, StateUnpackChange, StateWaitOldRemoved,
		StateConfigureChange, StateUnconfigureChange, StateWaitNewUnpacked,
		StateRmFilesChange, StatePostrmChange:
		return true
	}
	return false
}

// Identifier is a package's (name, architecture) key.
type Identifier struct {
	Name string
	Arch Architecture
}

// Dependency is one entry of a pre_dependencies or dependencies list.
type Dependency struct {
	Name       string
	Arch       Architecture
	Constraint *version.Formula
}

// PackageMetaData is the full metadata record for a package version,
// spec §3.
type PackageMetaData struct {
	Name                string
	Architecture        Architecture
	Version             version.VersionNumber // binary version
	SourceVersion       version.VersionNumber
	State               State
	InstallationReason  InstallationReason
	PreDependencies     []Dependency
	Dependencies        []Dependency
	InterestedTriggers  []string
	ActivatedTriggers   []string
}

// Identifier returns the (name, arch) key for md.
func (md *PackageMetaData) Identifier() Identifier {
	return Identifier{Name: md.Name, Arch: md.Architecture}
}

// FileType enumerates the kinds of filesystem entries a FileRecord can
// describe.
type FileType int

const (
	FileRegular FileType = iota
	FileDirectory
	FileLink
	FileChar
	FileBlock
	FileSocket
	FilePipe
)

var fileTypeNames = map[FileType]string{
	FileRegular:   "regular",
	FileDirectory: "directory",
	FileLink:      "link",
	FileChar:      "char",
	FileBlock:     "block",
	FileSocket:    "socket",
	FilePipe:      "pipe",
}

func (t FileType) String() string {
	if n, ok := fileTypeNames[t]; ok {
		return n
	}
	return "regular"
}

// SHA1Sum is the 20-byte content (or symlink-target) digest of a
// FileRecord; it is the zero value for types other than regular files and
// symlinks.
type SHA1Sum [sha1.Size]byte

// FileRecord is one entry of a package's file index (spec §3, §6).
type FileRecord struct {
	Type FileType
	UID  uint32
	GID  uint32
	Mode uint16 // low 12 bits significant
	Size uint32
	SHA1 SHA1Sum
	Path string
}
