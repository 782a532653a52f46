package orchestrate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/provider"
	"github.com/holocm/tpm2/internal/targetroot"
	"github.com/holocm/tpm2/internal/transport"
)

// ScriptStore persists a package's maintainer scripts (plus its file index
// and config-file list, so a removal in progress can still answer "which
// paths did this package own") into <target>/var/lib/tpm/<id>.tpm2sms —
// the transport-form layout minus the desc and archive sections, per spec
// §6's persisted state layout. Running a command in golang-dep's
// internal/gps/cmd_unix.go is grounded on exec.CommandContext plus
// CombinedOutput for error reporting; the graceful-SIGINT/force-kill
// machinery of that file does not apply here (maintainer scripts are
// short, synchronous steps, not long-running VCS subprocesses), so a
// plain CombinedOutput call is used instead.
type ScriptStore struct {
	root *targetroot.Root
}

// NewScriptStore returns a store rooted at root.
func NewScriptStore(root *targetroot.Root) *ScriptStore {
	return &ScriptStore{root: root}
}

func smsFileName(id pkgmeta.Identifier, ver fmt.Stringer) string {
	return fmt.Sprintf("%s-%s_%s.tpm2sms", id.Name, ver.String(), id.Arch)
}

func (s *ScriptStore) path(id pkgmeta.Identifier, ver fmt.Stringer) string {
	return s.root.Join("var", "lib", "tpm", smsFileName(id, ver))
}

// Save reads preinst/configure/unconfigure/postrm, the file index and the
// config-file list off pkg and writes them to the store under id/ver,
// skipping desc and archive as spec §6 describes.
func (s *ScriptStore) Save(id pkgmeta.Identifier, ver fmt.Stringer, pkg *provider.ProvidedPackage) error {
	var sections []transport.Section
	for _, pick := range []struct {
		typ transport.SectionType
		get func() ([]byte, error)
	}{
		{transport.SectionPreinst, pkg.Preinst},
		{transport.SectionConfigure, pkg.Configure},
		{transport.SectionUnconfigure, pkg.Unconfigure},
		{transport.SectionPostrm, pkg.Postrm},
	} {
		payload, err := pick.get()
		if err != nil {
			return errors.Wrapf(err, "orchestrate: reading section %#x for storage", pick.typ)
		}
		if payload != nil {
			sections = append(sections, transport.Section{Type: pick.typ, Payload: payload})
		}
	}

	records, err := pkg.FileList()
	if err != nil {
		return errors.Wrap(err, "orchestrate: reading file list for storage")
	}
	sections = append(sections, transport.Section{Type: transport.SectionFileIndex, Payload: transport.EncodeFileIndex(records)})

	cfgFiles, err := pkg.ConfigFiles()
	if err != nil {
		return errors.Wrap(err, "orchestrate: reading config files for storage")
	}
	if cfgFiles != nil {
		sections = append(sections, transport.Section{Type: transport.SectionConfigFiles, Payload: transport.EncodeConfigFiles(cfgFiles)})
	}

	path := s.path(id, ver)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "orchestrate: creating %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "orchestrate: creating %s", path)
	}
	defer f.Close()
	if err := transport.WriteTOC(f, sections); err != nil {
		return errors.Wrapf(err, "orchestrate: writing %s", path)
	}
	return nil
}

// Remove deletes the stored maintainer-scripts archive for id/ver.
func (s *ScriptStore) Remove(id pkgmeta.Identifier, ver fmt.Stringer) error {
	err := os.Remove(s.path(id, ver))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "orchestrate: removing %s", s.path(id, ver))
	}
	return nil
}

// run extracts section typ from the stored archive for id/ver, if
// present, writes it to a temp file under the target's scratch
// directory, and executes it with argv appended and TPM_TARGET set in
// its environment. Absence of the section is not an error: not every
// package declares every maintainer script.
func (s *ScriptStore) run(ctx context.Context, id pkgmeta.Identifier, ver fmt.Stringer, typ transport.SectionType, argv []string) error {
	f, err := os.Open(s.path(id, ver))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "orchestrate: opening stored scripts for %s/%s", id.Name, id.Arch)
	}
	defer f.Close()

	toc, err := transport.ReadTOC(f)
	if err != nil {
		return errors.Wrapf(err, "orchestrate: reading stored scripts TOC for %s/%s", id.Name, id.Arch)
	}
	e, ok := toc.Find(typ)
	if !ok {
		return nil
	}
	payload, err := transport.ReadSectionAt(f, e)
	if err != nil {
		return errors.Wrapf(err, "orchestrate: reading stored script section for %s/%s", id.Name, id.Arch)
	}

	return s.runPayload(ctx, id, argv, payload)
}

// runPayload writes payload to a fresh executable temp file and runs it
// with argv, returning a wrapped error that includes the combined output
// on a non-zero exit.
func (s *ScriptStore) runPayload(ctx context.Context, id pkgmeta.Identifier, argv []string, payload []byte) error {
	tmpDir, err := s.root.TmpDir()
	if err != nil {
		return err
	}
	scriptPath := filepath.Join(tmpDir, fmt.Sprintf("%s-%s.script", id.Name, id.Arch))
	if err := os.WriteFile(scriptPath, payload, 0700); err != nil {
		return errors.Wrapf(err, "orchestrate: writing maintainer script for %s/%s", id.Name, id.Arch)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, scriptPath, argv...)
	cmd.Env = append(os.Environ(), "TPM_TARGET="+s.root.Path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "orchestrate: running maintainer script for %s/%s: %s", id.Name, id.Arch, out)
	}
	return nil
}
