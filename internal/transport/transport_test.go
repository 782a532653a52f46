package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

func TestTOCRoundTrip(t *testing.T) {
	sections := []Section{
		{Type: SectionDesc, Payload: []byte("<pkg/>")},
		{Type: SectionPreinst, Payload: []byte("#!/bin/sh\necho hi\n")},
		{Type: SectionArchive, Payload: bytes.Repeat([]byte{0xAB}, 37)},
	}

	var buf bytes.Buffer
	if err := WriteTOC(&buf, sections); err != nil {
		t.Fatal(err)
	}

	full := buf.Bytes()
	toc, err := ReadTOC(bytes.NewReader(full))
	if err != nil {
		t.Fatal(err)
	}
	if len(toc.Entries) != len(sections) {
		t.Fatalf("got %d entries, want %d", len(toc.Entries), len(sections))
	}

	reader := bytes.NewReader(full)
	for i, e := range toc.Entries {
		payload, err := ReadSectionAt(reader, e)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(payload, sections[i].Payload) {
			t.Errorf("section %d payload mismatch", i)
		}
	}
}

func TestFileRecordRoundTrip(t *testing.T) {
	fr := pkgmeta.FileRecord{
		Type: pkgmeta.FileRegular,
		UID:  0, GID: 0, Mode: 0644, Size: 1234,
		Path: "/etc/p.conf",
	}
	fr.SHA1[0] = 0xAB
	fr.SHA1[19] = 0xCD

	encoded := EncodeFileRecord(fr)
	decoded, err := DecodeFileRecord(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatal(err)
	}
	if decoded != fr {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, fr)
	}
}

func TestFileIndexRoundTrip(t *testing.T) {
	records := []pkgmeta.FileRecord{
		{Type: pkgmeta.FileRegular, Mode: 0644, Path: "/bin/foo"},
		{Type: pkgmeta.FileDirectory, Mode: 0755, Path: "/bin"},
		{Type: pkgmeta.FileLink, Mode: 0777, Path: "/bin/bar"},
	}
	payload := EncodeFileIndex(records)
	decoded, err := DecodeFileIndex(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(records) {
		t.Fatalf("got %d records, want %d", len(decoded), len(records))
	}
	for i := range records {
		if decoded[i] != records[i] {
			t.Errorf("record %d mismatch: got %+v, want %+v", i, decoded[i], records[i])
		}
	}
}

func TestConfigFilesRoundTrip(t *testing.T) {
	paths := []string{"/etc/a.conf", "/etc/b.conf"}
	payload := EncodeConfigFiles(paths)
	decoded := DecodeConfigFiles(payload)
	if len(decoded) != 2 || decoded[0] != paths[0] || decoded[1] != paths[1] {
		t.Errorf("got %v, want %v", decoded, paths)
	}
}

func TestDescXMLRoundTrip(t *testing.T) {
	v := version.MustParse("1.0")
	md := &pkgmeta.PackageMetaData{
		Name:          "foo",
		Architecture:  pkgmeta.ArchAMD64,
		Version:       v,
		SourceVersion: v,
		Dependencies: []pkgmeta.Dependency{
			{Name: "bar", Arch: pkgmeta.ArchAMD64, Constraint: nil},
		},
		InterestedTriggers: []string{"ldconfig"},
		ActivatedTriggers:  []string{"ldconfig"},
	}

	encoded, err := EncodeDesc(md)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := ParseDesc(encoded)
	if err != nil {
		t.Fatalf("ParseDesc: %v\n%s", err, encoded)
	}
	if decoded.Name != md.Name || decoded.Architecture != md.Architecture {
		t.Errorf("decoded mismatch: %+v", decoded)
	}
	if len(decoded.Dependencies) != 1 || decoded.Dependencies[0].Name != "bar" {
		t.Errorf("dependency not preserved: %+v", decoded.Dependencies)
	}
}
