// Package transport implements the on-disk transport-form codec (spec
// §6): the TOC + sections layout shared by .tpm2 package archives and
// .tpm2sms stored-maintainer-script files, the FileRecord binary layout,
// desc.xml, and the repository index format including its RSA-SHA256
// signature block.
//
// The TAR payload itself, and any gzip wrapper around the whole file, are
// treated as opaque byte ranges here — spec §1 explicitly pushes the TAR
// reader/writer out to an external process and the packaging tool that
// produces .tpm2 files.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// SectionType identifies one TOC entry.
type SectionType byte

const (
	SectionDesc          SectionType = 0x00
	SectionPreinst       SectionType = 0x01
	SectionConfigure     SectionType = 0x02
	SectionUnconfigure   SectionType = 0x03
	SectionPostrm        SectionType = 0x04
	SectionFileIndex      SectionType = 0x05
	SectionConfigFiles    SectionType = 0x06
	SectionArchive        SectionType = 0x80
	SectionOpenPGPSignature SectionType = 0xf0
)

// CurrentVersion is the transport-form header byte this package reads
// and writes.
const CurrentVersion = 1

// TOCEntry is one table-of-contents row: a section type plus its byte
// range within the file (after the header and TOC itself).
type TOCEntry struct {
	Type  SectionType
	Start uint32
	Size  uint32
}

// TOC is the parsed header + table of contents of a transport-form file.
type TOC struct {
	Version byte
	Entries []TOCEntry
}

// ReadTOC reads the version byte, section count, and TOC rows from r. It
// does not read section payloads; callers seek to Entries[i].Start using
// a ReaderAt and read Entries[i].Size bytes on demand (the "lazy,
// forward-seekable streams" of spec §4.4).
func ReadTOC(r io.Reader) (*TOC, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "transport: reading header")
	}
	ver, count := header[0], header[1]
	if ver != CurrentVersion {
		return nil, errors.Errorf("transport: unsupported version %d", ver)
	}

	entries := make([]TOCEntry, count)
	row := make([]byte, 9)
	for i := 0; i < int(count); i++ {
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, errors.Wrapf(err, "transport: reading TOC row %d", i)
		}
		entries[i] = TOCEntry{
			Type:  SectionType(row[0]),
			Start: binary.LittleEndian.Uint32(row[1:5]),
			Size:  binary.LittleEndian.Uint32(row[5:9]),
		}
	}
	return &TOC{Version: ver, Entries: entries}, nil
}

// Find returns the first entry of the given type, if present.
func (t *TOC) Find(typ SectionType) (TOCEntry, bool) {
	for _, e := range t.Entries {
		if e.Type == typ {
			return e, true
		}
	}
	return TOCEntry{}, false
}

// headerSize returns the number of bytes occupied by the version byte,
// count byte, and TOC rows for n entries.
func headerSize(n int) int64 {
	return 2 + int64(n)*9
}

// WriteTOC writes the header and TOC rows for the given sections, in the
// order given, followed by every section's payload back to back in the
// same order. Each row's Start is the payload's offset from the start of
// the output, already accounting for the header and TOC.
func WriteTOC(w io.Writer, sections []Section) error {
	if len(sections) > 255 {
		return errors.New("transport: too many sections")
	}
	hdr := headerSize(len(sections))
	offset := hdr
	entries := make([]TOCEntry, len(sections))
	for i, s := range sections {
		entries[i] = TOCEntry{Type: s.Type, Start: uint32(offset), Size: uint32(len(s.Payload))}
		offset += int64(len(s.Payload))
	}

	if _, err := w.Write([]byte{CurrentVersion, byte(len(sections))}); err != nil {
		return errors.Wrap(err, "transport: writing header")
	}
	row := make([]byte, 9)
	for _, e := range entries {
		row[0] = byte(e.Type)
		binary.LittleEndian.PutUint32(row[1:5], e.Start)
		binary.LittleEndian.PutUint32(row[5:9], e.Size)
		if _, err := w.Write(row); err != nil {
			return errors.Wrap(err, "transport: writing TOC row")
		}
	}
	for _, s := range sections {
		if _, err := w.Write(s.Payload); err != nil {
			return errors.Wrapf(err, "transport: writing section %#x payload", s.Type)
		}
	}
	return nil
}

// Section is an in-memory section used when assembling a transport-form
// file with WriteTOC.
type Section struct {
	Type    SectionType
	Payload []byte
}

// ReadSection reads exactly e.Size bytes for e from r, which must be
// positioned so that the next byte is the start of e's payload; it does
// not seek to e.Start. ReadAt is the usual path: most callers hold the
// whole file open via os.File and use ReadSectionAt.
func ReadSection(r io.Reader, e TOCEntry) ([]byte, error) {
	buf := make([]byte, e.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(err, "transport: reading section %#x", e.Type)
	}
	return buf, nil
}

// ReadSectionAt reads e's payload directly from ra at e.Start, without
// disturbing any other read position. This is what makes re-reading a
// section safe without explicit caller seeking, satisfying the
// forward-seekable requirement of spec §4.4.
func ReadSectionAt(ra io.ReaderAt, e TOCEntry) ([]byte, error) {
	buf := make([]byte, e.Size)
	if _, err := ra.ReadAt(buf, int64(e.Start)); err != nil {
		return nil, errors.Wrapf(err, "transport: reading section %#x at offset %d", e.Type, e.Start)
	}
	return buf, nil
}
