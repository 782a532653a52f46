package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/holocm/tpm2/internal/pkgmeta"
)

// fileRecordFixedSize is the length in bytes of a FileRecord's
// fixed-width fields: type(1) + uid(4) + gid(4) + mode(2) + size(4) +
// sha1(20) = 35, before the null-terminated path.
const fileRecordFixedSize = 1 + 4 + 4 + 2 + 4 + 20

// EncodeFileRecord serializes fr to the tight little-endian layout of
// spec §6: type u8 | uid u32 LE | gid u32 LE | mode u16 LE | size u32 LE
// | sha1[20] | path_null_terminated.
func EncodeFileRecord(fr pkgmeta.FileRecord) []byte {
	buf := make([]byte, fileRecordFixedSize+len(fr.Path)+1)
	buf[0] = byte(fr.Type)
	binary.LittleEndian.PutUint32(buf[1:5], fr.UID)
	binary.LittleEndian.PutUint32(buf[5:9], fr.GID)
	binary.LittleEndian.PutUint16(buf[9:11], fr.Mode&0xFFF)
	binary.LittleEndian.PutUint32(buf[11:15], fr.Size)
	copy(buf[15:35], fr.SHA1[:])
	copy(buf[35:], fr.Path)
	// buf's last byte is already zero (the null terminator).
	return buf
}

// DecodeFileRecord reads one FileRecord from r, stopping at the
// null-terminated path. It returns io.EOF only if there were zero bytes
// available before the fixed-size header.
func DecodeFileRecord(r *bufio.Reader) (pkgmeta.FileRecord, error) {
	var fr pkgmeta.FileRecord

	head := make([]byte, fileRecordFixedSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return fr, err
	}
	fr.Type = pkgmeta.FileType(head[0])
	fr.UID = binary.LittleEndian.Uint32(head[1:5])
	fr.GID = binary.LittleEndian.Uint32(head[5:9])
	fr.Mode = binary.LittleEndian.Uint16(head[9:11])
	fr.Size = binary.LittleEndian.Uint32(head[11:15])
	copy(fr.SHA1[:], head[15:35])

	path, err := r.ReadString(0)
	if err != nil {
		return fr, errors.Wrap(err, "transport: reading file record path")
	}
	fr.Path = path[:len(path)-1] // drop the null terminator
	return fr, nil
}

// EncodeFileIndex serializes a sequence of FileRecords as the payload of
// a 0x05 file_index section.
func EncodeFileIndex(records []pkgmeta.FileRecord) []byte {
	var buf bytes.Buffer
	for _, fr := range records {
		buf.Write(EncodeFileRecord(fr))
	}
	return buf.Bytes()
}

// DecodeFileIndex parses the payload of a 0x05 file_index section back
// into FileRecords.
func DecodeFileIndex(payload []byte) ([]pkgmeta.FileRecord, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var records []pkgmeta.FileRecord
	for {
		fr, err := DecodeFileRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, fr)
	}
	return records, nil
}

// EncodeConfigFiles serializes a list of config file paths as the
// newline-separated payload of a 0x06 config_files section.
func EncodeConfigFiles(paths []string) []byte {
	var buf bytes.Buffer
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// DecodeConfigFiles parses the payload of a 0x06 config_files section.
func DecodeConfigFiles(payload []byte) []string {
	trimmed := bytes.TrimRight(payload, "\n")
	if len(trimmed) == 0 {
		return nil
	}
	lines := bytes.Split(trimmed, []byte{'\n'})
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}
