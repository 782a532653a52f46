package orchestrate

import (
	"crypto/sha1"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/pkgmeta"
)

// digestFile hashes the current on-disk content of path (or, for a
// symlink, its target text) the same way FileRecord.SHA1 is computed
// when a package is built, so an adoption or config-file-preservation
// check can compare against the packaged digest. A missing file reports
// the zero digest and ok=false rather than an error, since "the file
// isn't there yet" is an expected state during a fresh unpack.
func digestFile(path string) (sum pkgmeta.SHA1Sum, ok bool, err error) {
	fi, lerr := os.Lstat(path)
	if lerr != nil {
		if os.IsNotExist(lerr) {
			return sum, false, nil
		}
		return sum, false, errors.Wrapf(lerr, "orchestrate: stat %s", path)
	}

	h := sha1.New()
	if fi.Mode()&os.ModeSymlink != 0 {
		target, rerr := os.Readlink(path)
		if rerr != nil {
			return sum, false, errors.Wrapf(rerr, "orchestrate: reading link %s", path)
		}
		io.WriteString(h, target)
	} else {
		f, oerr := os.Open(path)
		if oerr != nil {
			return sum, false, errors.Wrapf(oerr, "orchestrate: opening %s", path)
		}
		defer f.Close()
		if _, cerr := io.Copy(h, f); cerr != nil {
			return sum, false, errors.Wrapf(cerr, "orchestrate: hashing %s", path)
		}
	}
	copy(sum[:], h.Sum(nil))
	return sum, true, nil
}
