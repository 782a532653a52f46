package main

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/provider"
	"github.com/holocm/tpm2/internal/transport"
	"github.com/holocm/tpm2/internal/ui"
)

// runCreateIndex implements --create-index <dir> [<name>]: it walks
// dir/<arch>/*.tpm2 for every known architecture, builds one
// transport.IndexEntry per archive (its desc.xml metadata plus the
// archive's own SHA-256) and writes dir/<name>.index. name defaults to
// the base name of dir. --sign <keyfile> signs the result with the named
// PEM private key, using the key file's base name (without extension) as
// the index's "RSA Signature with key" label, matching how
// transport.LoadPublicKey expects to find the matching public half under
// <target>/etc/tpm2/keys/<name>.pub.
func runCreateIndex(log *ui.Logger, args []string, signKeyFile string) int {
	if len(args) < 1 || len(args) > 2 {
		log.Errf("--create-index requires <dir> [<name>]")
		return exitArgumentError
	}
	dir := args[0]
	name := filepath.Base(dir)
	if len(args) == 2 {
		name = args[1]
	}

	entries, err := collectIndexEntries(dir)
	if err != nil {
		log.Errf("%v", err)
		return exitOperationFailed
	}

	findexSHA256 := sha256.Sum256([]byte(findexBody(entries)))

	var body bytes.Buffer
	if err := transport.WriteIndex(&body, name, findexSHA256, entries); err != nil {
		log.Errf("%v", err)
		return exitOperationFailed
	}

	out := body.Bytes()
	if signKeyFile != "" {
		priv, err := loadPrivateKey(signKeyFile)
		if err != nil {
			log.Errf("%v", err)
			return exitOperationFailed
		}
		keyName := strings.TrimSuffix(filepath.Base(signKeyFile), filepath.Ext(signKeyFile))
		signed, err := transport.Sign(out, keyName, priv)
		if err != nil {
			log.Errf("%v", err)
			return exitOperationFailed
		}
		out = signed
	}

	indexPath := filepath.Join(dir, name+".index")
	if err := os.WriteFile(indexPath, out, 0644); err != nil {
		log.Errf("%v", errors.Wrapf(err, "writing %s", indexPath))
		return exitOperationFailed
	}
	log.Logln("wrote", indexPath, "with", len(entries), "entries")
	return exitOK
}

// collectIndexEntries scans dir/<arch>/*.tpm2 for every known
// architecture and loads each archive's metadata and content digest.
func collectIndexEntries(dir string) ([]transport.IndexEntry, error) {
	archs := []pkgmeta.Architecture{pkgmeta.ArchAMD64, pkgmeta.ArchI386, pkgmeta.ArchARM64, pkgmeta.ArchARMHF}

	var paths []string
	for _, arch := range archs {
		sub := filepath.Join(dir, arch.String())
		fis, err := os.ReadDir(sub)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "reading %s", sub)
		}
		for _, fi := range fis {
			if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".tpm2") {
				continue
			}
			paths = append(paths, filepath.Join(sub, fi.Name()))
		}
	}
	sort.Strings(paths)

	entries := make([]transport.IndexEntry, 0, len(paths))
	for _, path := range paths {
		sum, err := sha256File(path)
		if err != nil {
			return nil, err
		}
		pkg, err := provider.OpenArchive(path)
		if err != nil {
			return nil, err
		}
		md, err := pkg.MetaData()
		closeErr := pkg.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		entries = append(entries, transport.IndexEntry{Meta: md, ArchiveSHA256: sum})
	}
	return entries, nil
}

func sha256File(path string) ([32]byte, error) {
	var sum [32]byte
	data, err := os.ReadFile(path)
	if err != nil {
		return sum, errors.Wrapf(err, "reading %s", path)
	}
	return sha256.Sum256(data), nil
}

// findexBody is the digest input "findex" names: the sorted, newline-
// joined list of every archive's <arch>/<file> relative path. spec §6
// leaves "findex" itself unspecified beyond "the findex", so the listing
// the index's own entries were built from is the natural candidate.
func findexBody(entries []transport.IndexEntry) string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Meta.Architecture.String() + "/" + e.Meta.Name + "-" + e.Meta.Version.String() + "_" + e.Meta.Architecture.String() + ".tpm2"
	}
	sort.Strings(names)
	return strings.Join(names, "\n") + "\n"
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("%s: no PEM block found", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: not a recognized RSA private key", path)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("%s: private key is not RSA", path)
	}
	return rsaKey, nil
}
