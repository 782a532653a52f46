package main

import (
	"os"
	"testing"

	"github.com/holocm/tpm2/internal/pkgmeta"
)

func TestUnixModePacksSetuidBit(t *testing.T) {
	mode := os.FileMode(0755) | os.ModeSetuid
	if got := unixMode(mode); got != 04755 {
		t.Errorf("unixMode(%v) = %#o, want %#o", mode, got, 04755)
	}
}

func TestUnixModePlainPermissions(t *testing.T) {
	if got := unixMode(os.FileMode(0644)); got != 0644 {
		t.Errorf("unixMode(0644) = %#o, want 0644", got)
	}
}

func TestFileTypeMatches(t *testing.T) {
	cases := []struct {
		t    pkgmeta.FileType
		mode os.FileMode
		want bool
	}{
		{pkgmeta.FileRegular, 0644, true},
		{pkgmeta.FileRegular, os.ModeDir | 0755, false},
		{pkgmeta.FileDirectory, os.ModeDir | 0755, true},
		{pkgmeta.FileLink, os.ModeSymlink, true},
		{pkgmeta.FileLink, 0644, false},
	}
	for _, c := range cases {
		if got := fileTypeMatches(c.t, c.mode); got != c.want {
			t.Errorf("fileTypeMatches(%v, %v) = %v, want %v", c.t, c.mode, got, c.want)
		}
	}
}
