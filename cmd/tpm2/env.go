package main

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/holocm/tpm2/internal/pkgdb"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/provider"
	"github.com/holocm/tpm2/internal/targetroot"
	"github.com/holocm/tpm2/internal/ui"
	"github.com/holocm/tpm2/internal/version"
)

// env bundles everything one non-create-index operation needs once the
// target root is open and locked.
type env struct {
	ctx  context.Context
	log  *ui.Logger
	root *targetroot.Root
	db   *pkgdb.DB
	repo provider.Repository

	assumeYes bool
	adoptAll  bool
	args      []string
}

// selector is one parsed command-line package operand: "name",
// "name/arch" or either form with a trailing "=<formula>" constraint, the
// formula using version.ParseFormula's "(<op><target>:<version>)" syntax. Arch
// defaults to amd64 when omitted, spec §6 itself not specifying a CLI
// operand grammar; this mirrors the original tpm2's single
// default_architecture parameter (src/tpm2/parameters.h).
type selector struct {
	Name       string
	Arch       pkgmeta.Architecture
	Constraint *version.Formula
}

func parseSelector(s string) (selector, error) {
	sel := selector{Arch: pkgmeta.ArchAMD64}

	rest := s
	if i := strings.IndexByte(rest, '='); i >= 0 {
		f, err := version.ParseFormula(rest[i+1:])
		if err != nil {
			return sel, errors.Wrapf(err, "parsing constraint in %q", s)
		}
		sel.Constraint = f
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		arch, ok := pkgmeta.ParseArchitecture(rest[i+1:])
		if !ok {
			return sel, errors.Errorf("unknown architecture in %q", s)
		}
		sel.Arch = arch
		rest = rest[:i]
	}
	if rest == "" {
		return sel, errors.Errorf("empty package name in %q", s)
	}
	sel.Name = rest
	return sel, nil
}

func parseSelectors(args []string) ([]selector, error) {
	out := make([]selector, len(args))
	for i, a := range args {
		sel, err := parseSelector(a)
		if err != nil {
			return nil, err
		}
		out[i] = sel
	}
	return out, nil
}

// confirm asks a yes/no question on stdin/stdout, grounded on the
// original tpm2's safe_query_user_input: a bracketed option hint where
// the uppercase letter is the default returned on a bare Enter.
// --assume-yes bypasses the prompt entirely.
func (e *env) confirm(prompt string) bool {
	if e.assumeYes {
		return true
	}
	e.log.Logf("%s [y/N] ", prompt)
	r := bufio.NewReader(os.Stdin)
	line, _ := r.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
