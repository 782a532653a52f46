// Command tpm2 is the package manager's CLI: spec §6's single binary,
// operating on one target root per invocation (spec §5's single-writer
// model).
//
// Adapted from golang-dep's cmd/dep/main.go Config/Run shape: here the
// operations (--install, --upgrade, --remove, ...) are mutually exclusive
// flags on one flag.FlagSet rather than subcommands, since spec §6 lists
// them that way, but the flag-set construction, text/tabwriter help
// assembly and Config.Run() (exitCode int) entry point are carried over
// unchanged.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/holocm/tpm2/internal/pkgdb"
	"github.com/holocm/tpm2/internal/provider"
	"github.com/holocm/tpm2/internal/targetroot"
	"github.com/holocm/tpm2/internal/ui"
)

// Exit codes per spec §6.
const (
	exitOK = iota
	exitOperationFailed
	exitArgumentError
	exitInternalError
)

func main() {
	c := &Config{
		Args:   os.Args,
		Env:    os.Environ(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	os.Exit(c.Run())
}

// Config specifies a full configuration for one tpm2 execution.
type Config struct {
	Args           []string
	Env            []string
	Stdout, Stderr io.Writer
}

// operation names one CLI operation flag and its help text; exactly one
// of these must be selected per invocation, and Run dispatches on name.
type operation struct {
	name string
	help string
}

var operations = []operation{
	{"install", "Install the named packages, or update them if already installed"},
	{"upgrade", "Upgrade every installed package to its newest available version"},
	{"remove", "Remove the named packages"},
	{"remove-unneeded", "Remove every automatically installed package no longer required"},
	{"removal-graph", "Print the removal order that --remove-unneeded would use"},
	{"installation-graph", "Print the configure order of currently installed packages"},
	{"list-installed", "List installed packages"},
	{"list-available", "List package versions available from the configured repositories"},
	{"show-version", "Print the version(s) of the named packages"},
	{"show-problems", "Audit the database for missing or unsatisfied dependencies"},
	{"reverse-dependencies", "List packages depending on the named package"},
	{"mark-manual", "Mark the named packages as manually installed"},
	{"mark-auto", "Mark the named packages as automatically installed"},
	{"compare-system", "Compare the filesystem against the package database"},
	{"create-index", "Create repository indexes for <dir> [<name>]"},
}

// Run executes the configuration and returns an exit code.
func (c *Config) Run() (exitCode int) {
	fs := flag.NewFlagSet("tpm2", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)

	flags := map[string]*bool{}
	for _, op := range operations {
		flags[op.name] = fs.Bool(op.name, false, "")
	}

	target := fs.String("target", "", "installation target root (default: $TPM_TARGET, or /)")
	verbose := fs.Bool("verbose", false, "enable verbose logging")
	assumeYes := fs.Bool("assume-yes", false, "answer every confirmation prompt with yes")
	adoptAll := fs.Bool("adopt-all", false, "silently adopt pre-existing files shipped by a newly installed package")
	sign := fs.String("sign", "", "sign a created index with the named key file (--create-index only)")

	fs.Usage = func() { printUsage(c.Stderr, fs) }

	if err := fs.Parse(c.Args[1:]); err != nil {
		return exitArgumentError
	}

	selected := ""
	for _, op := range operations {
		if *flags[op.name] {
			if selected != "" {
				fmt.Fprintf(c.Stderr, "tpm2: --%s and --%s are mutually exclusive\n", selected, op.name)
				return exitArgumentError
			}
			selected = op.name
		}
	}
	if selected == "" {
		printUsage(c.Stderr, fs)
		return exitArgumentError
	}

	log := ui.New(c.Stdout, c.Stderr, *verbose)

	if selected == "create-index" {
		return runCreateIndex(log, fs.Args(), *sign)
	}

	targetPath, err := targetroot.Resolve(*target)
	if err != nil {
		log.Errf("%v", err)
		return exitInternalError
	}
	root, err := targetroot.Open(targetPath)
	if err != nil {
		log.Errf("%v", err)
		return exitOperationFailed
	}
	defer root.Close()

	db, err := pkgdb.Open(context.Background(), root.Join("var", "lib", "tpm", "status.db"))
	if err != nil {
		log.Errf("%v", err)
		return exitInternalError
	}
	defer db.Close()

	repoCfg, err := loadConfig(root.Join("etc", "tpm2", "config.xml"))
	if err != nil {
		log.Errf("%v", err)
		return exitInternalError
	}
	repo := &provider.MultiRepository{Repos: repoCfg.repositories()}

	env := &env{
		ctx:       context.Background(),
		log:       log,
		root:      root,
		db:        db,
		repo:      repo,
		assumeYes: *assumeYes,
		adoptAll:  *adoptAll,
		args:      fs.Args(),
	}

	var runErr error
	switch selected {
	case "install":
		runErr = env.installOrUpgrade(false)
	case "upgrade":
		runErr = env.installOrUpgrade(true)
	case "remove":
		runErr = env.remove(false)
	case "remove-unneeded":
		runErr = env.remove(true)
	case "removal-graph":
		runErr = env.printRemovalGraph()
	case "installation-graph":
		runErr = env.printInstallationGraph()
	case "list-installed":
		runErr = env.listInstalled()
	case "list-available":
		runErr = env.listAvailable()
	case "show-version":
		runErr = env.showVersion()
	case "show-problems":
		runErr = env.showProblems()
	case "reverse-dependencies":
		runErr = env.reverseDependencies()
	case "mark-manual":
		runErr = env.markReason(true)
	case "mark-auto":
		runErr = env.markReason(false)
	case "compare-system":
		runErr = env.compareSystem()
	}

	if runErr != nil {
		log.Errf("%v", runErr)
		return exitOperationFailed
	}
	return exitOK
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "tpm2 installs, removes and queries source packages against a target root.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tpm2 --<operation> [modifiers] [package...]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Operations:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, op := range operations {
		fmt.Fprintf(tw, "  --%s\t%s\n", op.name, op.help)
	}
	tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Modifiers:")
	fs.VisitAll(func(f *flag.Flag) {
		for _, op := range operations {
			if op.name == f.Name {
				return
			}
		}
		fmt.Fprintf(tw, "  --%s\t%s\n", f.Name, f.Usage)
	})
	tw.Flush()
}
