// Package ui is a minimal logger, directly modeled on golang-dep's
// log.Logger (an io.Writer wrapper with Logln/Logf), extended with a
// verbosity gate threaded from the CLI the way dep's own Ctx/Loggers pair
// does in cmd/dep.
package ui

import (
	"fmt"
	"io"
)

// Logger wraps an io.Writer with leveled, prefixed convenience methods.
// The zero value is not usable; construct with New.
type Logger struct {
	out     io.Writer
	errOut  io.Writer
	verbose bool
}

// New returns a Logger writing normal output to out and errors/warnings to
// errOut, with verbose (debug-level) logging gated by verbose.
func New(out, errOut io.Writer, verbose bool) *Logger {
	return &Logger{out: out, errOut: errOut, verbose: verbose}
}

// Logln writes a line to the normal output stream.
func (l *Logger) Logln(args ...interface{}) {
	fmt.Fprintln(l.out, args...)
}

// Logf writes a formatted string to the normal output stream.
func (l *Logger) Logf(format string, args ...interface{}) {
	fmt.Fprintf(l.out, format, args...)
}

// Warnf writes a formatted, "tpm2: warning: "-prefixed line to the error
// stream; warnings never abort the operation that produced them.
func (l *Logger) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(l.errOut, "tpm2: warning: "+format+"\n", args...)
}

// Errf writes a formatted, "tpm2: "-prefixed line to the error stream.
func (l *Logger) Errf(format string, args ...interface{}) {
	fmt.Fprintf(l.errOut, "tpm2: "+format+"\n", args...)
}

// Debugf writes a formatted line only when verbose logging is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.verbose {
		return
	}
	fmt.Fprintf(l.errOut, "tpm2: debug: "+format+"\n", args...)
}

// Verbose reports whether debug-level logging is enabled.
func (l *Logger) Verbose() bool { return l.verbose }
