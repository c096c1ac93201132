// Package logging routes the loader's six log severities
// (verbose, debug, info, warn, error, fatal) through glog, prefixing
// every line with its Logger's tag as "[tag] ". The loader's own
// loggers are tagged with component names ("scotland2", "pipeline",
// "trampoline", ...); none is tagged "<mod_id>|v<mod_version>".
//
// Verbose and Debug are glog verbosity levels rather than distinct
// severities, since glog itself only has Info/Warning/Error/Fatal: the
// original's compile-time NO_STAT_DUMPS gate becomes a runtime -v flag.
package logging

import (
	"fmt"

	"github.com/golang/glog"
)

const (
	verboseLevel glog.Level = 2
	debugLevel   glog.Level = 1
)

// Logger writes every line tagged with a fixed "[tag] " prefix. The
// zero value is not usable; construct with New.
type Logger struct {
	tag string
}

// New returns a Logger tagged with the given string verbatim (callers
// in this module pass their component name, e.g. "scotland2" in the
// root package).
func New(tag string) Logger { return Logger{tag: tag} }

func (l Logger) Verbose(format string, args ...any) {
	if glog.V(verboseLevel) {
		glog.InfoDepth(1, l.format(format, args...))
	}
}

func (l Logger) Debug(format string, args ...any) {
	if glog.V(debugLevel) {
		glog.InfoDepth(1, l.format(format, args...))
	}
}

func (l Logger) Info(format string, args ...any) {
	glog.InfoDepth(1, l.format(format, args...))
}

func (l Logger) Warn(format string, args ...any) {
	glog.WarningDepth(1, l.format(format, args...))
}

func (l Logger) Error(format string, args ...any) {
	glog.ErrorDepth(1, l.format(format, args...))
}

// Fatal logs and aborts the process. Per spec.md §7, this must only be
// called at the two genuinely process-aborting conditions (mprotect
// failure while installing a hook, trampoline allocator exhaustion);
// every other "fatal" condition in the spec is an Error log plus a
// sticky failure flag, not a process exit.
func (l Logger) Fatal(format string, args ...any) {
	glog.FatalDepth(1, l.format(format, args...))
}

func (l Logger) format(format string, args ...any) string {
	if len(args) == 0 {
		return "[" + l.tag + "] " + format
	}
	return "[" + l.tag + "] " + fmt.Sprintf(format, args...)
}
