// Command modsim drives scotland2's phase pipeline against a directory
// tree on a dev machine, with no Android device and no real hook
// installation: it exercises staging, dependency resolution, the
// topological Libs<EarlyMods<Mods order, and lifecycle dispatch against
// a tree of .so fixtures, printing the resulting load report.
//
// Grounded on the teacher's cmd/wazero: subcommand dispatch off
// flag.Arg(0), a doMain(stdout, stderr io.Writer) int seam kept separate
// from main so it is unit-testable without touching os.Exit/os.Stdout.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/pipeline"
	"github.com/sc2ad/scotland2/internal/trampoline"
)

func main() {
	os.Exit(doMain(os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer) int {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "Prints usage.")
	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		return 0
	}

	switch flag.Arg(0) {
	case "run":
		return doRun(flag.Args()[1:], stdOut, stdErr)
	case "version":
		fmt.Fprintln(stdOut, "modsim (scotland2 offline pipeline simulator)")
		return 0
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "modsim - simulate scotland2's phase pipeline against a directory tree")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "\tmodsim run -root <dir> -files-dir <dir>")
	fmt.Fprintln(w, "\tmodsim version")
}

func doRun(args []string, stdOut, stdErr io.Writer) int {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	root := flags.String("root", "", "Directory holding libs/, early_mods/, mods/ subdirectories to stage.")
	filesDir := flags.String("files-dir", "", "Private staging directory modsim copies the root tree into.")
	_ = flags.Parse(args)

	if *root == "" || *filesDir == "" {
		fmt.Fprintln(stdErr, "-root and -files-dir are both required")
		return 1
	}

	pool := trampoline.NewPool()
	pl := pipeline.New(*filesDir, pool)

	if err := pl.CopyAll(*root); err != nil {
		fmt.Fprintf(stdErr, "copy_all: %v\n", err)
		return 1
	}
	if err := pl.OpenLibs(); err != nil {
		fmt.Fprintf(stdErr, "open_libs: %v\n", err)
		return 1
	}
	if err := pl.OpenEarlyMods(); err != nil {
		fmt.Fprintf(stdErr, "open_early_mods: %v\n", err)
		return 1
	}
	if err := pl.OpenMods(); err != nil {
		fmt.Fprintf(stdErr, "open_mods: %v\n", err)
		return 1
	}
	pl.DispatchLoad(api.PhaseMods)
	pl.DispatchLateLoad(api.PhaseEarlyMods)
	pl.DispatchLateLoad(api.PhaseMods)

	printReport(stdOut, pl)
	return 0
}

func printReport(w io.Writer, pl *pipeline.State) {
	for _, phase := range api.Phases() {
		fmt.Fprintf(w, "== %s ==\n", phase)
		for _, r := range pl.GetFor(phase) {
			switch {
			case r.IsLoaded():
				lm := r.Loaded()
				fmt.Fprintf(w, "  loaded  %s (%s)\n", lm.Object.Path, lm.ModInfo)
			case r.IsFailed():
				f := r.Failed()
				fmt.Fprintf(w, "  failed  %s: %s\n", f.Object.Path, f.Failure)
			}
		}
	}
}
