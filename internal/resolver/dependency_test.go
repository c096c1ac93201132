package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sc2ad/scotland2/api"
)

// writeMinimalSO writes a file whose contents are irrelevant to this
// package's own tests (the ELF reader finds no DT_NEEDED entries in it,
// so Resolve treats it as dependency-free) but whose path existing
// is what resolveOne's search checks for.
func writeMinimalSO(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not a real elf file"), 0o644))
}

func TestResolve_nonELFFileYieldsNoDependencies(t *testing.T) {
	root := t.TempDir()
	so := api.SharedObject{Path: filepath.Join(root, "mods", "libmain.so")}
	writeMinimalSO(t, so.Path)

	r := New(root)
	results := r.Resolve(so, api.PhaseMods)
	// A non-ELF file yields no DT_NEEDED names at all (neededNames
	// tolerates the parse failure), so the result is simply empty.
	require.Empty(t, results)
}

func TestResolve_memoizesByPath(t *testing.T) {
	root := t.TempDir()
	so := api.SharedObject{Path: filepath.Join(root, "libs", "libdep.so")}
	writeMinimalSO(t, so.Path)

	r := New(root)
	first := r.Resolve(so, api.PhaseLibs)
	second := r.Resolve(so, api.PhaseLibs)
	require.Equal(t, first, second)
	require.Contains(t, r.memo, so.Path)
}

func TestResolveOne_searchesReversePhaseOrder(t *testing.T) {
	root := t.TempDir()
	libsPath := filepath.Join(root, "libs", "libshared.so")
	writeMinimalSO(t, libsPath)

	r := New(root)
	// Searching from PhaseMods downward must still find a file that
	// only exists in libs/.
	result := r.resolveOne("libshared.so", api.PhaseMods)
	require.True(t, result.IsResolved())
	require.Equal(t, libsPath, result.Dependency().Object.Path)
}

func TestResolveOne_missingWhenNoPhaseHasIt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "libs"), 0o755))

	r := New(root)
	result := r.resolveOne("libghost.so", api.PhaseMods)
	require.False(t, result.IsResolved())
	require.Equal(t, "libghost.so", result.MissingObject().Path)
}

func TestReset_clearsMemo(t *testing.T) {
	root := t.TempDir()
	so := api.SharedObject{Path: filepath.Join(root, "libs", "libdep.so")}
	writeMinimalSO(t, so.Path)

	r := New(root)
	r.Resolve(so, api.PhaseLibs)
	require.NotEmpty(t, r.memo)
	r.Reset()
	require.Empty(t, r.memo)
}
