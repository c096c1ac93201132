package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/trampoline"
)

// cmpLoadResult allows cmp.Diff to reach into LoadResult's unexported
// tagged-union fields, since require.Equal's reflect.DeepEqual doesn't
// give a readable diff when a phase's whole result set mismatches.
var cmpLoadResult = cmp.AllowUnexported(api.LoadResult{})

func TestCopyAll_stagesAllPhaseDirectoriesWithWideMode(t *testing.T) {
	filesDir := t.TempDir()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(filesDir, "mods"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(filesDir, "mods", "libfoo.so"), []byte("x"), 0o644))

	s := New(filepath.Join(root, "staging"), trampoline.NewPool())
	require.NoError(t, s.CopyAll(filesDir))

	for _, phase := range api.Phases() {
		dst := filepath.Join(root, "staging", phase.DirName())
		info, err := os.Stat(dst)
		require.NoError(t, err)
		require.True(t, info.IsDir())
		require.Equal(t, os.FileMode(0o777), info.Mode().Perm())
	}

	copied := filepath.Join(root, "staging", "mods", "libfoo.so")
	data, err := os.ReadFile(copied)
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
	require.False(t, s.Failed())
}

func TestListAllObjectsInPhase_filtersByLibPrefixAndSoSuffix(t *testing.T) {
	root := t.TempDir()
	modsDir := filepath.Join(root, "mods")
	require.NoError(t, os.MkdirAll(modsDir, 0o755))
	for _, name := range []string{"libgood.so", "notlib.so", "libbad.txt", "libok2.so"} {
		require.NoError(t, os.WriteFile(filepath.Join(modsDir, name), []byte("x"), 0o644))
	}

	objects, err := ListAllObjectsInPhase(root, api.PhaseMods)
	require.NoError(t, err)
	var names []string
	for _, o := range objects {
		names = append(names, filepath.Base(o.Path))
	}
	require.ElementsMatch(t, []string{"libgood.so", "libok2.so"}, names)
}

func TestListAllObjectsInPhase_missingDirYieldsEmpty(t *testing.T) {
	root := t.TempDir()
	objects, err := ListAllObjectsInPhase(root, api.PhaseLibs)
	require.NoError(t, err)
	require.Empty(t, objects)
}

func TestLoadMods_notAnELFFileYieldsFailedResult(t *testing.T) {
	root := t.TempDir()
	libsDir := filepath.Join(root, "libs")
	require.NoError(t, os.MkdirAll(libsDir, 0o755))
	path := filepath.Join(libsDir, "libbad.so")
	require.NoError(t, os.WriteFile(path, []byte("not an elf file"), 0o644))

	s := New(root, trampoline.NewPool())
	results := s.LoadMods([]api.SharedObject{{Path: path}}, api.PhaseLibs)

	require.Len(t, results, 1)
	require.True(t, results[0].IsFailed())
	require.Equal(t, path, results[0].ObjectPath())
}

func TestLoadMods_skipsAlreadyLoadedPath(t *testing.T) {
	root := t.TempDir()
	libsDir := filepath.Join(root, "libs")
	require.NoError(t, os.MkdirAll(libsDir, 0o755))
	path := filepath.Join(libsDir, "libonce.so")
	require.NoError(t, os.WriteFile(path, []byte("not an elf file"), 0o644))

	s := New(root, trampoline.NewPool())
	s.markSkipped(path)
	results := s.LoadMods([]api.SharedObject{{Path: path}}, api.PhaseLibs)
	require.Empty(t, results)
}

func TestCloseAll_clearsCollectionsAndSkipSet(t *testing.T) {
	s := New(t.TempDir(), trampoline.NewPool())
	s.skipLoad["libx.so"] = true
	s.loadedLibs = []api.LoadResult{api.FailedResult(api.FailedMod{Object: api.SharedObject{Path: "libx.so"}})}

	s.CloseAll()
	require.Empty(t, s.GetAll())
	require.Empty(t, s.skipLoad)
}

func TestForceUnload_removesFailedModByObjectName(t *testing.T) {
	s := New(t.TempDir(), trampoline.NewPool())
	so := api.SharedObject{Path: "/staging/mods/libtarget.so"}
	s.loadedMods = []api.LoadResult{api.FailedResult(api.FailedMod{Object: so})}

	ok := s.ForceUnload(api.ModInfo{ID: so.Name()}, api.MatchObjectName)
	require.True(t, ok)
	require.Empty(t, s.loadedMods)
}

func TestForceUnload_absentEntryReturnsTrue(t *testing.T) {
	s := New(t.TempDir(), trampoline.NewPool())
	ok := s.ForceUnload(api.ModInfo{ID: "nope"}, api.MatchIDOnly)
	require.True(t, ok)
}

func TestLoadMods_notAnELFFileProducesExactlyOneFailedResult(t *testing.T) {
	root := t.TempDir()
	libsDir := filepath.Join(root, "libs")
	require.NoError(t, os.MkdirAll(libsDir, 0o755))
	modPath := filepath.Join(libsDir, "libmain.so")
	require.NoError(t, os.WriteFile(modPath, []byte("not an elf file"), 0o644))

	s := New(root, trampoline.NewPool())
	results := s.LoadMods([]api.SharedObject{{Path: modPath}}, api.PhaseLibs)
	require.Len(t, results, 1)

	// Failure carries the platform-specific dlopen error string, which
	// this test has no business pinning down; compare everything else
	// structurally via cmp.
	got := results[0].Failed()
	normalized := api.FailedResult(api.FailedMod{Object: got.Object, Dependencies: got.Dependencies})
	want := api.FailedResult(api.FailedMod{Object: api.SharedObject{Path: modPath}, Dependencies: []api.DependencyResult{}})
	if diff := cmp.Diff(want, normalized, cmpLoadResult); diff != "" {
		t.Fatalf("LoadMods result mismatch (-want +got):\n%s", diff)
	}
}

func TestGetFor_returnsIndependentCopy(t *testing.T) {
	s := New(t.TempDir(), trampoline.NewPool())
	s.loadedLibs = []api.LoadResult{api.FailedResult(api.FailedMod{Object: api.SharedObject{Path: "a.so"}})}

	snapshot := s.GetFor(api.PhaseLibs)
	require.Len(t, snapshot, 1)
	s.loadedLibs = append(s.loadedLibs, api.FailedResult(api.FailedMod{Object: api.SharedObject{Path: "b.so"}}))
	require.Len(t, snapshot, 1, "snapshot must not observe later mutation")
}
