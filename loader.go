package scotland2

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/cabi"
	"github.com/sc2ad/scotland2/internal/dlopen"
	"github.com/sc2ad/scotland2/internal/hookorch"
	"github.com/sc2ad/scotland2/internal/logging"
	"github.com/sc2ad/scotland2/internal/nslinker"
	"github.com/sc2ad/scotland2/internal/pipeline"
	"github.com/sc2ad/scotland2/internal/platform"
	"github.com/sc2ad/scotland2/internal/trampoline"
)

var log = logging.New("scotland2")

// Loader is the process-global facade of spec.md §6: one Loader per
// process, constructed once by the host and driven through Preload,
// Load, AcceptUnityHandle, and Unload in that strict order (spec.md
// §5's ordering guarantee). The scalars below are spec.md §6's
// "process-global symbols" (jvm, libil2cpp_handle, unity_handle and the
// captured paths) made into a single struct's fields instead of ambient
// package globals, per spec.md §9's Open Question resolution. The
// current load phase is kept by the pipeline State, not by Loader.
type Loader struct {
	mu sync.Mutex

	cfg *Config

	jvm           uintptr
	applicationID string
	modloaderPath string
	sourcePath    string
	filesDir      string
	externalDir   string
	rootLoadPath  string
	soDir         string
	libil2cppPath string

	il2cppHandle dlopen.Handle
	unityHandle  dlopen.Handle

	pool     *trampoline.Pool
	pipeline *pipeline.State
	patcher  *nslinker.Patcher
	orch     *hookorch.Orchestrator
}

// NewLoader constructs a Loader. cfg may be nil, in which case
// NewConfig()'s defaults apply.
func NewLoader(cfg *Config) *Loader {
	if cfg == nil {
		cfg = NewConfig()
	}
	pool := trampoline.NewPool(trampoline.WithMinInstructions(cfg.trampolineInstructions))
	return &Loader{
		cfg:     cfg,
		pool:    pool,
		patcher: nslinker.New(),
	}
}

// Preload implements spec.md §6's preload(env, app_id, modloader_path,
// modloader_source, files_dir, external_dir): capture paths, record the
// JavaVM pointer, run copy_all, and initialize the linker-namespace
// patcher using modloader_source's basename. env is the host's raw
// JNIEnv* (opaque to this loader; it never dereferences it — handled
// entirely by the Java-side trampoline that calls into this package).
func (l *Loader) Preload(env uintptr, appID, modloaderPath, modloaderSource, filesDir, externalDir string) error {
	l.mu.Lock()
	l.jvm = env
	l.applicationID = appID
	l.modloaderPath = modloaderPath
	l.sourcePath = modloaderSource
	l.filesDir = filesDir
	l.externalDir = externalDir
	l.rootLoadPath = filepath.Dir(modloaderPath)
	l.pipeline = pipeline.New(filesDir, l.pool)
	l.mu.Unlock()

	if err := l.pipeline.CopyAll(l.rootLoadPath); err != nil {
		log.Error("preload: copy_all: %v", err)
		return fmt.Errorf("scotland2: preload: %w", err)
	}

	if err := l.patcher.Init(filepath.Base(modloaderSource)); err != nil {
		log.Error("preload: linker namespace init: %v", err)
		return fmt.Errorf("scotland2: preload: %w", err)
	}

	log.Info("preload complete: app %s, files_dir %s", appID, filesDir)
	return nil
}

// Load implements spec.md §6's load(env, so_dir): record libil2cpp.so's
// path, then open libs and early mods.
func (l *Loader) Load(env uintptr, soDir string) error {
	l.mu.Lock()
	l.soDir = soDir
	l.libil2cppPath = filepath.Join(soDir, "libil2cpp.so")
	pl := l.pipeline
	l.mu.Unlock()

	if pl == nil {
		return fmt.Errorf("scotland2: load called before preload")
	}
	if err := pl.OpenLibs(); err != nil {
		return fmt.Errorf("scotland2: load: open_libs: %w", err)
	}
	if err := pl.OpenEarlyMods(); err != nil {
		return fmt.Errorf("scotland2: load: open_early_mods: %w", err)
	}
	log.Info("load complete: so_dir %s", soDir)
	return nil
}

// AcceptUnityHandle implements spec.md §6's accept_unity_handle(env,
// unity_handle): record the Unity library handle, dlopen libil2cpp,
// re-protect every execute-only mapping to r-x, then install the
// IL2CPP-init hook.
func (l *Loader) AcceptUnityHandle(env uintptr, unityHandle uintptr) error {
	l.mu.Lock()
	l.unityHandle = dlopen.Handle(unityHandle)
	libil2cppPath := l.libil2cppPath
	l.mu.Unlock()

	if libil2cppPath == "" {
		return fmt.Errorf("scotland2: accept_unity_handle called before load")
	}

	h, err := dlopen.Open(libil2cppPath)
	if err != nil {
		return fmt.Errorf("scotland2: accept_unity_handle: %w", err)
	}

	if err := platform.ProtectExecutableOnlyMappings(); err != nil {
		log.Warn("accept_unity_handle: protect mappings: %v", err)
	}

	l.mu.Lock()
	l.il2cppHandle = h
	l.orch = hookorch.New(l.pool, l.pipeline, l.il2cppHandle, l.unityHandle,
		hookorch.WithChainScanBudget(l.cfg.xrefSearchBudget),
		hookorch.WithRetQuota(l.cfg.retQuota),
	)
	orch := l.orch
	l.mu.Unlock()

	if err := orch.InstallIL2CPPInitHook(); err != nil {
		return fmt.Errorf("scotland2: accept_unity_handle: %w", err)
	}
	log.Info("accept_unity_handle complete: libil2cpp at %s", libil2cppPath)
	return nil
}

// Unload implements spec.md §6's unload(vm): close_all.
func (l *Loader) Unload(vm uintptr) {
	l.mu.Lock()
	pl := l.pipeline
	l.mu.Unlock()
	if pl == nil {
		return
	}
	pl.CloseAll()
	log.Info("unload complete")
}

// GetMod, GetAll, GetFor, and ForceUnload expose the phase pipeline's
// read-only query and force-unload surface, matching spec.md §4.6's
// get_mod/get_all/get_for/force_unload.
func (l *Loader) GetMod(info api.ModInfo, match api.MatchType) *api.LoadedMod {
	return l.pipeline.GetMod(info, match)
}

func (l *Loader) GetAll() []api.LoadResult { return l.pipeline.GetAll() }

func (l *Loader) GetFor(phase api.LoadPhase) []api.LoadResult { return l.pipeline.GetFor(phase) }

func (l *Loader) ForceUnload(info api.ModInfo, match api.MatchType) bool {
	return l.pipeline.ForceUnload(info, match)
}

// AddLDLibraryPath implements spec.md §6's modloader_add_ld_library_path,
// forwarding to the linker-namespace patcher.
func (l *Loader) AddLDLibraryPath(path string) error {
	return l.patcher.AddLDLibraryPaths([]string{path})
}

// CurrentPhase returns the pipeline's current_load_phase process-global.
func (l *Loader) CurrentPhase() api.LoadPhase {
	if l.pipeline == nil {
		return api.PhaseNone
	}
	return l.pipeline.CurrentPhase()
}

// Path returns the path of this loader's own shared object, one of
// spec.md §6's modloader_get_* read-only accessors.
func (l *Loader) Path() string { return l.modloaderPath }

// RootLoadPath returns the directory copy_all staged libs/early_mods/mods from.
func (l *Loader) RootLoadPath() string { return l.rootLoadPath }

// FilesDir returns the staging root passed to Preload.
func (l *Loader) FilesDir() string { return l.filesDir }

// ExternalDir returns the external storage directory passed to Preload.
func (l *Loader) ExternalDir() string { return l.externalDir }

// ApplicationID returns the host application's package/bundle identifier.
func (l *Loader) ApplicationID() string { return l.applicationID }

// SourcePath returns modloader_source as passed to Preload.
func (l *Loader) SourcePath() string { return l.sourcePath }

// LibIL2CPPPath returns the libil2cpp.so path recorded by Load.
func (l *Loader) LibIL2CPPPath() string { return l.libil2cppPath }

// Bridge wires this Loader's accessors and actions into a cabi.Bridge,
// spec.md §6's "Public C ABI" surface, for a host's JNI/cgo shim to call
// through.
func (l *Loader) Bridge() *cabi.Bridge {
	return cabi.NewBridge(
		l.Path, l.RootLoadPath, l.FilesDir, l.ExternalDir, l.ApplicationID, l.SourcePath, l.LibIL2CPPPath,
		l.GetAll, l.GetMod, l.ForceUnload, l.AddLDLibraryPath,
	)
}
