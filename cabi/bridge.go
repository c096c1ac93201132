package cabi

import (
	"unsafe"

	"github.com/sc2ad/scotland2/api"
)

// Bridge adapts a *scotland2.Loader (passed in by the cmd that wires up
// the process-global instance, to avoid an import cycle between this
// package and the root one) into the C-ABI entry points spec.md §6
// lists under "Public C ABI". Every Bridge method is safe to export via
// //export or purego.NewCallback at the call site that owns the actual
// cgo/JNI boundary; this package only marshals.
type Bridge struct {
	path          func() string
	rootLoadPath  func() string
	filesDir      func() string
	externalDir   func() string
	applicationID func() string
	sourcePath    func() string
	libil2cppPath func() string

	getAll      func() []api.LoadResult
	getMod      func(api.ModInfo, api.MatchType) *api.LoadedMod
	forceUnload func(api.ModInfo, api.MatchType) bool
	addLDPath   func(string) error
}

// NewBridge wires a Bridge against the accessor/action closures a
// *scotland2.Loader exposes. Kept as plain function fields rather than
// an interface so the root package's Loader needs no cabi-specific
// method set of its own.
func NewBridge(
	path, rootLoadPath, filesDir, externalDir, applicationID, sourcePath, libil2cppPath func() string,
	getAll func() []api.LoadResult,
	getMod func(api.ModInfo, api.MatchType) *api.LoadedMod,
	forceUnload func(api.ModInfo, api.MatchType) bool,
	addLDPath func(string) error,
) *Bridge {
	return &Bridge{
		path: path, rootLoadPath: rootLoadPath, filesDir: filesDir, externalDir: externalDir,
		applicationID: applicationID, sourcePath: sourcePath, libil2cppPath: libil2cppPath,
		getAll: getAll, getMod: getMod, forceUnload: forceUnload, addLDPath: addLDPath,
	}
}

// GetPath implements modloader_get_path.
func (b *Bridge) GetPath() *byte { return cString(b.path()) }

// GetRootLoadPath implements modloader_get_root_load_path.
func (b *Bridge) GetRootLoadPath() *byte { return cString(b.rootLoadPath()) }

// GetFilesDir implements modloader_get_files_dir.
func (b *Bridge) GetFilesDir() *byte { return cString(b.filesDir()) }

// GetExternalDir implements modloader_get_external_dir.
func (b *Bridge) GetExternalDir() *byte { return cString(b.externalDir()) }

// GetApplicationID implements modloader_get_application_id.
func (b *Bridge) GetApplicationID() *byte { return cString(b.applicationID()) }

// GetSourcePath implements modloader_get_source_path.
func (b *Bridge) GetSourcePath() *byte { return cString(b.sourcePath()) }

// GetLibIL2CPPPath implements modloader_get_libil2cpp_path.
func (b *Bridge) GetLibIL2CPPPath() *byte { return cString(b.libil2cppPath()) }

// GetAll implements modloader_get_all: a heap-allocated CModResults the
// caller must release via FreeResults.
func (b *Bridge) GetAll() *CModResults { return GetAll(b.getAll()) }

// ForceUnload implements modloader_force_unload.
func (b *Bridge) ForceUnload(info CModInfo, match api.MatchType) Status {
	return ForceUnload(b.forceUnload, info, match)
}

// RequireMod implements modloader_require_mod.
func (b *Bridge) RequireMod(info CModInfo, match api.MatchType) Status {
	return RequireMod(b.getMod, info, match)
}

// AddLDLibraryPath implements modloader_add_ld_library_path.
func (b *Bridge) AddLDLibraryPath(path *byte) Status {
	if err := b.addLDPath(readCString(path)); err != nil {
		return StatusError
	}
	return StatusOK
}

// ResultsPtr exposes the first element of a CModResults for a C caller
// to index as a flat array, matching a `CModResult* items; size_t
// count;` layout without this package depending on cgo itself.
func ResultsPtr(r *CModResults) (ptr unsafe.Pointer, count int) {
	if r == nil || len(r.Items) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(&r.Items[0]), len(r.Items)
}
