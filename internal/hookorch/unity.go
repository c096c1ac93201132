package hookorch

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/arm64asm"
	"github.com/sc2ad/scotland2/internal/dlopen"
	"github.com/sc2ad/scotland2/internal/trampoline"
)

// methodScanBudget bounds the forward RET scan of spec.md §4.7 step 3:
// "scan forward up to 100 instructions."
const methodScanBudget = 100 * 4

// defaultChainScanBudget is a generous per-hop budget for the rest of
// the xref chains in this file, matching the original's
// capstone-utils.hpp queries which are bounded by byte count, not a
// fixed instruction cap. Overridable per Orchestrator via
// WithChainScanBudget (set from the root package's
// Config.WithXrefSearchBudget).
const defaultChainScanBudget = 4096

// InstallUnityDestroyHook implements spec.md §4.7's object-destruction
// hook, first attempting the icall-resolution trace and, failing that
// (older engine builds that predate il2cpp_resolve_icall exposing this
// icall), the JNI_OnLoad-rooted fallback trace.
func (o *Orchestrator) InstallUnityDestroyHook() error {
	site, err := o.traceDestroyObjectSite()
	if err != nil {
		log.Warn("icall xref trace failed (%v), trying JNI_OnLoad fallback trace", err)
		site, err = o.traceDestroyObjectSiteFallback()
		if err != nil {
			return err
		}
	}

	var handle *trampoline.Handle
	replacement := purego.NewCallback(func(a0 uintptr) uintptr {
		ret, _, _ := purego.SyscallN(handle.TrampolineAddress(), a0)

		if err := handle.Uninstall(); err != nil {
			log.Error("unity destroy hook: uninstall: %v", err)
		}

		if err := o.pipeline.OpenMods(); err != nil {
			log.Error("unity destroy hook: open_mods: %v", err)
			return ret
		}
		o.pipeline.DispatchLoad(api.PhaseMods)
		o.pipeline.DispatchLateLoad(api.PhaseEarlyMods)
		o.pipeline.DispatchLateLoad(api.PhaseMods)

		return ret
	})

	h, err := trampoline.InstallHook(o.pool, site, replacement)
	if err != nil {
		return err
	}
	handle = h
	log.Info("installed unity object-destruction hook at %#x", site)
	return nil
}

// traceDestroyObjectSite is spec.md §4.7's primary xref trace: resolve
// the DestroyImmediate icall, scan its body for the method end, walk to
// the Scripting::DestroyObjectFromScriptingImmediate frame, and find the
// first B (ignoring BR) inside it.
func (o *Orchestrator) traceDestroyObjectSite() (uintptr, error) {
	resolveICall, ok := dlopen.Sym(o.il2cppHandle, symResolveICall)
	if !ok {
		return 0, hookErr(symResolveICall)
	}

	body, ok := o.resolveICallBody(resolveICall, icallDestroyImmediate)
	if !ok {
		body, ok = o.resolveICallBody(resolveICall, icallDestroyImmediateInjected)
	}
	if !ok {
		return 0, hookErr(icallDestroyImmediate)
	}

	methodEnd, ok := arm64asm.FindRET(uint64(body), methodScanBudget)
	if !ok {
		return 0, hookErr("DestroyImmediate method end (RET)")
	}

	frame, ok := arm64asm.FindLastBL(uint64(body), methodEnd)
	if !ok {
		return 0, hookErr("DestroyObjectFromScriptingImmediate frame (last BL)")
	}

	site, ok := arm64asm.FindNthB(frame, o.chainScanBudget, 1, false, o.retQuota)
	if !ok {
		return 0, hookErr("destroy hook site (first B)")
	}
	return uintptr(site), nil
}

// resolveICallBody calls il2cpp_resolve_icall(name) and returns the
// function pointer it yields, or ok=false if the engine reports no
// such icall (a nil return).
func (o *Orchestrator) resolveICallBody(resolveICall uintptr, name string) (uintptr, bool) {
	buf := append([]byte(name), 0)
	ret, _, _ := purego.SyscallN(resolveICall, uintptr(unsafe.Pointer(&buf[0])))
	if ret == 0 {
		return 0, false
	}
	return ret, true
}

// traceDestroyObjectSiteFallback implements spec.md §4.7's fallback
// trace, rooted at JNI_OnLoad, for engine builds that predate
// il2cpp_resolve_icall exposing the DestroyImmediate icall directly.
func (o *Orchestrator) traceDestroyObjectSiteFallback() (uintptr, error) {
	jniOnLoad, ok := dlopen.Sym(o.icallHandle(), "JNI_OnLoad")
	if !ok {
		return 0, hookErr("JNI_OnLoad")
	}

	registerNatives, ok := arm64asm.FindNthBL(uint64(jniOnLoad), o.chainScanBudget, 2, true, o.retQuota)
	if !ok {
		return 0, hookErr("RegisterNatives (2nd BL from JNI_OnLoad)")
	}
	_ = registerNatives // identifies the region; the array pointer comes from the ADRP chain below

	arrayPtr, ok := arm64asm.GetPCAddr(uint64(jniOnLoad), o.chainScanBudget, 2, 1)
	if !ok {
		return 0, hookErr("JNINativeMethod array pointer (2nd ADRP)")
	}

	length, ok := arm64asm.FindNthMOVZ(uint64(jniOnLoad), o.chainScanBudget, 1, o.retQuota)
	if !ok {
		return 0, hookErr("JNINativeMethod array length (MOVZ)")
	}

	entry, ok := findNativeMethodByName(arrayPtr.Value, int(length.Value), "nativeRender")
	if !ok {
		return 0, hookErr("nativeRender entry in JNINativeMethod array")
	}

	hops := []chainHop{
		{kind: hopBL, n: 6},
		{kind: hopTBZ, n: 2},
		{kind: hopBCond, n: 1, cond: arm64asm.NE},
		{kind: hopTBZ, n: 1},
		{kind: hopBL, n: 1},
		{kind: hopBL, n: 9},
		{kind: hopBL, n: 2},
	}

	cur := entry
	for _, hop := range hops {
		next, ok := hop.follow(cur, o.chainScanBudget, o.retQuota)
		if !ok {
			return 0, hookErr(fmt.Sprintf("fallback trace hop %s", hop.kind))
		}
		cur = next
	}
	return uintptr(cur), nil
}

type hopKind string

const (
	hopBL    hopKind = "BL"
	hopTBZ   hopKind = "TBZ"
	hopBCond hopKind = "B.cond"
)

type chainHop struct {
	kind hopKind
	n    int
	cond arm64asm.Cond
}

func (h chainHop) follow(from uint64, budget, retQuota int) (uint64, bool) {
	switch h.kind {
	case hopBL:
		return arm64asm.FindNthBL(from, budget, h.n, true, retQuota)
	case hopTBZ:
		r, ok := arm64asm.FindNthTBZ(from, budget, h.n, retQuota)
		return r.Target, ok
	case hopBCond:
		r, ok := arm64asm.FindNthBCond(from, budget, h.n, h.cond, retQuota)
		return r.Target, ok
	default:
		return 0, false
	}
}

// jniNativeMethod mirrors JNI's JNINativeMethod {name, signature, fnPtr},
// three pointer-sized fields on LP64 Android, matching the array the
// fallback trace's RegisterNatives call is passed.
type jniNativeMethod struct {
	name      uintptr
	signature uintptr
	fnPtr     uintptr
}

// findNativeMethodByName walks count entries of a JNINativeMethod array
// at base looking for the entry whose name field reads as want.
func findNativeMethodByName(base uint64, count int, want string) (uint64, bool) {
	if count <= 0 || count > 4096 {
		return 0, false
	}
	entrySize := uint64(unsafe.Sizeof(jniNativeMethod{}))
	for i := 0; i < count; i++ {
		entry := (*jniNativeMethod)(unsafe.Pointer(uintptr(base + uint64(i)*entrySize)))
		if readCStringAt(entry.name) == want {
			return uint64(entry.fnPtr), true
		}
	}
	return 0, false
}

func readCStringAt(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	var b []byte
	for i := 0; ; i++ {
		c := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
		if c == 0 {
			break
		}
		b = append(b, c)
		if len(b) > 256 {
			break
		}
	}
	return string(b)
}
