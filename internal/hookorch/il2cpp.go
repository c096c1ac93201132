package hookorch

import (
	"github.com/ebitengine/purego"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/dlopen"
	"github.com/sc2ad/scotland2/internal/trampoline"
)

// InstallIL2CPPInitHook implements spec.md §4.7's IL2CPP-init hook: dlsym
// il2cpp_init in the engine handle and install a self-uninstalling
// inline hook whose body runs the original, uninstalls, fires
// load_early_mods, and then attempts the Unity object-destruction trace.
// DispatchLoad's phase argument is api.PhaseEarlyMods, matching
// load_early_mods's scope in the pipeline state machine.
func (o *Orchestrator) InstallIL2CPPInitHook() error {
	addr, ok := dlopen.Sym(o.il2cppHandle, symIL2CPPInit)
	if !ok {
		return hookErr(symIL2CPPInit)
	}

	var handle *trampoline.Handle
	replacement := purego.NewCallback(func(domain uintptr) uintptr {
		ret, _, _ := purego.SyscallN(handle.TrampolineAddress(), domain)

		if err := handle.Uninstall(); err != nil {
			log.Error("il2cpp_init hook: uninstall: %v", err)
		}

		o.pipeline.DispatchLoad(api.PhaseEarlyMods)

		if err := o.InstallUnityDestroyHook(); err != nil {
			log.Warn("il2cpp_init hook: unity destroy-hook xref trace failed, late mods will not load: %v", err)
		}

		return ret
	})

	h, err := trampoline.InstallHook(o.pool, addr, replacement)
	if err != nil {
		return err
	}
	handle = h
	log.Info("installed il2cpp_init hook at %#x, trampoline at %#x", addr, h.TrampolineAddress())
	return nil
}
