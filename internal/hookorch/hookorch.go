// Package hookorch is the hook orchestrator of spec.md §4.7: it locates
// and installs the two self-uninstalling inline hooks that drive the
// phase pipeline's remaining stages from inside the host process — the
// IL2CPP initialization entry point, and a Unity-internal object-
// destruction entry reached via an icall cross-reference trace.
//
// Grounded on src/modloader.cpp's il2cpp_init/hook_unity_log chain and
// the icall trace in src/main.cpp (_examples/original_source), using
// internal/arm64asm for the xref queries and internal/trampoline for
// install/uninstall. purego.NewCallback supplies the one piece cgo-free
// Go cannot do on its own: a function pointer the host's native code can
// branch into, the same role __attribute__((visibility("default")))
// extern "C" functions play in the original.
package hookorch

import (
	"fmt"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/dlopen"
	"github.com/sc2ad/scotland2/internal/logging"
	"github.com/sc2ad/scotland2/internal/pipeline"
	"github.com/sc2ad/scotland2/internal/trampoline"
)

var log = logging.New("hookorch")

const (
	symIL2CPPInit   = "il2cpp_init"
	symResolveICall = "il2cpp_resolve_icall"

	icallDestroyImmediate         = "UnityEngine.Object::DestroyImmediate"
	icallDestroyImmediateInjected = "UnityEngine.Object::DestroyImmediate_Injected"
)

// Orchestrator wires the trampoline pool and phase pipeline together
// with the two engine handles (libil2cpp.so and the Unity library) the
// traces in this package need.
type Orchestrator struct {
	pool     *trampoline.Pool
	pipeline *pipeline.State

	il2cppHandle dlopen.Handle
	unityHandle  dlopen.Handle

	chainScanBudget int
	retQuota        int
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithChainScanBudget overrides the per-hop byte budget the xref traces
// in this package search within, wired from the root package's
// Config.WithXrefSearchBudget.
func WithChainScanBudget(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.chainScanBudget = n
		}
	}
}

// WithRetQuota overrides the number of RET instructions a chain hop
// tolerates before giving up (spec.md §4.1's "hits its RET quota"
// failure mode), wired from Config.WithRetQuota. A negative value (the
// default) means unlimited.
func WithRetQuota(n int) Option {
	return func(o *Orchestrator) { o.retQuota = n }
}

// New constructs an Orchestrator. unityHandle may be 0 if the host's
// Unity library was not separately dlopen'd (some builds expose the
// icall symbols through il2cppHandle directly); InstallUnityDestroyHook
// falls back to il2cppHandle in that case.
func New(pool *trampoline.Pool, pl *pipeline.State, il2cppHandle, unityHandle dlopen.Handle, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool: pool, pipeline: pl,
		il2cppHandle: il2cppHandle, unityHandle: unityHandle,
		chainScanBudget: defaultChainScanBudget,
		retQuota:        -1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) icallHandle() dlopen.Handle {
	if o.unityHandle != 0 {
		return o.unityHandle
	}
	return o.il2cppHandle
}

// hookErr wraps api.ErrHookSiteNotFound with context, the uniform
// failure this package reports whenever an xref trace comes up empty —
// per spec.md §9's "the hook must degrade to skip late-mod loading
// rather than crash."
func hookErr(step string) error {
	return fmt.Errorf("%w: %s", api.ErrHookSiteNotFound, step)
}
