// Package loader verifies, loads, and links module artifacts into
// executable handles (spec §4.B). Loaders are pure with respect to
// running modules: no registry mutation happens here, only handle
// construction; the Swap Coordinator promotes the resulting handle.
package loader

import (
	"crypto/ed25519"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
	"github.com/nmxmxh/hmrcore/internal/registry"
	"github.com/nmxmxh/hmrcore/internal/sandbox"
)

// SelfCheckExport is the name a module must export to participate in
// post-load self-check.
const SelfCheckExport = "self_check"

// Loader loads module artifacts into registry.Handle values.
type Loader struct {
	engine     *wasmer.Engine
	signingKey ed25519.PublicKey
}

// New creates a loader that verifies artifact signatures against pub.
// A nil pub disables signature verification (development only).
func New(pub ed25519.PublicKey) *Loader {
	return &Loader{engine: wasmer.NewEngine(), signingKey: pub}
}

// Load verifies d's signature, compiles wasmBytes, checks its imports
// (see resolveImports), runs the module's self-check export if present, and
// allocates the module's sandbox arena. It returns a handle in Loaded
// state, or fails with SignatureInvalid, SymbolUnresolved,
// LayoutMismatch, or SelfCheckFailed.
func (l *Loader) Load(d artifact.Descriptor, wasmBytes []byte, reg *registry.Registry, violationThreshold uint64) (*registry.Handle, error) {
	if l.signingKey != nil {
		if err := artifact.VerifySignature(d, l.signingKey); err != nil {
			return nil, hmrerrors.Wrap(hmrerrors.ErrSignatureInvalid, err.Error())
		}
	}

	got := artifact.HashContent(wasmBytes)
	if got != d.ContentHash {
		return nil, hmrerrors.Wrap(hmrerrors.ErrSignatureInvalid, "content hash does not match descriptor")
	}

	store := wasmer.NewStore(l.engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrLayoutMismatch, err.Error())
	}

	imports, err := l.resolveImports(module, store, reg)
	if err != nil {
		return nil, err
	}

	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrSymbolUnresolved, err.Error())
	}

	symbols, err := l.buildSymbolTable(module, instance)
	if err != nil {
		return nil, err
	}

	sb, err := sandbox.New(d.Identity.String(), d.CapabilityMask, d.MemoryLimit, violationThreshold)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrLayoutMismatch, err.Error())
	}

	handle := &registry.Handle{
		Descriptor: d,
		Symbols:    symbols,
		Sandbox:    sb,
	}

	if check, ok := handle.Lookup(SelfCheckExport); ok {
		if _, err := check(); err != nil {
			return nil, hmrerrors.Wrap(hmrerrors.ErrSelfCheckFailed, err.Error())
		}
	}

	return handle, nil
}

// resolveImports returns an empty ImportObject: no host function and no
// export of another registered module is bound (reg is not consulted).
// Any import outside the "env" namespace fails closed here with
// SymbolUnresolved; an "env" import is left unbound, so
// wasmer.NewInstance rejects a module that declares one, which Load
// reports as SymbolUnresolved.
func (l *Loader) resolveImports(module *wasmer.Module, store *wasmer.Store, reg *registry.Registry) (*wasmer.ImportObject, error) {
	importObject := wasmer.NewImportObject()

	for _, imp := range module.Imports() {
		if imp.Module() == "env" {
			continue // left to wasmer.NewInstance, which fails on unbound imports
		}
		// Imports outside "env" would need a host binding wired per
		// capability; none are granted at load time.
		return nil, fmt.Errorf("%w: unresolved import %s.%s", hmrerrors.ErrSymbolUnresolved, imp.Module(), imp.Name())
	}

	return importObject, nil
}

// buildSymbolTable wraps every exported function in a registry.Symbol,
// giving the rest of the runtime a host-language call surface instead of
// a raw wasmer NativeFunction.
func (l *Loader) buildSymbolTable(module *wasmer.Module, instance *wasmer.Instance) (map[string]registry.Symbol, error) {
	symbols := make(map[string]registry.Symbol)

	for _, export := range module.Exports() {
		name := export.Name()
		fn, err := instance.Exports.GetFunction(name)
		if err != nil {
			continue // non-function export (e.g. memory, global)
		}
		symbols[name] = func(args ...interface{}) (interface{}, error) {
			return fn(args...)
		}
	}

	return symbols, nil
}
