// Package registry implements the canonical identity -> version -> state
// -> handle mapping (spec §4.A), plus dependency-ordered activation.
package registry

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
)

// Dependency declares that a module requires another module's identity
// to be Active before it may itself become Active.
type Dependency struct {
	Identity string
	Optional bool
}

// Registration captures what a module declares when first discovered:
// its descriptor and its dependencies on other module identities.
type Registration struct {
	Descriptor   artifact.Descriptor
	Dependencies []Dependency
}

// Registry is the canonical module identity -> entry map. It owns every
// Entry and every Handle transitively reachable from one; callers never
// retain Entry pointers across a swap boundary, only identity strings.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	deps    map[string][]Dependency

	compatibleHashes map[string][][32]byte // identity -> extra ABI hashes accepted for its next candidate

	epoch *discoveryEpoch
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:          make(map[string]*Entry),
		deps:             make(map[string][]Dependency),
		compatibleHashes: make(map[string][][32]byte),
		epoch:            newDiscoveryEpoch(),
	}
}

// Register creates a new entry in Discovered state for a module identity.
// Re-registering an already-known identity is a no-op that returns the
// existing entry, since identities are never reused once retired.
func (r *Registry) Register(reg Registration) (*Entry, error) {
	identity := reg.Descriptor.Identity.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[identity]; ok {
		return e, nil
	}

	e := newEntry(identity)
	e.pushHistory(reg.Descriptor)
	r.entries[identity] = e
	r.deps[identity] = reg.Dependencies
	r.epoch.bump()
	return e, nil
}

// Lookup returns the active handle for identity, pinning a frame accessor
// against it. The caller must call Release when the accessor's scope
// ends. Lookup fails with NotActive unless the entry is Active or
// HotSwapping, and with ModuleQuarantined if the entry's sandbox has
// tripped quarantine.
func (r *Registry) Lookup(identity string) (*Handle, error) {
	r.mu.RLock()
	e, ok := r.entries[identity]
	r.mu.RUnlock()
	if !ok {
		return nil, hmrerrors.ErrUnknownModule
	}

	state := e.State()
	if state != Active && state != HotSwapping {
		return nil, hmrerrors.ErrNotActive
	}

	h := e.Active
	if h == nil {
		return nil, hmrerrors.ErrNotActive
	}
	if h.Sandbox != nil && h.Sandbox.Quarantined() {
		return nil, hmrerrors.ErrModuleQuarantined
	}

	e.enterAccessor()
	return h, nil
}

// Release ends one frame accessor's pin on identity, begun by Lookup.
func (r *Registry) Release(identity string) {
	r.mu.RLock()
	e, ok := r.entries[identity]
	r.mu.RUnlock()
	if ok {
		e.exitAccessor()
	}
}

// AccessorCount reports the in-flight accessor count for identity.
func (r *Registry) AccessorCount(identity string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return 0
	}
	return e.AccessorCount()
}

// Entry returns the raw entry for identity, for callers (Swap Coordinator,
// Recovery) that need to drive its lifecycle state directly.
func (r *Registry) Entry(identity string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return nil, hmrerrors.ErrUnknownModule
	}
	return e, nil
}

// AllowCompatibleABI records that a module's next candidate may declare
// one of these ABI signatures as compatible with its active one, even
// though they are not byte-equal. This is the declared-compatible
// exception to the default hash-equality ABI rule.
func (r *Registry) AllowCompatibleABI(identity string, hashes ...[32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compatibleHashes[identity] = append(r.compatibleHashes[identity], hashes...)
}

func (r *Registry) abiCompatible(identity string, active, candidate [32]byte) bool {
	if bytes.Equal(active[:], candidate[:]) {
		return true
	}
	for _, h := range r.compatibleHashes[identity] {
		if bytes.Equal(h[:], candidate[:]) {
			return true
		}
	}
	return false
}

// ProposeCandidate registers d as the pending candidate version for
// identity. Fails with VersionConflict if a candidate already exists,
// AbiIncompatible if d's ABI signature is neither equal to nor declared
// compatible with the active handle's, or CapabilityEscalation if d
// requests capabilities beyond those granted at registration.
func (r *Registry) ProposeCandidate(identity string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		return hmrerrors.ErrUnknownModule
	}
	if e.Pending != nil {
		return hmrerrors.ErrVersionConflict
	}
	if e.Active != nil {
		if !r.abiCompatible(identity, e.Active.Descriptor.ABISignature, h.Descriptor.ABISignature) {
			return hmrerrors.ErrAbiIncompatible
		}
		if h.Descriptor.CapabilityMask&^e.Active.Descriptor.CapabilityMask != 0 {
			return hmrerrors.ErrCapabilityEscalation
		}
	}

	h.OwnerIdentity = identity
	e.Pending = h
	return nil
}

// CommitCandidate atomically promotes an entry's pending handle to
// active, retiring the previous active handle into version history. The
// caller (Swap Coordinator) is responsible for having already driven the
// entry's lifecycle state to HotSwapping and waited for accessor
// quiescence; CommitCandidate performs only the handle exchange and
// bookkeeping.
func (r *Registry) CommitCandidate(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		return hmrerrors.ErrUnknownModule
	}
	if e.Pending == nil {
		return hmrerrors.ErrNoUpdate
	}

	if e.Active != nil {
		e.pushHistory(e.Active.Descriptor)
	}
	e.Active = e.Pending
	e.Pending = nil
	return nil
}

// RevertCandidate discards a pending candidate without touching the
// active handle, used when a swap fails before the atomic commit point.
func (r *Registry) RevertCandidate(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		return hmrerrors.ErrUnknownModule
	}
	e.Pending = nil
	return nil
}

// Retire transitions an entry toward Unloaded, freeing its identity's
// place in history (the identity itself is never reused).
func (r *Registry) Retire(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		return hmrerrors.ErrUnknownModule
	}
	if err := e.Transition(Stopping); err != nil {
		return err
	}
	e.Active = nil
	e.Pending = nil
	if err := e.Transition(Unloading); err != nil {
		return err
	}
	return e.Transition(Unloaded)
}

// DependencyOrder returns registered identities topologically sorted so
// that every module appears after the modules it depends on, using
// Kahn's algorithm. It fails if a required (non-optional) dependency is
// unregistered or if the dependency graph has a cycle.
func (r *Registry) DependencyOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph := make(map[string][]string)
	inDegree := make(map[string]int)
	for id := range r.entries {
		inDegree[id] = 0
		graph[id] = nil
	}

	for id, deps := range r.deps {
		for _, dep := range deps {
			if _, exists := r.entries[dep.Identity]; !exists {
				if dep.Optional {
					continue
				}
				return nil, fmt.Errorf("registry: %s requires unregistered module %s", id, dep.Identity)
			}
			graph[dep.Identity] = append(graph[dep.Identity], id)
			inDegree[id]++
		}
	}

	queue := make([]string, 0, len(inDegree))
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(r.entries))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, next := range graph[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(r.entries) {
		return nil, fmt.Errorf("registry: circular module dependency detected")
	}
	return result, nil
}
