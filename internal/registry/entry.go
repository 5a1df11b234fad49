package registry

import (
	"sync/atomic"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
	"github.com/nmxmxh/hmrcore/internal/sandbox"
)

// Symbol is one exported entry point a loaded module exposes (e.g. its
// per-frame update function, its post-swap hook, its self-check).
type Symbol func(args ...interface{}) (interface{}, error)

// Handle is an owning reference to one loaded module version: its
// executable symbol table, its sandbox arena, and its descriptor. Per
// the no-cyclic-ownership design note, a Handle refers back to its
// registry entry by the entry's stable identity string, never by
// pointer — the Registry is the only owner of Entry values.
type Handle struct {
	OwnerIdentity string
	Descriptor    artifact.Descriptor
	Symbols       map[string]Symbol
	Sandbox       *sandbox.Sandbox
}

// Lookup resolves a named export, or reports ok=false.
func (h *Handle) Lookup(name string) (Symbol, bool) {
	sym, ok := h.Symbols[name]
	return sym, ok
}

// historyDepth bounds the version-history ring retained per entry.
const historyDepth = 8

// Entry is one registry slot: a module identity together with its
// lifecycle state, its active and (if mid-swap) pending handles, and a
// bounded history of prior descriptors.
type Entry struct {
	Identity string
	state    atomic.Int32

	Active  *Handle
	Pending *Handle

	history []artifact.Descriptor

	// accessorCount is incremented on every frame-scoped lookup and
	// decremented when the accessor's scope ends. A swap may only
	// complete the atomic handle exchange once this reaches zero.
	accessorCount atomic.Int64
}

func newEntry(identity string) *Entry {
	e := &Entry{Identity: identity}
	e.state.Store(int32(Discovered))
	return e
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() State {
	return State(e.state.Load())
}

// transition attempts from -> to, returning false if the edge is not
// legal per the lifecycle graph.
func (e *Entry) transition(to State) bool {
	from := State(e.state.Load())
	if !CanTransition(from, to) {
		return false
	}
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// Transition drives the entry's lifecycle state machine from its current
// state to to. Callers outside this package (the Loader and Swap
// Coordinator) use this to advance a module through loading, linking,
// and swap states; it fails with ErrIllegalTransition if the edge is not
// legal from the entry's current state.
func (e *Entry) Transition(to State) error {
	if !e.transition(to) {
		return hmrerrors.ErrIllegalTransition
	}
	return nil
}

// pushHistory records a descriptor into the bounded version-history ring.
func (e *Entry) pushHistory(d artifact.Descriptor) {
	e.history = append(e.history, d)
	if len(e.history) > historyDepth {
		e.history = e.history[len(e.history)-historyDepth:]
	}
}

// History returns a copy of the retained version history, oldest first.
func (e *Entry) History() []artifact.Descriptor {
	out := make([]artifact.Descriptor, len(e.history))
	copy(out, e.history)
	return out
}

// AccessorCount returns the number of in-flight frame accessors pinned
// against this entry.
func (e *Entry) AccessorCount() int64 {
	return e.accessorCount.Load()
}

func (e *Entry) enterAccessor() {
	e.accessorCount.Add(1)
}

func (e *Entry) exitAccessor() {
	e.accessorCount.Add(-1)
}
