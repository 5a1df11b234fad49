// Package sandbox implements per-module bounded arenas, capability checks,
// and resource accounting (spec §4.F). Each module gets its own arena; no
// two modules ever share backing memory.
package sandbox

import (
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
)

// Sandbox is one module's isolated memory region plus its declared
// capability set and violation accounting.
type Sandbox struct {
	ModuleID string

	arena          *arena
	capabilityMask uint64
	memoryLimit    uint64

	violations uint64
	threshold  uint64
	quarantine atomic.Bool

	mu sync.Mutex
}

// New creates a sandbox for a module with the given declared capability
// mask, memory limit, and capability-violation quarantine threshold.
func New(moduleID string, capabilityMask uint64, memoryLimit uint64, violationThreshold uint64) (*Sandbox, error) {
	if memoryLimit > uint64(^uint32(0)) {
		memoryLimit = uint64(^uint32(0))
	}
	a, err := newArena(moduleID, uint32(memoryLimit))
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		ModuleID:       moduleID,
		arena:          a,
		capabilityMask: capabilityMask,
		memoryLimit:    memoryLimit,
		threshold:      violationThreshold,
	}, nil
}

// Quarantined reports whether this sandbox has tripped its violation
// threshold and must no longer serve accessors.
func (s *Sandbox) Quarantined() bool {
	return s.quarantine.Load()
}

// Violations returns the current capability-violation count.
func (s *Sandbox) Violations() uint64 {
	return atomic.LoadUint64(&s.violations)
}

// checkCapability records a violation and returns CapabilityMissing if
// cap is not granted. Crossing the configured threshold flips the
// sandbox into quarantine.
func (s *Sandbox) checkCapability(cap artifact.Capability) error {
	if artifact.Has(s.capabilityMask, cap) {
		return nil
	}
	n := atomic.AddUint64(&s.violations, 1)
	if n >= s.threshold {
		s.quarantine.Store(true)
	}
	return hmrerrors.ErrCapabilityMissing
}

// Read performs a capability-checked, bounds-checked read. It requires
// ReadState.
func (s *Sandbox) Read(offset, size uint32) ([]byte, error) {
	if s.Quarantined() {
		return nil, hmrerrors.ErrModuleQuarantined
	}
	if err := s.checkCapability(artifact.CapReadState); err != nil {
		return nil, err
	}
	data, err := s.arena.read(offset, size)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrBoundsViolation, err.Error())
	}
	return data, nil
}

// Write performs a capability-checked, bounds-checked write. It requires
// WriteState.
func (s *Sandbox) Write(offset uint32, data []byte) error {
	if s.Quarantined() {
		return hmrerrors.ErrModuleQuarantined
	}
	if err := s.checkCapability(artifact.CapWriteState); err != nil {
		return err
	}
	if err := s.arena.write(offset, data); err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrBoundsViolation, err.Error())
	}
	return nil
}

// Alloc performs a capability-checked allocation. It requires AllocMemory
// and fails with QuotaExceeded if it would push live usage over the
// module's declared memory limit.
func (s *Sandbox) Alloc(req AllocRequest) (uint32, error) {
	if s.Quarantined() {
		return 0, hmrerrors.ErrModuleQuarantined
	}
	if err := s.checkCapability(artifact.CapAllocMemory); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.arena.inUse()+uint64(req.Size) > s.memoryLimit {
		return 0, hmrerrors.ErrQuotaExceeded
	}
	offset, err := s.arena.allocate(req)
	if err != nil {
		return 0, hmrerrors.Wrap(hmrerrors.ErrOutOfArena, err.Error())
	}
	return offset, nil
}

// Free performs a capability-checked deallocation. It requires
// FreeMemory.
func (s *Sandbox) Free(offset, size uint32) error {
	if s.Quarantined() {
		return hmrerrors.ErrModuleQuarantined
	}
	if err := s.checkCapability(artifact.CapFreeMemory); err != nil {
		return err
	}
	return s.arena.free(offset, size)
}

// MemoryInUse reports live arena allocation for telemetry (spec §4.G
// MetricMemoryInUse).
func (s *Sandbox) MemoryInUse() uint64 {
	return s.arena.inUse()
}
