// Package statemgr owns per-module simulation state: chunked storage,
// transactional updates, checkpoint/diff/rollback, validation, and
// compression (spec §4.C).
package statemgr

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
	"github.com/nmxmxh/hmrcore/internal/ids"
)

// ChunkKey identifies one chunk within its owning module's state space.
type ChunkKey struct {
	Module string
	Offset uint64
}

// StateManager owns every module's chunks. Modules never touch chunk
// bytes directly; they borrow access through BeginUpdate/WriteChunk/
// CommitUpdate, or through read-only Chunk lookups gated by the sandbox
// capability check performed by the caller.
type StateManager struct {
	mu      sync.RWMutex
	chunks  map[ChunkKey]*Chunk
	byOwner map[string][]ChunkKey

	inFlight map[string]*updateToken
	policies map[ChunkKey]RegionPolicy
}

type updateToken struct {
	staging map[ChunkKey][]byte
}

// New creates an empty state manager.
func New() *StateManager {
	return &StateManager{
		chunks:   make(map[ChunkKey]*Chunk),
		byOwner:  make(map[string][]ChunkKey),
		inFlight: make(map[string]*updateToken),
		policies: make(map[ChunkKey]RegionPolicy),
	}
}

// CreateChunk allocates a new chunk for module at offset, sized to hold
// count elements of stride bytes each.
func (sm *StateManager) CreateChunk(module string, offset uint64, stride, count uint32) *Chunk {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := ChunkKey{Module: module, Offset: offset}
	c := newChunk(module, offset, stride, count)
	sm.chunks[key] = c
	sm.byOwner[module] = append(sm.byOwner[module], key)
	return c
}

// Chunk returns the chunk at (module, offset), or nil if none exists.
func (sm *StateManager) Chunk(module string, offset uint64) *Chunk {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.chunks[ChunkKey{Module: module, Offset: offset}]
}

// BeginUpdate marks module as holding the exclusive update token. Fails
// with UpdateInFlight if a second begin-update is attempted before the
// first commits.
func (sm *StateManager) BeginUpdate(module string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.inFlight[module]; ok {
		return hmrerrors.ErrUpdateInFlight
	}

	token := &updateToken{staging: make(map[ChunkKey][]byte)}
	for _, key := range sm.byOwner[module] {
		c := sm.chunks[key]
		c.backup = c.Bytes()
		token.staging[key] = c.Bytes()
	}
	sm.inFlight[module] = token
	return nil
}

// WriteChunk writes data into the staging copy of the chunk at offset
// within module's update, marking the affected blocks dirty. The chunk
// must be owned by module and module must hold the update token.
func (sm *StateManager) WriteChunk(module string, chunkOffset uint64, byteOffset uint32, data []byte) error {
	return sm.WriteChunkAs(module, module, chunkOffset, byteOffset, data)
}

// WriteChunkAs writes data as writer into the chunk owned by module,
// within module's in-flight update. writer must be module itself or, for
// a chunk whose RegionPolicy declares AccessMultiWriter, an identity
// listed in that policy's WriterMask — formalizing the capability-
// checked borrow described in spec §3 Ownership.
func (sm *StateManager) WriteChunkAs(module, writer string, chunkOffset uint64, byteOffset uint32, data []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	token, ok := sm.inFlight[module]
	if !ok {
		return hmrerrors.ErrNoUpdate
	}

	key := ChunkKey{Module: module, Offset: chunkOffset}
	c, ok := sm.chunks[key]
	if !ok {
		return fmt.Errorf("statemgr: unknown chunk %s@%d", module, chunkOffset)
	}
	if !authorizeWriter(key, sm.regionPolicy(key), writer) {
		return fmt.Errorf("statemgr: %w: %s may not write chunk %s@%d", hmrerrors.ErrCapabilityMissing, writer, module, chunkOffset)
	}

	staging, ok := token.staging[key]
	if !ok {
		return fmt.Errorf("statemgr: chunk %s@%d not part of this update", module, chunkOffset)
	}
	if uint64(byteOffset)+uint64(len(data)) > uint64(len(staging)) {
		return fmt.Errorf("statemgr: write [%d,%d) exceeds chunk bounds", byteOffset, uint64(byteOffset)+uint64(len(data)))
	}

	copy(staging[byteOffset:], data)

	blockStart := uint64(byteOffset) / dirtyBlockSize
	blockEnd := (uint64(byteOffset) + uint64(len(data)) + dirtyBlockSize - 1) / dirtyBlockSize
	c.markDirty(blockStart, blockEnd)

	return nil
}

// CommitUpdate atomically publishes every chunk's staged bytes, refreshes
// checksums, and releases the update token. Fails with NoUpdate if no
// begin-update preceded it.
func (sm *StateManager) CommitUpdate(module string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	token, ok := sm.inFlight[module]
	if !ok {
		return hmrerrors.ErrNoUpdate
	}

	for key, staged := range token.staging {
		c := sm.chunks[key]
		c.bytes = staged
		c.refreshChecksum()
		c.compressed = nil // any compressed copy is now stale
	}

	delete(sm.inFlight, module)
	return nil
}

// ValidationResult reports one chunk's outcome from Validate.
type ValidationResult struct {
	Module    string
	Offset    uint64
	Corrupted bool
	Restored  bool
}

// Validate recomputes every owned chunk's checksum and compares it
// against the stored value. A mismatch marks the chunk Corrupted; if a
// backup copy exists it is restored and the result reports Restored,
// otherwise the caller (Recovery) must quarantine the module.
func (sm *StateManager) Validate(module string) []ValidationResult {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var results []ValidationResult
	for _, key := range sm.byOwner[module] {
		c := sm.chunks[key]
		if c.verifyChecksum() {
			continue
		}

		result := ValidationResult{Module: module, Offset: key.Offset, Corrupted: true}
		if c.backup != nil {
			c.bytes = append([]byte(nil), c.backup...)
			c.refreshChecksum()
			result.Restored = true
		}
		results = append(results, result)
	}
	return results
}

// newCheckpointID is the ID allocator used by checkpoints; diffs carry no ID.
func newCheckpointID() string {
	return ids.NewRecordID()
}
