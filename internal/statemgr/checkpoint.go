package statemgr

import (
	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
)

// Checkpoint is an immutable snapshot of a module's chunk set at a
// specific logical frame (spec §3). It is held until either superseded
// by a newer checkpoint after a successful swap, or discarded on
// rollback completion.
type Checkpoint struct {
	ID     string
	Module string
	Frame  uint64

	snapshots map[ChunkKey][]byte
	checksums map[ChunkKey]uint64
}

// CreateCheckpoint snapshots every chunk currently owned by module.
// Fails with BusyUpdate if module has an update in flight — the caller
// should wait for the next frame and retry.
func (sm *StateManager) CreateCheckpoint(module string, frame uint64) (*Checkpoint, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if _, busy := sm.inFlight[module]; busy {
		return nil, hmrerrors.ErrBusyUpdate
	}

	cp := &Checkpoint{
		ID:        newCheckpointID(),
		Module:    module,
		Frame:     frame,
		snapshots: make(map[ChunkKey][]byte),
		checksums: make(map[ChunkKey]uint64),
	}

	for _, key := range sm.byOwner[module] {
		c := sm.chunks[key]
		cp.snapshots[key] = c.Bytes()
		cp.checksums[key] = c.Checksum()
	}

	return cp, nil
}

// Rollback restores every chunk covered by cp to its checkpointed bytes
// and checksum, discarding any changes made since. Used by Recovery when
// a swap fails at or after the atomic handle exchange.
func (sm *StateManager) Rollback(cp *Checkpoint) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for key, snapshot := range cp.snapshots {
		c, ok := sm.chunks[key]
		if !ok {
			continue
		}
		c.bytes = append([]byte(nil), snapshot...)
		c.checksum = cp.checksums[key]
		c.compressed = nil
	}
	return nil
}
