package statemgr

// DiffRecord is a (chunk, dirty-range, replacement-bytes) triple (spec
// §3). Original carries the pre-change bytes for the same range, making
// a diff reversible without a second pass over the checkpoint.
type DiffRecord struct {
	Module      string
	ChunkOffset uint64
	BlockStart  uint64
	BlockEnd    uint64 // exclusive
	Original    []byte
	Replacement []byte
}

// ByteRange returns the chunk-relative [start, end) byte range this
// record covers.
func (d DiffRecord) ByteRange() (start, end uint64) {
	return d.BlockStart * dirtyBlockSize, d.BlockEnd * dirtyBlockSize
}

// GenerateDiff compares every chunk covered by cp against its current
// bytes using a 64-byte-wide XOR-and-test pass, producing one record per
// contiguous run of changed blocks. Diff generation is deterministic and
// order-independent: it only reads cp and the current chunk state, so it
// may be run repeatedly on the same snapshot pair.
func (sm *StateManager) GenerateDiff(cp *Checkpoint) []DiffRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var records []DiffRecord
	for key, before := range cp.snapshots {
		c, ok := sm.chunks[key]
		if !ok {
			continue
		}
		records = append(records, diffChunk(c, before)...)
	}
	return records
}

// diffChunk performs the 64-byte block XOR-and-test pass between before
// and the chunk's current bytes, coalescing adjacent dirty blocks into
// single records.
func diffChunk(c *Chunk, before []byte) []DiffRecord {
	var records []DiffRecord
	numBlocks := c.numBlocks()

	var runStart uint64
	inRun := false

	flush := func(end uint64) {
		if !inRun {
			return
		}
		startByte := runStart * dirtyBlockSize
		endByte := end * dirtyBlockSize
		records = append(records, DiffRecord{
			Module:      c.OwningModule,
			ChunkOffset: c.Offset,
			BlockStart:  runStart,
			BlockEnd:    end,
			Original:    append([]byte(nil), before[startByte:endByte]...),
			Replacement: append([]byte(nil), c.bytes[startByte:endByte]...),
		})
		inRun = false
	}

	for b := uint64(0); b < numBlocks; b++ {
		start := b * dirtyBlockSize
		end := start + dirtyBlockSize
		if end > uint64(len(before)) || end > uint64(len(c.bytes)) {
			break
		}

		changed := blockChanged(before[start:end], c.bytes[start:end])
		if changed && !inRun {
			runStart = b
			inRun = true
		} else if !changed && inRun {
			flush(b)
		}
	}
	flush(numBlocks)

	return records
}

// blockChanged reports whether any byte differs between a and b, via a
// running XOR accumulator rather than a direct byte compare, mirroring
// the spec's "XOR-and-test" description.
func blockChanged(a, b []byte) bool {
	var acc byte
	for i := range a {
		acc |= a[i] ^ b[i]
	}
	return acc != 0
}

// ApplyDiff writes every record's Replacement bytes into the live chunk
// state. Applying the same diff twice is idempotent: the second pass
// writes identical bytes into an already-matching range.
func (sm *StateManager) ApplyDiff(records []DiffRecord) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, rec := range records {
		key := ChunkKey{Module: rec.Module, Offset: rec.ChunkOffset}
		c, ok := sm.chunks[key]
		if !ok {
			continue
		}
		start, end := rec.ByteRange()
		copy(c.bytes[start:end], rec.Replacement)
		c.refreshChecksum()
	}
	return nil
}

// ReverseDiff applies each record's Original bytes instead of its
// Replacement, undoing ApplyDiff.
func (sm *StateManager) ReverseDiff(records []DiffRecord) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, rec := range records {
		key := ChunkKey{Module: rec.Module, Offset: rec.ChunkOffset}
		c, ok := sm.chunks[key]
		if !ok {
			continue
		}
		start, end := rec.ByteRange()
		copy(c.bytes[start:end], rec.Original)
		c.refreshChecksum()
	}
	return nil
}
