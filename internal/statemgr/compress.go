package statemgr

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// codec holds the shared zstd encoder/decoder pair used for chunk
// compression. The compression algorithm is replaceable per spec §4.C;
// the only contract is decompress(compress(x)) == x bitwise.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var sharedCodec = sync.OnceValue(func() *codec {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("statemgr: zstd encoder init: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("statemgr: zstd decoder init: %v", err))
	}
	return &codec{enc: enc, dec: dec}
})

// Compress stores a compressed copy of the chunk at (module, offset)
// alongside its raw bytes, which stay in place. It runs only when called
// explicitly; pausing a module or sandbox memory use does not trigger it.
func (sm *StateManager) Compress(module string, offset uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	c, ok := sm.chunks[ChunkKey{Module: module, Offset: offset}]
	if !ok {
		return fmt.Errorf("statemgr: unknown chunk %s@%d", module, offset)
	}

	c.compressed = sharedCodec().enc.EncodeAll(c.bytes, nil)
	return nil
}

// Decompress replaces the chunk's bytes with the decoded compressed copy,
// refreshes the checksum, and discards the compressed copy. Reads and
// writes do not call it; they use the raw bytes that Compress left in
// place.
func (sm *StateManager) Decompress(module string, offset uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	c, ok := sm.chunks[ChunkKey{Module: module, Offset: offset}]
	if !ok {
		return fmt.Errorf("statemgr: unknown chunk %s@%d", module, offset)
	}
	if c.compressed == nil {
		return nil
	}

	raw, err := sharedCodec().dec.DecodeAll(c.compressed, nil)
	if err != nil {
		return fmt.Errorf("statemgr: decompress chunk %s@%d: %w", module, offset, err)
	}
	c.bytes = raw
	c.compressed = nil
	c.refreshChecksum()
	return nil
}

// IsCompressed reports whether a compressed copy exists for the chunk.
func (sm *StateManager) IsCompressed(module string, offset uint64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	c, ok := sm.chunks[ChunkKey{Module: module, Offset: offset}]
	if !ok {
		return false
	}
	return c.compressed != nil
}
