package statemgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteChunkRejectsNonOwnerBySingleWriterDefault(t *testing.T) {
	sm := New()
	sm.CreateChunk("M1", 0, 1, 64)
	require.NoError(t, sm.BeginUpdate("M1"))

	err := sm.WriteChunkAs("M1", "M2", 0, 0, []byte{0x01})
	require.Error(t, err)
}

func TestWriteChunkAllowsDeclaredMultiWriter(t *testing.T) {
	sm := New()
	sm.CreateChunk("M1", 0, 1, 64)
	require.NoError(t, sm.SetRegionPolicy("M1", 0, RegionPolicy{
		Access:     AccessMultiWriter,
		WriterMask: map[string]bool{"M2": true},
	}))
	require.NoError(t, sm.BeginUpdate("M1"))

	require.NoError(t, sm.WriteChunkAs("M1", "M2", 0, 0, []byte{0x01}))
	require.Error(t, sm.WriteChunkAs("M1", "M3", 0, 0, []byte{0x01}))
}

func TestSetRegionPolicyUnknownChunkFails(t *testing.T) {
	sm := New()
	err := sm.SetRegionPolicy("M1", 0, RegionPolicy{Access: AccessMultiWriter})
	require.Error(t, err)
}
