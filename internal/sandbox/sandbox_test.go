package sandbox

import (
	"testing"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
	"github.com/stretchr/testify/require"
)

func TestSandboxReadWriteRoundTrip(t *testing.T) {
	mask := uint64(artifact.CapReadState | artifact.CapWriteState)
	sb, err := New("m1", mask, 65536, 3)
	require.NoError(t, err)

	require.NoError(t, sb.Write(100, []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	got, err := sb.Read(100, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got)
}

func TestSandboxCapabilityViolationQuarantine(t *testing.T) {
	mask := uint64(artifact.CapReadState) // no WriteState
	sb, err := New("m2", mask, 65536, 3)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err := sb.Write(0, []byte{0x01})
		require.ErrorIs(t, err, hmrerrors.ErrCapabilityMissing)
		require.False(t, sb.Quarantined())
	}

	err = sb.Write(0, []byte{0x01})
	require.ErrorIs(t, err, hmrerrors.ErrCapabilityMissing)
	require.True(t, sb.Quarantined())
	require.Equal(t, uint64(3), sb.Violations())

	_, err = sb.Read(0, 1)
	require.ErrorIs(t, err, hmrerrors.ErrModuleQuarantined)
}

func TestSandboxBoundsChecked(t *testing.T) {
	mask := uint64(artifact.CapReadState)
	sb, err := New("m3", mask, 8192, 10)
	require.NoError(t, err)

	_, err = sb.Read(8000, 1000)
	require.Error(t, err)
}

func TestSandboxAllocFreeAndQuota(t *testing.T) {
	mask := uint64(artifact.CapAllocMemory | artifact.CapFreeMemory)
	sb, err := New("m4", mask, 16384, 10)
	require.NoError(t, err)

	off, err := sb.Alloc(AllocRequest{Size: 64})
	require.NoError(t, err)
	require.Greater(t, sb.MemoryInUse(), uint64(0))

	require.NoError(t, sb.Free(off, 64))

	_, err = sb.Alloc(AllocRequest{Size: 16385})
	require.ErrorIs(t, err, hmrerrors.ErrQuotaExceeded)
}

func TestArenasAreDisjoint(t *testing.T) {
	sb1, err := New("m5", uint64(artifact.CapAllocMemory), 16384, 10)
	require.NoError(t, err)
	sb2, err := New("m6", uint64(artifact.CapAllocMemory), 16384, 10)
	require.NoError(t, err)

	require.NotSame(t, sb1.arena, sb2.arena)
	require.NotEqual(t, &sb1.arena.bytes[0], &sb2.arena.bytes[0])
}
