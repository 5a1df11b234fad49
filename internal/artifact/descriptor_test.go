package artifact

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleDescriptor() Descriptor {
	var d Descriptor
	d.DescriptorVersion = DescriptorVersion
	copy(d.Identity[:], []byte("module-m1-------"))
	d.VersionNumber = 1
	d.CapabilityMask = uint64(CapReadState | CapWriteState)
	d.MemoryLimit = 65536
	d.ThreadLimit = 1
	d.CPUShare = 100
	return d
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := sampleDescriptor()
	raw, err := Encode(d)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, d.Identity, got.Identity)
	require.Equal(t, d.VersionNumber, got.VersionNumber)
	require.Equal(t, d.CapabilityMask, got.CapabilityMask)
	require.Equal(t, d.MemoryLimit, got.MemoryLimit)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	d := sampleDescriptor()
	raw, err := Encode(d)
	require.NoError(t, err)
	raw[0] ^= 0xff

	_, err = Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestCapabilityHas(t *testing.T) {
	mask := uint64(CapReadState | CapWriteState)
	require.True(t, Has(mask, CapReadState))
	require.False(t, Has(mask, CapAdmin))
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	d := sampleDescriptor()
	signable, err := SignableBytes(d)
	require.NoError(t, err)
	copy(d.Signature[:], ed25519.Sign(priv, signable))

	require.NoError(t, VerifySignature(d, pub))

	d.VersionNumber = 2
	require.Error(t, VerifySignature(d, pub))
}
