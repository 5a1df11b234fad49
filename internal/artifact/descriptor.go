// Package artifact decodes the version descriptor handed to the core by the
// file watcher (spec §6) and defines the capability bitmask modules declare
// at registration (spec §4.F).
package artifact

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Magic identifies this runtime's descriptor format.
const Magic uint32 = 0x484d5231 // "HMR1"

// DescriptorVersion is the schema version this decoder understands.
const DescriptorVersion uint16 = 1

const (
	identitySize  = 16
	hashSize      = 32
	abiSize       = 32
	signatureSize = 64

	// wireSize is the total encoded length of a Descriptor, matching the
	// §6 field table byte for byte.
	wireSize = 4 + 2 + identitySize + 8 + hashSize + abiSize + 8 + 8 + 4 + 2 + signatureSize
)

// Capability is one bit of the capability bitmask a module declares at
// registration (spec §4.F).
type Capability uint64

const (
	CapLoadModule Capability = 1 << iota
	CapUnloadModule
	CapReadState
	CapWriteState
	CapAllocMemory
	CapFreeMemory
	CapFileRead
	CapFileWrite
	CapNetwork
	CapSyscall
	CapDebug
	CapAdmin
)

var capabilityNames = map[Capability]string{
	CapLoadModule:   "LoadModule",
	CapUnloadModule: "UnloadModule",
	CapReadState:    "ReadState",
	CapWriteState:   "WriteState",
	CapAllocMemory:  "AllocMemory",
	CapFreeMemory:   "FreeMemory",
	CapFileRead:     "FileRead",
	CapFileWrite:    "FileWrite",
	CapNetwork:      "Network",
	CapSyscall:      "Syscall",
	CapDebug:        "Debug",
	CapAdmin:        "Admin",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Has reports whether mask grants capability c.
func Has(mask uint64, c Capability) bool {
	return mask&uint64(c) != 0
}

// ModuleIdentity is the stable opaque identifier assigned at first
// discovery. Never reused once retired.
type ModuleIdentity [identitySize]byte

func (id ModuleIdentity) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Descriptor is the decoded module version descriptor (spec §6).
type Descriptor struct {
	DescriptorVersion uint16
	Identity          ModuleIdentity
	VersionNumber     uint64
	ContentHash       [hashSize]byte
	ABISignature      [abiSize]byte
	CapabilityMask    uint64
	MemoryLimit       uint64
	ThreadLimit       uint32
	CPUShare          uint16
	Signature         [signatureSize]byte
}

// Decode parses a wire-format descriptor per the §6 field table:
// magic, descriptor_version, module_identity, version_number, content_hash,
// abi_signature, capability_mask, memory_limit, thread_limit, cpu_share,
// signature.
func Decode(raw []byte) (Descriptor, error) {
	var d Descriptor
	if len(raw) != wireSize {
		return d, fmt.Errorf("artifact: descriptor is %d bytes, want %d", len(raw), wireSize)
	}

	r := bytes.NewReader(raw)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return d, fmt.Errorf("artifact: read magic: %w", err)
	}
	if magic != Magic {
		return d, fmt.Errorf("artifact: bad magic 0x%08x", magic)
	}

	if err := binary.Read(r, binary.LittleEndian, &d.DescriptorVersion); err != nil {
		return d, fmt.Errorf("artifact: read descriptor_version: %w", err)
	}
	if d.DescriptorVersion != DescriptorVersion {
		return d, fmt.Errorf("artifact: unsupported descriptor_version %d", d.DescriptorVersion)
	}

	if _, err := r.Read(d.Identity[:]); err != nil {
		return d, fmt.Errorf("artifact: read module_identity: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.VersionNumber); err != nil {
		return d, fmt.Errorf("artifact: read version_number: %w", err)
	}
	if _, err := r.Read(d.ContentHash[:]); err != nil {
		return d, fmt.Errorf("artifact: read content_hash: %w", err)
	}
	if _, err := r.Read(d.ABISignature[:]); err != nil {
		return d, fmt.Errorf("artifact: read abi_signature: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.CapabilityMask); err != nil {
		return d, fmt.Errorf("artifact: read capability_mask: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.MemoryLimit); err != nil {
		return d, fmt.Errorf("artifact: read memory_limit: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.ThreadLimit); err != nil {
		return d, fmt.Errorf("artifact: read thread_limit: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.CPUShare); err != nil {
		return d, fmt.Errorf("artifact: read cpu_share: %w", err)
	}
	if _, err := r.Read(d.Signature[:]); err != nil {
		return d, fmt.Errorf("artifact: read signature: %w", err)
	}

	return d, nil
}

// Encode serializes a Descriptor back to its wire format. Used by tests and
// by tooling that constructs descriptors programmatically.
func Encode(d Descriptor) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(wireSize)

	writeErr := func(v interface{}) error {
		return binary.Write(buf, binary.LittleEndian, v)
	}

	if err := writeErr(Magic); err != nil {
		return nil, err
	}
	if err := writeErr(DescriptorVersion); err != nil {
		return nil, err
	}
	buf.Write(d.Identity[:])
	if err := writeErr(d.VersionNumber); err != nil {
		return nil, err
	}
	buf.Write(d.ContentHash[:])
	buf.Write(d.ABISignature[:])
	if err := writeErr(d.CapabilityMask); err != nil {
		return nil, err
	}
	if err := writeErr(d.MemoryLimit); err != nil {
		return nil, err
	}
	if err := writeErr(d.ThreadLimit); err != nil {
		return nil, err
	}
	if err := writeErr(d.CPUShare); err != nil {
		return nil, err
	}
	buf.Write(d.Signature[:])

	return buf.Bytes(), nil
}

// HashContent computes the content hash of an artifact's raw bytes using
// xxhash, widened to the 32-byte content_hash field (the low 8 bytes carry
// the digest, the rest are zero). xxhash is used here rather than a
// cryptographic hash because this hash only needs to detect accidental
// corruption/mismatch between a descriptor and the artifact it describes;
// the cryptographic guarantee is carried separately by Signature.
func HashContent(raw []byte) [hashSize]byte {
	var out [hashSize]byte
	sum := xxhash.Sum64(raw)
	binary.LittleEndian.PutUint64(out[:8], sum)
	return out
}

// SignableBytes returns the descriptor bytes covered by Signature: every
// field except the signature itself.
func SignableBytes(d Descriptor) ([]byte, error) {
	full, err := Encode(d)
	if err != nil {
		return nil, err
	}
	return full[:wireSize-signatureSize], nil
}

// VerifySignature checks d.Signature against pub using ed25519, the
// standard library's asymmetric signature scheme. Its 64-byte signature
// size matches the §6 wire table exactly, so no truncation or padding
// convention is needed at the boundary.
func VerifySignature(d Descriptor, pub ed25519.PublicKey) error {
	signable, err := SignableBytes(d)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, signable, d.Signature[:]) {
		return fmt.Errorf("artifact: signature verification failed for %s", d.Identity)
	}
	return nil
}
