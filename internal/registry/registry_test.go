package registry

import (
	"testing"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
	"github.com/stretchr/testify/require"
)

func descriptorFor(id string, abi byte, caps artifact.Capability) artifact.Descriptor {
	var d artifact.Descriptor
	copy(d.Identity[:], []byte(id))
	d.ABISignature[0] = abi
	d.CapabilityMask = uint64(caps)
	d.MemoryLimit = 65536
	return d
}

func activateModule(t *testing.T, r *Registry, id string, abi byte, caps artifact.Capability) {
	t.Helper()
	d := descriptorFor(id, abi, caps)
	e, err := r.Register(Registration{Descriptor: d})
	require.NoError(t, err)

	for _, s := range []State{Building, Built, Loading, Loaded, Linking, Linked, Initializing, Active} {
		require.NoError(t, e.Transition(s))
	}
	e.Active = &Handle{OwnerIdentity: e.Identity, Descriptor: d}
}

func TestRegisterLookupActive(t *testing.T) {
	r := New()
	activateModule(t, r, "m1--------------", 0x01, artifact.CapReadState)

	h, err := r.Lookup(descriptorFor("m1--------------", 0x01, artifact.CapReadState).Identity.String())
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, int64(1), r.AccessorCount(h.OwnerIdentity))

	r.Release(h.OwnerIdentity)
	require.Equal(t, int64(0), r.AccessorCount(h.OwnerIdentity))
}

func TestLookupNotActive(t *testing.T) {
	r := New()
	d := descriptorFor("m2--------------", 0x01, artifact.CapReadState)
	_, err := r.Register(Registration{Descriptor: d})
	require.NoError(t, err)

	_, err = r.Lookup(d.Identity.String())
	require.ErrorIs(t, err, hmrerrors.ErrNotActive)
}

func TestProposeCandidateAbiIncompatibleRejected(t *testing.T) {
	r := New()
	activateModule(t, r, "m3--------------", 0x01, artifact.CapReadState)
	identity := descriptorFor("m3--------------", 0x01, artifact.CapReadState).Identity.String()

	incompatible := descriptorFor("m3--------------", 0x02, artifact.CapReadState)
	err := r.ProposeCandidate(identity, &Handle{Descriptor: incompatible})
	require.ErrorIs(t, err, hmrerrors.ErrAbiIncompatible)
}

func TestProposeCandidateCapabilityEscalationRejected(t *testing.T) {
	r := New()
	activateModule(t, r, "m4--------------", 0x01, artifact.CapReadState)
	identity := descriptorFor("m4--------------", 0x01, artifact.CapReadState).Identity.String()

	escalated := descriptorFor("m4--------------", 0x01, artifact.CapReadState|artifact.CapAdmin)
	err := r.ProposeCandidate(identity, &Handle{Descriptor: escalated})
	require.ErrorIs(t, err, hmrerrors.ErrCapabilityEscalation)
}

func TestProposeCandidateThenCommit(t *testing.T) {
	r := New()
	activateModule(t, r, "m5--------------", 0x01, artifact.CapReadState)
	identity := descriptorFor("m5--------------", 0x01, artifact.CapReadState).Identity.String()

	next := descriptorFor("m5--------------", 0x01, artifact.CapReadState)
	next.VersionNumber = 2
	require.NoError(t, r.ProposeCandidate(identity, &Handle{Descriptor: next}))

	err := r.ProposeCandidate(identity, &Handle{Descriptor: next})
	require.ErrorIs(t, err, hmrerrors.ErrVersionConflict)

	require.NoError(t, r.CommitCandidate(identity))

	h, err := r.Lookup(identity)
	require.NoError(t, err)
	require.Equal(t, uint64(2), h.Descriptor.VersionNumber)
	r.Release(identity)
}

func TestAllowCompatibleABI(t *testing.T) {
	r := New()
	activateModule(t, r, "m6--------------", 0x01, artifact.CapReadState)
	identity := descriptorFor("m6--------------", 0x01, artifact.CapReadState).Identity.String()

	var compatHash [32]byte
	compatHash[0] = 0x02
	r.AllowCompatibleABI(identity, compatHash)

	next := descriptorFor("m6--------------", 0x02, artifact.CapReadState)
	require.NoError(t, r.ProposeCandidate(identity, &Handle{Descriptor: next}))
}

func TestDependencyOrder(t *testing.T) {
	r := New()
	_, err := r.Register(Registration{Descriptor: descriptorFor("base------------", 0x01, 0)})
	require.NoError(t, err)
	_, err = r.Register(Registration{
		Descriptor:   descriptorFor("dependent-------", 0x01, 0),
		Dependencies: []Dependency{{Identity: descriptorFor("base------------", 0x01, 0).Identity.String()}},
	})
	require.NoError(t, err)

	order, err := r.DependencyOrder()
	require.NoError(t, err)
	require.Equal(t, []string{
		descriptorFor("base------------", 0x01, 0).Identity.String(),
		descriptorFor("dependent-------", 0x01, 0).Identity.String(),
	}, order)
}

func TestDependencyOrderUnsatisfied(t *testing.T) {
	r := New()
	_, err := r.Register(Registration{
		Descriptor:   descriptorFor("dependent-------", 0x01, 0),
		Dependencies: []Dependency{{Identity: descriptorFor("missing---------", 0x01, 0).Identity.String()}},
	})
	require.NoError(t, err)

	_, err = r.DependencyOrder()
	require.Error(t, err)
}

func TestRetireTerminatesEntry(t *testing.T) {
	r := New()
	activateModule(t, r, "m7--------------", 0x01, artifact.CapReadState)
	identity := descriptorFor("m7--------------", 0x01, artifact.CapReadState).Identity.String()

	require.NoError(t, r.Retire(identity))

	e, err := r.Entry(identity)
	require.NoError(t, err)
	require.Equal(t, Unloaded, e.State())
	require.True(t, e.State().Terminal())
}

func TestRetireFromErrorSucceeds(t *testing.T) {
	r := New()
	activateModule(t, r, "m8--------------", 0x01, artifact.CapReadState)
	identity := descriptorFor("m8--------------", 0x01, artifact.CapReadState).Identity.String()

	e, err := r.Entry(identity)
	require.NoError(t, err)
	require.NoError(t, e.Transition(Error))

	require.NoError(t, r.Retire(identity))
	require.Equal(t, Unloaded, e.State())
}
