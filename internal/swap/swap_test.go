package swap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/registry"
	"github.com/nmxmxh/hmrcore/internal/scheduler"
	"github.com/nmxmxh/hmrcore/internal/statemgr"
	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

func testDescriptor(id string, abi byte, version uint64) artifact.Descriptor {
	var d artifact.Descriptor
	copy(d.Identity[:], []byte(id))
	d.ABISignature[0] = abi
	d.VersionNumber = version
	d.CapabilityMask = uint64(artifact.CapReadState | artifact.CapWriteState)
	d.MemoryLimit = 65536
	return d
}

func setup(t *testing.T) (*Coordinator, *registry.Registry, *statemgr.StateManager, *scheduler.Scheduler, string) {
	t.Helper()

	reg := registry.New()
	sm := statemgr.New()
	sched := scheduler.New(100*time.Millisecond, time.Millisecond, 4)
	log := telemetry.DefaultLogger("test")

	d := testDescriptor("m1--------------", 0x01, 1)
	e, err := reg.Register(registry.Registration{Descriptor: d})
	require.NoError(t, err)
	for _, s := range []registry.State{registry.Building, registry.Built, registry.Loading, registry.Loaded, registry.Linking, registry.Linked, registry.Initializing, registry.Active} {
		require.NoError(t, e.Transition(s))
	}
	e.Active = &registry.Handle{Descriptor: d}
	sm.CreateChunk(d.Identity.String(), 0, 1, 64)

	return New(reg, sm, sched, log), reg, sm, sched, d.Identity.String()
}

func TestSwapSameABISucceeds(t *testing.T) {
	coord, reg, _, sched, identity := setup(t)
	sched.BeginFrame()

	candidate := testDescriptor("m1--------------", 0x01, 2)
	handle := &registry.Handle{Descriptor: candidate}

	outcome, err := coord.Swap(context.Background(), identity, handle, 1, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, outcome)

	h, err := reg.Lookup(identity)
	require.NoError(t, err)
	require.Equal(t, uint64(2), h.Descriptor.VersionNumber)
	reg.Release(identity)
}

func TestSwapABIIncompatibleRejected(t *testing.T) {
	coord, _, _, sched, identity := setup(t)
	sched.BeginFrame()

	candidate := testDescriptor("m1--------------", 0x02, 2)
	handle := &registry.Handle{Descriptor: candidate}

	outcome, err := coord.Swap(context.Background(), identity, handle, 1, time.Millisecond)
	require.Error(t, err)
	require.Equal(t, OutcomeRejectedABI, outcome)
}

func TestSwapPostHookFailureTriggersRecovery(t *testing.T) {
	coord, reg, _, sched, identity := setup(t)
	sched.BeginFrame()

	recovered := false
	coord.OnRecover(func(id string, cp *statemgr.Checkpoint, err error) {
		recovered = true
		require.NotNil(t, cp)
	})

	candidate := testDescriptor("m1--------------", 0x01, 2)
	handle := &registry.Handle{
		Descriptor: candidate,
		Symbols: map[string]registry.Symbol{
			PostSwapExport: func(args ...interface{}) (interface{}, error) {
				return nil, errors.New("boom")
			},
		},
	}

	outcome, err := coord.Swap(context.Background(), identity, handle, 1, time.Millisecond)
	require.Error(t, err)
	require.Equal(t, OutcomeFailedAfterCommit, outcome)
	require.True(t, recovered)

	// Per the failure model, lookup still returns the new version at
	// this layer — Recovery (internal/recovery) is responsible for
	// rolling the registry back to the prior version using cp.
	h, err := reg.Lookup(identity)
	require.NoError(t, err)
	require.Equal(t, uint64(2), h.Descriptor.VersionNumber)
	reg.Release(identity)
}

func TestSwapABIRejectionsDoNotTripDegradedTrend(t *testing.T) {
	coord, _, _, sched, identity := setup(t)
	coord.SetTrendParams(3, 0.5)

	var degraded []string
	coord.OnDegraded(func(id string) {
		degraded = append(degraded, id)
	})

	for i := 0; i < 3; i++ {
		sched.BeginFrame()
		candidate := testDescriptor("m1--------------", 0x02, uint64(i+2))
		handle := &registry.Handle{Descriptor: candidate}
		outcome, err := coord.Swap(context.Background(), identity, handle, uint64(i+1), time.Millisecond)
		require.Error(t, err)
		require.Equal(t, OutcomeRejectedABI, outcome)
	}

	// ABI rejections are never sampled, so three of them in a row must
	// not trip the estimator.
	require.Empty(t, degraded)
}

func TestSwapAdmissionRejectedOverBudget(t *testing.T) {
	coord, _, _, sched, identity := setup(t)
	sched.BeginFrame()
	sched.AccountOperation(99 * time.Millisecond)

	candidate := testDescriptor("m1--------------", 0x01, 2)
	handle := &registry.Handle{Descriptor: candidate}

	outcome, err := coord.Swap(context.Background(), identity, handle, 1, 5*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, OutcomeRejectedAdmission, outcome)
}
