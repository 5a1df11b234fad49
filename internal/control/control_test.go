package control

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/recovery"
	"github.com/nmxmxh/hmrcore/internal/registry"
	"github.com/nmxmxh/hmrcore/internal/scheduler"
	"github.com/nmxmxh/hmrcore/internal/statemgr"
	"github.com/nmxmxh/hmrcore/internal/swap"
	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

var testSigningKey = []byte("test-signing-key")

func signCommand(t *testing.T, cmd CommandKind, identity string, args map[string]string) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Command:  cmd,
		Identity: identity,
		Args:     args,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSigningKey)
	require.NoError(t, err)
	return signed
}

func setupSurface(t *testing.T) (*Surface, *registry.Registry, string) {
	t.Helper()

	reg := registry.New()
	sm := statemgr.New()
	sched := scheduler.New(100*time.Millisecond, time.Millisecond, 4)
	log := telemetry.DefaultLogger("test")
	coord := swap.New(reg, sm, sched, log)
	orch := recovery.New(reg, sm, log, nil, time.Minute)

	var d artifact.Descriptor
	copy(d.Identity[:], []byte("m1--------------"))
	d.VersionNumber = 1
	e, err := reg.Register(registry.Registration{Descriptor: d})
	require.NoError(t, err)
	for _, st := range []registry.State{registry.Building, registry.Built, registry.Loading, registry.Loaded, registry.Linking, registry.Linked, registry.Initializing, registry.Active} {
		require.NoError(t, e.Transition(st))
	}
	e.Active = &registry.Handle{Descriptor: d}

	surface := New(reg, coord, orch, log, testSigningKey)
	return surface, reg, d.Identity.String()
}

func TestDispatchRejectsBadSignature(t *testing.T) {
	surface, _, identity := setupSurface(t)
	token := signCommand(t, CommandPauseModule, identity, nil)

	other := New(nil, nil, nil, telemetry.DefaultLogger("test"), []byte("wrong-key"))
	_, err := other.Verify(token)
	require.Error(t, err)

	_, err = surface.Verify(token)
	require.NoError(t, err)
}

func TestPauseAndResumeModule(t *testing.T) {
	surface, reg, identity := setupSurface(t)

	token := signCommand(t, CommandPauseModule, identity, nil)
	res, err := surface.Dispatch(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "paused", res.Outcome)

	entry, err := reg.Entry(identity)
	require.NoError(t, err)
	require.Equal(t, registry.Paused, entry.State())

	token = signCommand(t, CommandResumeModule, identity, nil)
	res, err = surface.Dispatch(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "resumed", res.Outcome)
	require.Equal(t, registry.Active, entry.State())
}

func TestRetireModule(t *testing.T) {
	surface, reg, identity := setupSurface(t)

	token := signCommand(t, CommandRetireModule, identity, nil)
	res, err := surface.Dispatch(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "retired", res.Outcome)

	entry, err := reg.Entry(identity)
	require.NoError(t, err)
	require.True(t, entry.State().Terminal())
}

func TestForceRollback(t *testing.T) {
	surface, _, identity := setupSurface(t)

	token := signCommand(t, CommandForceRollback, identity, nil)
	res, err := surface.Dispatch(context.Background(), token)
	require.NoError(t, err)
	require.Contains(t, res.Outcome, "action=")
}

func TestUnknownCommandRejected(t *testing.T) {
	surface, _, identity := setupSurface(t)
	token := signCommand(t, CommandKind("nonsense"), identity, nil)

	_, err := surface.Dispatch(context.Background(), token)
	require.Error(t, err)
}
