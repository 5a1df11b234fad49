package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/config"
	"github.com/nmxmxh/hmrcore/internal/registry"
)

func TestNewWiresAllCollaborators(t *testing.T) {
	rt := New(Options{Config: config.Defaults()})

	require.NotNil(t, rt.Registry)
	require.NotNil(t, rt.State)
	require.NotNil(t, rt.Sched)
	require.NotNil(t, rt.Loader)
	require.NotNil(t, rt.Coord)
	require.NotNil(t, rt.Recovery)
	require.NotNil(t, rt.Control)
}

func TestRegisterTracksCriticalDependents(t *testing.T) {
	rt := New(Options{Config: config.Defaults()})

	var base artifact.Descriptor
	copy(base.Identity[:], []byte("base------------"))
	_, err := rt.Register(registry.Registration{Descriptor: base})
	require.NoError(t, err)

	var dependent artifact.Descriptor
	copy(dependent.Identity[:], []byte("dependent-------"))
	_, err = rt.Register(registry.Registration{
		Descriptor:   dependent,
		Dependencies: []registry.Dependency{{Identity: base.Identity.String(), Optional: false}},
	})
	require.NoError(t, err)

	deps := rt.dependentsOf(base.Identity.String())
	require.Equal(t, []string{dependent.Identity.String()}, deps)
}

func TestTickOpensAndEndFrameClosesScheduler(t *testing.T) {
	rt := New(Options{Config: config.Defaults()})

	frame := rt.Tick()
	require.Equal(t, uint64(1), frame)
	require.NoError(t, rt.EndFrame(context.Background()))
}
