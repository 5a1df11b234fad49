package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccessorEnterExitQuiescence(t *testing.T) {
	s := New(16*time.Millisecond, 1*time.Millisecond, 4)
	s.BeginFrame()

	ctx := context.Background()
	require.NoError(t, s.AccessorEnter(ctx))
	require.Equal(t, int64(1), s.AccessorCount())

	s.AccessorExit()
	require.Equal(t, int64(0), s.AccessorCount())

	endCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.EndFrame(endCtx))
}

func TestAdmitSwapRespectsBudget(t *testing.T) {
	s := New(10*time.Millisecond, 1*time.Millisecond, 4)
	s.BeginFrame()

	admitted, giveUp, err := s.AdmitSwap(SwapRequest{ModuleID: "m1", MigrationCostEstimate: 5 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, admitted)
	require.False(t, giveUp)
}

func TestAdmitSwapRejectsOverBudget(t *testing.T) {
	s := New(5*time.Millisecond, 1*time.Millisecond, 4)
	s.BeginFrame()

	admitted, giveUp, err := s.AdmitSwap(SwapRequest{ModuleID: "m1", MigrationCostEstimate: 10 * time.Millisecond})
	require.Error(t, err)
	require.False(t, admitted)
	require.False(t, giveUp)
}

func TestAdmitSwapRejectsDoublePending(t *testing.T) {
	s := New(16*time.Millisecond, 1*time.Millisecond, 4)
	s.BeginFrame()

	admitted, _, err := s.AdmitSwap(SwapRequest{ModuleID: "m1", MigrationCostEstimate: 1 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, admitted)

	_, _, err = s.AdmitSwap(SwapRequest{ModuleID: "m1", MigrationCostEstimate: 1 * time.Millisecond})
	require.Error(t, err)
}

func TestAdmitSwapBackoffExhaustion(t *testing.T) {
	s := New(1*time.Millisecond, 1*time.Millisecond, 4)

	var lastGiveUp bool
	for i := 0; i < backoffCap+1; i++ {
		s.BeginFrame()
		_, giveUp, err := s.AdmitSwap(SwapRequest{ModuleID: "m1", MigrationCostEstimate: 10 * time.Millisecond})
		require.Error(t, err)
		lastGiveUp = giveUp
		if giveUp {
			break
		}
	}
	require.True(t, lastGiveUp)
}

func TestAccountOperationConsumesBudget(t *testing.T) {
	s := New(10*time.Millisecond, 1*time.Millisecond, 4)
	s.BeginFrame()
	s.AccountOperation(8 * time.Millisecond)

	_, _, err := s.AdmitSwap(SwapRequest{ModuleID: "m1", MigrationCostEstimate: 5 * time.Millisecond})
	require.Error(t, err)
}
