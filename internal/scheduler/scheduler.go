// Package scheduler owns the notion of a frame: accessor admission,
// per-frame HMR budget accounting, and swap admission (spec §4.E).
// Scheduling is cooperative and single-authority — driven by the
// application loop, never by preemption.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
)

// SwapRequest describes one candidate swap awaiting admission.
type SwapRequest struct {
	ModuleID              string
	MigrationCostEstimate time.Duration
}

// backoffCap bounds how many consecutive frames a swap request may be
// re-queued before the caller should give up.
const backoffCap = 8

// Scheduler owns the current frame's accessor gate and HMR time budget.
type Scheduler struct {
	frameBudget  time.Duration
	safetyMargin time.Duration

	mu            sync.Mutex
	accounted     time.Duration
	accessorCount int64
	pendingSwaps  map[string]bool
	backoff       map[string]int

	// accessorSem bounds concurrent frame workers; accessor-enter blocks
	// past this width. End-frame observes quiescence through frameDone,
	// which the last accessor-exit closes.
	accessorSem *semaphore.Weighted

	frameOpen bool
	frameDone chan struct{}
}

// New creates a scheduler with the given per-frame HMR budget, safety
// margin held back from admission, and maximum concurrent frame workers.
func New(frameBudget, safetyMargin time.Duration, maxWorkers int64) *Scheduler {
	return &Scheduler{
		frameBudget:  frameBudget,
		safetyMargin: safetyMargin,
		pendingSwaps: make(map[string]bool),
		backoff:      make(map[string]int),
		accessorSem:  semaphore.NewWeighted(maxWorkers),
	}
}

// BeginFrame resets per-frame accounting and opens the accessor gate.
func (s *Scheduler) BeginFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounted = 0
	s.frameOpen = true
	s.frameDone = make(chan struct{})
}

// AccessorEnter admits one frame worker, blocking if the configured
// worker width is saturated.
func (s *Scheduler) AccessorEnter(ctx context.Context) error {
	if err := s.accessorSem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	s.accessorCount++
	s.mu.Unlock()
	return nil
}

// AccessorExit releases one frame worker's slot.
func (s *Scheduler) AccessorExit() {
	s.mu.Lock()
	s.accessorCount--
	n := s.accessorCount
	s.mu.Unlock()
	s.accessorSem.Release(1)

	if n == 0 {
		s.mu.Lock()
		if s.frameDone != nil {
			select {
			case <-s.frameDone:
			default:
				close(s.frameDone)
			}
		}
		s.mu.Unlock()
	}
}

// EndFrame blocks until the accessor count reaches zero, or ctx is
// cancelled first, then closes the frame.
func (s *Scheduler) EndFrame(ctx context.Context) error {
	s.mu.Lock()
	count := s.accessorCount
	done := s.frameDone
	s.mu.Unlock()

	if count > 0 && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.frameOpen = false
	s.mu.Unlock()
	return nil
}

// AccountOperation reports elapsed time spent on an HMR operation (state
// manager, swap, sandbox, telemetry) against the current frame's budget.
func (s *Scheduler) AccountOperation(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounted += elapsed
}

// remainingBudget returns the frame budget left after accounted work,
// caller must hold s.mu.
func (s *Scheduler) remainingBudgetLocked() time.Duration {
	remaining := s.frameBudget - s.accounted
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AdmitSwap evaluates a swap request against the remaining frame budget
// and re-entrancy rules. Admitted requests clear the module's backoff
// counter; rejected requests increment it and report whether the caller
// should give up (backoff exhausted).
func (s *Scheduler) AdmitSwap(req SwapRequest) (admitted bool, giveUp bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingSwaps[req.ModuleID] {
		return false, false, fmt.Errorf("%w: swap already pending for %s", hmrerrors.ErrNotAdmitted, req.ModuleID)
	}

	needed := req.MigrationCostEstimate + s.safetyMargin
	if s.remainingBudgetLocked() < needed {
		s.backoff[req.ModuleID]++
		if s.backoff[req.ModuleID] >= backoffCap {
			delete(s.backoff, req.ModuleID)
			return false, true, hmrerrors.ErrNotAdmitted
		}
		return false, false, hmrerrors.ErrNotAdmitted
	}

	s.pendingSwaps[req.ModuleID] = true
	delete(s.backoff, req.ModuleID)
	return true, false, nil
}

// RejectSwap clears a module's pending-swap marker without admitting it,
// used when an admitted swap is later discarded (e.g. ABI check failed
// after admission accounting was reserved).
func (s *Scheduler) RejectSwap(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingSwaps, moduleID)
}

// CompleteSwap clears a module's pending-swap marker after a swap
// finishes, successfully or not.
func (s *Scheduler) CompleteSwap(moduleID string) {
	s.RejectSwap(moduleID)
}

// AccessorCount reports the current frame's in-flight accessor count.
func (s *Scheduler) AccessorCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessorCount
}
