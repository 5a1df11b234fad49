// Package recovery implements the rollback -> quarantine -> escalate
// policy for swap and health failures (spec §4.H).
package recovery

import (
	"sync"
	"time"

	"github.com/nmxmxh/hmrcore/internal/registry"
	"github.com/nmxmxh/hmrcore/internal/statemgr"
	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

// Reason classifies the event that triggered recovery.
type Reason int

const (
	ReasonPostSwapHookFailure Reason = iota
	ReasonChunkCorruption
	ReasonCapabilityViolation
	// ReasonHealthDegraded fires when §4.G's trend estimator crosses its
	// threshold on a module's blended failure/corruption/violation
	// samples, ahead of any single event crossing its own hard limit.
	ReasonHealthDegraded
)

func (r Reason) String() string {
	switch r {
	case ReasonPostSwapHookFailure:
		return "post_swap_hook_failure"
	case ReasonChunkCorruption:
		return "chunk_corruption"
	case ReasonCapabilityViolation:
		return "capability_violation"
	case ReasonHealthDegraded:
		return "health_degraded"
	default:
		return "unknown"
	}
}

// Action reports which tier of the recovery policy actually ran.
type Action int

const (
	ActionRolledBack Action = iota
	ActionQuarantined
	ActionEscalated
)

// Dependents resolves the modules that declare a critical dependency on
// a given identity, used by Escalate.
type Dependents func(identity string) []string

// Orchestrator runs the recovery policy: rollback, then quarantine, then
// escalate. It is idempotent: re-entry for an identity already under
// in-flight recovery returns ActionQuarantined immediately without
// running any tier again.
type Orchestrator struct {
	reg   *registry.Registry
	state *statemgr.StateManager
	log   *telemetry.Logger

	dependents Dependents
	cooldown   time.Duration

	mu            sync.Mutex
	inFlight      map[string]bool
	cooldownUntil map[string]time.Time
}

// New creates a recovery orchestrator. dependents resolves declared
// critical dependents for Escalate; cooldown bounds how long a
// quarantined module is kept non-admittable for future swaps.
func New(reg *registry.Registry, state *statemgr.StateManager, log *telemetry.Logger, dependents Dependents, cooldown time.Duration) *Orchestrator {
	return &Orchestrator{
		reg:           reg,
		state:         state,
		log:           log,
		dependents:    dependents,
		cooldown:      cooldown,
		inFlight:      make(map[string]bool),
		cooldownUntil: make(map[string]time.Time),
	}
}

// Admittable reports whether identity may currently be the target of a
// new swap proposal — false while its quarantine cooldown is active.
func (o *Orchestrator) Admittable(identity string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	until, ok := o.cooldownUntil[identity]
	return !ok || time.Now().After(until)
}

// Recover runs the recovery policy for identity. cp is the checkpoint
// taken before the failed operation, or nil if none exists (forcing
// straight to quarantine).
func (o *Orchestrator) Recover(identity string, cp *statemgr.Checkpoint, reason Reason) Action {
	o.mu.Lock()
	if o.inFlight[identity] {
		o.mu.Unlock()
		return ActionQuarantined // a recovery is already running; idempotent re-entry
	}
	o.inFlight[identity] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inFlight, identity)
		o.mu.Unlock()
	}()

	o.log.Warn("recovery triggered", telemetry.String("module", identity), telemetry.String("reason", reason.String()))

	if action, ok := o.tryRollback(identity, cp); ok {
		return action
	}

	o.quarantine(identity)
	return o.tryEscalate(identity)
}

// tryRollback attempts tier 1: restore cp and revert the registry's
// active handle to the previous version-history entry.
func (o *Orchestrator) tryRollback(identity string, cp *statemgr.Checkpoint) (Action, bool) {
	if cp == nil {
		return 0, false
	}

	entry, err := o.reg.Entry(identity)
	if err != nil {
		return 0, false
	}

	history := entry.History()
	if len(history) == 0 {
		return 0, false
	}

	if err := o.state.Rollback(cp); err != nil {
		return 0, false
	}

	prior := history[len(history)-1]
	entry.Active = &registry.Handle{Descriptor: prior}
	entry.Pending = nil
	if err := entry.Transition(registry.Active); err != nil {
		// already Active from the failed swap's perspective; not fatal
	}

	o.log.Info("recovery rolled back", telemetry.String("module", identity), telemetry.Uint64("version", prior.VersionNumber))
	return ActionRolledBack, true
}

// quarantine runs tier 2: move the module to Error and mark it
// non-admittable for the cooldown interval.
func (o *Orchestrator) quarantine(identity string) {
	entry, err := o.reg.Entry(identity)
	if err == nil {
		entry.Transition(registry.Error)
	}

	o.mu.Lock()
	o.cooldownUntil[identity] = time.Now().Add(o.cooldown)
	o.mu.Unlock()

	o.log.Warn("module quarantined", telemetry.String("module", identity), telemetry.Duration("cooldown", o.cooldown))
}

// tryEscalate runs tier 3: if identity is a critical dependency of other
// modules, signal cascading shutdown by retiring those dependents, then
// identity itself.
func (o *Orchestrator) tryEscalate(identity string) Action {
	if o.dependents == nil {
		return ActionQuarantined
	}

	dependents := o.dependents(identity)
	if len(dependents) == 0 {
		return ActionQuarantined
	}

	for _, dep := range dependents {
		if err := o.reg.Retire(dep); err != nil {
			o.log.Error("escalation: failed to retire dependent", telemetry.String("module", dep), telemetry.Err(err))
		}
	}
	if err := o.reg.Retire(identity); err != nil {
		o.log.Error("escalation: failed to retire quarantined module", telemetry.String("module", identity), telemetry.Err(err))
	}

	o.log.Warn("escalated cascading shutdown", telemetry.String("module", identity), telemetry.Int("dependents", len(dependents)))
	return ActionEscalated
}
