// Package swap drives a module through its hot-swap lifecycle: the
// 8-step atomic swap protocol of spec §4.D.
package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
	"github.com/nmxmxh/hmrcore/internal/registry"
	"github.com/nmxmxh/hmrcore/internal/scheduler"
	"github.com/nmxmxh/hmrcore/internal/statemgr"
	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

// defaultTrendWindow and defaultTrendThreshold seed a module's trend
// estimator until SetTrendParams overrides them (normally from
// config.Runtime's TrendWindowSize/TrendDegradeThreshold).
const (
	defaultTrendWindow    = 32
	defaultTrendThreshold = 0.75
)

// MigrateExport and PostSwapExport are the optional exports a candidate
// module may provide. Their absence means identity migration / no
// post-swap hook, per spec §4.D step 3.
const (
	MigrateExport  = "migrate_state"
	PostSwapExport = "post_swap"
)

// Outcome reports how one swap attempt concluded, for telemetry and
// Recovery.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeRejectedAdmission
	OutcomeRejectedABI
	OutcomeFailedBeforeCommit
	OutcomeFailedAfterCommit
)

// Coordinator runs the atomic swap protocol for a set of modules sharing
// one registry, state manager, and scheduler.
type Coordinator struct {
	reg   *registry.Registry
	state *statemgr.StateManager
	sched *scheduler.Scheduler
	log   *telemetry.Logger
	ring  map[string]*telemetry.Ring

	metrics *telemetry.PrometheusMetrics

	trendMu        sync.Mutex
	trend          map[string]*telemetry.TrendEstimator
	trendWindow    int
	trendThreshold float64
	lastViolations map[string]uint64

	// onRecover is invoked for failures at or after step 6, per the
	// failure model: such failures require Recovery, not a local
	// best-effort rollback.
	onRecover func(identity string, cp *statemgr.Checkpoint, err error)

	// onDegraded is invoked when a module's trend estimator crosses its
	// threshold on the blended swap/validation/violation samples fed by
	// observe (spec §4.G's predictive signal, consumed by §4.H).
	onDegraded func(identity string)
}

// New creates a swap coordinator over the given collaborators.
func New(reg *registry.Registry, state *statemgr.StateManager, sched *scheduler.Scheduler, log *telemetry.Logger) *Coordinator {
	return &Coordinator{
		reg:            reg,
		state:          state,
		sched:          sched,
		log:            log,
		ring:           make(map[string]*telemetry.Ring),
		trend:          make(map[string]*telemetry.TrendEstimator),
		trendWindow:    defaultTrendWindow,
		trendThreshold: defaultTrendThreshold,
		lastViolations: make(map[string]uint64),
	}
}

// OnRecover installs the callback invoked when a swap fails at or after
// the atomic handle exchange (step 6).
func (c *Coordinator) OnRecover(fn func(identity string, cp *statemgr.Checkpoint, err error)) {
	c.onRecover = fn
}

// OnDegraded installs the callback invoked when a module's trend
// estimator flags sustained degradation (spec §4.G -> §4.H).
func (c *Coordinator) OnDegraded(fn func(identity string)) {
	c.onDegraded = fn
}

// SetMetrics attaches the Prometheus metric set every sampled swap,
// validation, and violation event is recorded against.
func (c *Coordinator) SetMetrics(m *telemetry.PrometheusMetrics) {
	c.metrics = m
}

// SetTrendParams configures the window size and degrade threshold new
// per-module trend estimators are created with.
func (c *Coordinator) SetTrendParams(windowSize int, threshold float64) {
	c.trendWindow = windowSize
	c.trendThreshold = threshold
}

// observe feeds one sample (1 = bad, 0 = good) into identity's trend
// estimator and calls onDegraded after every sample that leaves the
// moving average at or above the degrade threshold; repeated samples
// while the average stays there notify again each time.
func (c *Coordinator) observe(identity string, sample float64) {
	c.trendMu.Lock()
	t, ok := c.trend[identity]
	if !ok {
		t = telemetry.NewTrendEstimator(c.trendWindow, c.trendThreshold)
		c.trend[identity] = t
	}
	c.trendMu.Unlock()

	if _, degraded := t.Observe(sample); degraded && c.onDegraded != nil {
		c.onDegraded(identity)
	}
}

func boolSample(bad bool) float64 {
	if bad {
		return 1
	}
	return 0
}

// ringFor returns (creating if needed) the telemetry ring for identity.
func (c *Coordinator) ringFor(identity string, capacity int) *telemetry.Ring {
	r, ok := c.ring[identity]
	if !ok {
		r = telemetry.NewRing(capacity)
		c.ring[identity] = r
	}
	return r
}

// Swap runs the full atomic swap protocol for identity against candidate,
// at logical frame. migrationCost is the candidate's declared migration
// cost estimate, used for scheduler admission. The protocol is traced as
// a root "swap" span with child spans admit, checkpoint, migrate, commit,
// post_swap and validate, so the §4.G degradation signal can be
// correlated against trace data.
func (c *Coordinator) Swap(ctx context.Context, identity string, candidate *registry.Handle, frame uint64, migrationCost time.Duration) (Outcome, error) {
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "swap",
		trace.WithAttributes(attribute.String("module", identity), attribute.Int64("frame", int64(frame))))
	defer span.End()

	fail := func(outcome Outcome, err error) (Outcome, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}

	// Step 1: ask the scheduler for an admitted window.
	_, admitSpan := telemetry.Tracer().Start(ctx, "admit")
	admitted, giveUp, err := c.sched.AdmitSwap(scheduler.SwapRequest{ModuleID: identity, MigrationCostEstimate: migrationCost})
	admitSpan.End()
	if !admitted {
		if giveUp {
			c.log.Warn("swap admission backoff exhausted", telemetry.String("module", identity))
		}
		return OutcomeRejectedAdmission, err
	}
	defer c.sched.CompleteSwap(identity)

	// Step 2: checkpoint current state. BusyUpdate means an update is
	// in flight; the caller should retry next frame.
	_, cpSpan := telemetry.Tracer().Start(ctx, "checkpoint")
	cp, err := c.state.CreateCheckpoint(identity, frame)
	cpSpan.End()
	if err != nil {
		c.sched.RejectSwap(identity)
		c.recordSwapFailure(identity)
		return fail(OutcomeFailedBeforeCommit, err)
	}

	// Step 3: run the candidate's declared migration, identity if none.
	if migrate, ok := candidate.Lookup(MigrateExport); ok {
		_, migrateSpan := telemetry.Tracer().Start(ctx, "migrate")
		_, err := migrate(identity)
		migrateSpan.End()
		if err != nil {
			c.recordSwapFailure(identity)
			return fail(OutcomeFailedBeforeCommit, hmrerrors.Wrap(err, "migration failed"))
		}
	}

	// Step 4: mutate the registry — entry enters HotSwapping, pending
	// handle set. ProposeCandidate itself checks ABI compatibility and
	// capability escalation. ABI/capability rejections are a caller
	// version-compatibility mismatch, not an operational failure, so
	// they are not sampled into the trend estimator.
	if err := c.reg.ProposeCandidate(identity, candidate); err != nil {
		return fail(OutcomeRejectedABI, err)
	}
	entry, err := c.reg.Entry(identity)
	if err != nil {
		c.recordSwapFailure(identity)
		return fail(OutcomeFailedBeforeCommit, err)
	}
	if err := entry.Transition(registry.HotSwapping); err != nil {
		c.reg.RevertCandidate(identity)
		c.recordSwapFailure(identity)
		return fail(OutcomeFailedBeforeCommit, err)
	}

	// Step 5: wait for the accessor counter to reach zero. The frame
	// scheduler guarantees this happens at the frame boundary.
	if err := c.sched.EndFrame(ctx); err != nil {
		c.reg.RevertCandidate(identity)
		entry.Transition(registry.Active)
		c.recordSwapFailure(identity)
		return fail(OutcomeFailedBeforeCommit, err)
	}

	// Step 6: the atomic handle exchange. Past this point, failures
	// require Recovery rather than a local discard.
	_, commitSpan := telemetry.Tracer().Start(ctx, "commit")
	err = c.reg.CommitCandidate(identity)
	commitSpan.End()
	if err != nil {
		c.reg.RevertCandidate(identity)
		entry.Transition(registry.Active)
		c.recordSwapFailure(identity)
		return fail(OutcomeFailedBeforeCommit, err)
	}

	// Step 7: invoke the candidate's post-swap hook under the
	// accessor-counter-held-at-zero invariant.
	if hook, ok := candidate.Lookup(PostSwapExport); ok {
		_, hookSpan := telemetry.Tracer().Start(ctx, "post_swap")
		_, err := hook()
		hookSpan.End()
		if err != nil {
			c.recordSwapFailure(identity)
			if c.onRecover != nil {
				c.onRecover(identity, cp, err)
			}
			return fail(OutcomeFailedAfterCommit, hmrerrors.Wrap(hmrerrors.ErrPostSwapHookFailed, err.Error()))
		}
	}

	// Step 8: commit.
	if err := entry.Transition(registry.Active); err != nil {
		c.recordSwapFailure(identity)
		return fail(OutcomeFailedAfterCommit, err)
	}

	c.recordSwapSuccess(identity, time.Since(start))
	c.postSwapChecks(ctx, identity)
	return OutcomeCommitted, nil
}

func (c *Coordinator) recordSwapSuccess(identity string, elapsed time.Duration) {
	c.sched.AccountOperation(elapsed)
	c.ringFor(identity, 256).Push(telemetry.Record{
		Timestamp: time.Now(),
		Metric:    telemetry.MetricSwapCount,
		Value:     1,
	})
	if c.metrics != nil {
		c.metrics.SwapCount.WithLabelValues(identity).Inc()
	}
	c.observe(identity, boolSample(false))
}

func (c *Coordinator) recordSwapFailure(identity string) {
	c.ringFor(identity, 256).Push(telemetry.Record{
		Timestamp: time.Now(),
		Metric:    telemetry.MetricSwapFailureCount,
		Value:     1,
		Aux:       "swap_failure",
	})
	if c.metrics != nil {
		c.metrics.SwapFailureCount.WithLabelValues(identity).Inc()
	}
	c.observe(identity, boolSample(true))
}

// postSwapChecks runs after every committed swap: it revalidates the
// module's chunk checksums (spec §4.C corruption detection) and samples
// its sandbox's violation and memory trend, feeding both into the
// Prometheus vectors and the shared trend estimator alongside the swap
// outcome samples already recorded by recordSwapSuccess.
func (c *Coordinator) postSwapChecks(ctx context.Context, identity string) {
	_, span := telemetry.Tracer().Start(ctx, "validate")
	defer span.End()

	vStart := time.Now()
	results := c.state.Validate(identity)
	elapsed := time.Since(vStart)
	if c.metrics != nil {
		c.metrics.ValidationTime.WithLabelValues(identity).Observe(elapsed.Seconds())
	}

	corrupted := false
	for _, r := range results {
		if r.Corrupted && !r.Restored {
			corrupted = true
		}
	}
	c.observe(identity, boolSample(corrupted))

	h, err := c.reg.Lookup(identity)
	if err != nil {
		return
	}
	defer c.reg.Release(identity)
	if h.Sandbox == nil {
		return
	}

	if c.metrics != nil {
		c.metrics.MemoryInUse.WithLabelValues(identity).Set(float64(h.Sandbox.MemoryInUse()))
	}

	violations := h.Sandbox.Violations()
	c.trendMu.Lock()
	delta := violations - c.lastViolations[identity]
	c.lastViolations[identity] = violations
	c.trendMu.Unlock()

	if delta > 0 && c.metrics != nil {
		c.metrics.CapabilityViolations.WithLabelValues(identity).Add(float64(delta))
	}
	c.observe(identity, boolSample(delta > 0))
}

// LoadTimeout aborts a swap stuck in Loading or Linking, per spec §4.E
// cancellation rules: a swap in HotSwapping cannot be cancelled this
// way, it must complete or be recovered.
func (c *Coordinator) LoadTimeout(identity string) error {
	entry, err := c.reg.Entry(identity)
	if err != nil {
		return err
	}
	switch entry.State() {
	case registry.Loading, registry.Linking:
		return entry.Transition(registry.Error)
	default:
		return fmt.Errorf("swap: %s is not in a cancellable loading state (state=%s)", identity, entry.State())
	}
}
