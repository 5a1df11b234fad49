// Package runtime assembles the HMR core's collaborator objects into a
// single bounded-lifetime value, replacing the process-wide singletons
// the source used for its registry, metrics, and sandbox pool (spec §9
// "Global mutable state").
package runtime

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nmxmxh/hmrcore/internal/artifact"
	"github.com/nmxmxh/hmrcore/internal/config"
	"github.com/nmxmxh/hmrcore/internal/control"
	"github.com/nmxmxh/hmrcore/internal/loader"
	"github.com/nmxmxh/hmrcore/internal/recovery"
	"github.com/nmxmxh/hmrcore/internal/registry"
	"github.com/nmxmxh/hmrcore/internal/scheduler"
	"github.com/nmxmxh/hmrcore/internal/shutdown"
	"github.com/nmxmxh/hmrcore/internal/statemgr"
	"github.com/nmxmxh/hmrcore/internal/swap"
	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

// Runtime is the top-level value threading every collaborator through
// the process. It owns no global state; every field is an explicit
// object constructed here and handed to whatever needs it.
type Runtime struct {
	Config   config.Runtime
	Log      *telemetry.Logger
	Registry *registry.Registry
	State    *statemgr.StateManager
	Sched    *scheduler.Scheduler
	Loader   *loader.Loader
	Coord    *swap.Coordinator
	Recovery *recovery.Orchestrator
	Control  *control.Surface

	// Metrics exposes the §4.G Prometheus vectors swap, validation, and
	// sandbox samples are recorded against. PromRegistry is the registry
	// they are registered on, held per-Runtime instead of the package
	// default so a process hosting more than one Runtime never collides.
	Metrics      *telemetry.PrometheusMetrics
	PromRegistry *prometheus.Registry

	// Tracer is the swap lifecycle's span provider; nil if it failed to
	// initialize, in which case telemetry.Tracer() falls back to the
	// global no-op provider.
	Tracer *sdktrace.TracerProvider

	shutdown *shutdown.Graceful

	// frame is the logical frame counter driving BeginFrame/EndFrame and
	// checkpoint frame numbers.
	frame uint64

	// criticalDeps maps a module identity to the identities that declare
	// it a critical (non-optional) dependency, feeding recovery's
	// escalation tier.
	criticalDeps map[string][]string
}

// Options configures a Runtime at construction time.
type Options struct {
	Config           config.Runtime
	Logger           *telemetry.Logger
	SigningKey       []byte            // verifies control-surface JWTs
	ArtifactKey      ed25519.PublicKey // verifies module artifact signatures, nil disables verification
	RecoveryCooldown time.Duration
}

// New builds a Runtime with fresh, empty collaborators. Module discovery
// and registration happen afterward via Register/Load.
func New(opts Options) *Runtime {
	log := opts.Logger
	if log == nil {
		log = telemetry.DefaultLogger("hmrcore")
	}
	cooldown := opts.RecoveryCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	reg := registry.New()
	state := statemgr.New()
	margin := time.Duration(float64(opts.Config.FrameBudget) * opts.Config.SwapAdmissionMargin)
	sched := scheduler.New(opts.Config.FrameBudget, margin, int64(opts.Config.WorkerCount))
	coord := swap.New(reg, state, sched, log)

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(promReg)
	coord.SetMetrics(metrics)
	coord.SetTrendParams(opts.Config.TrendWindowSize, opts.Config.TrendDegradeThreshold)

	tp, err := telemetry.NewTracerProvider()
	if err != nil {
		log.Warn("tracer provider initialization failed, swap spans will be dropped", telemetry.Err(err))
		tp = nil
	}

	rt := &Runtime{
		Config:       opts.Config,
		Log:          log,
		Registry:     reg,
		State:        state,
		Sched:        sched,
		Coord:        coord,
		Metrics:      metrics,
		PromRegistry: promReg,
		Tracer:       tp,
		shutdown:     shutdown.New(opts.Config.ShutdownTimeout, log),
		criticalDeps: make(map[string][]string),
	}

	if tp != nil {
		rt.RegisterShutdownHook(func() error {
			return tp.Shutdown(context.Background())
		})
	}

	rt.Recovery = recovery.New(reg, state, log, rt.dependentsOf, cooldown)
	coord.OnRecover(func(identity string, cp *statemgr.Checkpoint, err error) {
		rt.Recovery.Recover(identity, cp, recovery.ReasonPostSwapHookFailure)
	})
	coord.OnDegraded(func(identity string) {
		rt.Recovery.Recover(identity, nil, recovery.ReasonHealthDegraded)
	})

	rt.Loader = loader.New(opts.ArtifactKey)
	rt.Control = control.New(reg, coord, rt.Recovery, log, opts.SigningKey)

	return rt
}

// dependentsOf returns the identities that declared identity as a
// non-optional dependency, used by Recovery's escalation tier.
func (rt *Runtime) dependentsOf(identity string) []string {
	return rt.criticalDeps[identity]
}

// Register discovers a module and records its dependency edges for both
// DependencyOrder and recovery escalation.
func (rt *Runtime) Register(reg registry.Registration) (*registry.Entry, error) {
	for _, dep := range reg.Dependencies {
		if dep.Optional {
			continue
		}
		rt.criticalDeps[dep.Identity] = append(rt.criticalDeps[dep.Identity], reg.Descriptor.Identity.String())
	}
	return rt.Registry.Register(reg)
}

// Load verifies and links a module artifact, producing a Loaded handle
// ready for the Swap Coordinator to activate.
func (rt *Runtime) Load(d artifact.Descriptor, wasmBytes []byte) (*registry.Handle, error) {
	return rt.Loader.Load(d, wasmBytes, rt.Registry, uint64(rt.Config.CapabilityViolationThreshold))
}

// Activate runs a freshly loaded handle through Linking/Linked/
// Initializing/Active, the boot-time counterpart to a hot swap.
func (rt *Runtime) Activate(identity string, h *registry.Handle) error {
	entry, err := rt.Registry.Entry(identity)
	if err != nil {
		return err
	}
	for _, st := range []registry.State{registry.Linking, registry.Linked, registry.Initializing} {
		if err := entry.Transition(st); err != nil {
			return fmt.Errorf("runtime: activate %s: %w", identity, err)
		}
	}
	h.OwnerIdentity = identity
	entry.Active = h
	return entry.Transition(registry.Active)
}

// Tick advances the frame scheduler by one logical frame and returns the
// frame number just opened. Callers drive Accessor/Swap admission calls
// between BeginFrame (done here) and the matching EndFrame.
func (rt *Runtime) Tick() uint64 {
	rt.frame++
	rt.Sched.BeginFrame()
	return rt.frame
}

// EndFrame closes the current frame, blocking until accessor quiescence
// or ctx cancellation.
func (rt *Runtime) EndFrame(ctx context.Context) error {
	return rt.Sched.EndFrame(ctx)
}

// RegisterShutdownHook adds fn to the ordered set run on Shutdown.
func (rt *Runtime) RegisterShutdownHook(fn func() error) {
	rt.shutdown.Register(fn)
}

// Shutdown runs every registered shutdown hook within a bounded timeout.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	return rt.shutdown.Shutdown(ctx)
}
