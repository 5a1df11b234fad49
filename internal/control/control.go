// Package control implements the JWT-checked command surface of spec §6:
// pause-module, resume-module, retire-module, propose-candidate,
// force-rollback, set-capability-threshold. The core only verifies
// bearer tokens issued by an external authority; it never issues them
// (token issuance is explicitly out of scope).
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nmxmxh/hmrcore/internal/hmrerrors"
	"github.com/nmxmxh/hmrcore/internal/recovery"
	"github.com/nmxmxh/hmrcore/internal/registry"
	"github.com/nmxmxh/hmrcore/internal/swap"
	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

// CommandKind names one of the six control-surface commands from §6.
type CommandKind string

const (
	CommandPauseModule            CommandKind = "pause-module"
	CommandResumeModule           CommandKind = "resume-module"
	CommandRetireModule           CommandKind = "retire-module"
	CommandProposeCandidate       CommandKind = "propose-candidate"
	CommandForceRollback          CommandKind = "force-rollback"
	CommandSetCapabilityThreshold CommandKind = "set-capability-threshold"
)

// Claims is the JWT payload the external control plane is expected to
// issue: the command to run, the target module identity, and any
// command-specific arguments.
type Claims struct {
	jwt.RegisteredClaims
	Command  CommandKind       `json:"cmd"`
	Identity string            `json:"identity"`
	Args     map[string]string `json:"args,omitempty"`
}

// Result reports the outcome of a verified command.
type Result struct {
	Command  CommandKind
	Identity string
	Outcome  string
}

// Surface dispatches verified commands against the running collaborators.
// It holds no state of its own beyond its signing key and command log;
// all mutation happens through the registry, swap coordinator, and
// recovery orchestrator it was built with.
type Surface struct {
	reg   *registry.Registry
	coord *swap.Coordinator
	orch  *recovery.Orchestrator
	log   *telemetry.Logger

	signingKey []byte
}

// New creates a control surface. signingKey verifies command JWTs; it is
// the same shared secret the external issuer signs with (per §6, the
// core never issues tokens itself, only verifies them).
func New(reg *registry.Registry, coord *swap.Coordinator, orch *recovery.Orchestrator, log *telemetry.Logger, signingKey []byte) *Surface {
	return &Surface{reg: reg, coord: coord, orch: orch, log: log, signingKey: signingKey}
}

// Verify parses and validates a command token, returning its claims.
func (s *Surface) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("control: unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, hmrerrors.Wrap(err, "control: token verification failed")
	}
	if !parsed.Valid {
		return nil, hmrerrors.Wrap(hmrerrors.ErrSignatureInvalid, "control: token rejected")
	}
	return claims, nil
}

// Dispatch verifies token and runs the command it carries.
func (s *Surface) Dispatch(ctx context.Context, token string) (Result, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, claims)
}

func (s *Surface) run(ctx context.Context, claims *Claims) (Result, error) {
	res := Result{Command: claims.Command, Identity: claims.Identity}

	switch claims.Command {
	case CommandPauseModule:
		return res, s.pauseModule(claims.Identity, &res)
	case CommandResumeModule:
		return res, s.resumeModule(claims.Identity, &res)
	case CommandRetireModule:
		return res, s.retireModule(claims.Identity, &res)
	case CommandProposeCandidate:
		return res, s.proposeCandidate(ctx, claims, &res)
	case CommandForceRollback:
		return res, s.forceRollback(claims.Identity, &res)
	case CommandSetCapabilityThreshold:
		return res, s.setCapabilityThreshold(claims, &res)
	default:
		return res, fmt.Errorf("control: unknown command %q", claims.Command)
	}
}

func (s *Surface) pauseModule(identity string, res *Result) error {
	entry, err := s.reg.Entry(identity)
	if err != nil {
		return err
	}
	if err := entry.Transition(registry.Pausing); err != nil {
		return err
	}
	if err := entry.Transition(registry.Paused); err != nil {
		return err
	}
	res.Outcome = "paused"
	return nil
}

func (s *Surface) resumeModule(identity string, res *Result) error {
	entry, err := s.reg.Entry(identity)
	if err != nil {
		return err
	}
	if err := entry.Transition(registry.Resuming); err != nil {
		return err
	}
	if err := entry.Transition(registry.Active); err != nil {
		return err
	}
	res.Outcome = "resumed"
	return nil
}

func (s *Surface) retireModule(identity string, res *Result) error {
	if err := s.reg.Retire(identity); err != nil {
		return err
	}
	res.Outcome = "retired"
	return nil
}

// proposeCandidate admits a swap using the coordinator's full 8-step
// protocol. migration_cost_ms is an optional arg (defaults to zero,
// meaning the caller expects an identity migration).
func (s *Surface) proposeCandidate(ctx context.Context, claims *Claims, res *Result) error {
	if s.orch != nil && !s.orch.Admittable(claims.Identity) {
		return fmt.Errorf("control: %s is under recovery cooldown", claims.Identity)
	}

	entry, err := s.reg.Entry(claims.Identity)
	if err != nil {
		return err
	}
	if entry.Active == nil {
		return hmrerrors.ErrNotActive
	}

	candidate := &registry.Handle{Descriptor: entry.Active.Descriptor}
	frame, migrationCost := parseSwapArgs(claims.Args)

	outcome, err := s.coord.Swap(ctx, claims.Identity, candidate, frame, migrationCost)
	res.Outcome = fmt.Sprintf("outcome=%d", outcome)
	return err
}

func (s *Surface) forceRollback(identity string, res *Result) error {
	action := s.orch.Recover(identity, nil, recovery.ReasonCapabilityViolation)
	res.Outcome = fmt.Sprintf("action=%v", action)
	return nil
}

// setCapabilityThreshold acknowledges and logs the command. It does not
// change any sandbox's violation quarantine threshold: a sandbox's
// threshold is fixed when the sandbox is created.
func (s *Surface) setCapabilityThreshold(claims *Claims, res *Result) error {
	s.log.Info("set-capability-threshold accepted (threshold is fixed at module load time)",
		telemetry.String("module", claims.Identity), telemetry.Any("args", claims.Args))
	res.Outcome = "acknowledged"
	return nil
}

func parseSwapArgs(args map[string]string) (frame uint64, cost time.Duration) {
	if args == nil {
		return 0, 0
	}
	if v, ok := args["migration_cost_ms"]; ok {
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil {
			cost = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := args["frame"]; ok {
		var f uint64
		if _, err := fmt.Sscanf(v, "%d", &f); err == nil {
			frame = f
		}
	}
	return frame, cost
}
