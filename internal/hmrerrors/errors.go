// Package hmrerrors defines the exhaustive error taxonomy for the HMR core
// (spec §7). Components return these sentinels, wrapped with context via
// fmt.Errorf("%w", ...), so callers can branch with errors.Is.
package hmrerrors

import (
	"errors"
	"fmt"
)

// Identity errors.
var (
	ErrUnknownModule  = errors.New("hmrcore: unknown module")
	ErrVersionConflict = errors.New("hmrcore: candidate already proposed")
)

// Loading errors.
var (
	ErrSignatureInvalid = errors.New("hmrcore: artifact signature invalid")
	ErrSymbolUnresolved = errors.New("hmrcore: exported symbol unresolved")
	ErrLayoutMismatch   = errors.New("hmrcore: declared layout does not match artifact")
	ErrSelfCheckFailed  = errors.New("hmrcore: module self-check failed")
	ErrLoadTimeout      = errors.New("hmrcore: load or link exceeded timeout")
)

// Compatibility errors.
var (
	ErrAbiIncompatible      = errors.New("hmrcore: abi signature incompatible")
	ErrCapabilityEscalation = errors.New("hmrcore: candidate requests ungranted capabilities")
)

// Update errors.
var (
	ErrUpdateInFlight = errors.New("hmrcore: update already in flight")
	ErrNoUpdate       = errors.New("hmrcore: commit without a preceding begin-update")
	ErrCorrupted      = errors.New("hmrcore: chunk checksum mismatch")
)

// Swap errors.
var (
	ErrNotAdmitted        = errors.New("hmrcore: swap not admitted this frame")
	ErrBusyUpdate         = errors.New("hmrcore: module update in flight")
	ErrPostSwapHookFailed = errors.New("hmrcore: post-swap hook failed")
)

// Sandbox errors.
var (
	ErrOutOfArena        = errors.New("hmrcore: arena exhausted")
	ErrCapabilityMissing = errors.New("hmrcore: capability not granted")
	ErrBoundsViolation   = errors.New("hmrcore: access escapes declared bounds")
	ErrQuotaExceeded     = errors.New("hmrcore: resource quota exceeded")
)

// Lifecycle errors.
var (
	ErrIllegalTransition  = errors.New("hmrcore: illegal lifecycle transition")
	ErrNotActive          = errors.New("hmrcore: module is not active")
	ErrModuleQuarantined  = errors.New("hmrcore: module is quarantined")
)

// Recovery errors.
var (
	ErrNoCheckpoint   = errors.New("hmrcore: no checkpoint available for rollback")
	ErrRollbackFailed = errors.New("hmrcore: rollback failed")
)

// Wrap attaches additional context to a sentinel error while keeping it
// matchable via errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
