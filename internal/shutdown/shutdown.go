// Package shutdown provides an ordered, timeout-bounded shutdown helper
// ported from the original kernel's graceful-shutdown manager.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nmxmxh/hmrcore/internal/telemetry"
)

// Graceful manages graceful shutdown of the runtime's collaborators.
// Registered functions run in LIFO order so the last component brought up
// is the first one torn down.
type Graceful struct {
	mu      sync.Mutex
	fns     []func() error
	timeout time.Duration
	logger  *telemetry.Logger
}

// New creates a shutdown manager bounded by timeout.
func New(timeout time.Duration, logger *telemetry.Logger) *Graceful {
	if logger == nil {
		logger = telemetry.DefaultLogger("shutdown")
	}
	return &Graceful{timeout: timeout, logger: logger}
}

// Register adds a shutdown function, run before everything registered
// before it.
func (g *Graceful) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fns = append(g.fns, fn)
}

// Shutdown runs every registered function one at a time in reverse
// registration order, bounded by the configured timeout.
func (g *Graceful) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", telemetry.Int("components", len(g.fns)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	fns := g.fns
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.logger.Error("shutdown function failed", telemetry.Int("index", i), telemetry.Err(err))
			}
		}
	}()

	select {
	case <-done:
		g.logger.Info("graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return errors.New("shutdown: timed out waiting for components")
	}
}
