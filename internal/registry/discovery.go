package registry

import (
	"context"
	"sync"
	"sync/atomic"
)

// discoveryEpoch is a monotonic counter bumped on every Register, paired
// with a broadcast condition so a long-running watcher can block
// efficiently for the next registration instead of polling. Adapted from
// the teacher's registry-epoch discovery loop, which blocked on
// Atomics.wait against a shared-memory epoch index; here the same idea
// is expressed with a Go condition variable since there is no shared
// memory boundary to cross.
type discoveryEpoch struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value atomic.Uint64
}

func newDiscoveryEpoch() *discoveryEpoch {
	d := &discoveryEpoch{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *discoveryEpoch) bump() {
	d.mu.Lock()
	d.value.Add(1)
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *discoveryEpoch) current() uint64 {
	return d.value.Load()
}

// waitSince blocks until the epoch advances past since, or ctx is
// cancelled, returning the epoch observed.
func (d *discoveryEpoch) waitSince(ctx context.Context, since uint64) (uint64, error) {
	if d.current() > since {
		return d.current(), nil
	}

	// cond.Wait has no context awareness, so a side goroutine turns
	// ctx cancellation into a broadcast that wakes every waiter. stop
	// unblocks that goroutine once this call returns by any path, so it
	// never outlives a long-lived (e.g. background) ctx.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stop:
		}
	}()

	d.mu.Lock()
	for d.value.Load() <= since {
		if ctx.Err() != nil {
			d.mu.Unlock()
			return d.current(), ctx.Err()
		}
		d.cond.Wait()
	}
	current := d.value.Load()
	d.mu.Unlock()
	return current, nil
}

// DiscoveryEpoch reports the registry's current discovery epoch, bumped
// once per successful Register call.
func (r *Registry) DiscoveryEpoch() uint64 {
	return r.epoch.current()
}

// WaitForDiscovery blocks until the registry's discovery epoch advances
// past since (i.e. at least one more module has been registered), or ctx
// is cancelled. Callers typically pass their last observed epoch to wait
// only for new registrations.
func (r *Registry) WaitForDiscovery(ctx context.Context, since uint64) (uint64, error) {
	return r.epoch.waitSince(ctx, since)
}
