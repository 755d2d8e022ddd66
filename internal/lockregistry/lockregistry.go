// Package lockregistry provides named, reentrant mutual exclusion keyed by
// pool id. Every pool-synchronized operation in the Allocation Service
// acquires a pool's lock before it reads-then-writes that pool's state.
// A Registry built with NewWithStore additionally holds the Store's
// cross-process advisory lock for the span of each acquisition, so two
// daemon replicas sharing one database serialize their pool mutations the
// same way two goroutines in one process do.
package lockregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coriolis/minion-manager/internal/metrics"
)

type ownerHeldKey struct{}

// heldSet tracks which pool ids the current call chain already holds, so a
// method that is already inside a pool's lock can call another
// pool-synchronized method for the same pool without deadlocking itself.
type heldSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// WithOwner attaches a fresh reentrancy scope to ctx, unless one is
// already present. Call it at the top of every request entry point (e.g.
// the Allocation Service's façade methods); nested calls inherit the
// existing scope via ctx and any re-entrant Lock call for a pool id
// already held in that scope becomes a no-op.
func WithOwner(ctx context.Context) context.Context {
	if heldFromCtx(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ownerHeldKey{}, &heldSet{ids: make(map[string]struct{})})
}

func heldFromCtx(ctx context.Context) *heldSet {
	if h, ok := ctx.Value(ownerHeldKey{}).(*heldSet); ok {
		return h
	}
	return nil
}

// Unlock releases a lock previously returned by Registry.Lock. It is safe
// (and a no-op) to call more than once.
type Unlock func()

// CrossProcessLocker is the slice of the Store the registry composes for
// cross-process exclusion: a scoped lock keyed by pool id, held for the
// duration of fn. The Postgres store implements it with
// pg_advisory_lock; the in-memory store with a mutex table.
type CrossProcessLocker interface {
	WithPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context) error) error
}

// Registry is a process-wide, pool-id-keyed mutex table. Entries are
// created lazily and never removed — pool ids are finite and reused rarely
// enough that this does not leak meaningfully over a process lifetime.
type Registry struct {
	locks        sync.Map // pool id -> *sync.Mutex
	crossProcess CrossProcessLocker
}

// New returns a Registry that arbitrates goroutines inside one process
// only.
func New() *Registry {
	return &Registry{}
}

// NewWithStore returns a Registry whose Lock also takes the Store's
// cross-process advisory lock for the pool, releasing it together with the
// in-process mutex. The daemon always constructs its registry this way;
// New remains for tests that exercise a single process.
func NewWithStore(cross CrossProcessLocker) *Registry {
	return &Registry{crossProcess: cross}
}

func (r *Registry) mutexFor(poolID string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(poolID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lock acquires the named lock for poolID, blocking until it is free or ctx
// is cancelled. If the calling chain (per ctx, see WithOwner) already holds
// this pool's lock, Lock returns immediately with a no-op Unlock.
func (r *Registry) Lock(ctx context.Context, poolID string) (Unlock, error) {
	held := heldFromCtx(ctx)
	if held != nil {
		held.mu.Lock()
		_, already := held.ids[poolID]
		if !already {
			held.ids[poolID] = struct{}{}
		}
		held.mu.Unlock()
		if already {
			return func() {}, nil
		}
	}

	mu := r.mutexFor(poolID)
	waitStart := time.Now()
	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		metrics.RecordLockWait(time.Since(waitStart).Seconds())
	case <-ctx.Done():
		// The goroutine above will still acquire mu eventually and leak it
		// locked forever unless we also release once it does. Spawn a
		// releaser so a cancelled waiter never poisons the lock for later
		// callers.
		go func() {
			<-acquired
			mu.Unlock()
		}()
		if held != nil {
			held.mu.Lock()
			delete(held.ids, poolID)
			held.mu.Unlock()
		}
		return nil, ctx.Err()
	}

	var releaseCross func()
	if r.crossProcess != nil {
		var err error
		releaseCross, err = r.acquireCrossProcess(ctx, poolID)
		if err != nil {
			if held != nil {
				held.mu.Lock()
				delete(held.ids, poolID)
				held.mu.Unlock()
			}
			mu.Unlock()
			return nil, err
		}
	}

	released := false
	var releaseMu sync.Mutex
	unlock := func() {
		releaseMu.Lock()
		defer releaseMu.Unlock()
		if released {
			return
		}
		released = true
		if releaseCross != nil {
			releaseCross()
		}
		if held != nil {
			held.mu.Lock()
			delete(held.ids, poolID)
			held.mu.Unlock()
		}
		mu.Unlock()
	}
	return unlock, nil
}

// acquireCrossProcess bridges the Store's scoped WithPoolLock callback into
// the registry's lock/unlock shape: a goroutine enters WithPoolLock and
// parks inside the callback until the returned release func is called, so
// the advisory lock is held for exactly the span of the in-process lock.
func (r *Registry) acquireCrossProcess(ctx context.Context, poolID string) (func(), error) {
	acquired := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- r.crossProcess.WithPoolLock(ctx, poolID, func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()

	select {
	case <-acquired:
		return func() { close(release) }, nil
	case err := <-done:
		// WithPoolLock returned before the callback ran: acquisition failed.
		if err == nil {
			err = fmt.Errorf("cross-process lock for pool %s returned before acquisition", poolID)
		}
		return nil, err
	case <-ctx.Done():
		// The lock may still land after cancellation; hand it straight back
		// so a cancelled waiter never strands the advisory lock.
		go func() {
			select {
			case <-acquired:
				close(release)
			case <-done:
			}
		}()
		return nil, ctx.Err()
	}
}
