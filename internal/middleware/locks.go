package middleware

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aristath/dagrun/internal/scheduler"
)

// ResourceLockManager provides per-resource mutual exclusion between tasks.
// Each resource name gets a one-slot channel, so acquisition can be abandoned
// when the context ends.
type ResourceLockManager struct {
	mu    sync.Mutex               // guards locks
	locks map[string]chan struct{} // resource -> slot
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (r *ResourceLockManager) slot(resource string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.locks[resource]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[resource] = ch
	}
	return ch
}

// Lock acquires resource, waiting until it is free or ctx is done.
func (r *ResourceLockManager) Lock(ctx context.Context, resource string) error {
	select {
	case r.slot(resource) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases resource. Unlocking a free resource is a no-op.
func (r *ResourceLockManager) Unlock(resource string) {
	select {
	case <-r.slot(resource):
	default:
	}
}

// LockAll acquires every resource in sorted order, which rules out lock-order
// deadlocks between tasks. On failure nothing stays held.
func (r *ResourceLockManager) LockAll(ctx context.Context, resources []string) error {
	sorted := normalize(resources)
	for i, resource := range sorted {
		if err := r.Lock(ctx, resource); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.Unlock(sorted[j])
			}
			return fmt.Errorf("locking %q: %w", resource, err)
		}
	}
	return nil
}

// UnlockAll releases resources in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(resources []string) {
	sorted := normalize(resources)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func normalize(resources []string) []string {
	sorted := slices.Clone(resources)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}

// Locks serialises tasks that declare overlapping resources. resources maps
// task names to the resources they need; tasks absent from it run unlocked.
func Locks(lm *ResourceLockManager, resources map[string][]string) Middleware {
	return func(name string, next scheduler.Execution) scheduler.Execution {
		needed := resources[name]
		if len(needed) == 0 {
			return next
		}
		return func(ctx context.Context) error {
			if err := lm.LockAll(ctx, needed); err != nil {
				return err
			}
			defer lm.UnlockAll(needed)
			return next(ctx)
		}
	}
}
