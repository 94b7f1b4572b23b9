package coordinator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultSlots bounds how many conversions may run at once.
	DefaultSlots = 5
	// DefaultAdmissionTimeout bounds how long a request waits for a free slot.
	DefaultAdmissionTimeout = 10 * time.Second
)

// AdmissionController hands out slots from a fixed-capacity pool. Waiters are
// served in FIFO order; a waiter that outlives the wait timeout is rejected
// with ErrAdmissionTimeout instead of queueing indefinitely.
type AdmissionController struct {
	sem         *semaphore.Weighted
	capacity    int
	waitTimeout time.Duration
}

// Slot is a scoped permit for one heavy conversion. Release returns it to the
// pool; releasing more than once is a no-op so deferred releases stay safe on
// every exit path.
type Slot struct {
	once    sync.Once
	release func()
}

// Release returns the slot to the pool.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// NewAdmissionController builds a pool with the given capacity and wait
// timeout, substituting defaults for non-positive values.
func NewAdmissionController(capacity int, waitTimeout time.Duration) *AdmissionController {
	if capacity <= 0 {
		capacity = DefaultSlots
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultAdmissionTimeout
	}
	return &AdmissionController{
		sem:         semaphore.NewWeighted(int64(capacity)),
		capacity:    capacity,
		waitTimeout: waitTimeout,
	}
}

// Capacity reports the fixed pool size.
func (c *AdmissionController) Capacity() int {
	return c.capacity
}

// Acquire blocks until a slot frees up, the wait timeout elapses, or ctx is
// cancelled. The caller owns the returned slot and must release it exactly
// once, normally via defer.
func (c *AdmissionController) Acquire(ctx context.Context) (*Slot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			// The caller went away; report that rather than overload.
			return nil, ctx.Err()
		}
		return nil, ErrAdmissionTimeout
	}
	return &Slot{release: func() { c.sem.Release(1) }}, nil
}

// TryAcquire grabs a slot without waiting. It exists for health reporting and
// tests; request handling always goes through Acquire.
func (c *AdmissionController) TryAcquire() (*Slot, bool) {
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	return &Slot{release: func() { c.sem.Release(1) }}, true
}
