// Package concurrency holds the two process-wide counting semaphores named
// in the data model: the encode permit pool and the upload permit pool. Both
// are passed explicitly through application wiring rather than reached for
// as globals.
package concurrency

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/prometheus/client_golang/prometheus"
)

// Permits bounds concurrent access to a scarce resource (encoder
// subprocesses, object-store PUTs) to a fixed capacity.
type Permits struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    int64

	inUseGauge prometheus.Gauge
}

// NewPermits creates a pool with the given capacity. Capacity below 1 is
// clamped to 1 so a misconfigured pool never deadlocks every acquire.
func NewPermits(capacity int) *Permits {
	if capacity < 1 {
		capacity = 1
	}
	return &Permits{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// ReportTo wires this pool's in-use and capacity gauges for Prometheus
// export. total is set once immediately; inUse is updated on every
// Acquire/Release.
func (p *Permits) ReportTo(inUse, total prometheus.Gauge) {
	p.inUseGauge = inUse
	total.Set(float64(p.capacity))
}

// Acquire blocks until a permit is available or ctx is done.
func (p *Permits) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.recordInUse(atomic.AddInt64(&p.inUse, 1))
	return nil
}

// Release returns a permit to the pool. Callers must pair every successful
// Acquire with exactly one Release, on every exit path.
func (p *Permits) Release() {
	p.sem.Release(1)
	p.recordInUse(atomic.AddInt64(&p.inUse, -1))
}

func (p *Permits) recordInUse(value int64) {
	if p.inUseGauge != nil {
		p.inUseGauge.Set(float64(value))
	}
}

// Capacity returns the pool's fixed size, for metrics reporting.
func (p *Permits) Capacity() int64 {
	return p.capacity
}

// InUse returns the number of permits currently held.
func (p *Permits) InUse() int64 {
	return atomic.LoadInt64(&p.inUse)
}
