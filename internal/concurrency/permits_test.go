package concurrency

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewPermitsClampsCapacityBelowOne(t *testing.T) {
	p := NewPermits(0)
	if p.Capacity() != 1 {
		t.Fatalf("expected capacity to clamp to 1, got %d", p.Capacity())
	}
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	p := NewPermits(1)
	ctx := context.Background()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if p.InUse() != 1 {
		t.Fatalf("expected InUse 1, got %d", p.InUse())
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := p.Acquire(cancelCtx); err == nil {
		t.Fatal("expected acquire against a cancelled context to fail while the pool is exhausted")
	}

	p.Release()
	if p.InUse() != 0 {
		t.Fatalf("expected InUse 0 after release, got %d", p.InUse())
	}
}

func TestReportToUpdatesGaugesOnAcquireAndRelease(t *testing.T) {
	p := NewPermits(3)
	inUse := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_in_use"})
	total := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_total"})
	p.ReportTo(inUse, total)

	if got := testutil.ToFloat64(total); got != 3 {
		t.Fatalf("expected total gauge set to capacity 3, got %v", got)
	}

	ctx := context.Background()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := testutil.ToFloat64(inUse); got != 1 {
		t.Fatalf("expected in-use gauge 1 after acquire, got %v", got)
	}

	p.Release()
	if got := testutil.ToFloat64(inUse); got != 0 {
		t.Fatalf("expected in-use gauge back to 0 after release, got %v", got)
	}
}
