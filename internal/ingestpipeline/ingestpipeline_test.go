package ingestpipeline

import (
	"testing"

	"github.com/castforge/ingestd/internal/progressbus"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return New(Dependencies{
		Bus: progressbus.New(progressbus.DefaultSubscribeWait, progressbus.DefaultEvictionGrace),
	})
}

func TestCancelInvokesRegisteredEncodeCancel(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.deps.Bus.Create("upload-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fired := false
	p.setEncodeCancel("upload-1", func() { fired = true })

	if err := p.Cancel("upload-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !fired {
		t.Fatal("expected Cancel to invoke the registered encode cancel func")
	}

	snap, err := p.deps.Bus.Snapshot("upload-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != "failed" {
		t.Fatalf("expected bus to record a failed status after cancel, got %q", snap.Status)
	}
}

func TestCancelIsSafeWithoutARegisteredEncodeCancel(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.deps.Bus.Create("upload-2"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.Cancel("upload-2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestTakeEncodeCancelRemovesEntry(t *testing.T) {
	p := newTestPipeline(t)
	calls := 0
	p.setEncodeCancel("upload-3", func() { calls++ })

	cancel := p.takeEncodeCancel("upload-3")
	if cancel == nil {
		t.Fatal("expected a registered cancel func")
	}
	cancel()
	if calls != 1 {
		t.Fatalf("expected cancel func to run once, ran %d times", calls)
	}

	if again := p.takeEncodeCancel("upload-3"); again != nil {
		t.Fatal("expected cancel func to be removed after being taken once")
	}
}

func TestClearEncodeCancelRemovesEntryWithoutInvoking(t *testing.T) {
	p := newTestPipeline(t)
	calls := 0
	p.setEncodeCancel("upload-4", func() { calls++ })

	p.clearEncodeCancel("upload-4")

	if cancel := p.takeEncodeCancel("upload-4"); cancel != nil {
		t.Fatal("expected clearEncodeCancel to remove the entry")
	}
	if calls != 0 {
		t.Fatal("expected clearEncodeCancel not to invoke the cancel func")
	}
}
