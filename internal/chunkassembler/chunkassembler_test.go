package chunkassembler

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/castforge/ingestd/internal/observability/metrics"
)

func newTestAssembler(t *testing.T) *Assembler {
	t.Helper()
	a, err := New(t.TempDir(), time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestPutChunkAndFinalizeAssemblesInOrder(t *testing.T) {
	a := newTestAssembler(t)

	if err := a.PutChunk("upload-1", 1, 2, "video.mp4", bytes.NewReader([]byte("second "))); err != nil {
		t.Fatalf("put chunk 1: %v", err)
	}
	if err := a.PutChunk("upload-1", 0, 2, "video.mp4", bytes.NewReader([]byte("first "))); err != nil {
		t.Fatalf("put chunk 0: %v", err)
	}

	finalized, err := a.Finalize("upload-1", "My Video", []string{"tag1"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	data, err := os.ReadFile(finalized.Path)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if string(data) != "first second " {
		t.Fatalf("expected chunks assembled in index order, got %q", string(data))
	}
	if finalized.DisplayName != "My Video" {
		t.Fatalf("expected display name preserved, got %q", finalized.DisplayName)
	}
}

func TestFinalizeFailsWhenIncomplete(t *testing.T) {
	a := newTestAssembler(t)
	if err := a.PutChunk("upload-2", 0, 2, "video.mp4", bytes.NewReader([]byte("only chunk"))); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	if _, err := a.Finalize("upload-2", "", nil); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestPutChunkRejectsMismatchedTotal(t *testing.T) {
	a := newTestAssembler(t)
	if err := a.PutChunk("upload-3", 0, 3, "video.mp4", bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	if err := a.PutChunk("upload-3", 1, 5, "video.mp4", bytes.NewReader([]byte("b"))); err != ErrChunkMismatch {
		t.Fatalf("expected ErrChunkMismatch, got %v", err)
	}
}

func TestPutChunkRejectsOutOfRangeIndex(t *testing.T) {
	a := newTestAssembler(t)
	if err := a.PutChunk("upload-4", 5, 3, "video.mp4", bytes.NewReader([]byte("a"))); err != ErrInvalidIndex {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}

func TestAbortRemovesStagingDirectory(t *testing.T) {
	a := newTestAssembler(t)
	if err := a.PutChunk("upload-5", 0, 1, "video.mp4", bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	dir := a.stagingDir("upload-5")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected staging dir to exist: %v", err)
	}

	if err := a.Abort("upload-5"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir to be removed, stat err=%v", err)
	}

	if _, err := a.Finalize("upload-5", "", nil); err != ErrUnknownUpload {
		t.Fatalf("expected ErrUnknownUpload after abort, got %v", err)
	}
}

func TestStagedBytesGaugeTracksWritesAndCleanup(t *testing.T) {
	a := newTestAssembler(t)

	before := testutil.ToFloat64(metrics.ChunkAssemblerStagedBytes)

	if err := a.PutChunk("upload-6", 0, 1, "video.mp4", bytes.NewReader([]byte("0123456789"))); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ChunkAssemblerStagedBytes); got != before+10 {
		t.Fatalf("expected staged bytes to increase by 10, got %v (before %v)", got, before)
	}

	if _, err := a.Finalize("upload-6", "", nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ChunkAssemblerStagedBytes); got != before {
		t.Fatalf("expected staged bytes to return to baseline after finalize, got %v (before %v)", got, before)
	}
}

func TestSweepExpiredAbortsIdleSets(t *testing.T) {
	a, err := New(t.TempDir(), 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.PutChunk("upload-7", 0, 1, "video.mp4", bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	a.sweepExpired()

	if _, err := a.Finalize("upload-7", "", nil); err != ErrUnknownUpload {
		t.Fatalf("expected expired set to be aborted, got %v", err)
	}
}

func TestStagingDirNestsUnderRoot(t *testing.T) {
	root := t.TempDir()
	a, err := New(root, time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := filepath.Join(root, "upload-8")
	if got := a.stagingDir("upload-8"); got != want {
		t.Fatalf("expected staging dir %q, got %q", want, got)
	}
}
